package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/StirlingMarketingGroup/go-retry"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// DialRetries is how many times establishing the TCP/TLS connection is
// retried before Connect gives up. Authentication is never retried here.
var DialRetries = 3

// IMAPSession implements Session on top of go-imap v2.
type IMAPSession struct {
	addr      string
	host      string
	implicit  bool
	tlsConfig *tls.Config
	timeout   time.Duration
	log       *slog.Logger

	client *imapclient.Client
}

// NewIMAPSession creates an unconnected session for addr (host:port).
// implicitTLS selects TLS on connect; otherwise STARTTLS is required.
func NewIMAPSession(
	addr string,
	implicitTLS bool,
	tlsConfig *tls.Config,
	logger *slog.Logger,
) *IMAPSession {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPSession{
		addr:      addr,
		host:      host,
		implicit:  implicitTLS,
		tlsConfig: tlsConfig,
		timeout:   30 * time.Second,
		log:       logger.With("component", "imap", "addr", addr),
	}
}

// Connect dials the server and waits for the greeting.
func (s *IMAPSession) Connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}

	cfg := s.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: s.host}
	}

	var client *imapclient.Client
	err := retry.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dialer := &net.Dialer{Timeout: s.timeout}
		conn, err := dialer.DialContext(ctx, "tcp", s.addr)
		if err != nil {
			return err
		}
		if s.implicit {
			tlsConn := tls.Client(conn, cfg)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return err
			}
			client = imapclient.New(tlsConn, &imapclient.Options{TLSConfig: cfg})
		} else {
			client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: cfg})
			if err != nil {
				conn.Close()
				return err
			}
		}
		return nil
	}, DialRetries, func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("failed to connect, retrying shortly", "error", err)
		return nil
	}, func() error {
		s.log.Debug("retrying connection now")
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connecting to IMAP %s: %w", s.addr, err)
	}

	s.client = client
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()
	if err := client.WaitGreeting(); err != nil {
		return s.mapErr(ctx, "greeting", err)
	}

	s.log.Debug("connected")
	return nil
}

// Authenticate logs in with the first usable mechanism of creds.Mechanisms.
func (s *IMAPSession) Authenticate(ctx context.Context, creds Credentials) error {
	done, err := s.guard(ctx)
	if err != nil {
		return err
	}
	defer done()

	caps := s.client.Caps()
	for _, mech := range creds.Mechanisms {
		mech = strings.ToUpper(mech)

		var saslClient sasl.Client
		switch mech {
		case "XOAUTH2":
			if caps.Has(imap.Cap("AUTH=XOAUTH2")) {
				saslClient = NewXOAuth2Client(creds.Username, creds.Secret)
			}
		case sasl.OAuthBearer:
			if caps.Has(imap.Cap("AUTH=OAUTHBEARER")) {
				saslClient = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
					Username: creds.Username,
					Token:    creds.Secret,
					Host:     s.host,
				})
			}
		case sasl.Plain:
			if caps.Has(imap.Cap("AUTH=PLAIN")) {
				saslClient = sasl.NewPlainClient("", creds.Username, creds.Secret)
			}
		case "LOGIN":
			if caps.Has(imap.CapLoginDisabled) {
				continue
			}
			err := s.client.Login(creds.Username, creds.Secret).Wait()
			return s.mapAuthErr(ctx, mech, err)
		}
		if saslClient == nil {
			continue
		}
		err := s.client.Authenticate(saslClient)
		return s.mapAuthErr(ctx, mech, err)
	}

	return &AuthError{
		Mechanism: strings.Join(creds.Mechanisms, ","),
		Message:   "server offers none of the allowed mechanisms",
	}
}

// Capabilities runs CAPABILITY.
func (s *IMAPSession) Capabilities(ctx context.Context) (Capabilities, error) {
	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	set, err := s.client.Capability().Wait()
	if err != nil {
		return nil, s.mapErr(ctx, "CAPABILITY", err)
	}
	caps := make(Capabilities, len(set))
	for c := range set {
		caps[strings.ToUpper(string(c))] = true
	}
	return caps, nil
}

// ID runs the ID exchange.
func (s *IMAPSession) ID(ctx context.Context, clientID map[string]string) (map[string]string, error) {
	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	var data *imap.IDData
	if clientID != nil {
		data = &imap.IDData{
			Name:       clientID["name"],
			Version:    clientID["version"],
			OS:         clientID["os"],
			Vendor:     clientID["vendor"],
			SupportURL: clientID["support-url"],
		}
	}
	reply, err := s.client.ID(data).Wait()
	if err != nil {
		return nil, s.mapErr(ctx, "ID", err)
	}
	out := map[string]string{}
	if reply == nil {
		return out, nil
	}
	for k, v := range map[string]string{
		"name":        reply.Name,
		"version":     reply.Version,
		"os":          reply.OS,
		"os-version":  reply.OSVersion,
		"vendor":      reply.Vendor,
		"support-url": reply.SupportURL,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out, nil
}

// List returns every mailbox of the account.
func (s *IMAPSession) List(ctx context.Context) ([]Mailbox, error) {
	return s.list(ctx, "*")
}

func (s *IMAPSession) list(ctx context.Context, pattern string) ([]Mailbox, error) {
	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	data, err := s.client.List("", pattern, nil).Collect()
	if err != nil {
		return nil, s.mapErr(ctx, "LIST", err)
	}
	boxes := make([]Mailbox, 0, len(data))
	for _, d := range data {
		mb := Mailbox{Path: d.Mailbox, Delim: d.Delim}
		for _, a := range d.Attrs {
			mb.Attrs = append(mb.Attrs, string(a))
		}
		boxes = append(boxes, mb)
	}
	return boxes, nil
}

// Open lists and selects a mailbox.
func (s *IMAPSession) Open(ctx context.Context, path string, readOnly bool) (*MailboxStatus, error) {
	boxes, err := s.list(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(boxes) == 0 || boxes[0].HasAttr(AttrNonExistent) {
		return nil, &MailboxNotFoundError{Path: path}
	}
	status := &MailboxStatus{Mailbox: boxes[0], ReadOnly: readOnly}
	if status.Mailbox.HasAttr(AttrNoSelect) {
		status.NoSelect = true
		return status, nil
	}

	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	data, err := s.client.Select(path, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeNonExistent {
			return nil, &MailboxNotFoundError{Path: path}
		}
		return nil, s.mapErr(ctx, "SELECT", err)
	}
	if data.UIDValidity == 0 {
		return nil, &ParseError{Command: "SELECT", Message: "missing UIDVALIDITY for " + path}
	}
	status.UIDValidity = data.UIDValidity
	status.UIDNext = uint32(data.UIDNext)
	status.Exists = data.NumMessages
	return status, nil
}

// Search runs UID SEARCH in the selected mailbox.
func (s *IMAPSession) Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error) {
	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	c := &imap.SearchCriteria{Since: criteria.Since}
	if len(criteria.UIDs) > 0 {
		c.UID = []imap.UIDSet{uidSet(criteria.UIDs)}
	}
	if criteria.Deleted {
		c.Flag = append(c.Flag, imap.FlagDeleted)
	}
	if criteria.NotDeleted {
		c.NotFlag = append(c.NotFlag, imap.FlagDeleted)
	}
	if criteria.Text != "" {
		c.Text = []string{criteria.Text}
	}

	data, err := s.client.UIDSearch(c, nil).Wait()
	if err != nil {
		return nil, s.mapErr(ctx, "SEARCH", err)
	}
	found := data.AllUIDs()
	out := make([]uint32, 0, len(found))
	for _, uid := range found {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// Fetch returns summaries for the given UIDs. UIDs the server does not
// know are simply absent from the result.
func (s *IMAPSession) Fetch(ctx context.Context, uids []uint32, items FetchItems) ([]Summary, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	opts := &imap.FetchOptions{
		UID:      true,
		Envelope: items.Envelope,
		Flags:    items.Flags,
	}
	if items.BodyStructure {
		opts.BodyStructure = &imap.FetchItemBodyStructure{Extended: true}
	}
	var headerSection *imap.FetchItemBodySection
	if len(items.HeaderFields) > 0 {
		headerSection = &imap.FetchItemBodySection{
			Specifier:    imap.PartSpecifierHeader,
			HeaderFields: items.HeaderFields,
			Peek:         true,
		}
		opts.BodySection = []*imap.FetchItemBodySection{headerSection}
	}

	cmd := s.client.Fetch(uidSet(uids), opts)
	defer cmd.Close()

	var out []Summary
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, s.mapErr(ctx, "FETCH", err)
		}
		if buf.UID == 0 {
			continue
		}
		sum := Summary{UID: uint32(buf.UID)}
		if items.Flags {
			sum.HasFlags = true
			for _, f := range buf.Flags {
				sum.Flags = append(sum.Flags, string(f))
			}
		}
		if buf.Envelope != nil {
			sum.Envelope = convertEnvelope(buf.Envelope)
		}
		if buf.BodyStructure != nil {
			sum.Body = convertBody(buf.BodyStructure, "")
		}
		if headerSection != nil {
			sum.Headers = buf.FindBodySection(headerSection)
		}
		out = append(out, sum)
	}

	if err := cmd.Close(); err != nil {
		return nil, s.mapErr(ctx, "FETCH", err)
	}
	return out, nil
}

// FetchSection returns the raw bytes of one body section.
func (s *IMAPSession) FetchSection(ctx context.Context, uid uint32, section Section) ([]byte, error) {
	part, err := parsePart(section.Part)
	if err != nil {
		return nil, err
	}
	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	item := &imap.FetchItemBodySection{Part: part, Peek: true}
	if section.HeaderOnly {
		item.Specifier = imap.PartSpecifierHeader
		if len(part) > 0 {
			item.Specifier = imap.PartSpecifierMIME
		}
	}
	if section.Limit > 0 {
		item.Partial = &imap.SectionPartial{Offset: 0, Size: section.Limit}
	}

	cmd := s.client.Fetch(uidSet([]uint32{uid}), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{item},
	})
	defer cmd.Close()

	var body []byte
	if msg := cmd.Next(); msg != nil {
		buf, err := msg.Collect()
		if err != nil {
			return nil, s.mapErr(ctx, "FETCH", err)
		}
		body = buf.FindBodySection(item)
	}
	if err := cmd.Close(); err != nil {
		return nil, s.mapErr(ctx, "FETCH", err)
	}
	return body, nil
}

// Append stores msg in path.
func (s *IMAPSession) Append(
	ctx context.Context,
	path string,
	msg []byte,
	flags []string,
	date time.Time,
) (*AppendResult, error) {
	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	opts := &imap.AppendOptions{Time: date}
	for _, f := range flags {
		opts.Flags = append(opts.Flags, imap.Flag(f))
	}
	cmd := s.client.Append(path, int64(len(msg)), opts)
	if _, err := bytes.NewReader(msg).WriteTo(cmd); err != nil {
		cmd.Close()
		return nil, &IOError{Op: "APPEND " + path, Err: err}
	}
	if err := cmd.Close(); err != nil {
		return nil, s.mapErr(ctx, "APPEND", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeTryCreate {
			return nil, &MailboxNotFoundError{Path: path}
		}
		return nil, s.mapErr(ctx, "APPEND", err)
	}
	return &AppendResult{UID: uint32(data.UID), UIDValidity: data.UIDValidity}, nil
}

// StoreFlags adds or removes flags on the given UIDs.
func (s *IMAPSession) StoreFlags(ctx context.Context, uids []uint32, add bool, flags []string) error {
	if len(uids) == 0 {
		return nil
	}
	done, err := s.guard(ctx)
	if err != nil {
		return err
	}
	defer done()

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}
	store := &imap.StoreFlags{Op: op, Silent: true}
	for _, f := range flags {
		store.Flags = append(store.Flags, imap.Flag(f))
	}
	if err := s.client.Store(uidSet(uids), store, nil).Close(); err != nil {
		return s.mapErr(ctx, "STORE", err)
	}
	return nil
}

// Move moves UIDs to dest, falling back to COPY/STORE/EXPUNGE when the
// server lacks MOVE.
func (s *IMAPSession) Move(ctx context.Context, uids []uint32, dest string) (*MoveResult, error) {
	res := &MoveResult{UIDMap: map[uint32]uint32{}}
	if len(uids) == 0 {
		return res, nil
	}
	done, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	data, err := s.client.Move(uidSet(uids), dest).Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeTryCreate {
			return nil, &MailboxNotFoundError{Path: dest}
		}
		return nil, s.mapErr(ctx, "MOVE", err)
	}
	if data == nil || data.SourceUIDs == nil || data.DestUIDs == nil {
		return res, nil
	}

	var src, dst imap.NumSet = data.SourceUIDs, data.DestUIDs
	srcSet, ok1 := src.(imap.UIDSet)
	dstSet, ok2 := dst.(imap.UIDSet)
	if !ok1 || !ok2 {
		return res, nil
	}
	srcNums, ok1 := srcSet.Nums()
	dstNums, ok2 := dstSet.Nums()
	if !ok1 || !ok2 || len(srcNums) != len(dstNums) {
		return nil, &ParseError{Command: "MOVE", Message: "COPYUID source and destination sets differ"}
	}
	for i := range srcNums {
		res.UIDMap[uint32(srcNums[i])] = uint32(dstNums[i])
	}
	res.Mapped = true
	return res, nil
}

// Expunge removes \Deleted messages, limited to uids when given.
func (s *IMAPSession) Expunge(ctx context.Context, uids []uint32) error {
	done, err := s.guard(ctx)
	if err != nil {
		return err
	}
	defer done()

	var cmd *imapclient.ExpungeCommand
	if len(uids) > 0 {
		cmd = s.client.UIDExpunge(uidSet(uids))
	} else {
		cmd = s.client.Expunge()
	}
	if err := cmd.Close(); err != nil {
		return s.mapErr(ctx, "EXPUNGE", err)
	}
	return nil
}

// Close logs out and closes the connection. It is safe to call on a
// closed session.
func (s *IMAPSession) Close() error {
	if s.client == nil {
		return nil
	}
	c := s.client
	s.client = nil

	logout := make(chan error, 1)
	go func() { logout <- c.Logout().Wait() }()
	select {
	case <-logout:
	case <-time.After(5 * time.Second):
	}
	return c.Close()
}

// guard checks the session is usable and closes the client if ctx is
// cancelled while a command is in flight.
func (s *IMAPSession) guard(ctx context.Context) (func(), error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.client
	stop := context.AfterFunc(ctx, func() { c.Close() })
	return func() { stop() }, nil
}

// drop forgets a client whose stream can no longer be trusted.
func (s *IMAPSession) drop() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// mapErr turns a go-imap error into one of the transport error types.
func (s *IMAPSession) mapErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		s.drop()
		return ctx.Err()
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &CommandError{
			Command: op,
			Status:  string(imapErr.Type),
			Code:    string(imapErr.Code),
			Text:    imapErr.Text,
		}
	}

	s.drop()
	if IsSocketError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &StreamError{Command: op, Err: err}
}

// mapAuthErr classifies authentication replies: NO means the credentials
// were rejected, BAD stays a protocol-level CommandError.
func (s *IMAPSession) mapAuthErr(ctx context.Context, mech string, err error) error {
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
		return &AuthError{Mechanism: mech, Message: imapErr.Text}
	}
	return s.mapErr(ctx, "AUTHENTICATE "+mech, err)
}

func uidSet(uids []uint32) imap.UIDSet {
	set := make([]imap.UID, len(uids))
	for i, u := range uids {
		set[i] = imap.UID(u)
	}
	return imap.UIDSetNum(set...)
}

func parsePart(part string) ([]int, error) {
	if part == "" {
		return nil, nil
	}
	fields := strings.Split(part, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid section path %q", part)
		}
		out[i] = n
	}
	return out, nil
}

func convertAddresses(in []imap.Address) []Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]Address, 0, len(in))
	for _, a := range in {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		out = append(out, Address{Name: a.Name, Addr: a.Addr()})
	}
	return out
}

func convertEnvelope(env *imap.Envelope) *Envelope {
	return &Envelope{
		Date:      env.Date,
		Subject:   env.Subject,
		From:      convertAddresses(env.From),
		To:        convertAddresses(env.To),
		Cc:        convertAddresses(env.Cc),
		ReplyTo:   convertAddresses(env.ReplyTo),
		InReplyTo: env.InReplyTo,
		MessageID: env.MessageID,
	}
}

// convertBody maps a BODYSTRUCTURE tree, numbering sections the IMAP way.
func convertBody(bs imap.BodyStructure, path string) *BodyPart {
	switch b := bs.(type) {
	case *imap.BodyStructureSinglePart:
		if path == "" {
			path = "1"
		}
		p := &BodyPart{
			Path:      path,
			Type:      b.Type,
			Subtype:   b.Subtype,
			Params:    b.Params,
			ContentID: strings.Trim(b.ID, "<>"),
			Encoding:  b.Encoding,
			Size:      b.Size,
		}
		if d := b.Disposition(); d != nil {
			p.Disposition = strings.ToLower(d.Value)
			p.DispositionParams = d.Params
		}
		return p
	case *imap.BodyStructureMultiPart:
		p := &BodyPart{Path: path, Type: "multipart", Subtype: b.Subtype}
		if b.Extended != nil {
			p.Params = b.Extended.Params
		}
		if d := b.Disposition(); d != nil {
			p.Disposition = strings.ToLower(d.Value)
			p.DispositionParams = d.Params
		}
		for i, child := range b.Children {
			childPath := strconv.Itoa(i + 1)
			if path != "" {
				childPath = path + "." + childPath
			}
			p.Children = append(p.Children, convertBody(child, childPath))
		}
		return p
	default:
		return nil
	}
}

// IMAPDialer creates IMAP sessions for one server.
type IMAPDialer struct {
	Addr        string
	ImplicitTLS bool
	TLSConfig   *tls.Config
	Logger      *slog.Logger
}

// NewSession implements Dialer.
func (d *IMAPDialer) NewSession() Session {
	return NewIMAPSession(d.Addr, d.ImplicitTLS, d.TLSConfig, d.Logger)
}

var (
	_ Session = (*IMAPSession)(nil)
	_ Dialer  = (*IMAPDialer)(nil)
)
