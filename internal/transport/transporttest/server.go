// Package transporttest provides an in-memory IMAP server for engine tests.
package transporttest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/nhle/imapsync/internal/transport"
)

// Message is a message held by the fake server.
type Message struct {
	UID      uint32
	Flags    []string
	Envelope *transport.Envelope
	Body     *transport.BodyPart
	// Raw is the full RFC 5322 message.
	Raw []byte
	// Sections overrides FetchSection results by section path.
	Sections map[string][]byte
	ThreadID uint64
}

func (m *Message) hasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Mailbox is a mailbox held by the fake server.
type Mailbox struct {
	Path        string
	Delim       rune
	Attrs       []string
	UIDValidity uint32
	UIDNext     uint32
	Messages    []*Message
}

func (mb *Mailbox) find(uid uint32) *Message {
	for _, m := range mb.Messages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

// Server is an in-memory IMAP server. It implements transport.Dialer.
type Server struct {
	mu sync.Mutex

	// Caps are advertised before and AuthCaps after authentication.
	Caps     transport.Capabilities
	AuthCaps transport.Capabilities

	Username string
	Secret   string

	// IDReply is returned by ID. IDNeedsNil makes ID with arguments fail
	// with BAD, as some servers do.
	IDReply    map[string]string
	IDNeedsNil bool

	// SearchHook, when set, filters the UIDs a search returns.
	SearchHook func(criteria transport.SearchCriteria, uids []uint32) []uint32

	mailboxes map[string]*Mailbox
	faults    map[string][]error
	calls     map[string]int
	mechs     []string
}

// NewServer returns a server with an empty INBOX and IMAP4rev1 capabilities.
func NewServer() *Server {
	s := &Server{
		Caps:      transport.NewCapabilities("IMAP4rev1", "AUTH=PLAIN", "ID"),
		AuthCaps:  transport.NewCapabilities("IMAP4rev1", "ID", "MOVE", "UIDPLUS"),
		Username:  "user@example.com",
		Secret:    "secret",
		IDReply:   map[string]string{"name": "fake-imapd"},
		mailboxes: map[string]*Mailbox{},
		faults:    map[string][]error{},
		calls:     map[string]int{},
	}
	s.AddMailbox("INBOX", 1)
	return s
}

// AddMailbox creates or replaces a mailbox.
func (s *Server) AddMailbox(path string, uidValidity uint32, attrs ...string) *Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := &Mailbox{Path: path, Delim: '/', Attrs: attrs, UIDValidity: uidValidity, UIDNext: 1}
	s.mailboxes[path] = mb
	return mb
}

// RemoveMailbox deletes a mailbox.
func (s *Server) RemoveMailbox(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mailboxes, path)
}

// Mailbox returns a mailbox for direct manipulation in tests.
func (s *Server) Mailbox(path string) *Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxes[path]
}

// AddMessage stores m in path and returns its UID. A zero UID is assigned
// from UIDNext.
func (s *Server) AddMessage(path string, m *Message) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessage(s.mailboxes[path], m)
}

func (s *Server) addMessage(mb *Mailbox, m *Message) uint32 {
	if m.UID == 0 {
		m.UID = mb.UIDNext
	}
	if m.UID >= mb.UIDNext {
		mb.UIDNext = m.UID + 1
	}
	mb.Messages = append(mb.Messages, m)
	sort.Slice(mb.Messages, func(i, j int) bool { return mb.Messages[i].UID < mb.Messages[j].UID })
	return m.UID
}

// RemoveMessage deletes a message without flagging it first.
func (s *Server) RemoveMessage(path string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.mailboxes[path]
	for i, m := range mb.Messages {
		if m.UID == uid {
			mb.Messages = append(mb.Messages[:i], mb.Messages[i+1:]...)
			return
		}
	}
}

// Fail queues errors returned by the next calls of op. Ops are connect,
// authenticate, capability, id, list, open, search, fetch, fetch_section,
// append, store, move and expunge.
func (s *Server) Fail(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// Calls returns how many times op was called.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Mechanisms returns the mechanism lists of every Authenticate call.
func (s *Server) Mechanisms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mechs...)
}

// NewSession implements transport.Dialer.
func (s *Server) NewSession() transport.Session {
	return &Session{srv: s}
}

// enter records a call and returns a queued fault, if any. The caller
// holds s.mu.
func (s *Server) enter(op string) error {
	s.calls[op]++
	if q := s.faults[op]; len(q) > 0 {
		err := q[0]
		s.faults[op] = q[1:]
		return err
	}
	return nil
}

// Session is a connection to a Server.
type Session struct {
	srv       *Server
	connected bool
	authed    bool
	selected  *Mailbox
	readOnly  bool
}

func (c *Session) begin(ctx context.Context, op string, needAuth bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.srv.enter(op); err != nil {
		if transport.IsStreamError(err) || transport.IsSocketError(err) {
			c.connected = false
			c.authed = false
		}
		return err
	}
	if op != "connect" && !c.connected {
		return transport.ErrNotConnected
	}
	if needAuth && !c.authed {
		return &transport.CommandError{Command: op, Status: "BAD", Text: "not authenticated"}
	}
	return nil
}

// Connect implements transport.Session.
func (c *Session) Connect(ctx context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "connect", false); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// Authenticate implements transport.Session.
func (c *Session) Authenticate(ctx context.Context, creds transport.Credentials) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	c.srv.mechs = append(c.srv.mechs, strings.Join(creds.Mechanisms, ","))
	if err := c.begin(ctx, "authenticate", false); err != nil {
		return err
	}
	if creds.Username != c.srv.Username || creds.Secret != c.srv.Secret {
		return &transport.AuthError{Mechanism: strings.Join(creds.Mechanisms, ","), Message: "invalid credentials"}
	}
	c.authed = true
	return nil
}

// Capabilities implements transport.Session.
func (c *Session) Capabilities(ctx context.Context) (transport.Capabilities, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "capability", false); err != nil {
		return nil, err
	}
	src := c.srv.Caps
	if c.authed {
		src = c.srv.AuthCaps
	}
	out := make(transport.Capabilities, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// ID implements transport.Session.
func (c *Session) ID(ctx context.Context, clientID map[string]string) (map[string]string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "id", false); err != nil {
		return nil, err
	}
	if c.srv.IDNeedsNil && clientID != nil {
		return nil, &transport.CommandError{Command: "ID", Status: "BAD", Text: "arguments not supported"}
	}
	out := map[string]string{}
	for k, v := range c.srv.IDReply {
		out[k] = v
	}
	return out, nil
}

// List implements transport.Session.
func (c *Session) List(ctx context.Context) ([]transport.Mailbox, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "list", true); err != nil {
		return nil, err
	}
	var out []transport.Mailbox
	for _, mb := range c.srv.mailboxes {
		out = append(out, transport.Mailbox{Path: mb.Path, Delim: mb.Delim, Attrs: mb.Attrs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Open implements transport.Session.
func (c *Session) Open(ctx context.Context, path string, readOnly bool) (*transport.MailboxStatus, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "open", true); err != nil {
		return nil, err
	}
	mb := c.srv.mailboxes[path]
	if mb == nil {
		c.selected = nil
		return nil, &transport.MailboxNotFoundError{Path: path}
	}
	status := &transport.MailboxStatus{
		Mailbox:  transport.Mailbox{Path: mb.Path, Delim: mb.Delim, Attrs: mb.Attrs},
		ReadOnly: readOnly,
	}
	if status.Mailbox.HasAttr(transport.AttrNoSelect) {
		status.NoSelect = true
		c.selected = nil
		return status, nil
	}
	status.UIDValidity = mb.UIDValidity
	status.UIDNext = mb.UIDNext
	status.Exists = uint32(len(mb.Messages))
	c.selected = mb
	c.readOnly = readOnly
	return status, nil
}

func (c *Session) needSelected(op string) error {
	if c.selected == nil {
		return &transport.CommandError{Command: op, Status: "BAD", Text: "no mailbox selected"}
	}
	return nil
}

func (c *Session) needWritable(op string) error {
	if err := c.needSelected(op); err != nil {
		return err
	}
	if c.readOnly {
		return &transport.CommandError{Command: op, Status: "NO", Text: "mailbox is read-only"}
	}
	return nil
}

// Search implements transport.Session.
func (c *Session) Search(ctx context.Context, criteria transport.SearchCriteria) ([]uint32, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "search", true); err != nil {
		return nil, err
	}
	if err := c.needSelected("SEARCH"); err != nil {
		return nil, err
	}

	var want map[uint32]bool
	if len(criteria.UIDs) > 0 {
		want = make(map[uint32]bool, len(criteria.UIDs))
		for _, u := range criteria.UIDs {
			want[u] = true
		}
	}
	var out []uint32
	for _, m := range c.selected.Messages {
		if want != nil && !want[m.UID] {
			continue
		}
		if criteria.Deleted && !m.hasFlag(transport.FlagDeleted) {
			continue
		}
		if criteria.NotDeleted && m.hasFlag(transport.FlagDeleted) {
			continue
		}
		if !criteria.Since.IsZero() && m.Envelope != nil && m.Envelope.Date.Before(criteria.Since) {
			continue
		}
		if criteria.Text != "" && !matchesText(m, criteria.Text) {
			continue
		}
		out = append(out, m.UID)
	}
	if c.srv.SearchHook != nil {
		out = c.srv.SearchHook(criteria, out)
	}
	return out, nil
}

func matchesText(m *Message, text string) bool {
	text = strings.ToLower(text)
	if m.Envelope != nil && strings.Contains(strings.ToLower(m.Envelope.Subject), text) {
		return true
	}
	return bytes.Contains(bytes.ToLower(m.Raw), []byte(text))
}

// Fetch implements transport.Session.
func (c *Session) Fetch(ctx context.Context, uids []uint32, items transport.FetchItems) ([]transport.Summary, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "fetch", true); err != nil {
		return nil, err
	}
	if err := c.needSelected("FETCH"); err != nil {
		return nil, err
	}

	var out []transport.Summary
	for _, uid := range uids {
		m := c.selected.find(uid)
		if m == nil {
			continue
		}
		sum := transport.Summary{UID: m.UID}
		if items.Flags {
			sum.HasFlags = true
			sum.Flags = append([]string(nil), m.Flags...)
		}
		if items.Envelope && m.Envelope != nil {
			env := *m.Envelope
			sum.Envelope = &env
			if c.srv.AuthCaps.Has(transport.CapGmail) {
				sum.ThreadID = m.ThreadID
			}
		}
		if items.BodyStructure {
			sum.Body = m.Body
		}
		if len(items.HeaderFields) > 0 {
			sum.Headers = headerFields(m.Raw, items.HeaderFields)
		}
		out = append(out, sum)
	}
	return out, nil
}

func headerFields(raw []byte, fields []string) []byte {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil
	}
	var buf bytes.Buffer
	for _, f := range fields {
		for _, v := range h.Values(f) {
			fmt.Fprintf(&buf, "%s: %s\r\n", f, v)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// FetchSection implements transport.Session.
func (c *Session) FetchSection(ctx context.Context, uid uint32, section transport.Section) ([]byte, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "fetch_section", true); err != nil {
		return nil, err
	}
	if err := c.needSelected("FETCH"); err != nil {
		return nil, err
	}
	m := c.selected.find(uid)
	if m == nil {
		return nil, nil
	}

	var body []byte
	key := section.Part
	if section.HeaderOnly {
		key += ".HEADER"
	}
	if b, ok := m.Sections[key]; ok {
		body = b
	} else {
		hdr, text := splitMessage(m.Raw)
		switch {
		case section.HeaderOnly:
			body = hdr
		case section.Part == "":
			body = m.Raw
		default:
			body = text
		}
	}
	if section.Limit > 0 && int64(len(body)) > section.Limit {
		body = body[:section.Limit]
	}
	return append([]byte(nil), body...), nil
}

func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// Append implements transport.Session.
func (c *Session) Append(
	ctx context.Context,
	path string,
	msg []byte,
	flags []string,
	date time.Time,
) (*transport.AppendResult, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "append", true); err != nil {
		return nil, err
	}
	mb := c.srv.mailboxes[path]
	if mb == nil {
		return nil, &transport.MailboxNotFoundError{Path: path}
	}

	m := &Message{
		Flags: append([]string(nil), flags...),
		Raw:   append([]byte(nil), msg...),
		Body:  &transport.BodyPart{Path: "1", Type: "text", Subtype: "plain"},
	}
	m.Envelope = envelopeFromRaw(msg, date)
	uid := c.srv.addMessage(mb, m)

	res := &transport.AppendResult{UIDValidity: mb.UIDValidity}
	if c.srv.AuthCaps.Has(transport.CapUIDPlus) {
		res.UID = uid
	}
	return res, nil
}

func envelopeFromRaw(raw []byte, date time.Time) *transport.Envelope {
	env := &transport.Envelope{Date: date}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return env
	}
	env.Subject = h.Get("Subject")
	env.MessageID = strings.Trim(h.Get("Message-Id"), "<> ")
	if from := h.Get("From"); from != "" {
		env.From = []transport.Address{{Addr: strings.Trim(from, "<> ")}}
	}
	if irt := strings.Trim(h.Get("In-Reply-To"), "<> "); irt != "" {
		env.InReplyTo = []string{irt}
	}
	return env
}

// StoreFlags implements transport.Session.
func (c *Session) StoreFlags(ctx context.Context, uids []uint32, add bool, flags []string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "store", true); err != nil {
		return err
	}
	if err := c.needWritable("STORE"); err != nil {
		return err
	}
	for _, uid := range uids {
		m := c.selected.find(uid)
		if m == nil {
			continue
		}
		for _, f := range flags {
			if add && !m.hasFlag(f) {
				m.Flags = append(m.Flags, f)
			}
			if !add {
				kept := m.Flags[:0]
				for _, have := range m.Flags {
					if !strings.EqualFold(have, f) {
						kept = append(kept, have)
					}
				}
				m.Flags = kept
			}
		}
	}
	return nil
}

// Move implements transport.Session.
func (c *Session) Move(ctx context.Context, uids []uint32, dest string) (*transport.MoveResult, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "move", true); err != nil {
		return nil, err
	}
	if err := c.needWritable("MOVE"); err != nil {
		return nil, err
	}
	to := c.srv.mailboxes[dest]
	if to == nil {
		return nil, &transport.MailboxNotFoundError{Path: dest}
	}

	res := &transport.MoveResult{UIDMap: map[uint32]uint32{}, Mapped: c.srv.AuthCaps.Has(transport.CapUIDPlus)}
	for _, uid := range uids {
		m := c.selected.find(uid)
		if m == nil {
			continue
		}
		c.removeSelected(uid)
		moved := *m
		moved.UID = 0
		newUID := c.srv.addMessage(to, &moved)
		if res.Mapped {
			res.UIDMap[uid] = newUID
		}
	}
	return res, nil
}

func (c *Session) removeSelected(uid uint32) {
	msgs := c.selected.Messages
	for i, m := range msgs {
		if m.UID == uid {
			c.selected.Messages = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

// Expunge implements transport.Session.
func (c *Session) Expunge(ctx context.Context, uids []uint32) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.begin(ctx, "expunge", true); err != nil {
		return err
	}
	if err := c.needWritable("EXPUNGE"); err != nil {
		return err
	}
	limit := map[uint32]bool{}
	for _, u := range uids {
		limit[u] = true
	}
	kept := c.selected.Messages[:0]
	for _, m := range c.selected.Messages {
		if m.hasFlag(transport.FlagDeleted) && (len(limit) == 0 || limit[m.UID]) {
			continue
		}
		kept = append(kept, m)
	}
	c.selected.Messages = kept
	return nil
}

// Close implements transport.Session.
func (c *Session) Close() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	c.connected = false
	c.authed = false
	c.selected = nil
	return nil
}

var (
	_ transport.Session = (*Session)(nil)
	_ transport.Dialer  = (*Server)(nil)
)
