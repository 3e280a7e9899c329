package transport

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Mailbox attributes used by discovery and folder typing.
const (
	AttrNoSelect    = `\Noselect`
	AttrNonExistent = `\NonExistent`
	AttrSent        = `\Sent`
	AttrDrafts      = `\Drafts`
	AttrTrash       = `\Trash`
	AttrJunk        = `\Junk`
	AttrArchive     = `\Archive`
	AttrAll         = `\All`
)

// Message flags.
const (
	FlagSeen     = `\Seen`
	FlagDeleted  = `\Deleted`
	FlagFlagged  = `\Flagged`
	FlagAnswered = `\Answered`
	FlagDraft    = `\Draft`
)

// Capability names the engine looks at.
const (
	CapID        = "ID"
	CapMove      = "MOVE"
	CapUIDPlus   = "UIDPLUS"
	CapIMAP4rev2 = "IMAP4REV2"
	CapSort      = "SORT"
	CapGmail     = "X-GM-EXT-1"
)

// Capabilities is a set of upper-cased capability names.
type Capabilities map[string]bool

// NewCapabilities builds a set from raw capability names.
func NewCapabilities(names ...string) Capabilities {
	caps := make(Capabilities, len(names))
	for _, n := range names {
		caps[strings.ToUpper(n)] = true
	}
	return caps
}

// Has reports whether the set contains name.
func (c Capabilities) Has(name string) bool {
	return c[strings.ToUpper(name)]
}

// List returns the capability names sorted.
func (c Capabilities) List() []string {
	out := make([]string, 0, len(c))
	for n := range c {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AuthMechanisms returns the advertised SASL mechanisms.
func (c Capabilities) AuthMechanisms() []string {
	var out []string
	for n := range c {
		if mech, ok := strings.CutPrefix(n, "AUTH="); ok {
			out = append(out, mech)
		}
	}
	sort.Strings(out)
	return out
}

// Credentials is what Authenticate needs to log in.
type Credentials struct {
	Username string
	Secret   string
	// Mechanisms restricts which SASL mechanisms may be used, in order of
	// preference. "LOGIN" selects the plain LOGIN command.
	Mechanisms []string
}

// Mailbox is one entry of a LIST reply.
type Mailbox struct {
	Path  string
	Delim rune
	Attrs []string
}

// HasAttr reports whether the mailbox carries attr.
func (m *Mailbox) HasAttr(attr string) bool {
	for _, a := range m.Attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// Name returns the last path component.
func (m *Mailbox) Name() string {
	if m.Delim == 0 {
		return m.Path
	}
	if i := strings.LastIndexByte(m.Path, byte(m.Delim)); i >= 0 {
		return m.Path[i+1:]
	}
	return m.Path
}

// Parent returns the parent path, empty at the root.
func (m *Mailbox) Parent() string {
	if m.Delim == 0 {
		return ""
	}
	if i := strings.LastIndexByte(m.Path, byte(m.Delim)); i >= 0 {
		return m.Path[:i]
	}
	return ""
}

// MailboxStatus is what opening a mailbox reports.
type MailboxStatus struct {
	Mailbox     Mailbox
	UIDValidity uint32
	UIDNext     uint32
	Exists      uint32
	ReadOnly    bool
	// NoSelect is set when the mailbox exists but cannot be opened; the
	// counters are zero in that case.
	NoSelect bool
}

// SearchCriteria selects messages in the open mailbox. Zero fields are ignored.
type SearchCriteria struct {
	UIDs       []uint32
	Deleted    bool
	NotDeleted bool
	Since      time.Time
	Text       string
}

// FetchItems selects what a summary fetch returns. UID is always returned.
type FetchItems struct {
	Envelope      bool
	Flags         bool
	BodyStructure bool
	// HeaderFields requests these header fields in Summary.Headers.
	HeaderFields []string
}

// Address is a parsed mailbox address.
type Address struct {
	Name string
	Addr string
}

// Envelope is the IMAP ENVELOPE of a message.
type Envelope struct {
	Date      time.Time
	Subject   string
	From      []Address
	To        []Address
	Cc        []Address
	ReplyTo   []Address
	InReplyTo []string
	MessageID string
}

// BodyPart is one node of a BODYSTRUCTURE tree.
type BodyPart struct {
	// Path is the IMAP section path, e.g. "1.2". It is empty for the root
	// of a multipart message.
	Path    string
	Type    string
	Subtype string
	Params  map[string]string
	// ContentID is the Content-ID without angle brackets.
	ContentID         string
	Encoding          string
	Size              uint32
	Disposition       string
	DispositionParams map[string]string
	Children          []*BodyPart
}

// MediaType returns "type/subtype" in lower case.
func (p *BodyPart) MediaType() string {
	return strings.ToLower(p.Type + "/" + p.Subtype)
}

// IsMultipart reports whether the part has children.
func (p *BodyPart) IsMultipart() bool {
	return strings.EqualFold(p.Type, "multipart")
}

// FileName returns the disposition or content-type file name, if any.
func (p *BodyPart) FileName() string {
	if n := p.DispositionParams["filename"]; n != "" {
		return n
	}
	return p.Params["name"]
}

// Summary is what a fetch returns for one message.
type Summary struct {
	UID uint32

	Flags []string
	// HasFlags is set when flags were requested and returned.
	HasFlags bool

	Envelope *Envelope
	Body     *BodyPart
	Headers  []byte

	// ThreadID is the server-native thread id, zero when unavailable.
	ThreadID uint64
}

// HasFlag reports whether the summary carries flag.
func (s *Summary) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Section addresses part of a message body. The zero Section is the whole
// message.
type Section struct {
	// Part is the section path, e.g. "1.2"; empty for the whole message.
	Part string
	// HeaderOnly fetches just the header block of Part.
	HeaderOnly bool
	// Limit caps the returned bytes; zero means unlimited.
	Limit int64
}

// AppendResult is the outcome of storing a message.
type AppendResult struct {
	// UID is zero when the server does not report it.
	UID         uint32
	UIDValidity uint32
}

// MoveResult is the outcome of a batched move.
type MoveResult struct {
	// UIDMap maps source UIDs to destination UIDs.
	UIDMap map[uint32]uint32
	// Mapped is set when the server reported the mapping. Without it the
	// source UIDs are gone but the destination UIDs are unknown.
	Mapped bool
}

// Session is a stateful IMAP connection. It is not safe for concurrent use.
// Every blocking call observes ctx; a cancelled call leaves the session
// closed.
type Session interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, creds Credentials) error
	Capabilities(ctx context.Context) (Capabilities, error)
	// ID exchanges identification. A nil clientID sends ID NIL.
	ID(ctx context.Context, clientID map[string]string) (map[string]string, error)
	List(ctx context.Context) ([]Mailbox, error)
	Open(ctx context.Context, path string, readOnly bool) (*MailboxStatus, error)
	Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32, items FetchItems) ([]Summary, error)
	FetchSection(ctx context.Context, uid uint32, section Section) ([]byte, error)
	Append(ctx context.Context, path string, msg []byte, flags []string, date time.Time) (*AppendResult, error)
	StoreFlags(ctx context.Context, uids []uint32, add bool, flags []string) error
	Move(ctx context.Context, uids []uint32, dest string) (*MoveResult, error)
	// Expunge removes \Deleted messages. A non-empty uids limits it to
	// those UIDs.
	Expunge(ctx context.Context, uids []uint32) error
	Close() error
}

// Dialer creates sessions for an account.
type Dialer interface {
	NewSession() Session
}
