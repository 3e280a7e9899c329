package engine

import (
	"context"
	"sync"
	"time"

	"github.com/nhle/imapsync/internal/transport"
)

// ConnState is the lifecycle state of an account's connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateAuthenticated
	// StateBroken marks a session that must not be reused. The next
	// attempt closes it and reconnects.
	StateBroken
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Conn owns an account's single IMAP session. Commands take the lock with
// Acquire before touching the session.
type Conn struct {
	dialer transport.Dialer
	lock   chan struct{}

	mu       sync.Mutex
	state    ConnState
	session  transport.Session
	caps     transport.Capabilities
	selected string
	writable bool
}

// NewConn returns a disconnected Conn dialing through d.
func NewConn(d transport.Dialer) *Conn {
	return &Conn{
		dialer: d,
		lock:   make(chan struct{}, 1),
	}
}

// Acquire takes the connection lock. It fails with ErrLockTimeout after
// timeout and with ctx's error when ctx is done first.
func (c *Conn) Acquire(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrLockTimeout
	}
}

// Release gives the lock back.
func (c *Conn) Release() {
	<-c.lock
}

// WaitRelease waits up to timeout for the current holder to release the
// lock. On timeout the connection is marked broken and false is returned.
func (c *Conn) WaitRelease(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.lock <- struct{}{}:
		<-c.lock
		return true
	case <-timer.C:
		c.MarkBroken()
		return false
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkBroken flags the session as unusable.
func (c *Conn) MarkBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.state = StateBroken
	}
}

// Close drops the session and returns to Disconnected.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}

func (c *Conn) resetLocked() error {
	var err error
	if c.session != nil {
		err = c.session.Close()
	}
	c.session = nil
	c.caps = nil
	c.selected = ""
	c.writable = false
	c.state = StateDisconnected
	return err
}

// Session returns the current session, or nil when disconnected.
func (c *Conn) Session() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Capabilities returns the capabilities captured at the last transition.
func (c *Conn) Capabilities() transport.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Conn) connected(s transport.Session, caps transport.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.caps = caps
	c.state = StateConnected
}

func (c *Conn) authenticated(caps transport.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = caps
	c.state = StateAuthenticated
}

func (c *Conn) setSelected(path string, writable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = path
	c.writable = writable
}

// isSelected reports whether path is open with at least the requested access.
func (c *Conn) isSelected(path string, writable bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected == path && (c.writable || !writable)
}
