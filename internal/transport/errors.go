package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrNotConnected is returned by session calls made before Connect or
// after the connection was closed.
var ErrNotConnected = errors.New("imap session not connected")

// AuthError indicates the server rejected the credentials.
type AuthError struct {
	Mechanism string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Mechanism, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// CommandError is a NO or BAD completion of a command.
type CommandError struct {
	Command string
	// Status is "NO" or "BAD".
	Status string
	Code   string
	Text   string
}

func (e *CommandError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s [%s] %s", e.Command, e.Status, e.Code, e.Text)
	}
	return fmt.Sprintf("%s: %s %s", e.Command, e.Status, e.Text)
}

// IsCommandError reports whether err (or any error in its chain) is a CommandError.
func IsCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}

// ParseError indicates a reply the session could not make sense of.
type ParseError struct {
	Command string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: unexpected reply: %s", e.Command, e.Message)
}

// IsParseError reports whether err (or any error in its chain) is a ParseError.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

// StreamError indicates the protocol stream is unusable, e.g. the server
// hung up or sent bytes the decoder gave up on.
type StreamError struct {
	Command string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: protocol stream failed: %v", e.Command, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// IsStreamError reports whether err (or any error in its chain) is a StreamError.
func IsStreamError(err error) bool {
	var streamErr *StreamError
	return errors.As(err, &streamErr)
}

// MailboxNotFoundError indicates the server has no mailbox at Path.
type MailboxNotFoundError struct {
	Path string
}

func (e *MailboxNotFoundError) Error() string {
	return fmt.Sprintf("mailbox %q not found", e.Path)
}

// IsMailboxNotFound reports whether err (or any error in its chain) is a
// MailboxNotFoundError.
func IsMailboxNotFound(err error) bool {
	var nf *MailboxNotFoundError
	return errors.As(err, &nf)
}

// IsSocketError reports whether err is a network-level fault.
func IsSocketError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsIOError reports whether err is an I/O fault that leaves the
// connection usable, such as a short read of a local payload.
func IsIOError(err error) bool {
	if errors.Is(err, io.ErrShortWrite) || errors.Is(err, io.ErrShortBuffer) {
		return true
	}
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// IOError wraps a failure reading or writing a payload outside the protocol stream.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
