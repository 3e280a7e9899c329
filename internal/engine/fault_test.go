package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

func TestClassify(t *testing.T) {
	const wait = 3 * time.Second

	tests := []struct {
		name string
		err  error
		race bool
		want Outcome
	}{
		{
			name: "timeout",
			err:  fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			want: Outcome{Resolution: DeferAll, Reason: model.ReasonTransient, Event: TempFail{Reason: "command timed out"},
				GeneralFailure: true, MarkBroken: true, Retry: true},
		},
		{
			name: "no credential",
			err:  fmt.Errorf("%w: acct", ErrNoCredential),
			want: Outcome{Resolution: DeferAll, Reason: model.ReasonTransient, Event: TempFail{Reason: "no credential"}},
		},
		{
			name: "lock timeout",
			err:  ErrLockTimeout,
			want: Outcome{Resolution: DeferAll, Reason: model.ReasonTransient, Event: TempFail{Reason: "connection busy"}, MarkBroken: true},
		},
		{
			name: "not connected",
			err:  transport.ErrNotConnected,
			want: Outcome{Resolution: DeferAll, Reason: model.ReasonTransient, Event: RedoDiscovery{},
				GeneralFailure: true, MarkBroken: true},
		},
		{
			name: "auth rejected",
			err:  &transport.AuthError{Mechanism: "PLAIN", Message: "bad password"},
			want: Outcome{Resolution: FailAll, Reason: model.ReasonAccessDenied, Event: AuthFail{Reason: "bad password"}},
		},
		{
			name: "auth rejected during credential change",
			err:  &transport.AuthError{Mechanism: "PLAIN", Message: "bad password"},
			race: true,
			want: Outcome{Resolution: DeferAll, Reason: model.ReasonTransient,
				Event: TempFail{Reason: "credential changed during login"}},
		},
		{
			name: "mailbox gone",
			err:  fmt.Errorf("select: %w", &transport.MailboxNotFoundError{Path: "Work"}),
			want: Outcome{Resolution: DeferAll, Reason: model.ReasonConflict, Event: ResyncFolder{Folder: "Work"}},
		},
		{
			name: "command rejected",
			err:  &transport.CommandError{Command: "UID STORE", Status: "NO", Text: "read only"},
			want: Outcome{Resolution: DeferAll, Reason: model.ReasonProtocolError, Event: Wait{Delay: wait}},
		},
		{
			name: "unparsable reply",
			err:  &transport.ParseError{Command: "FETCH", Message: "junk"},
			want: Outcome{Resolution: DeferAll, Reason: model.ReasonProtocolError, Event: Wait{Delay: wait}},
		},
		{
			name: "invariant",
			err:  invariantf("folder %s has no uid validity", "INBOX"),
			want: Outcome{Resolution: FailAll, Reason: model.ReasonProtocolError,
				Event: HardFail{Reason: "invariant violated: folder INBOX has no uid validity"}},
		},
		{
			name: "unknown",
			err:  errors.New("disk full"),
			want: Outcome{Resolution: FailAll, Reason: model.ReasonUnknown, Event: HardFail{Reason: "disk full"}, GeneralFailure: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err, false, tt.race, wait))
		})
	}
}

func TestClassifyTransportFaultsRetry(t *testing.T) {
	for _, err := range []error{
		&transport.IOError{Op: "APPEND", Err: io.ErrShortWrite},
		&transport.StreamError{Command: "FETCH", Err: io.ErrUnexpectedEOF},
		&net.OpError{Op: "read", Net: "tcp", Err: io.EOF},
	} {
		out := classify(err, false, false, time.Second)
		assert.True(t, out.Retry, "%v", err)
		assert.True(t, out.GeneralFailure, "%v", err)
		assert.Equal(t, DeferAll, out.Resolution, "%v", err)
		assert.IsType(t, TempFail{}, out.Event)
	}
	assert.False(t, classify(&transport.IOError{Op: "APPEND", Err: io.ErrShortWrite}, false, false, 0).MarkBroken)
	assert.True(t, classify(&transport.StreamError{Command: "FETCH", Err: io.EOF}, false, false, 0).MarkBroken)
}

func TestClassifyCancelledPostsNoEvent(t *testing.T) {
	out := classify(&transport.StreamError{Command: "FETCH", Err: io.EOF}, true, false, time.Second)
	assert.Equal(t, Outcome{Resolution: DeferDispatched, Reason: model.ReasonCancelled}, out)
}
