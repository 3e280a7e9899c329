package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nhle/imapsync/internal/credential"
	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/transport"
)

var (
	oauthMechanisms    = []string{"XOAUTH2", "OAUTHBEARER"}
	passwordMechanisms = []string{"PLAIN", "LOGIN"}
)

// ensureReady walks the connection up to Authenticated. A broken session
// is closed and replaced first.
func (e *Engine) ensureReady(ctx context.Context, x *Exec) error {
	if e.conn.State() == StateBroken {
		x.log.Info("reconnecting broken session")
		if err := e.conn.Close(); err != nil {
			x.log.Debug("closing broken session", "error", err)
		}
	}

	if e.conn.State() == StateDisconnected {
		if err := e.connect(ctx, x); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if e.conn.State() == StateConnected {
		if err := e.login(ctx, x); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (e *Engine) connect(ctx context.Context, x *Exec) error {
	sess := e.conn.dialer.NewSession()
	if err := sess.Connect(ctx); err != nil {
		_ = sess.Close()
		return fmt.Errorf("connecting to %s: %w", e.account.Address(), err)
	}

	caps, err := sess.Capabilities(ctx)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("reading capabilities: %w", err)
	}
	e.conn.connected(sess, caps)
	x.log.Debug("connected", "addr", e.account.Address())

	return e.saveCapabilities(ctx, caps, false)
}

func (e *Engine) login(ctx context.Context, x *Exec) error {
	name := e.account.CredentialName()
	cred, err := e.creds.Get(name)
	if errors.Is(err, credential.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoCredential, name)
	}
	if err != nil {
		return fmt.Errorf("reading credential %s: %w", name, err)
	}
	x.epoch, x.hasEpoch = cred.Epoch, true

	kind := cred.Kind
	if e.account.AuthType == model.AuthOAuth2 {
		kind = credential.KindOAuth2
	}
	mechs := passwordMechanisms
	if kind == credential.KindOAuth2 {
		mechs = oauthMechanisms
	}

	sess := e.conn.Session()
	err = sess.Authenticate(ctx, transport.Credentials{
		Username:   e.account.Login(),
		Secret:     cred.Secret,
		Mechanisms: mechs,
	})
	if err != nil {
		var cmdErr *transport.CommandError
		if errors.As(err, &cmdErr) && e.isHardAuthHost() {
			err = &transport.AuthError{Mechanism: cmdErr.Command, Message: cmdErr.Error()}
		}
		return fmt.Errorf("authenticating %s: %w", e.account.Login(), err)
	}

	caps, err := sess.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("reading capabilities: %w", err)
	}
	e.conn.authenticated(caps)
	x.log.Info("authenticated", "user", e.account.Login())

	if err := e.saveCapabilities(ctx, caps, true); err != nil {
		return err
	}
	if caps.Has(transport.CapID) {
		return e.exchangeID(ctx, x, sess)
	}
	return nil
}

// exchangeID sends the client identity. Servers that reject arguments get
// a retry with ID NIL; servers that reject both are ignored.
func (e *Engine) exchangeID(ctx context.Context, x *Exec, sess transport.Session) error {
	reply, err := sess.ID(ctx, map[string]string{"name": e.cfg.ClientID})
	if transport.IsCommandError(err) {
		reply, err = sess.ID(ctx, nil)
	}
	if err != nil {
		if transport.IsCommandError(err) || transport.IsParseError(err) {
			x.log.Debug("server rejected ID", "error", err)
			return nil
		}
		return fmt.Errorf("exchanging ID: %w", err)
	}
	if len(reply) == 0 {
		return nil
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encoding server identity: %w", err)
	}
	return e.updateAccountState(ctx, func(st *model.AccountState) bool {
		if st.ServerIdentity == string(raw) {
			return false
		}
		st.ServerIdentity = string(raw)
		return true
	})
}

func (e *Engine) saveCapabilities(ctx context.Context, caps transport.Capabilities, authed bool) error {
	list := model.StringList(caps.List())
	return e.updateAccountState(ctx, func(st *model.AccountState) bool {
		cur := &st.UnauthCapabilities
		if authed {
			cur = &st.AuthCapabilities
		}
		if cur.Equal(list) {
			return false
		}
		*cur = list
		return true
	})
}

// updateAccountState applies fn to the stored state and writes it back when
// fn reports a change.
func (e *Engine) updateAccountState(ctx context.Context, fn func(*model.AccountState) bool) error {
	st, err := e.store.GetAccountState(ctx, e.account.ID)
	if store.IsNotFound(err) {
		st = &model.AccountState{AccountID: e.account.ID}
		err = nil
	}
	if err != nil {
		return err
	}
	if !fn(st) {
		return nil
	}
	if err := e.store.UpsertAccountState(ctx, *st); err != nil {
		return fmt.Errorf("saving account state: %w", err)
	}
	return nil
}
