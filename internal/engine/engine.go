// Package engine runs IMAP synchronization commands for one account: it
// owns the connection, retries transient faults, reconciles folders and
// messages into the local cache and resolves queued local mutations.
package engine

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/imapsync/internal/credential"
	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/transport"
)

// Notifier receives status indications after they are persisted.
type Notifier interface {
	Notify(n model.Notification)
}

// CommHealth receives one signal per finished command.
type CommHealth interface {
	Report(accountID string, generalFailure bool)
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Strategy Strategy
	Notifier Notifier
	Health   CommHealth
	Logger   *slog.Logger
}

// Engine executes commands against one account.
type Engine struct {
	account  model.Account
	store    store.Store
	conn     *Conn
	creds    credential.Source
	strategy Strategy
	notifier Notifier
	health   CommHealth
	cfg      model.EngineConfig
	log      *slog.Logger

	quick atomic.Bool
}

// New creates an engine for account. Missing options get no-op defaults and
// the DefaultStrategy.
func New(
	account model.Account,
	st store.Store,
	dialer transport.Dialer,
	creds credential.Source,
	cfg model.EngineConfig,
	opts Options,
) *Engine {
	e := &Engine{
		account:  account,
		store:    st,
		conn:     NewConn(dialer),
		creds:    creds,
		strategy: opts.Strategy,
		notifier: opts.Notifier,
		health:   opts.Health,
		cfg:      withDefaults(cfg),
		log:      opts.Logger,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("account", account.ID)
	if e.strategy == nil {
		e.strategy = NewDefaultStrategy(e.cfg, e.log)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.health == nil {
		e.health = nopHealth{}
	}
	return e
}

// withDefaults fills unset tuning values from model.DefaultEngineConfig.
func withDefaults(cfg model.EngineConfig) model.EngineConfig {
	def := model.DefaultEngineConfig()
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = def.WaitDelay
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = def.CancelWait
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.QuickSyncWait <= 0 {
		cfg.QuickSyncWait = def.QuickSyncWait
	}
	if cfg.PreviewBytes <= 0 {
		cfg.PreviewBytes = def.PreviewBytes
	}
	if cfg.PreviewBytesHTML <= 0 {
		cfg.PreviewBytesHTML = def.PreviewBytesHTML
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = def.PreviewLength
	}
	if cfg.SearchLookbackDays <= 0 {
		cfg.SearchLookbackDays = def.SearchLookbackDays
	}
	if cfg.SearchMaxHits <= 0 {
		cfg.SearchMaxHits = def.SearchMaxHits
	}
	if cfg.SyncSpan <= 0 {
		cfg.SyncSpan = def.SyncSpan
	}
	if cfg.FlagWindow <= 0 {
		cfg.FlagWindow = def.FlagWindow
	}
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	return cfg
}

// Account returns the engine's account.
func (e *Engine) Account() model.Account {
	return e.account
}

// Conn returns the engine's connection.
func (e *Engine) Conn() *Conn {
	return e.conn
}

// Store returns the engine's cache.
func (e *Engine) Store() store.Store {
	return e.store
}

// SetQuickSync marks whether an app-wide quick sync is in progress. Fast
// syncs with nothing to do answer with a Wait while it is set.
func (e *Engine) SetQuickSync(on bool) {
	e.quick.Store(on)
}

// Close drops the connection.
func (e *Engine) Close() error {
	return e.conn.Close()
}

func (e *Engine) isHardAuthHost() bool {
	return slices.ContainsFunc(e.cfg.HardAuthHosts, func(h string) bool {
		return strings.EqualFold(h, e.account.Host)
	})
}

// notify persists n and hands it to the notifier.
func (e *Engine) notify(ctx context.Context, n model.Notification) {
	n.AccountID = e.account.ID
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		e.log.Error("persisting notification", "kind", n.Kind, "error", err)
		return
	}
	e.notifier.Notify(n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(model.Notification) {}

type nopHealth struct{}

func (nopHealth) Report(string, bool) {}
