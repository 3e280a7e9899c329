// Command imapsyncd keeps a local mailbox cache in sync with the IMAP
// accounts listed in its configuration.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/nhle/imapsync/internal/credential"
	"github.com/nhle/imapsync/internal/engine"
	"github.com/nhle/imapsync/internal/metrics"
	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
	"github.com/nhle/imapsync/internal/sync"
	"github.com/nhle/imapsync/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "imapsyncd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.StringP("config", "c", model.DefaultConfigPath(), "configuration file")
		dbPath      = pflag.String("db", "", "cache database path (overrides db_path)")
		logLevel    = pflag.String("log-level", "", "debug, info, warn or error (overrides log_level)")
		metricsAddr = pflag.String("metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics_addr)")
		setCred     = pflag.String("set-credential", "", "read a secret for this account id from stdin, store it and exit")
		oauth       = pflag.Bool("oauth2", false, "with --set-credential: the secret is an OAuth2 access token")
	)
	pflag.Parse()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	creds, err := credential.Open()
	if err != nil {
		return err
	}
	if *setCred != "" {
		return storeCredential(cfg, creds, *setCred, *oauth)
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", *configPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	fanout := sync.NewFanout()
	mgr := sync.NewManager(logger)
	for _, acct := range cfg.Accounts {
		dialer := &transport.IMAPDialer{
			Addr:        acct.Address(),
			ImplicitTLS: acct.TLS,
			Logger:      logger.With("account", acct.ID),
		}
		eng := engine.New(acct, st, dialer, creds, cfg.Engine, engine.Options{
			Notifier: fanout,
			Health:   metrics.CommHealth{},
			Logger:   logger,
		})
		mgr.Add(sync.NewWorker(eng, cfg.Engine.CancelWait, sync.WorkerOptions{
			Notifier: fanout,
			Logger:   logger,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notes, unsubscribe := fanout.Subscribe(64)
	defer unsubscribe()
	go logNotifications(logger, notes)
	go refreshOnSignal(ctx, mgr)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	errc := make(chan error, 1)
	go func() { errc <- mgr.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		mgr.Stop()
		return <-errc
	case err := <-errc:
		return err
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func storeCredential(cfg *model.AppConfig, creds *credential.Store, accountID string, oauth bool) error {
	var acct *model.Account
	for i := range cfg.Accounts {
		if cfg.Accounts[i].ID == accountID {
			acct = &cfg.Accounts[i]
		}
	}
	if acct == nil {
		return fmt.Errorf("unknown account %q", accountID)
	}

	secret, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && secret == "" {
		return fmt.Errorf("reading secret: %w", err)
	}
	secret = strings.TrimRight(secret, "\r\n")
	if secret == "" {
		return errors.New("empty secret")
	}

	kind := credential.KindPassword
	if oauth || acct.AuthType == model.AuthOAuth2 {
		kind = credential.KindOAuth2
	}
	if err := creds.Set(acct.CredentialName(), kind, secret); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored %s credential for %s\n", kind, accountID)
	return nil
}

func logNotifications(logger *slog.Logger, notes <-chan model.Notification) {
	for n := range notes {
		logger.Info("status", "account", n.AccountID, "kind", n.Kind, "folder", n.FolderID, "message", n.Message)
	}
}

// refreshOnSignal triggers a pass on every account on SIGUSR1.
func refreshOnSignal(ctx context.Context, mgr *sync.Manager) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			slog.Info("refresh requested")
			mgr.RefreshAll()
		}
	}
}
