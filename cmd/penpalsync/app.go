package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/penpalsync/penpalsync/internal/analytics"
	"github.com/penpalsync/penpalsync/internal/codec"
	"github.com/penpalsync/penpalsync/internal/config"
	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/model"
	"github.com/penpalsync/penpalsync/internal/quota"
	"github.com/penpalsync/penpalsync/internal/remote"
	"github.com/penpalsync/penpalsync/internal/remote/memstore"
	"github.com/penpalsync/penpalsync/internal/session"
	syncp "github.com/penpalsync/penpalsync/internal/sync"
	"github.com/penpalsync/penpalsync/internal/telemetry"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *localstore.Store
	remote  remote.Store
	session *session.Session
	events  *analytics.Recorder
	ledger  *quota.Ledger

	closers []func()
}

// common flags parsed by every subcommand that needs the app.
type options struct {
	cfgPath string
	verbose bool
	userID  string
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// openApp loads config, telemetry, the local cache and the remote store, and
// signs in the configured user. Call close when done.
func openApp(ctx context.Context, opts options) (*app, error) {
	logger := newLogger(opts.verbose)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", opts.cfgPath, err)
	}
	logger.Info("config loaded",
		"backend", cfg.Remote.Backend,
		"database", cfg.DatabasePath,
		"retry_interval", cfg.RetryInterval,
		"cache_ttl", cfg.Cache.TTL,
	)

	a := &app{cfg: cfg, log: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(ctx, telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}
	a.events = analytics.New(logger)

	// --- Local cache ---------------------------------------------------------

	tables := append(codec.Tables(), quota.MirrorTable())
	store, err := localstore.Open(cfg.DatabasePath, tables...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening cache at %q: %w", cfg.DatabasePath, err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing cache", "error", closeErr)
		}
	})
	logger.Info("cache opened", "path", cfg.DatabasePath)

	// --- Remote store ----------------------------------------------------------

	var verifier session.TokenVerifier
	switch cfg.Remote.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory remote store, nothing will reach the server")
		a.remote = memstore.New()
	default:
		fs, err := remote.NewFirestore(ctx, cfg.Remote.ProjectID, cfg.Remote.CredentialsFile)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connecting to Firestore project %q: %w", cfg.Remote.ProjectID, err)
		}
		a.remote = fs
		a.closers = append(a.closers, func() {
			if closeErr := fs.Close(); closeErr != nil {
				logger.Error("closing Firestore client", "error", closeErr)
			}
		})
		if cfg.IDToken != "" {
			verifier, err = session.NewFirebaseVerifier(ctx, cfg.Remote.ProjectID, cfg.Remote.CredentialsFile)
			if err != nil {
				a.close()
				return nil, err
			}
		}
	}

	// --- Session & quota -------------------------------------------------------

	a.session = session.New(verifier, store, a.events, logger)
	if err := a.signIn(ctx, opts.userID); err != nil {
		a.close()
		return nil, err
	}

	a.ledger = quota.New(a.remote, store, a.events, cfg.Quota.Collection, cfg.Quota.Location(), logger)
	return a, nil
}

// signIn resolves the user: --user, then user_id, then id_token.
func (a *app) signIn(ctx context.Context, override string) error {
	switch {
	case override != "":
		return a.session.SetUser(override)
	case a.cfg.UserID != "":
		return a.session.SetUser(a.cfg.UserID)
	case a.cfg.IDToken != "":
		if _, err := a.session.Login(ctx, a.cfg.IDToken); err != nil {
			return fmt.Errorf("signing in: %w", err)
		}
		return nil
	}
	return errors.New("no user configured: set user_id or id_token, or pass --user")
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) userID() string {
	uid, _ := a.session.CurrentUserID()
	return uid
}

// --- Sync wiring ---------------------------------------------------------------

// newEngine builds a coordinator per collection and the engine driving them.
// Messages and vocab cards are scoped by their parents, so they are warmed
// after conversations and vocab sheets.
func (a *app) newEngine() *syncp.Engine {
	local, rs, sess, logger := a.store, a.remote, a.session, a.log

	conversations := syncp.NewCoordinator(codec.NewConversations(), local, rs, sess, logger)
	sheets := syncp.NewCoordinator(codec.NewVocabSheets(), local, rs, sess, logger)

	targets := []syncp.Target{
		{Syncer: syncp.NewCoordinator(codec.NewProfiles(), local, rs, sess, logger)},
		{Syncer: syncp.NewCoordinator(codec.NewPenpals(), local, rs, sess, logger)},
		{Syncer: conversations},
		{Syncer: syncp.NewCoordinator(codec.NewMessages(), local, rs, sess, logger), Scopes: childScopes(conversations, func(c model.Conversation) string { return c.ID })},
		{Syncer: syncp.NewCoordinator(codec.NewMeetings(), local, rs, sess, logger)},
		{Syncer: sheets},
		{Syncer: syncp.NewCoordinator(codec.NewVocabCards(), local, rs, sess, logger), Scopes: childScopes(sheets, func(s model.VocabSheet) string { return s.ID }), NoListen: true},
		{Syncer: syncp.NewCoordinator(codec.NewNotifications(), local, rs, sess, logger)},
	}

	engine := syncp.NewEngine(targets, sess, a.cfg.RetryInterval, a.cfg.Cache.TTL, logger)
	a.session.OnLogout(func(context.Context) error {
		engine.Release()
		return nil
	})
	return engine
}

// childScopes lists the ids of the parent rows cached for the user.
func childScopes[T any](parent *syncp.Coordinator[T], id func(T) string) func(context.Context, string) ([]string, error) {
	return func(ctx context.Context, uid string) ([]string, error) {
		vs, err := parent.Cached(ctx, uid)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(vs))
		for i, v := range vs {
			ids[i] = id(v)
		}
		return ids, nil
	}
}
