// Package app wires all Switchboard subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// drains live calls and tears everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithProfileStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sonorlabs/switchboard/internal/bridge"
	"github.com/sonorlabs/switchboard/internal/config"
	"github.com/sonorlabs/switchboard/internal/health"
	"github.com/sonorlabs/switchboard/internal/observe"
	"github.com/sonorlabs/switchboard/internal/profile"
	"github.com/sonorlabs/switchboard/pkg/convai"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers before the connection is dropped.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes: the agent provider, the optional profile
// store, the call listener, and the HTTP server.
type App struct {
	cfg      *config.Config
	levelVar *slog.LevelVar

	provider *convai.Provider
	profiles bridge.ProfileLookup
	dbPing   func(ctx context.Context) error
	metrics  *observe.Metrics
	listener *bridge.Listener
	httpSrv  *http.Server
	watcher  *config.Watcher

	// callCtx bounds every bridged call; cancelled last in Shutdown.
	callCtx    context.Context
	cancelCall context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects an agent provider instead of building one from config.
func WithProvider(p *convai.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithProfileStore injects a caller profile source instead of connecting to
// PostgreSQL.
func WithProfileStore(s bridge.ProfileLookup) Option {
	return func(a *App) { a.profiles = s }
}

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config reloads can adjust verbosity at runtime.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: the profile store connection is verified before New returns,
// while agent sessions are only opened per call.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.callCtx, a.cancelCall = context.WithCancel(context.Background())

	// ── 1. Agent provider ────────────────────────────────────────────────
	a.initProvider()

	// ── 2. Profile store ─────────────────────────────────────────────────
	if err := a.initProfiles(ctx); err != nil {
		a.cancelCall()
		return nil, fmt.Errorf("app: init profiles: %w", err)
	}

	// ── 3. Call listener ─────────────────────────────────────────────────
	a.listener = bridge.NewListener(a.callCtx, bridge.CallConfig{
		Provider:      a.provider,
		Agents:        cfg.Agents,
		AuthToken:     cfg.Auth.Token,
		Tunables:      cfg.Tunables,
		Profiles:      a.profiles,
		Metrics:       a.metrics,
		Logger:        slog.Default(),
		LogSampleRate: cfg.Tunables.FrameSampleRate,
	})

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProvider builds the agent provider from config unless one was injected.
func (a *App) initProvider() {
	if a.provider != nil {
		return
	}
	t := a.cfg.Tunables
	opts := []convai.Option{
		convai.WithSignedURLTimeout(t.SignedURLTimeout()),
		convai.WithMetadataFallback(t.MetadataFallback()),
		convai.WithNudgeSchedule(t.NudgeSchedule()),
	}
	if ep := a.cfg.ElevenLabs.SignedURLEndpoint; ep != "" {
		opts = append(opts, convai.WithSignedURLEndpoint(ep))
	}
	if ep := a.cfg.ElevenLabs.WSEndpoint; ep != "" {
		opts = append(opts, convai.WithEndpoint(ep))
	}
	a.provider = convai.New(a.cfg.ElevenLabs.APIKey, opts...)
}

// initProfiles connects the PostgreSQL profile store when a DSN is
// configured. Without one the bridge simply skips profile lookups.
func (a *App) initProfiles(ctx context.Context) error {
	if a.profiles != nil {
		return nil
	}
	dsn := a.cfg.Profiles.PostgresDSN
	if dsn == "" {
		slog.Info("no profile store configured, caller profiles disabled")
		return nil
	}

	store, err := profile.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.profiles = store
	a.dbPing = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("profile store connected")
	return nil
}

// initHTTP assembles the route table. WebSocket upgrades bypass the
// observability middleware: the wrapped response writer hides http.Hijacker,
// and per-request spans are useless on hour-long streams anyway.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		{Name: "agent", Check: func(context.Context) error {
			if a.cfg.ElevenLabs.APIKey == "" {
				return errors.New("agent api key missing")
			}
			return nil
		}},
	}
	if a.dbPing != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.dbPing})
	}

	plain := http.NewServeMux()
	health.New(checkers...).Register(plain)
	(&bridge.TwiMLHandler{
		PublicHost: a.cfg.Server.PublicHost,
		Token:      a.cfg.Auth.Token,
		Mode:       string(config.ModeDaily),
		Logger:     slog.Default(),
	}).Register(plain)
	plain.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	a.listener.Register(root)
	root.Handle("/", observe.Middleware(a.metrics)(plain))

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP (or HTTPS when TLS is configured) and blocks until ctx is
// cancelled or the server fails. Cancellation returns nil; call Shutdown to
// drain.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpSrv.ListenAndServe()
	}()

	slog.Info("switchboard listening",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"public_host", a.cfg.Server.PublicHost,
	)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	}
}

// WatchConfig polls path for configuration changes. Log level changes apply
// immediately; agent and tunable changes only affect calls accepted after a
// restart, so they are logged as such.
func (a *App) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if !diff.Any() {
			return
		}
		if diff.LogLevelChanged && a.levelVar != nil {
			a.levelVar.Set(diff.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.AgentsChanged || diff.TunablesChanged {
			slog.Warn("agent or tunable config changed on disk, restart to apply")
		}
	})
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	return nil
}

// Listener exposes the call listener, mainly for tests and diagnostics.
func (a *App) Listener() *bridge.Listener { return a.listener }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting new work, drains live calls, and tears down all
// subsystems. It respects the context deadline: whatever is still running
// when ctx expires is abandoned to the final context cancellation.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.listener.ActiveCalls())

		if a.watcher != nil {
			a.watcher.Stop()
		}

		// Stop accepting new connections; established WebSockets survive
		// Server.Shutdown and are drained separately.
		if err := a.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("http shutdown error", "err", err)
		}

		if err := a.listener.Drain(ctx); err != nil {
			slog.Warn("drain interrupted, terminating remaining calls", "err", err)
			shutdownErr = err
		}

		// Terminates any calls that outlived the drain deadline.
		a.cancelCall()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
