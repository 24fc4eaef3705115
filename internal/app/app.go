// Package app wires all voice-bridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject fakes via functional options (WithStore,
// WithSearcher, WithLLMDialer). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/helloml/voicebridge/internal/config"
	"github.com/helloml/voicebridge/internal/health"
	"github.com/helloml/voicebridge/internal/observe"
	"github.com/helloml/voicebridge/internal/retrieval"
	"github.com/helloml/voicebridge/internal/server"
	"github.com/helloml/voicebridge/internal/store"
	"github.com/helloml/voicebridge/internal/tooling"
)

// drainTimeout is how long live calls may keep running after the listener
// stops accepting. Media streams are hijacked connections, so they only end
// when their base context is cancelled.
const drainTimeout = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// level is shared with the slog handler so reloads can change
	// verbosity without rebuilding the logger.
	level *slog.LevelVar

	db      *store.Store
	st      server.Store
	search  tooling.Searcher
	metrics *observe.Metrics
	srv     *server.Server
	httpSrv *http.Server
	ln      net.Listener
	watcher *config.Watcher

	// baseCancel ends the request contexts of hijacked media streams.
	baseCancel context.CancelFunc

	dialLLM server.LLMDialer

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence layer instead of connecting to PostgreSQL.
func WithStore(st server.Store) Option {
	return func(a *App) { a.st = st }
}

// WithSearcher injects a knowledge searcher instead of building the
// retrieval index.
func WithSearcher(s tooling.Searcher) Option {
	return func(a *App) { a.search = s }
}

// WithLLMDialer injects a Realtime dialer. Used in tests.
func WithLLMDialer(d server.LLMDialer) Option {
	return func(a *App) { a.dialLLM = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: logging, telemetry,
// the PostgreSQL store, the retrieval index, health checks, and the HTTP
// server. The listener is opened here so Addr is known before Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, level: new(slog.LevelVar)}
	for _, o := range opts {
		o(a)
	}

	a.initLogging()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicebridge",
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownOtel)
	a.metrics = observe.DefaultMetrics()

	// ── 2. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Retrieval index ───────────────────────────────────────────────
	if err := a.initSearch(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}

	// ── 4. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLogging installs a JSON slog handler at the configured level. The
// level variable stays live so the config watcher can adjust it.
func (a *App) initLogging() {
	a.level.Set(slogLevel(a.cfg.Server.LogLevel))
	a.log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: a.level}))
	slog.SetDefault(a.log)
}

// initStore connects to PostgreSQL and runs migrations, unless a store was
// injected.
func (a *App) initStore(ctx context.Context) error {
	if a.st != nil {
		return nil
	}

	db, err := store.NewStore(ctx, a.cfg.Database.DSN, a.cfg.Database.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.db = db
	a.st = db
	a.closers = append(a.closers, func(context.Context) error {
		db.Close()
		return nil
	})
	return nil
}

// initSearch builds the knowledge retrieval index unless one was injected.
// The index shares the store's connection pool.
func (a *App) initSearch() error {
	if a.search != nil {
		return nil
	}
	if a.db == nil {
		// Injected store without an injected searcher: knowledge search is
		// simply unavailable.
		return nil
	}
	ix, err := retrieval.NewIndex(a.db, a.cfg.OpenAI.APIKey)
	if err != nil {
		return err
	}
	a.search = ix
	return nil
}

// initServer assembles the router, readiness checks, and the HTTP server,
// and opens the listener.
func (a *App) initServer() error {
	var checkers []health.Checker
	if a.db != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.db.Ping})
	}
	hc := health.New(checkers...)

	var opts []server.Option
	if a.dialLLM != nil {
		opts = append(opts, server.WithLLMDialer(a.dialLLM))
	}
	a.srv = server.New(a.cfg, a.st, a.search, hc, a.metrics, a.log, opts...)

	baseCtx, cancel := context.WithCancel(context.Background())
	a.baseCancel = cancel

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.srv,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.ln = ln
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Addr is the bound listen address. Useful when the config asked for :0.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Run serves HTTP until ctx is cancelled or the server fails. Shutdown is
// not called here; main owns the teardown so it can bound it with its own
// deadline.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(a.ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(a.ln)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	a.log.Info("server listening", "addr", a.Addr(), "instance_id", a.cfg.Routing.InstanceID)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting new calls, lets live calls drain, then tears
// down all subsystems in init order. Respects the ctx deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		if a.watcher != nil {
			a.watcher.Stop()
		}

		// Stop the listener and idle connections. Hijacked media streams
		// are not covered by Shutdown; cancelling the base context ends
		// their bridge sessions, which finalize and close cleanly.
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(drainCtx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		if a.baseCancel != nil {
			a.baseCancel()
		}

		shutdownErr = a.closeAll(ctx)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers in reverse-init order, stopping early if ctx
// expires.
func (a *App) closeAll(ctx context.Context) error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.closers = nil
	return firstErr
}

// slogLevel maps the config log level onto slog's scale.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
