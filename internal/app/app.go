// Package app wires all voxbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDirectoryStore, WithConnector, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/directory"
	"github.com/MrWong99/voxbridge/internal/esl"
	"github.com/MrWong99/voxbridge/internal/handoff"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/media"
	"github.com/MrWong99/voxbridge/internal/objstore"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/ratelimit"
	"github.com/MrWong99/voxbridge/internal/session"
	"github.com/MrWong99/voxbridge/internal/tools"
	"github.com/MrWong99/voxbridge/internal/transfer"
	"github.com/MrWong99/voxbridge/pkg/history"
	historypg "github.com/MrWong99/voxbridge/pkg/history/postgres"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
)

// Lifecycle knobs.
const (
	// sweepInterval is how often the expired-session backstop runs.
	sweepInterval = 5 * time.Second

	// httpShutdownGrace bounds the graceful drain of the HTTP server.
	httpShutdownGrace = 5 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *observe.Metrics
	pool     *pgxpool.Pool
	dir      *directory.Loader
	registry *realtime.Registry
	limiter  *ratelimit.Limiter
	toolHost *tools.Host

	conn      session.Connector
	manager   *session.Manager
	transfers *transfer.Manager
	handoffs  *handoff.Manager
	bridge    *bridge

	inbound   *esl.InboundClient
	commander transfer.Commander
	eslServer *esl.Server
	httpSrv   *http.Server

	// Injected test doubles; nil means build the real thing from config.
	dirStore  directory.Store
	histStore history.Store
	uploader  objstore.Uploader

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDirectoryStore injects a directory store instead of opening Postgres.
func WithDirectoryStore(s directory.Store) Option {
	return func(a *App) { a.dirStore = s }
}

// WithHistoryStore injects a conversation store instead of opening Postgres.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.histStore = s }
}

// WithConnector injects a provider connector instead of the registry-backed
// one.
func WithConnector(c session.Connector) Option {
	return func(a *App) { a.conn = c }
}

// WithCommander injects the api-command surface instead of the inbound
// connection.
func WithCommander(c transfer.Commander) Option {
	return func(a *App) { a.commander = c }
}

// WithUploader injects a recording uploader instead of building the S3
// client.
func WithUploader(u objstore.Uploader) Option {
	return func(a *App) { a.uploader = u }
}

// WithRegistry injects a pre-populated provider registry.
func WithRegistry(r *realtime.Registry) Option {
	return func(a *App) { a.registry = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Construction is
// synchronous; Run starts the servers.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ──────────────────────────────────────────────────────
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}
	a.metrics = metrics

	// ── 2. Stores ───────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, err
	}

	// ── 3. Directory loader ─────────────────────────────────────────────
	if a.dirStore != nil {
		a.dir = directory.NewLoader(a.dirStore, directory.WithLogger(logger))
		a.closers = append(a.closers, func() error { a.dir.Close(); return nil })
	} else {
		logger.Warn("no directory store, calls cannot be answered")
	}

	// ── 4. Rate limiter and provider registry ───────────────────────────
	a.limiter = ratelimit.New(nil)
	a.closers = append(a.closers, func() error { a.limiter.Close(); return nil })
	if a.registry == nil {
		a.registry = realtime.NewRegistry()
		RegisterBuiltins(a.registry, a.limiter)
	}

	// ── 5. Tenant tool host ─────────────────────────────────────────────
	a.toolHost = tools.NewHost(metrics, logger)
	a.closers = append(a.closers, a.toolHost.Close)

	// ── 6. ESL inbound connection ───────────────────────────────────────
	if a.commander == nil {
		a.inbound = esl.NewInboundClient(esl.InboundConfig{
			Addr:     cfg.ESL.InboundAddr(),
			Password: cfg.ESL.Password,
		}, logger)
		if err := a.inbound.Connect(ctx); err != nil {
			// The media server keeps refusing calls until FreeSWITCH is
			// back; readiness reports the gap.
			logger.Error("inbound connection failed, continuing degraded",
				"addr", cfg.ESL.InboundAddr(), "error", err)
		}
		a.commander = a.inbound
		a.closers = append(a.closers, a.inbound.Close)
	}

	// ── 7. Provider connector ───────────────────────────────────────────
	if a.conn == nil {
		a.conn = newConnector(a.registry, a.credentialSource(), logger)
	}

	// ── 8. Transfer and handoff ─────────────────────────────────────────
	a.transfers = transfer.NewManager(transfer.Config{
		MOH:          cfg.Transfer.MusicOnHold,
		RingTimeout:  cfg.Transfer.DefaultTimeout,
		AcceptWindow: cfg.Transfer.AcceptWindow,
	}, a.commander, a.ruleSource(), metrics, logger)

	if err := a.initHandoff(ctx); err != nil {
		return nil, err
	}

	// ── 9. Session manager and bridge ───────────────────────────────────
	a.manager = session.NewManager(session.ManagerConfig{
		TenantCap: cfg.Sessions.MaxPerTenant,
		GlobalCap: cfg.Sessions.MaxTotal,
		Limiter:   a.limiter,
	}, a.conn, a.histStore, a.sessionHooks(), metrics, logger)

	a.bridge = newBridge(cfg.Server.AudioMode, a.manager, a.bridgeDirectory(), a.toolHost,
		a.bridgeCommander(), streamBase(cfg.Server), logger)

	// ── 10. Servers ─────────────────────────────────────────────────────
	a.eslServer = esl.NewServer(esl.ServerConfig{Addr: cfg.ESL.ServerAddr()}, a.bridge, logger)
	a.httpSrv = &http.Server{Addr: cfg.Server.Addr(), Handler: a.routes()}

	return a, nil
}

// initStores opens the Postgres pool and derives the two stores from it,
// unless test doubles were injected.
func (a *App) initStores(ctx context.Context) error {
	if a.cfg.Database.DSN == "" || (a.dirStore != nil && a.histStore != nil) {
		return nil
	}
	pool, err := pgxpool.New(ctx, a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("app: database pool: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	if a.dirStore == nil {
		a.dirStore = directory.NewPostgresStore(pool)
	}
	if a.histStore == nil {
		a.histStore = historypg.NewStore(pool)
	}
	return nil
}

// initHandoff builds the handoff manager when an orchestrator is configured.
func (a *App) initHandoff(ctx context.Context) error {
	if a.cfg.Orchestrator.BaseURL == "" {
		a.logger.Warn("no orchestrator configured, handoff disabled")
		return nil
	}
	if a.uploader == nil && a.cfg.Storage.Enabled() {
		store, err := objstore.New(ctx, objstore.Config{
			Endpoint:  a.cfg.Storage.Endpoint,
			Region:    a.cfg.Storage.Region,
			Bucket:    a.cfg.Storage.Bucket,
			AccessKey: a.cfg.Storage.AccessKey,
			SecretKey: a.cfg.Storage.SecretKey,
			PathStyle: a.cfg.Storage.Endpoint != "",
		})
		if err != nil {
			return fmt.Errorf("app: object store: %w", err)
		}
		a.uploader = store
	}
	api := handoff.NewAPIClient(a.cfg.Orchestrator.BaseURL, a.cfg.Orchestrator.Token, nil)
	a.handoffs = handoff.NewManager(handoff.Config{
		Keywords:      a.cfg.Handoff.Keywords,
		MaxAITurns:    a.cfg.Handoff.MaxAITurns,
		QueueID:       a.cfg.Orchestrator.QueueID,
		CountryCode:   a.cfg.Handoff.CountryCode,
		DevTestNumber: a.cfg.Handoff.DevTestNumber,
	}, api, a.transfers, a.uploader, nil, a.metrics, a.logger)
	return nil
}

// credentialSource adapts the loader for the connector; nil without a
// directory.
func (a *App) credentialSource() credentialSource {
	if a.dir == nil {
		return nil
	}
	return a.dir
}

// ruleSource adapts the loader for the transfer manager. An emptyRules
// stand-in keeps the manager functional when no directory is configured.
func (a *App) ruleSource() transfer.RuleSource {
	if a.dir == nil {
		return emptyRules{}
	}
	return a.dir
}

func (a *App) bridgeDirectory() secretarySource {
	if a.dir == nil {
		return nil
	}
	return a.dir
}

func (a *App) bridgeCommander() apiRunner {
	if r, ok := a.commander.(apiRunner); ok {
		return r
	}
	return nil
}

// streamBase renders the ws:// URL uuid_audio_stream dials back to. A
// wildcard bind is rewritten to loopback, which matches the common
// colocated-FreeSWITCH deployment.
func streamBase(srv config.ServerConfig) string {
	host := srv.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d", host, srv.Port)
}

type emptyRules struct{}

func (emptyRules) RulesFor(context.Context, string, string) ([]directory.TransferRule, error) {
	return nil, nil
}

// routes builds the shared mux: the stream plane plus the operational
// endpoints.
func (a *App) routes() http.Handler {
	checks := []health.Checker{
		{Name: "esl", Check: func(context.Context) error {
			if a.inbound != nil && !a.inbound.Connected() {
				return fmt.Errorf("inbound connection down")
			}
			return nil
		}},
	}
	if a.pool != nil {
		checks = append(checks, health.Checker{Name: "database", Check: a.pool.Ping})
	}
	h := health.New(checks...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/readyz", h.Readyz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", media.NewServer(a.bridge, a.logger))
	return mux
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves until ctx is cancelled, then shuts down. The returned error is
// the first server failure, if any.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := a.eslServer.Start(ctx); err != nil {
		return fmt.Errorf("app: esl server: %w", err)
	}
	a.logger.Info("outbound-socket server listening", "addr", a.eslServer.Addr())

	g.Go(func() error {
		a.logger.Info("media server listening", "addr", a.httpSrv.Addr, "mode", string(a.cfg.Server.AudioMode))
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := a.manager.CleanupExpired(); n > 0 {
					a.logger.Info("expired sessions swept", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.eslServer.Close()
	return err
}

// Shutdown stops accepting work, ends every live call and unwinds the
// closers. Safe to call more than once; once ctx expires the remaining
// closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down")
		a.eslServer.Close()

		shutdownCtx, cancel := context.WithTimeout(ctx, httpShutdownGrace)
		a.httpSrv.Shutdown(shutdownCtx)
		cancel()

		a.manager.StopAll("shutdown")

		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				a.logger.Warn("shutdown deadline reached, skipping remaining closers",
					"remaining", i+1)
				a.stopErr = ctx.Err()
				return
			}
			if err := a.closers[i](); err != nil && a.stopErr == nil {
				a.stopErr = err
			}
		}
		a.logger.Info("shutdown complete")
	})
	return a.stopErr
}

// Stats exposes the session counters for the startup summary and tests.
func (a *App) Stats() session.Stats { return a.manager.Stats() }

// ApplyConfig applies a hot-reloadable configuration change.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.Empty() {
		return
	}
	if d.HandoffChanged && a.handoffs != nil {
		a.handoffs.Reconfigure(handoff.Config{
			Keywords:      d.NewHandoff.Keywords,
			MaxAITurns:    d.NewHandoff.MaxAITurns,
			QueueID:       a.cfg.Orchestrator.QueueID,
			CountryCode:   d.NewHandoff.CountryCode,
			DevTestNumber: d.NewHandoff.DevTestNumber,
		})
		a.logger.Info("handoff tuning reloaded")
	}
	if d.TransferChanged {
		a.transfers.Reconfigure(transfer.Config{
			MOH:          d.NewTransfer.MusicOnHold,
			RingTimeout:  d.NewTransfer.DefaultTimeout,
			AcceptWindow: d.NewTransfer.AcceptWindow,
		})
		a.logger.Info("transfer tuning reloaded")
	}
}
