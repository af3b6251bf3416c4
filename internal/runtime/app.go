// Package runtime assembles the pipeline components from configuration and
// manages their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/coachllm/internal/api"
	"github.com/tjfontaine/coachllm/internal/auth"
	"github.com/tjfontaine/coachllm/internal/cache"
	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/credentials"
	"github.com/tjfontaine/coachllm/internal/dispatch"
	"github.com/tjfontaine/coachllm/internal/ledger"
	"github.com/tjfontaine/coachllm/internal/mirror"
	"github.com/tjfontaine/coachllm/internal/orchestration"
	"github.com/tjfontaine/coachllm/internal/pkg/config"
	"github.com/tjfontaine/coachllm/internal/pkg/safehttp"
	"github.com/tjfontaine/coachllm/internal/privacy"
	"github.com/tjfontaine/coachllm/internal/rag"
	"github.com/tjfontaine/coachllm/internal/router"
	"github.com/tjfontaine/coachllm/internal/server"
	"github.com/tjfontaine/coachllm/internal/storage/memory"
	"github.com/tjfontaine/coachllm/internal/storage/sqldb"
	"github.com/tjfontaine/coachllm/internal/storage/sqlite"
	"github.com/tjfontaine/coachllm/internal/tokens"
	"github.com/tjfontaine/coachllm/internal/worker"
)

// App is the assembled pipeline. It can be embedded in a larger program or
// run standalone by cmd/coachd.
type App struct {
	config ports.ConfigProvider
	logger *slog.Logger

	local      *sqlite.Store
	remote     *sqldb.Store
	queue      *mirror.Queue
	kafka      *mirror.KafkaSink
	mirror     *mirror.Worker
	redis      *cache.Redis
	vault      *credentials.Vault
	engines    *engineSet
	worker     *worker.Worker
	router     *router.Router
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	aggregator *rag.Aggregator
	coord      *orchestration.Coordinator
	auth       *auth.Authenticator
	server     *server.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates an App with the given options. Components are built by Start.
func New(opts ...Option) (*App, error) {
	a := &App{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if a.config == nil {
		return nil, errors.New("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	return a, nil
}

// Start builds every component from the loaded configuration, starts the
// background workers and begins serving HTTP.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, err := a.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if err := a.build(runCtx, cfg); err != nil {
		cancel()
		if a.dispatcher != nil {
			a.dispatcher.Close()
		}
		a.closeResources()
		return err
	}

	a.worker.Start()
	if a.mirror != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.mirror.Run(runCtx)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Start(); err != nil {
			a.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	if err := a.config.Watch(runCtx, a.onConfigChange); err != nil {
		a.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}

	a.logger.Info("coachd started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("providers", len(a.router.Providers())),
		slog.Bool("mirror", a.mirror != nil),
		slog.Bool("auth", !a.auth.Empty()))
	return nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	if dir := filepath.Dir(cfg.Storage.LocalPath); !strings.HasPrefix(cfg.Storage.LocalPath, "file:") && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	var err error
	a.local, err = sqlite.New(cfg.Storage.LocalPath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}

	seed := memory.NewCommunityStore()
	var (
		community ports.CommunitySource = seed
		content   ports.ContentLibrary  = seed
		sinks     []ports.MirrorSink
	)
	if cfg.Storage.Remote.DSN != "" {
		a.remote, err = sqldb.New(sqldb.Config{Driver: cfg.Storage.Remote.Driver, DSN: cfg.Storage.Remote.DSN})
		if err != nil {
			return fmt.Errorf("open remote store: %w", err)
		}
		community, content = a.remote, a.remote
		sinks = append(sinks, a.remote)
	}

	ledgerOpts := []ledger.Option{ledger.WithLogger(a.logger)}
	if cfg.Ledger.Mirror.Enabled {
		mc := cfg.Ledger.Mirror
		a.queue, err = mirror.OpenQueue(mirror.QueueConfig{Path: mc.QueuePath, Logger: a.logger})
		if err != nil {
			return fmt.Errorf("open mirror queue: %w", err)
		}
		if len(mc.Kafka.Brokers) > 0 {
			a.kafka, err = mirror.NewKafkaSink(mc.Kafka.Brokers, mc.Kafka.Topic)
			if err != nil {
				return fmt.Errorf("create kafka sink: %w", err)
			}
			sinks = append(sinks, a.kafka)
		}
		if len(sinks) == 0 {
			a.logger.Warn("ledger mirroring enabled without a sink; events will accumulate in the queue")
		}
		ledgerOpts = append(ledgerOpts, ledger.WithMirrorQueue(a.queue))
		a.mirror = mirror.NewWorker(a.queue, a.local, sinks,
			mirror.WithInterval(mc.Interval),
			mirror.WithBatchSize(mc.BatchSize),
			mirror.WithLogger(a.logger))
	}
	a.ledger = ledger.New(a.local, ledgerOpts...)

	providers := providerConfigs(cfg)
	a.vault = credentials.NewVault()
	a.engines = &engineSet{}
	if !cfg.Routing.AllowPrivateEgress {
		a.engines.remote = safehttp.NewClient(0)
	}
	if err := a.engines.rebuild(providers, a.vault); err != nil {
		return err
	}

	catalog, err := router.DefaultCatalog().Merge(cfg.Routing.Models)
	if err != nil {
		return fmt.Errorf("routing models: %w", err)
	}
	a.router, err = router.New(providers,
		router.WithCatalog(catalog),
		router.WithPolicyStore(a.local),
		router.WithPolicy(domain.RoutingPolicy{
			OptimizationLevel: domain.OptimizationLevel(cfg.Routing.OptimizationLevel),
			FallbackToLocal:   cfg.Routing.FallbackToLocal,
		}),
		router.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	if err := a.router.LoadPolicy(ctx); err != nil {
		return err
	}

	a.worker = worker.New(a.engines,
		worker.WithTimeout(cfg.Dispatch.Timeout),
		worker.WithQueueSize(cfg.Dispatch.QueueSize),
		worker.WithLogger(a.logger))

	sanitizer, err := privacy.NewSanitizer()
	if err != nil {
		return fmt.Errorf("load sanitizer patterns: %w", err)
	}
	a.dispatcher, err = dispatch.New(a.worker, a.router, a.ledger,
		dispatch.WithEnforcer(privacy.NewEnforcer(privacy.WithAudit(a.ledger), privacy.WithLogger(a.logger))),
		dispatch.WithSanitizer(sanitizer),
		dispatch.WithTokenCounter(tokens.NewRegistry()),
		dispatch.WithJournal(a.local),
		dispatch.WithDirectEngines(a.engines),
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
		dispatch.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	a.aggregator, err = rag.New(rag.Sources{
		Profiles:  a.local,
		Journal:   a.local,
		Community: community,
		Content:   content,
	}, rag.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("create context aggregator: %w", err)
	}

	coordOpts := []orchestration.Option{
		orchestration.WithRetriever(a.aggregator),
		orchestration.WithAudit(a.ledger),
		orchestration.WithLogger(a.logger),
	}
	rc, err := a.responseCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	if rc != nil {
		coordOpts = append(coordOpts, orchestration.WithCache(rc, cfg.Cache.TTL))
	}
	a.coord, err = orchestration.New(a.dispatcher, coordOpts...)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	a.auth, err = auth.NewAuthenticator(cfg.Auth.APIKeys)
	if err != nil {
		return err
	}

	a.server = server.New(cfg.Server.Port, a.logger, cfg.Server.RequestTimeout)
	a.routes(a.server.Router, cfg)
	return nil
}

func (a *App) responseCache(ctx context.Context, cc config.CacheConfig) (ports.ResponseCache, error) {
	switch cc.Type {
	case "none":
		return nil, nil
	case "redis":
		r, err := cache.NewRedis(ctx, cc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect cache: %w", err)
		}
		a.redis = r
		return r, nil
	default:
		return cache.NewMemory(cc.Size)
	}
}

func (a *App) routes(r chi.Router, cfg *config.Config) {
	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())

	h := &api.Handler{
		Dispatcher:   a.dispatcher,
		Orchestrator: a.coord,
		Retriever:    a.aggregator,
		Ledger:       a.ledger,
		Router:       a.router,
		Users:        a.local,
	}
	r.Group(func(r chi.Router) {
		if a.auth.Empty() {
			a.logger.Warn("no API keys configured, requests are not authenticated")
		} else {
			r.Use(server.AuthMiddleware(a.auth))
		}
		if rl := cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
			r.Use(server.NewRateLimiter(rl.RequestsPerSecond, rl.Burst).Middleware)
		}
		h.Mount(r)
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	Worker        bool   `json:"worker"`
	Pending       int    `json:"pending"`
	MirrorBacklog int    `json:"mirrorBacklog,omitempty"`
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Worker: a.worker.Running(), Pending: a.dispatcher.Pending()}
	if a.queue != nil {
		if n, err := a.queue.Len(r.Context()); err == nil {
			resp.MirrorBacklog = n
		}
	}
	status := http.StatusOK
	if !resp.Worker {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	server.WriteJSON(w, status, resp)
}

// onConfigChange applies provider and API key changes. The routing policy is
// owned by the router's update API and is not touched by reloads.
func (a *App) onConfigChange(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.reload(cfg); err != nil {
		a.logger.Error("failed to apply config change", slog.String("error", err.Error()))
	}
}

func (a *App) reload(cfg *config.Config) error {
	providers := providerConfigs(cfg)
	if err := a.engines.rebuild(providers, a.vault); err != nil {
		return fmt.Errorf("rebuild providers: %w", err)
	}
	if err := a.router.UpdateProviders(providers); err != nil {
		return fmt.Errorf("update router: %w", err)
	}
	if err := a.auth.Reload(cfg.Auth.APIKeys); err != nil {
		return fmt.Errorf("reload api keys: %w", err)
	}
	a.logger.Info("reload complete", slog.Int("providers", len(providers)))
	return nil
}

// Shutdown stops accepting requests, drains the background workers and
// closes every store.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("shutting down")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.mirror != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if n, err := a.mirror.Flush(flushCtx); err != nil {
			a.logger.Warn("final mirror flush incomplete", slog.Int("mirrored", n), slog.String("error", err.Error()))
		}
		cancel()
	}

	errs = append(errs, a.closeResources()...)
	if a.config != nil {
		if err := a.config.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeResources() []error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mirror queue: %w", err))
		}
	}
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote store: %w", err))
		}
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local store: %w", err))
		}
	}
	return errs
}

// Handler returns the HTTP handler. It is nil before Start.
func (a *App) Handler() http.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	return a.server.Router
}

// Dispatcher returns the request dispatcher. It is nil before Start.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Coordinator returns the orchestration coordinator. It is nil before Start.
func (a *App) Coordinator() *orchestration.Coordinator { return a.coord }

// Ledger returns the audit ledger. It is nil before Start.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }
