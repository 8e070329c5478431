// Package app assembles the routing engine components into a runnable HTTP
// server: store, vault, key manager, quota engine, cost controller, policy
// engine, routing engine, router facade, and the API surface on top.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/keyrouter/internal/cost"
	"github.com/jordanhubbard/keyrouter/internal/httpapi"
	"github.com/jordanhubbard/keyrouter/internal/idempotency"
	"github.com/jordanhubbard/keyrouter/internal/keys"
	"github.com/jordanhubbard/keyrouter/internal/metrics"
	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/policy"
	"github.com/jordanhubbard/keyrouter/internal/provider"
	"github.com/jordanhubbard/keyrouter/internal/provider/anthropic"
	"github.com/jordanhubbard/keyrouter/internal/provider/openai"
	"github.com/jordanhubbard/keyrouter/internal/quota"
	"github.com/jordanhubbard/keyrouter/internal/ratelimit"
	"github.com/jordanhubbard/keyrouter/internal/router"
	"github.com/jordanhubbard/keyrouter/internal/routing"
	"github.com/jordanhubbard/keyrouter/internal/store"
	"github.com/jordanhubbard/keyrouter/internal/temporal"
	"github.com/jordanhubbard/keyrouter/internal/tracing"
	"github.com/jordanhubbard/keyrouter/internal/vault"
)

// Server wires the components and owns their lifecycles.
type Server struct {
	cfg Config

	mux *chi.Mux

	store       store.Store
	router      *router.Router
	keys        *keys.Manager
	quota       *quota.Engine
	cost        *cost.Controller
	policies    *policy.Engine
	bus         *obs.Bus
	limiter     *ratelimit.Limiter
	idempotency *idempotency.Cache
	temporal    *temporal.Manager
	logger      *slog.Logger
	stopSweep   chan struct{}

	shutdownTracing func(context.Context) error
}

// NewServer assembles all components from config. The caller runs the
// returned server's Handler and calls Close on shutdown.
func NewServer(cfg Config) (*Server, error) {
	logger := obs.SetupLogging(cfg.LogLevel)

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("vault init: %w", err)
	}

	bus := obs.NewBus()
	m := metrics.New()
	sink := obs.MultiSink{
		&obs.LogSink{Logger: logger},
		&obs.BusSink{Bus: bus},
		&obs.MetricsSink{Metrics: m},
	}

	var keyOpts []keys.Option
	if cfg.DefaultCooldownSecs > 0 {
		keyOpts = append(keyOpts, keys.WithCooldown(time.Duration(cfg.DefaultCooldownSecs)*time.Second))
	}
	km := keys.NewManager(st, v, sink, logger, keyOpts...)

	quotaOpts := []quota.Option{quota.WithKeyThrottler(km)}
	if cfg.QuotaCooldownSecs > 0 {
		quotaOpts = append(quotaOpts, quota.WithDefaultCooldown(time.Duration(cfg.QuotaCooldownSecs)*time.Second))
	}
	if cfg.PredictionTTLSecs > 0 {
		quotaOpts = append(quotaOpts, quota.WithPredictionTTL(time.Duration(cfg.PredictionTTLSecs)*time.Second))
	}
	qe := quota.NewEngine(st, sink, logger, quotaOpts...)
	pe := policy.NewEngine(logger)

	s := &Server{
		cfg:      cfg,
		store:    st,
		keys:     km,
		quota:    qe,
		policies: pe,
		bus:      bus,
		logger:   logger,
	}

	// The cost controller resolves adapters through the router, which is
	// built after it; the router facade closes the loop.
	var rt *router.Router
	cc := cost.NewController(st, sink, logger, func(providerID string) (provider.Adapter, bool) {
		return rt.Adapter(providerID)
	})
	s.cost = cc

	eng := routing.NewEngine(km, st, sink, logger,
		routing.WithQuotaEngine(qe),
		routing.WithCostController(cc),
		routing.WithPolicyEngine(pe))

	rt = router.New(km, qe, eng, st, sink, logger,
		router.WithCostController(cc),
		router.WithMetrics(m),
		router.WithMaxAttempts(cfg.MaxRouteAttempts))
	s.router = rt

	if err := s.registerProviders(); err != nil {
		return nil, err
	}

	if cfg.TracingEnabled {
		shutdown, err := tracing.Setup(tracing.Config{
			Enabled:     true,
			Endpoint:    cfg.TracingEndpoint,
			ServiceName: "keyrouter",
		})
		if err != nil {
			return nil, fmt.Errorf("tracing init: %w", err)
		}
		s.shutdownTracing = shutdown
	}

	if cfg.TemporalEnabled {
		tm, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, &temporal.Activities{
			Router: rt,
			Keys:   km,
			Cost:   cc,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("temporal init: %w", err)
		}
		if err := tm.Start(); err != nil {
			tm.Stop()
			return nil, fmt.Errorf("temporal worker start: %w", err)
		}
		s.temporal = tm
	}

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second)
	s.idempotency = idempotency.New(
		time.Duration(cfg.IdempotencyTTLSecs)*time.Second, cfg.IdempotencyMaxKeys)

	// When Temporal runs the maintenance workflow, the in-process sweep
	// would duplicate it.
	if !cfg.TemporalEnabled {
		s.stopSweep = make(chan struct{})
		go s.sweepLoop(time.Duration(cfg.MaintenanceIntervalSecs) * time.Second)
	}

	s.mux = s.buildMux(m)
	return s, nil
}

// sweepLoop periodically recovers cooled-down keys and resets expired
// budgets.
func (s *Server) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := s.keys.CheckAndRecoverStates(ctx); err != nil {
				s.logger.Warn("key recovery sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.Info("key recovery sweep", slog.Int("recovered", n))
			}
			if n, err := s.cost.ResetDueBudgets(ctx); err != nil {
				s.logger.Warn("budget reset sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.Info("budget reset sweep", slog.Int("reset", n))
			}
			cancel()
		case <-s.stopSweep:
			return
		}
	}
}

func openStore(cfg Config) (store.Store, error) {
	retention := store.RetentionConfig{
		MaxDecisions:   cfg.MaxDecisions,
		MaxTransitions: cfg.MaxTransitions,
	}
	if cfg.StoreBackend == "memory" {
		return store.NewMemory(retention), nil
	}
	db, err := store.NewSQLite(cfg.DBDSN, retention)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}

func (s *Server) registerProviders() error {
	ctx := context.Background()
	for _, id := range s.cfg.Providers {
		var adapter provider.Adapter
		switch id {
		case "openai":
			adapter = openai.New(s.cfg.OpenAIBaseURL)
		case "anthropic":
			adapter = anthropic.New(s.cfg.AnthropicBaseURL)
		default:
			return fmt.Errorf("unknown provider %q in KEYROUTER_PROVIDERS", id)
		}
		if err := s.router.RegisterProvider(ctx, id, adapter, false); err != nil {
			return err
		}
		s.logger.Info("registered provider", slog.String("provider", id))
	}
	return nil
}

func (s *Server) buildMux(m *metrics.Registry) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(obs.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.cfg.TracingEnabled {
		r.Use(tracing.Middleware())
	}

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Router:      s.router,
		Keys:        s.keys,
		Quota:       s.quota,
		Cost:        s.cost,
		Store:       s.store,
		Metrics:     m,
		Bus:         s.bus,
		RateLimiter: s.limiter,
		Idempotency: s.idempotency,
	})
	return r
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Policies returns the policy engine so callers can register rules before
// serving.
func (s *Server) Policies() *policy.Engine { return s.policies }

// Close releases background resources in reverse assembly order.
func (s *Server) Close() error {
	if s.stopSweep != nil {
		close(s.stopSweep)
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.idempotency != nil {
		s.idempotency.Stop()
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}
	if closer, ok := s.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
