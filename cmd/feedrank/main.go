package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BimilLog/BimilLog-sub000/internal/fallback"
	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/notification"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/aws"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/config"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/resilience"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/worker"
	"github.com/BimilLog/BimilLog-sub000/internal/promotion"
	"github.com/BimilLog/BimilLog-sub000/internal/reader"
	"github.com/BimilLog/BimilLog-sub000/internal/refresh"
	"github.com/BimilLog/BimilLog-sub000/internal/store"
	"github.com/BimilLog/BimilLog-sub000/internal/tiercache"
)

const serviceName = "feedrank"

// memoryBackendSize bounds the in-process backend. Tier keys, lock keys and
// the score set must never be evicted, so it is far above what they need.
const memoryBackendSize = 100_000

func main() {
	// Create root context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	log.Println("Loading configuration...")
	// Empty means ./config.yaml or ./config/config.yaml when present
	cfg := config.MustLoad(os.Getenv("FEED_CONFIG_FILE"))

	// Setup observability (foundational - must be first)
	log.Println("Setting up observability...")
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics(serviceName, cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	tp, err := observability.NewTracerProvider(ctx, observability.TracingOptions{
		ServiceName: serviceName,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Enabled:     cfg.Observability.Tracing.Enabled,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer()

	logger.Info("observability setup complete")

	specs := cfg.TierSpecs()

	// Store of record
	db, err := store.Open(cfg.Database.Path, store.DefaultRankingRules().WithTierSpecs(specs))
	if err != nil {
		logger.LogError(ctx, "failed to open database", err)
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Cache backend
	backend, lastKnownGood, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.LogError(ctx, "failed to create cache backend", err)
		log.Fatalf("Failed to create cache backend: %v", err)
	}
	defer backend.Close()
	defer lastKnownGood.Close()

	prefix := cfg.Cache.KeyPrefix

	caches := tiercache.NewAll(specs, backend, tiercache.Options{
		Prefix:             prefix,
		EarlyRefreshWindow: cfg.Cache.EarlyRefreshWindow,
		Timeout:            cfg.Cache.Timeout,
		Metrics:            metrics,
	})

	// Real-time scores: remote sorted set with a local fallback behind the breaker
	scoreBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "score",
		FailureThreshold: cfg.Score.Breaker.FailureThreshold,
		CoolDown:         cfg.Score.Breaker.CoolDown,
		OnStateChange: func(from, to resilience.State) {
			metrics.SetCircuitBreakerState(context.Background(), "score", int64(to))
			logger.Warn("score circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	router := tiercache.NewScoreRouter(
		tiercache.NewRemoteScoreStore(backend, tiercache.ScoreKey(prefix), cfg.Cache.Timeout),
		tiercache.NewLocalScoreStore(),
		scoreBreaker,
		logger,
		metrics,
	)

	// Database fallback
	var limiter *resilience.RateLimiter
	if cfg.Fallback.RatePerSecond > 0 {
		limiter = resilience.NewRateLimiter(cfg.Fallback.RatePerSecond, cfg.Fallback.Burst)
	}
	gateway, err := fallback.NewGateway(fallback.Config{
		Posts:            db,
		LastKnownGood:    lastKnownGood,
		LastKnownTTL:     cfg.Fallback.LastKnownTTL,
		KeyPrefix:        prefix,
		Timeout:          cfg.Fallback.Timeout,
		MaxConcurrent:    cfg.Fallback.MaxConcurrent,
		Limiter:          limiter,
		FailureThreshold: uint32(cfg.Fallback.Breaker.FailureThreshold),
		CoolDown:         cfg.Fallback.Breaker.CoolDown,
		HalfOpenRequests: cfg.Fallback.Breaker.HalfOpenRequests,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create fallback gateway", err)
		log.Fatalf("Failed to create fallback gateway: %v", err)
	}

	// Async rebuild workers
	pool := worker.NewPool(ctx, cfg.Refresh.Workers, cfg.Refresh.QueueSize, func(r worker.Result) {
		if r.Err != nil && !feed.IsSkip(r.Err) {
			logger.LogWarn(ctx, "async rebuild failed", "job", r.JobID, "error", r.Err)
		}
	})
	defer pool.Close()

	featured := func(tier feed.Tier) refresh.SourceFunc {
		return func(ctx context.Context, limit int) ([]feed.PostSummary, error) {
			return db.FindFeatured(ctx, tier, limit)
		}
	}
	coord, err := refresh.NewCoordinator(refresh.Config{
		Caches:   caches,
		Posts:    db,
		Fallback: gateway,
		Locker:   cache.NewLocker(backend, prefix+"lock:"),
		Pool:     pool,
		Sources: map[feed.Tier]refresh.SourceFunc{
			feed.TierRealtime: reader.RealtimeSource(router, db),
			feed.TierWeekly:   featured(feed.TierWeekly),
			feed.TierLegend:   featured(feed.TierLegend),
		},
		LockTTL:            cfg.Cache.LockTTL,
		SourceTimeout:      cfg.Fallback.Timeout,
		EarlyRefreshWindow: cfg.Cache.EarlyRefreshWindow,
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             tracer,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create refresh coordinator", err)
		log.Fatalf("Failed to create refresh coordinator: %v", err)
	}

	// Featured notifications
	events, err := newEventSink(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		logger.LogError(ctx, "failed to create event sink", err)
		log.Fatalf("Failed to create event sink: %v", err)
	}

	promoter, err := promotion.NewPromoter(promotion.PromoterConfig{
		Posts:       db,
		Refresher:   coord,
		Scores:      router,
		Events:      events,
		Specs:       specs,
		DecayFactor: cfg.Score.DecayFactor,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create promoter", err)
		log.Fatalf("Failed to create promoter: %v", err)
	}

	scheduler, err := promotion.NewScheduler(promotion.SchedulerConfig{
		Runner:      promoter,
		Specs:       specs,
		Timezone:    cfg.Scheduler.Timezone,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		WarmOnStart: cfg.Scheduler.WarmOnStart,
		Logger:      logger,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create scheduler", err)
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	svc, err := reader.NewService(reader.Config{
		Coordinator: coord,
		Scores:      router,
		Notices:     db,
		Logger:      logger,
		Tracer:      tracer,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create reader service", err)
		log.Fatalf("Failed to create reader service: %v", err)
	}

	server := newHTTPServer(cfg.HTTP.Port, httpDeps{
		svc:     svc,
		gateway: gateway,
		scores:  scoreBreaker,
		db:      db,
		backend: backend,
		metrics: metrics,
		logger:  logger,
	})

	logger.Info("starting feed service...", "backend", cfg.Cache.Backend, "tiers", len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, gracefully stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.LogError(context.Background(), "service error", err)
	}
	logger.Info("application stopped")
}

// openBackend connects the tier cache backend and builds the last-known-good
// store on top of it.
func openBackend(ctx context.Context, cfg *config.Config, logger *observability.Logger) (cache.Backend, cache.Cache, error) {
	if cfg.Cache.Backend == "memory" {
		mem := cache.NewMemoryCache(memoryBackendSize)
		return mem, mem, nil
	}

	var redisCache *cache.RedisCache
	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		rc, err := cache.NewRedisCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.LogWarn(ctx, "redis not reachable yet", "address", cfg.Redis.Address, "error", err)
			return err
		}
		redisCache = rc
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// Keep a local copy of last-known-good pages that outlives a Redis outage
	return redisCache, fallback.NewLastKnownGoodStore(redisCache, cfg.Cache.L1MaxSize, cfg.Fallback.LastKnownTTL), nil
}

func newEventSink(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, tracer observability.Tracer) (feed.EventSink, error) {
	if !cfg.AWS.Enabled {
		logger.Info("SNS disabled, featured events are logged only")
		return notification.NewNoOpPublisher(logger, metrics), nil
	}

	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	snsClient := aws.NewSNSClient(aws.SNSClientConfig{
		AWSConfig: awsCfg,
		Logger:    logger,
		Metrics:   metrics,
	})

	return notification.NewPublisher(notification.PublisherConfig{
		SNSClient: snsClient,
		TopicARN:  cfg.AWS.SNSTopicARN,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
}

type httpDeps struct {
	svc     *reader.Service
	gateway *fallback.Gateway
	scores  *resilience.CircuitBreaker
	db      *store.SQLiteStore
	backend cache.Backend
	metrics *observability.Metrics
	logger  *observability.Logger
}

// newHTTPServer serves health, readiness, metrics and a tier inspection
// endpoint for operators.
func newHTTPServer(port int, d httpDeps) *http.Server {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Readiness: the database must answer; cache trouble only degrades
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{
			"status":           "ready",
			"score_breaker":    d.scores.State().String(),
			"fallback_breaker": d.gateway.States(),
		}
		if err := d.backend.Ping(ctx); err != nil {
			body["cache"] = err.Error()
		}
		if err := d.db.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "not ready"
			body["database"] = err.Error()
		}
		writeJSON(w, status, body)
	})

	// Metrics endpoint
	mux.Handle("/metrics", d.metrics.Handler())

	mux.HandleFunc("GET /debug/tiers/{tier}", func(w http.ResponseWriter, r *http.Request) {
		tier, err := feed.ParseTier(r.PathValue("tier"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		page, signal, err := d.svc.Read(r.Context(), tier, offset, limit)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"freshness": signal, "page": page})
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
