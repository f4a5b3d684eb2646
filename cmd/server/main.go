// Command server runs the Warmline entitlement and relationship-warmth
// service: webhook ingestion from the three billing stores, entitlement
// reconciliation, warmth scoring, and outbound fan-out.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warmlinehq/warmline/internal/api"
	"github.com/warmlinehq/warmline/internal/config"
	"github.com/warmlinehq/warmline/internal/metrics"
	"github.com/warmlinehq/warmline/internal/storage/memory"
	"github.com/warmlinehq/warmline/internal/storage/postgres"
	"github.com/warmlinehq/warmline/pkg/entitlement"
	"github.com/warmlinehq/warmline/pkg/outbound"
	"github.com/warmlinehq/warmline/pkg/ratelimit"
	"github.com/warmlinehq/warmline/pkg/warmth"
	"github.com/warmlinehq/warmline/pkg/webhook"
	"github.com/warmlinehq/warmline/pkg/webhook/providers"
)

// stores is the union of every component storage interface; both backends
// satisfy it.
type stores interface {
	warmth.Storage
	entitlement.Storage
	webhook.Storage
	outbound.Storage
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage backend.
	var store stores
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = dsn
		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		store = pg
		log.Info().Msg("using postgres storage")
	} else {
		store = memory.New()
		log.Warn().Msg("using in-memory storage; data is lost on restart")
	}

	collector := metrics.New(prometheus.DefaultRegisterer, "warmline")

	// Rate limiter backend.
	var limitStore ratelimit.Store
	if url := cfg.Storage.RedisURL; url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		limitStore = ratelimit.NewRedisStore(redis.NewClient(opts))
		log.Info().Msg("using redis rate-limit backend")
	} else {
		limitStore = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(limitStore, log)

	// Domain components.
	engine, err := warmth.NewEngine(store, warmth.Config{
		Blend:       blendPolicy(cfg.Warmth.Blend),
		DefaultMode: warmth.Mode(cfg.Warmth.DefaultMode),
	}, log)
	if err != nil {
		return err
	}

	reconciler, err := entitlement.NewReconciler(store, entitlement.ReconcilerConfig{}, log)
	if err != nil {
		return err
	}

	gate, err := entitlement.NewTrialGate(store, entitlement.TrialGateConfig{
		Cooldown: cfg.Entitlements.TrialCooldown,
	}, log)
	if err != nil {
		return err
	}

	dispatcher := outbound.NewDispatcher(store, log)

	pipeline, err := webhook.NewPipeline(webhook.PipelineConfig{
		Storage: store,
		Adapters: []webhook.Adapter{
			providers.NewWeb(cfg.Webhooks.WebSecret),
			providers.NewIOS(cfg.Webhooks.IOSSecret),
			providers.NewAndroid(cfg.Webhooks.AndroidSecret),
		},
		Sink:    dispatcher,
		Metrics: collector,
	}, log)
	if err != nil {
		return err
	}
	// Every subscription event carries a snapshot; insert it and
	// reconcile the user immediately.
	pipeline.HandleDefault(func(ctx context.Context, event *webhook.NormalizedEvent) error {
		snap := event.SubscriptionSnapshot()
		if snap == nil {
			return nil
		}
		if err := store.InsertSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		ent, err := reconciler.Reconcile(ctx, event.UserID)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		collector.RecordReconcile(string(ent.Plan))
		return nil
	})

	sweepCfg := entitlement.SweepConfig{
		Lookahead: cfg.Entitlements.SweepLookahead,
		BatchSize: cfg.Entitlements.SweepBatchSize,
	}

	handlers := api.NewHandlers(pipeline, engine, reconciler, gate, sweepCfg, cfg.Server.CronSecret, log)
	server := api.NewServer(api.ServerConfig{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		RateLimit: ratelimit.MiddlewareConfig{
			Limiter:      limiter,
			CallerLimit:  cfg.RateLimit.CallerLimit,
			CallerWindow: cfg.RateLimit.CallerWindow,
			Routes: map[string]ratelimit.RouteLimit{
				"POST /webhooks/{provider}":        {Limit: 60, Window: time.Minute},
				"POST /devices/register":           {Limit: 5, Window: time.Minute},
				"GET /trial/eligibility":           {Limit: 10, Window: time.Minute},
				"POST /contacts/{id}/interactions": {Limit: 30, Window: time.Minute},
			},
		},
	}, handlers, log)

	// Background workers.
	deliveryWorker, err := outbound.NewWorker(outbound.WorkerConfig{
		Storage:  store,
		Interval: cfg.Outbound.PollInterval,
		Metrics:  collector,
	}, log)
	if err != nil {
		return err
	}
	retryWorker := webhook.NewRetryWorker(pipeline, cfg.Webhooks.RetryInterval, 50)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		retryWorker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		deliveryWorker.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Msg("shutdown error")
	}
	wg.Wait()
	return nil
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func blendPolicy(name string) warmth.BlendPolicy {
	if name == "additive" {
		return warmth.BlendAdditive
	}
	return warmth.BlendResetFromDecayed
}
