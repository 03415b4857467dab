package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/estateshare/trade-engine/internal/api"
	"github.com/estateshare/trade-engine/internal/channel"
	"github.com/estateshare/trade-engine/internal/config"
	"github.com/estateshare/trade-engine/internal/events"
	"github.com/estateshare/trade-engine/internal/metrics"
	"github.com/estateshare/trade-engine/internal/network"
	"github.com/estateshare/trade-engine/internal/settlement"
	"github.com/estateshare/trade-engine/internal/store"
	"github.com/estateshare/trade-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Events: WebSocket hub, plus Kafka if configured ---
	hub := events.NewHub()
	go hub.Run(ctx)
	pub := events.Multi{hub}

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		kp := events.NewKafkaPublisher(brokers, cfg.KafkaTopic)
		defer kp.Close()
		pub = append(pub, kp)
		slog.Info("Kafka event publishing enabled", "brokers", brokers, "topic", cfg.KafkaTopic)
	}

	// --- Settlement network ---
	adapter := newAdapter(cfg)
	slog.Info("settlement network selected", "network", adapter.Name())

	// --- Trade engine ---
	policy, err := trade.ParsePolicy(cfg.MatchingPolicy)
	if err != nil {
		slog.Error("invalid matching policy", "err", err)
		os.Exit(1)
	}
	registry := channel.NewRegistry(cfg.Collateral())
	engine := trade.NewEngine(st, registry, adapter, pub)
	tradeSvc := trade.NewService(st, engine, trade.Config{Policy: policy, OrderTTL: cfg.OrderTTL}, pub)
	scheduler := settlement.NewScheduler(st, registry, adapter, settlement.Config{
		Timeout:     cfg.SettlementTimeout,
		Concurrency: cfg.SettlementConcurrency,
	}, pub)

	// --- Periodic jobs ---
	jobs := settlement.NewJobs(ctx)
	if err := jobs.Add("settlement", cfg.SettlementSchedule, func(ctx context.Context) error {
		_, err := scheduler.RunCycle(ctx)
		return err
	}); err != nil {
		slog.Error("invalid SETTLEMENT_SCHEDULE", "err", err)
		os.Exit(1)
	}
	if cfg.ExpirySchedule != "" {
		if err := jobs.Add("order-expiry", cfg.ExpirySchedule, func(ctx context.Context) error {
			_, err := tradeSvc.ExpireOrders(ctx)
			return err
		}); err != nil {
			slog.Error("invalid EXPIRY_SCHEDULE", "err", err)
			os.Exit(1)
		}
	}
	jobs.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"trade-engine","network":%q,"policy":%q,"open_channels":%d}`,
			adapter.Name(), tradeSvc.Policy(), registry.Len())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(tradeSvc, engine, scheduler)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order, channel and settlement events.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	slog.Info("shutting down trade-engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	select {
	case <-jobs.Stop().Done():
	case <-shutdownCtx.Done():
		slog.Warn("scheduled jobs still running at shutdown deadline")
	}
	slog.Info("trade-engine stopped")
}

// openStore picks PostgreSQL (optionally behind Redis) when DATABASE_URL is
// set and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	var cleanup []func()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	if cfg.RedisURL == "" {
		return pg, cleanup, nil
	}

	// Wrap with Redis read-through cache.
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	cleanup = append(cleanup, func() { rdb.Close() })
	slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	return store.NewCachedStore(pg, rdb, cfg.CacheTTL), cleanup, nil
}

func newAdapter(cfg *config.Config) network.Adapter {
	if cfg.NetworkMode == "networked" {
		return network.NewNetworked(network.NetworkedConfig{
			BaseURL:   cfg.NetworkURL,
			Timeout:   cfg.NetworkTimeout,
			RateLimit: cfg.NetworkRateLimit,
			Burst:     int(cfg.NetworkRateLimit) + 1,
		})
	}
	return network.NewSimulated()
}
