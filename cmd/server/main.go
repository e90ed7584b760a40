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

	"github.com/corepool/yield-engine/internal/api"
	"github.com/corepool/yield-engine/internal/config"
	"github.com/corepool/yield-engine/internal/index"
	"github.com/corepool/yield-engine/internal/ingest"
	"github.com/corepool/yield-engine/internal/ledger"
	"github.com/corepool/yield-engine/internal/metrics"
	"github.com/corepool/yield-engine/internal/oracle"
	"github.com/corepool/yield-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core components ---
	resolver := index.NewResolver(st)
	positions := ledger.NewPositionLedger(st, resolver)
	deposits := ledger.NewDepositAggregator(st)

	var prices oracle.PriceSource
	if cfg.OracleURL != "" {
		prices = oracle.NewHTTPSource(cfg.OracleURL, 5*time.Second)
		slog.Info("price oracle enabled", "url", cfg.OracleURL)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Event processor + query service ---
	processor := ingest.NewProcessor(st, resolver, positions, deposits, prices, wsHub)
	ingestHandler := api.NewIngestHandler(processor)

	svc := api.NewService(st, positions, deposits, resolver)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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

	r.Get("/health", svc.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time checkpoint/balance updates.
		r.Get("/ws", wsHub.HandleWS)

		// Chain event ingestion (driver-facing).
		r.Post("/events", ingestHandler.HandleChainEvent)

		// Per-user queries.
		r.Get("/users/{address}/positions", svc.GetUserPositions)
		r.Get("/users/{address}/positions/{asset}", svc.GetUserPosition)
		r.Get("/users/{address}/deposits", svc.GetUserDeposits)
		r.Get("/users/{address}/events", svc.GetUserEvents)

		// Per-reserve queries.
		r.Get("/reserves/{reserve}/index", svc.GetReserveIndex)
		r.Get("/reserves/{reserve}/checkpoints", svc.GetReserveCheckpoints)
		r.Get("/reserves/{reserve}/events", svc.GetReserveEvents)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("yield-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down yield-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("yield-engine stopped")
}
