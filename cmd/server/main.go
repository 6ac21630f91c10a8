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

	"github.com/econlab/odyssey/internal/api"
	"github.com/econlab/odyssey/internal/config"
	"github.com/econlab/odyssey/internal/game"
	"github.com/econlab/odyssey/internal/leaderboard"
	"github.com/econlab/odyssey/internal/metrics"
	"github.com/econlab/odyssey/internal/store"
)

func main() {
	// ODYSSEY_CONFIG names a YAML file; without it only env vars apply.
	path := os.Getenv("ODYSSEY_CONFIG")
	cfg, err := config.Load(path, path == "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	adv, err := cfg.Advancer()
	if err != nil {
		slog.Error("market model", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.DB.Migrate {
			if err := pg.Migrate(context.Background()); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}

		bs := store.DefaultBreakerSettings()
		bs.ConsecutiveFailures = cfg.Breaker.Failures
		bs.Interval = cfg.Breaker.Interval
		bs.Timeout = cfg.Breaker.Timeout
		bs.OnStateChange = metrics.BreakerChanged
		st = store.NewGuardedStore(st, bs)
	} else {
		slog.Warn("db.url not set, using in-memory store (games will not survive a restart)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Leaderboard ---
	board := leaderboard.NewAggregator(cfg.Leaderboard.GlobalLimit, cfg.Leaderboard.SectionLimit)
	if entries, err := st.ListLeaderboardEntries(ctx, ""); err != nil {
		slog.Error("load leaderboard failed", "err", err)
	} else {
		board.Load(entries)
		slog.Info("leaderboard loaded", "entries", len(entries))
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Games ---
	reg := game.NewRegistry(adv, cfg.GameConfig(), st,
		game.WithLeaderboard(board),
		game.WithObserver(hub),
		game.WithObserver(metrics.Observer{}),
	)
	if n, err := reg.ResumeActive(ctx); err != nil {
		slog.Error("resume games failed", "err", err)
	} else if n > 0 {
		metrics.ActiveGames.Set(float64(n))
		slog.Info("resumed active games", "count", n)
	}

	svc := api.NewService(reg, board, api.NewTradeLimiter(cfg.RateLimit.TradesPerSecond, cfg.RateLimit.Burst), hub)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.HeaderUserID+", "+api.HeaderUserName+", "+api.HeaderUserRole)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"odyssey"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("odyssey listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down odyssey...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("odyssey stopped")
}
