package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/fcash-engine/internal/api"
	"github.com/atmx/fcash-engine/internal/config"
	"github.com/atmx/fcash-engine/internal/correlation"
	"github.com/atmx/fcash-engine/internal/custody"
	"github.com/atmx/fcash-engine/internal/engine"
	"github.com/atmx/fcash-engine/internal/events"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/oracle"
	"github.com/atmx/fcash-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("FCASH_CONFIG"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Rates and custody ---
	rates := oracle.NewStatic()
	for _, c := range cfg.Currencies {
		if err := rates.Set(c.ID, oracle.Rates{AssetRate: c.AssetRate, ETHRate: c.ETHRate}); err != nil {
			slog.Error("oracle seed failed", "currency", c.ID, "err", err)
			os.Exit(1)
		}
	}
	ledger := custody.NewLedger()

	// --- Event sinks ---
	hub := events.NewHub()
	go hub.Run(ctx)
	pub := events.NewMultiPublisher(events.Sink{Name: "websocket", Publisher: hub})

	if cfg.Events.NATSURL != "" {
		nc, err := nats.Connect(cfg.Events.NATSURL, nats.Name("fcash-engine"))
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		js, err := jetstream.New(nc)
		if err != nil {
			slog.Error("jetstream init failed", "err", err)
			os.Exit(1)
		}
		if err := events.EnsureStream(ctx, js, cfg.Events.MaxAge); err != nil {
			slog.Error("jetstream stream setup failed", "err", err)
			os.Exit(1)
		}
		pub.Add("jetstream", events.NewJetStreamPublisher(js))
		slog.Info("publishing events to JetStream", "stream", events.StreamName)
	}

	// --- Engine ---
	limits := cfg.Engine.Limits
	var limiter *correlation.PositionLimiter
	if limits.MaxPerMaturity.IsPositive() || limits.MaxCorrelated.IsPositive() {
		limiter = correlation.NewPositionLimiter(limits.MaxPerMaturity, limits.MaxCorrelated, int64(limits.Window/time.Second))
	}
	svc := engine.NewService(st, rates, ledger, pub, engine.Options{
		MaxPortfolioAssets: cfg.Engine.MaxPortfolioAssets,
		Limiter:            limiter,
	})

	now := time.Now().Unix()
	for _, c := range cfg.Currencies {
		err := svc.ListCurrency(ctx, c.Currency, c.CashGroup, now)
		switch {
		case errors.Is(err, model.ErrAlreadyExists):
			slog.Info("currency already listed", "currency", c.ID, "symbol", c.Symbol)
		case err != nil:
			slog.Error("currency listing failed", "currency", c.ID, "err", err)
			os.Exit(1)
		}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fcash-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket stays outside the timeout middleware.
		r.Get("/ws", hub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			api.NewHandler(svc, rates).Register(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("fcash-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down fcash-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("fcash-engine stopped")
}

// cors allows cross-origin requests from origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{"GET", "POST", "PUT", "OPTIONS"}, ", "))
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
