package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/logger"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/telemetry"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("info")
		logger.Get().Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Initialize(cfg.LogLevel)
	log := logger.GetForComponent("server")
	if envErr != nil {
		log.Warn().Msg("no .env file found, using process environment")
	}

	ctx := context.Background()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		st = pg
		log.Info().Msg("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid REDIS_URL")
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisCacheTTL)
			log.Info().Dur("ttl", cfg.RedisCacheTTL).Msg("Redis cache enabled")
		}
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Curve record telemetry ---
	var sinks telemetry.Multi
	if cfg.NATSURL != "" {
		pub, err := telemetry.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Fatal().Err(err).Msg("NATS connection failed")
		}
		sinks = append(sinks, pub)
		log.Info().Str("subject", cfg.NATSSubject).Msg("publishing curve records to NATS")
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := telemetry.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.GetForComponent("kafka"))
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka producer failed")
		}
		sinks = append(sinks, pub)
		log.Info().Str("topic", cfg.KafkaTopic).Msg("publishing curve records to Kafka")
	}
	var pub telemetry.Publisher
	if len(sinks) > 0 {
		pub = sinks
	}
	emitter, err := telemetry.NewEmitter(cfg.SnowflakeNode, pub, logger.GetForComponent("telemetry"))
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry setup failed")
	}
	defer func() {
		if err := emitter.Close(); err != nil {
			log.Error().Err(err).Msg("telemetry close error")
		}
	}()

	// --- Open-interest limits ---
	limiter := risk.NewOILimiter(cfg.MaxOIPerMarket, cfg.MaxOIPerGroup, cfg.GroupPrefixLen)

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub(logger.GetForComponent("ws"))
	go wsHub.Run()
	defer wsHub.Stop()

	// --- Engine service ---
	svc := engine.NewService(st, limiter, wsHub, emitter)
	if _, err := svc.EnsureQuoteMarket(ctx); err != nil {
		log.Fatal().Err(err).Msg("quote spot market setup failed")
	}

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
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("perp-engine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	log.Info().Msg("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("perp-engine stopped")
}
