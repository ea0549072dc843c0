package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/assignment"
	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/gateway"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/httpapi"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/presence"
	"github.com/example/delivery-dispatch/internal/queue"
	"github.com/example/delivery-dispatch/internal/registry"
	"github.com/example/delivery-dispatch/internal/scoring"
	"github.com/example/delivery-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// optional migration for local runs
	if cfg.PGDSN != "" && cfg.RunMigrations {
		if db, err := sql.Open("postgres", cfg.PGDSN); err == nil {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql")); err == nil {
				if _, err := db.Exec(string(b)); err != nil {
					logger.Error("migration exec error", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_create_dispatch.sql")
				}
			}
			_ = db.Close()
		} else {
			logger.Error("migration db open error", "error", err)
		}
	}

	// storage collaborator: postgres when configured, in-process otherwise
	var store storage.DispatchStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("no PG_DSN set, using in-process dispatch store")
	}

	// shared cache: everything degrades to in-process state without it
	var (
		rc            *redis.Client
		locations     geo.Cache
		queueStore    queue.Store
		presenceStore presence.Store
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		locations = geo.NewRedisCache(rc, cfg.RedisGeoKey)
		queueStore = queue.NewRedisStore(rc, cfg.QueueTTL)
		presenceStore = presence.NewRedisStore(rc)
	} else {
		locations = geo.NewMemoryCache()
		logger.Warn("no REDIS_ADDR set, presence and offline queue are process-local")
	}

	reg := registry.New(registry.Options{
		IdleProbeAfter:    cfg.IdleProbeAfter,
		IdleCloseAfter:    cfg.IdleCloseAfter,
		ReconnectTokenTTL: cfg.ReconnectTokenTTL,
	})
	q := queue.New(queueStore, cfg.QueueTTL, logger)

	eng := assignment.NewEngine(store, scoring.New(cfg.MaxRadiusKm), logger)
	eng.Locations = locations
	eng.ClaimRetries = cfg.ClaimRetries
	eng.AssumedSpeedKmh = cfg.AssumedSpeedKmh
	if key := os.Getenv("STRIPE_API_KEY"); key != "" {
		eng.Fare = payments.NewStripeClient(key)
	}

	gw := gateway.New(reg, q, eng, locations, gateway.NewAuthenticator(cfg.JWTSecret), logger)
	eng.Notifier = gw
	bc := presence.NewBroadcaster(reg, gw, presenceStore, nil, cfg.PresenceGrace, logger)
	reg.SetListener(bc)

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		gw.Producer = producer
		defer producer.Close()
	}

	srv := httpapi.NewServer(eng, store, gw, locations, gw.Producer, bc.Store(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.Run(ctx, cfg.SweepInterval)
	go q.Run(ctx, cfg.SweepInterval)

	// fan remote presence transitions out to this instance's connections
	if rs, ok := presenceStore.(*presence.RedisStore); ok {
		go func() {
			if err := rs.Subscribe(ctx, bc.HandleRemote); err != nil && ctx.Err() == nil {
				logger.Warn("presence subscription ended", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if rc != nil {
		_ = rc.Close()
	}
}
