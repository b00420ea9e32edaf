package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ToniYenC11/CDSS/config"
	"github.com/ToniYenC11/CDSS/internal/handler/health"
	promHandler "github.com/ToniYenC11/CDSS/internal/handler/prometheus"
	"github.com/ToniYenC11/CDSS/internal/repository/postgres"
	"github.com/ToniYenC11/CDSS/pkg/logger"
	"github.com/ToniYenC11/CDSS/pkg/messaging/redis"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
	"github.com/ToniYenC11/CDSS/pkg/worker"
)

const healthAddr = ":8081"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level: logger.ParseLevel(cfg.Logging.Level),
		JSON:  cfg.Logging.Format == "json",
	})
	log.SetGlobal()
	log = log.WithFields(map[string]interface{}{"component": "outbox-worker"})

	if cfg.Database.Driver != "postgres" {
		log.Fatal(nil, "The outbox worker needs the postgres driver", "driver", cfg.Database.Driver)
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), log.Zerolog())
	if err != nil {
		log.Fatal(err, "Failed to create Redis broker")
	}
	defer broker.Close()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer, cfg.Monitoring.MetricsPrefix, "worker")
	outboxRepo := postgres.NewOutboxRepository(db)

	processor, err := worker.NewOutboxProcessor(outboxRepo, broker, cfg.Outbox.ToWorkerConfig(), log, m)
	if err != nil {
		log.Fatal(err, "Failed to create outbox processor")
	}
	cleanup := worker.NewOutboxCleanupWorker(outboxRepo, cfg.Outbox.Retention, cfg.Outbox.CleanupInterval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := healthServer(db, cfg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health check server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanup.Start(ctx)
	}()

	processor.Start(ctx)
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Health check server forced to shutdown")
	}
}

// healthServer exposes liveness, readiness and metrics for the worker.
func healthServer(db health.Pinger, cfg *config.Config) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.Monitoring.PrometheusEnabled {
		h := promHandler.New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, cfg.Monitoring.MetricsPrefix+"_worker")
		engine.Use(h.Middleware())
		engine.GET("/metrics", h.Handler())
	}
	health.NewHandler(db).RegisterRoutes(engine.Group(""))

	return &http.Server{
		Addr:    healthAddr,
		Handler: engine,
	}
}
