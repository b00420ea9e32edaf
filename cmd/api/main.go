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

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ToniYenC11/CDSS/config"
	annotationHandler "github.com/ToniYenC11/CDSS/internal/handler/annotation"
	casesHandler "github.com/ToniYenC11/CDSS/internal/handler/cases"
	"github.com/ToniYenC11/CDSS/internal/handler/health"
	promHandler "github.com/ToniYenC11/CDSS/internal/handler/prometheus"
	"github.com/ToniYenC11/CDSS/internal/middleware"
	"github.com/ToniYenC11/CDSS/internal/repository"
	"github.com/ToniYenC11/CDSS/internal/repository/memory"
	"github.com/ToniYenC11/CDSS/internal/repository/postgres"
	"github.com/ToniYenC11/CDSS/internal/router"
	annotationService "github.com/ToniYenC11/CDSS/internal/service/annotation"
	casesService "github.com/ToniYenC11/CDSS/internal/service/cases"
	"github.com/ToniYenC11/CDSS/internal/service/diagnosis"
	"github.com/ToniYenC11/CDSS/pkg/logger"
	"github.com/ToniYenC11/CDSS/pkg/messaging"
	"github.com/ToniYenC11/CDSS/pkg/messaging/redis"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
	"github.com/ToniYenC11/CDSS/pkg/storage"
	"github.com/ToniYenC11/CDSS/pkg/worker"
)

// stores groups the repositories of the selected database driver.
type stores struct {
	cases       repository.CaseRepository
	annotations repository.AnnotationRepository
	outbox      repository.OutboxRepository
	db          *sqlx.DB
}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(cfg, log)
	if err != nil {
		log.Fatal(err, "Failed to initialise database")
	}
	if st.db != nil {
		defer st.db.Close()
	}

	imageStore, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal(err, "Failed to initialise image storage")
	}

	reg := prometheus.DefaultRegisterer
	m := metrics.NewMetrics(reg, cfg.Monitoring.MetricsPrefix, "")

	// Services
	deriver := diagnosis.NewDeriver(st.annotations, m)
	caseSvc := casesService.NewService(st.cases, deriver, imageStore, casesService.Config{
		DefaultDiagnosis:  cfg.Cases.DefaultDiagnosis,
		DefaultConfidence: cfg.Cases.DefaultConfidence,
	}, log, m)
	annotationSvc := annotationService.NewService(st.annotations, st.cases, log, m)

	// Handlers
	var pinger health.Pinger
	if st.db != nil {
		pinger = st.db
	}
	var httpMetrics *promHandler.Handler
	if cfg.Monitoring.PrometheusEnabled {
		httpMetrics = promHandler.New(reg, prometheus.DefaultGatherer, cfg.Monitoring.MetricsPrefix)
	}

	sizeLimit := middleware.DefaultSizeLimitConfig()
	sizeLimit.MaxBodySize = cfg.Server.MaxBodyBytes
	sizeLimit.MaxUploadSize = cfg.Server.MaxUploadBytes

	r := router.NewRouter(
		casesHandler.NewHandler(caseSvc),
		annotationHandler.NewHandler(annotationSvc),
		health.NewHandler(pinger),
		httpMetrics,
		router.RouterConfig{
			Mode:             cfg.Server.Mode,
			RateLimitEnabled: cfg.RateLimit.Enabled,
			RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:        cfg.RateLimit.Burst,
			RateClientTTL:    cfg.RateLimit.ClientTTL,
			CORSConfig: middleware.CORSConfig{
				AllowOrigins: cfg.Security.AllowedOrigins,
				AllowMethods: cfg.Security.AllowedMethods,
				AllowHeaders: cfg.Security.AllowedHeaders,
			},
			SizeLimit: sizeLimit,
		},
	)
	r.Setup()

	var wg sync.WaitGroup
	if broker := openBroker(cfg, log); broker != nil {
		defer broker.Close()

		processor, err := worker.NewOutboxProcessor(st.outbox, broker, cfg.Outbox.ToWorkerConfig(), log, m)
		if err != nil {
			log.Fatal(err, "Failed to create outbox processor")
		}
		cleanup := worker.NewOutboxCleanupWorker(st.outbox, cfg.Outbox.Retention, cfg.Outbox.CleanupInterval, log)

		wg.Add(2)
		go func() {
			defer wg.Done()
			processor.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			cleanup.Start(ctx)
		}()
	}

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("Starting server", "addr", srv.Addr, "database", cfg.Database.Driver, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}

	cancel()
	wg.Wait()
	log.Info("Server exited properly")
}

func openStores(cfg *config.Config, log *logger.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn(nil, "Using in-memory store; data is lost on restart")
		store := memory.NewStore()
		return &stores{cases: store, annotations: store, outbox: store.Outbox()}, nil
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		runner, err := postgres.NewMigrationRunner(db, log)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := runner.Up(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &stores{
		cases:       postgres.NewCaseRepository(db),
		annotations: postgres.NewAnnotationRepository(db),
		outbox:      postgres.NewOutboxRepository(db),
		db:          db,
	}, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.Storage.Backend == "minio" {
		return storage.NewMinIOStorage(ctx, cfg.Storage.ToMinIOConfig())
	}
	var opts []storage.LocalOption
	if cfg.Database.Driver == "memory" {
		opts = append(opts, storage.WithOverwrite())
	}
	return storage.NewLocalStorage(cfg.Storage.LocalRoot, cfg.Storage.PublicURL, opts...)
}

// openBroker returns the broker the in-process outbox processor publishes
// to, or nil when the processor should not run. The memory driver has no
// other reader of its outbox, so it falls back to an in-process broker. With
// postgres an unreachable redis leaves events pending for cmd/worker.
func openBroker(cfg *config.Config, log *logger.Logger) messaging.Broker {
	if !cfg.Outbox.Enabled {
		return nil
	}
	broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), log.Zerolog())
	if err == nil {
		return broker
	}
	if cfg.Database.Driver == "memory" {
		log.Warn(err, "Redis unavailable; publishing outbox events in-process")
		return messaging.NewMemoryBroker()
	}
	log.Warn(err, "Redis unavailable; outbox events stay pending for the worker")
	return nil
}
