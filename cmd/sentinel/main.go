package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"billboard-sentinel/internal/adjudication"
	"billboard-sentinel/internal/cache"
	"billboard-sentinel/internal/config"
	"billboard-sentinel/internal/db"
	"billboard-sentinel/internal/detector"
	"billboard-sentinel/internal/eventbus"
	"billboard-sentinel/internal/geo"
	httphandler "billboard-sentinel/internal/http"
	"billboard-sentinel/internal/logger"
	"billboard-sentinel/internal/repository"
	"billboard-sentinel/internal/service"
	"billboard-sentinel/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("SENTINEL_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New("info", true)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("sentinel stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(db.Options{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, log)
	if err != nil {
		return err
	}

	permitRepo := repository.NewPermitRepository(database, cfg.Rules.PermitLocationTolerance)
	if cfg.Database.SeedCSV != "" {
		if err := seedPermits(ctx, permitRepo, cfg.Database.SeedCSV, log); err != nil {
			return err
		}
	}

	var permits adjudication.PermitLookup = permitRepo
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, permit cache disabled")
		} else {
			defer rdb.Close()
			permits = cache.NewPermitCache(rdb, permitRepo, cfg.Redis.PermitTTL, cfg.Rules.PermitLocationTolerance, log)
		}
	}

	datasets := geo.NewStore(log)
	loadDatasets := func() (*geo.Dataset, error) { return geo.LoadFiles(cfg.Geo) }
	if ds, err := loadDatasets(); err != nil {
		log.Warn().Err(err).Msg("geo datasets not loaded, placement and zoning will be indeterminate")
	} else {
		datasets.Swap(ds)
	}

	pool, err := worker.New(cfg.Pipeline.Worker, log)
	if err != nil {
		return err
	}

	deps := service.Deps{
		Coordinator:  adjudication.NewCoordinator(datasets, permits, log),
		Pool:         pool,
		Records:      repository.NewRecordRepository(database),
		Registry:     permitRepo,
		Datasets:     datasets,
		LoadDatasets: loadDatasets,
		Config:       cfg.Adjudication(),
		QueueWait:    cfg.Pipeline.QueueWait,
	}

	if cfg.NATS.URL != "" {
		publisher, err := eventbus.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, finalized records will not be published")
		} else {
			defer publisher.Close()
			deps.Publisher = publisher
		}
	}

	if cfg.Detector.URL != "" {
		client := detector.NewClient(cfg.Detector.URL, cfg.Detector.Timeout, log)
		if err := client.CheckHealth(ctx); err != nil {
			log.Warn().Err(err).Str("url", cfg.Detector.URL).Msg("detector health check failed")
		}
		deps.Detector = client
		deps.Faces = client
	}

	svc := service.NewAdjudicationService(deps, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), httphandler.RequestLogger(log), httphandler.CORS(cfg.HTTP.AllowedOrigins))
	router.MaxMultipartMemory = cfg.HTTP.MaxUploadBytes

	handler := httphandler.NewHandler(svc, cfg, log)
	handler.Register(router, httphandler.AuthMiddleware(cfg.Auth.JWTSecret, log))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker pool shutdown")
	}
	if sqlDB, err := database.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

func seedPermits(ctx context.Context, repo *repository.PermitRepository, path string, log zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := repo.SeedFromCSV(ctx, f)
	if err != nil {
		return err
	}
	log.Info().Int("permits", n).Str("file", path).Msg("permit registry seeded")
	return nil
}
