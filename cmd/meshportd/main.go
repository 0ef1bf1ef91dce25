package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshport/meshport/internal/api"
	"github.com/meshport/meshport/internal/config"
	"github.com/meshport/meshport/internal/convert"
	"github.com/meshport/meshport/internal/db"
	"github.com/meshport/meshport/internal/job"
	"github.com/meshport/meshport/internal/logging"
	"github.com/meshport/meshport/internal/metrics"
	"github.com/meshport/meshport/internal/storage"
	"github.com/meshport/meshport/internal/worker"
	"github.com/meshport/meshport/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	port := flag.Int("port", 0, "HTTP port (overrides HTTP_PORT)")
	store := flag.String("store", "", "Job store: memory, badger or redis (overrides JOB_STORE)")
	dataDir := flag.String("data", "", "Data directory (overrides DATA_DIR)")
	flag.Parse()

	cfg := config.Load()
	if *port > 0 {
		cfg.HTTPPort = *port
	}
	if *store != "" {
		cfg.JobStore = *store
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "meshportd: %v\n", err)
		os.Exit(2)
	}

	format := logging.FormatJSON
	if cfg.Debug {
		format = logging.FormatConsole
	}
	logger := logging.New(cfg.LogLevel, format)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("meshportd stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("meshportd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	jobs, closeJobs, err := openJobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeJobs()

	files, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	collector := metrics.NewCollector("meshport", logger)
	hub := ws.NewHub(logger)
	conv := convert.NewConverter(logger)

	proc := worker.New(worker.Config{
		Workers:   cfg.WorkerCount,
		StepDelay: cfg.StepDelay,
		Instance:  cfg.InstanceID,
	}, jobs, files, conv, logger)
	proc.SetPublisher(hub)
	proc.SetRecorder(collector)
	proc.Recover()

	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Jobs:      jobs,
		Files:     files,
		Converter: conv,
		Notifier:  proc,
		Hub:       hub,
		Metrics:   collector,
		Logger:    logger,
	})

	// No WriteTimeout: job streams and large model downloads outlive it.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting meshportd",
		zap.String("addr", cfg.Addr()),
		zap.String("job_store", cfg.JobStore),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("step_delay", cfg.StepDelay))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := proc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	return g.Wait()
}

// openJobStore returns the configured job store and a function releasing it.
func openJobStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (job.JobStore, func() error, error) {
	switch cfg.JobStore {
	case config.JobStoreBadger:
		dbStore, err := db.NewStore(filepath.Join(cfg.DataDir, "jobs"), logger)
		if err != nil {
			return nil, nil, err
		}
		return job.NewPersistentStore(dbStore), dbStore.Close, nil

	case config.JobStoreRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pctx).Err(); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
		return job.NewRedisStore(rc), rc.Close, nil

	default:
		return job.NewStore(), func() error { return nil }, nil
	}
}
