package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/datagrid/internal/cache"
	"github.com/ignite/datagrid/internal/config"
	"github.com/ignite/datagrid/internal/filestore"
	"github.com/ignite/datagrid/internal/ingest"
	"github.com/ignite/datagrid/internal/jobs"
	"github.com/ignite/datagrid/internal/notify"
	"github.com/ignite/datagrid/internal/pkg/logger"
	"github.com/ignite/datagrid/internal/store"
)

func main() {
	logger.Info("starting datagrid ingestion worker")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", cfgPath, "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err.Error())
		os.Exit(1)
	}
	defer closeDB()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	files, err := openFiles(ctx, cfg)
	if err != nil {
		logger.Error("failed to open file store", "error", err.Error())
		os.Exit(1)
	}

	gateway := cache.New(redisClient)

	var notifier ingest.CompletionNotifier
	if cfg.SES.Enabled && cfg.SES.FromAddress != "" {
		mailer, err := notify.NewSESMailer(ctx, cfg.SES)
		if err != nil {
			logger.Error("failed to initialize SES mailer", "error", err.Error())
			os.Exit(1)
		}
		notifier = notify.New(st, mailer)
		logger.Info("completion notifications enabled", "from", cfg.SES.FromAddress)
	} else {
		logger.Info("completion notifications disabled")
	}

	processor := ingest.NewProcessor(st, gateway, files, ingest.Config{
		ChunkSize:       cfg.Uploads.ChunkSize,
		BatchInsertSize: cfg.Uploads.BatchInsertSize,
		Notifier:        notifier,
	})

	runner := jobs.NewRunner(jobs.NewQueue(redisClient), processor, gateway, jobs.RunnerConfig{
		MaxAttempts: cfg.Uploads.MaxAttempts,
		Backoff:     cfg.Uploads.RetryBackoff(),
	})

	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("runner did not stop within grace period")
	}
}

// openStore connects to Postgres when a database URL is configured and
// falls back to the in-memory store for local development.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Lifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database")

	return store.NewPostgres(db), func() { db.Close() }, nil
}

// openFiles builds the configured source file store. The worker must
// read the same backend the API wrote to.
func openFiles(ctx context.Context, cfg *config.Config) (filestore.Store, error) {
	if cfg.Files.Type == "s3" {
		logger.Info("using S3 file store", "bucket", cfg.Files.S3Bucket, "region", cfg.Files.S3Region)
		return filestore.NewS3(ctx, cfg.Files.S3Bucket, cfg.Files.S3Region, cfg.Files.GetAWSProfile())
	}
	logger.Info("using local file store", "dir", cfg.Files.LocalPath)
	return filestore.NewLocal(cfg.Files.LocalPath)
}
