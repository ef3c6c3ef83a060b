package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/platewatch/recall-monitor/internal/analytics"
	"github.com/platewatch/recall-monitor/internal/api"
	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/digest"
	"github.com/platewatch/recall-monitor/internal/dispatch"
	"github.com/platewatch/recall-monitor/internal/docstore"
	"github.com/platewatch/recall-monitor/internal/enrich"
	"github.com/platewatch/recall-monitor/internal/feeds"
	"github.com/platewatch/recall-monitor/internal/pkg/distlock"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/provider"
	"github.com/platewatch/recall-monitor/internal/queue"
	"github.com/platewatch/recall-monitor/internal/reconcile"
	"github.com/platewatch/recall-monitor/internal/store"
	"github.com/platewatch/recall-monitor/internal/worker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := buildDocstore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize document store", "error", err)
		os.Exit(1)
	}
	st := store.New(db)

	mailer, err := provider.NewSESMailer(ctx, cfg.Email)
	if err != nil {
		logger.Error("failed to initialize mailer", "error", err)
		os.Exit(1)
	}

	var archiver dispatch.Archiver
	if cfg.Storage.S3Bucket != "" {
		a, err := dispatch.NewS3Archiver(ctx, cfg.Storage)
		if err != nil {
			logger.Warn("sample body archiving disabled", "error", err)
		} else {
			archiver = a
		}
	}

	var titler enrich.Titler
	if cfg.Enrichment.Enabled {
		bt, err := enrich.NewBedrockTitler(ctx, cfg.Enrichment)
		if err != nil {
			logger.Warn("title enrichment disabled", "error", err)
		} else {
			titler = bt
		}
	}

	var syncLock, dispatchLock distlock.Lock
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		syncLock = distlock.NewRedisLock(rdb, "locks:sync", 30*time.Minute)
		dispatchLock = distlock.NewRedisLock(rdb, "locks:dispatch", 30*time.Minute)
	}

	var rss *feeds.RSSWatcher
	if cfg.Feeds.FDARSSURL != "" {
		rss = feeds.NewRSSWatcher(cfg.Feeds.FDARSSURL)
	}

	dispatcher := dispatch.New(st, mailer, digest.NewRenderer(""), archiver, cfg.Digest)
	queues := queue.New(st, cfg.Digest)
	w := worker.New(worker.Deps{
		Store:        st,
		Sources:      []feeds.Source{feeds.NewUSDAClient(cfg.Feeds), feeds.NewFDAClient(cfg.Feeds)},
		Engine:       reconcile.New(st),
		Enricher:     enrich.NewScheduler(st, titler, cfg.Enrichment),
		Queues:       queues,
		Dispatcher:   dispatcher,
		RSS:          rss,
		SyncLock:     syncLock,
		DispatchLock: dispatchLock,
	}, cfg.Sync)

	handlers := api.NewHandlers(st, analytics.NewIngestor(st, cfg.Email.WebhookSigningKey), queues, api.Triggers{
		Sync:     w.Sync,
		Dispatch: w.Dispatch,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.SetupRoutes(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go w.Run(ctx)

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// buildDocstore picks DynamoDB when a table is configured and falls back to
// the in-memory store for local development.
func buildDocstore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	if cfg.Storage.DynamoDBTable == "" {
		logger.Warn("no dynamodb table configured, using in-memory store")
		return docstore.NewMemoryStore(), nil
	}
	ds, err := docstore.NewDynamoStore(ctx, cfg.Storage.DynamoDBTable, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
	if err != nil {
		return nil, err
	}
	return ds, nil
}
