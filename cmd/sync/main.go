// Command sync runs one pipeline cycle and exits. It exists for cron-style
// deployments and for operators who want a run without touching the server.
//
// Usage: sync [sync|dispatch]   (default: sync)
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/digest"
	"github.com/platewatch/recall-monitor/internal/dispatch"
	"github.com/platewatch/recall-monitor/internal/docstore"
	"github.com/platewatch/recall-monitor/internal/enrich"
	"github.com/platewatch/recall-monitor/internal/feeds"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/provider"
	"github.com/platewatch/recall-monitor/internal/queue"
	"github.com/platewatch/recall-monitor/internal/reconcile"
	"github.com/platewatch/recall-monitor/internal/store"
	"github.com/platewatch/recall-monitor/internal/worker"
)

func main() {
	mode := "sync"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	if mode != "sync" && mode != "dispatch" {
		logger.Error("unknown mode, want sync or dispatch", "mode", mode)
		os.Exit(2)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if cfg.Storage.DynamoDBTable == "" {
		logger.Error("one-shot runs require a configured dynamodb table")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	db, err := docstore.NewDynamoStore(ctx, cfg.Storage.DynamoDBTable, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
	if err != nil {
		logger.Error("failed to initialize document store", "error", err)
		os.Exit(1)
	}
	st := store.New(db)

	var titler enrich.Titler
	if cfg.Enrichment.Enabled {
		bt, err := enrich.NewBedrockTitler(ctx, cfg.Enrichment)
		if err != nil {
			logger.Warn("title enrichment disabled", "error", err)
		} else {
			titler = bt
		}
	}

	deps := worker.Deps{
		Store:    st,
		Sources:  []feeds.Source{feeds.NewUSDAClient(cfg.Feeds), feeds.NewFDAClient(cfg.Feeds)},
		Engine:   reconcile.New(st),
		Enricher: enrich.NewScheduler(st, titler, cfg.Enrichment),
		Queues:   queue.New(st, cfg.Digest),
	}

	if mode == "dispatch" {
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
		deps.Dispatcher = dispatch.New(st, mailer, digest.NewRenderer(""), archiver, cfg.Digest)
	}

	w := worker.New(deps, cfg.Sync)

	switch mode {
	case "sync":
		err = w.Sync(ctx)
	case "dispatch":
		err = w.Dispatch(ctx)
	}
	if err != nil {
		logger.Error("run failed", "mode", mode, "error", err)
		os.Exit(1)
	}
}
