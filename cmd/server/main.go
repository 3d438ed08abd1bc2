// Package main runs the pipeline execution service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatefeed/pipeline-core/internal/alerting"
	"github.com/gatefeed/pipeline-core/internal/archive"
	"github.com/gatefeed/pipeline-core/internal/cache"
	"github.com/gatefeed/pipeline-core/internal/config"
	"github.com/gatefeed/pipeline-core/internal/credential"
	"github.com/gatefeed/pipeline-core/internal/executor"
	"github.com/gatefeed/pipeline-core/internal/fetch"
	"github.com/gatefeed/pipeline-core/internal/pipeline"
	"github.com/gatefeed/pipeline-core/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Definition store: Postgres in production, memory when no DSN is set.
	var defs pipeline.DefinitionStore
	if cfg.DB.DSN != "" {
		pg, err := store.NewPostgresDefinitionStore(cfg.DB.DSN)
		if err != nil {
			logger.Error("connecting definition store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		defs = pg
	} else {
		logger.Warn("no database configured, using in-memory definition store")
		defs = store.NewMemoryDefinitionStore()
	}

	// Atom store: Badger on disk, memory when no directory is set.
	var atoms pipeline.AtomStore
	if cfg.Storage.AtomDir != "" {
		bs, err := store.OpenBadgerAtomStore(cfg.Storage.AtomDir)
		if err != nil {
			logger.Error("opening atom store", "error", err)
			os.Exit(1)
		}
		defer bs.Close()
		atoms = bs
	} else {
		atoms = store.NewMemoryAtomStore()
	}

	loadCache, err := cache.New(cfg.Storage.CacheDir, logger)
	if err != nil {
		logger.Error("initializing load cache", "error", err)
		os.Exit(1)
	}

	queueCfg := fetch.DefaultQueueConfig()
	if cfg.Fetch.Concurrency > 0 {
		queueCfg.Concurrency = int64(cfg.Fetch.Concurrency)
	}
	if cfg.Fetch.MaxRequests > 0 {
		queueCfg.MaxRequests = cfg.Fetch.MaxRequests
	}
	if cfg.Fetch.IntervalSeconds > 0 {
		queueCfg.Interval = time.Duration(cfg.Fetch.IntervalSeconds) * time.Second
	}
	if cfg.Fetch.IdleTeardownMinutes > 0 {
		queueCfg.IdleAfter = time.Duration(cfg.Fetch.IdleTeardownMinutes) * time.Minute
	}
	queues := fetch.NewQueueSet(queueCfg)
	defer queues.Shutdown()

	tokens := credential.NewCache(nil)

	var pager alerting.IncidentPager
	if cfg.Alerts.PagerEndpointURL != "" {
		pager = &alerting.EventsPager{
			EndpointURL: cfg.Alerts.PagerEndpointURL,
			RoutingKey:  cfg.Alerts.PagerRoutingKey,
		}
	}
	var chat alerting.ChatSender
	if cfg.Alerts.ChatWebhookURL != "" {
		chat = &alerting.WebhookChat{WebhookURL: cfg.Alerts.ChatWebhookURL}
	}
	alerter := alerting.New(pager, chat, logger)
	if cfg.Alerts.CooldownMinutes > 0 {
		alerter.WithCooldown(time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute)
	}

	summaryArchive, err := archive.New(ctx, archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		UseSSL:    cfg.Archive.UseSSL,
		Bucket:    cfg.Archive.Bucket,
		Prefix:    cfg.Archive.Prefix,
	}, logger)
	if err != nil {
		logger.Error("connecting summary archive", "error", err)
		os.Exit(1)
	}

	exec := executor.New(executor.Config{
		ReloadInterval: cfg.ReloadInterval(),
		LoadTimeout:    cfg.LoadTimeout(),
	}, defs, pipeline.Deps{
		Atoms:  atoms,
		Queues: queues,
		Tokens: tokens,
		Logger: logger,
	}, loadCache, summaryArchive, alerter)

	logger.Info("starting pipeline executor",
		"reload_interval", cfg.ReloadInterval(),
		"load_timeout", cfg.LoadTimeout())
	if err := exec.Start(ctx); err != nil {
		logger.Error("starting executor", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	exec.Stop()
}
