// Dequeue and run sync jobs.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WebChangeDetector/webchangedetector-sub002/config"
	"github.com/WebChangeDetector/webchangedetector-sub002/dequeuer"
	"github.com/WebChangeDetector/webchangedetector-sub002/discovery"
	"github.com/WebChangeDetector/webchangedetector-sub002/downstream"
	"github.com/WebChangeDetector/webchangedetector-sub002/logging"
	"github.com/WebChangeDetector/webchangedetector-sub002/metrics"
	"github.com/WebChangeDetector/webchangedetector-sub002/services"
	"github.com/WebChangeDetector/webchangedetector-sub002/setup"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	metrics.SetNamespace("wcdsync.dequeuer")
	if err := run(cfg, logger); err != nil {
		logger.Fatal("dequeuer stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup.DB(&setup.DatabaseURLConnector{URL: cfg.DatabaseURL}, cfg.WorkerPoolSize)
	if err != nil {
		return err
	}
	defer d.Close()
	stores, err := setup.PrepareAll(d)
	if err != nil {
		return err
	}

	// We're going to make a lot of requests to the same downstream service.
	httpConns, err := config.GetInt("HTTP_MAX_IDLE_CONNS")
	if err == nil {
		config.SetMaxIdleConnsPerHost(httpConns)
	} else {
		config.SetMaxIdleConnsPerHost(100)
	}

	if cfg.WCDAPIToken == "" {
		logger.Info("no WCD_API_TOKEN configured, jobs carry their own credential")
	}
	remote := downstream.NewClient(cfg.WCDAPIURL, logger.Named("downstream"))
	jp := services.NewJobProcessor(stores.Jobs, remote, discovery.NewClient(cfg.DiscoveryRateLimit, logger.Named("discovery")), logger.Named("worker"))
	jp.Timeout = cfg.ExecutionBudget
	jp.Retention = cfg.Retention

	maintenance, err := services.NewMaintenanceCron(stores.Jobs, remote, services.MaintenanceConfig{
		ExecutionBudget: cfg.ExecutionBudget,
		Retention:       cfg.Retention,
	}, logger)
	if err != nil {
		return err
	}
	maintenance.Start()
	defer maintenance.Stop()

	// This creates a pool of dequeuers and starts them.
	pool, err := dequeuer.CreatePool(jp, stores.Jobs, cfg.WorkerConcurrency, logger)
	if err != nil {
		return err
	}
	logger.Info("dequeuer started", zap.Int("concurrency", cfg.WorkerConcurrency), zap.String("version", config.Version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		setup.MeasureQueueDepth(gctx, stores.Jobs, 5*time.Second, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("caught signal, shutting down")
		if err := pool.Shutdown(); err != nil {
			return err
		}
		logger.Info("all dequeuers shut down")
		return nil
	})
	return g.Wait()
}
