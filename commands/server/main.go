// Run the sync job server.
//
// Configuration is read from the environment, or a .env file in the working
// directory. Basic auth users are configured with AUTH_USERS, a comma
// separated list of user:password pairs. With EMBED_WORKERS=true the server
// also runs the jobs it enqueues.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
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
	"github.com/WebChangeDetector/webchangedetector-sub002/server"
	"github.com/WebChangeDetector/webchangedetector-sub002/services"
	"github.com/WebChangeDetector/webchangedetector-sub002/setup"
	"github.com/gorilla/handlers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

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
	metrics.SetNamespace("wcdsync.server")
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup.DB(&setup.DatabaseURLConnector{URL: cfg.DatabaseURL}, cfg.ServerPoolSize)
	if err != nil {
		return err
	}
	defer d.Close()
	stores, err := setup.PrepareAll(d)
	if err != nil {
		return err
	}

	remote := downstream.NewClient(cfg.WCDAPIURL, logger.Named("downstream"))
	enqueuer := services.NewEnqueuer(stores.Jobs, stores.Credentials, remote, cfg.WCDAPIToken, logger.Named("enqueuer"))
	enqueuer.ScheduleDelay = cfg.ScheduleDelay

	if cfg.EmbedWorkers {
		jp := services.NewJobProcessor(stores.Jobs, remote, discovery.NewClient(cfg.DiscoveryRateLimit, logger.Named("discovery")), logger.Named("worker"))
		jp.Timeout = cfg.ExecutionBudget
		jp.Retention = cfg.Retention
		pool, err := dequeuer.CreatePool(jp, stores.Jobs, cfg.WorkerConcurrency, logger)
		if err != nil {
			return err
		}
		defer pool.Shutdown()
		enqueuer.Scheduler = pool
		logger.Info("running embedded workers", zap.Int("concurrency", cfg.WorkerConcurrency))
	}

	maintenance, err := services.NewMaintenanceCron(stores.Jobs, remote, services.MaintenanceConfig{
		ExecutionBudget: cfg.ExecutionBudget,
		Retention:       cfg.Retention,
	}, logger)
	if err != nil {
		return err
	}
	maintenance.Start()
	defer maintenance.Stop()

	users := cfg.Users()
	if len(users) == 0 {
		logger.Warn("no AUTH_USERS configured, every request will be rejected")
	}
	h := server.Get(server.Config{
		Auth:                         server.NewUsersAuthorizer(users),
		Enqueuer:                     enqueuer,
		Jobs:                         stores.Jobs,
		Credentials:                  stores.Credentials,
		Logger:                       logger.Named("http"),
		AllowUnencryptedProxyTraffic: cfg.AllowUnencryptedProxyTraffic,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handlers.LoggingHandler(os.Stdout, h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("port", cfg.Port), zap.String("version", config.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		setup.MeasureQueueDepth(gctx, stores.Jobs, 5*time.Second, logger)
		return nil
	})
	return g.Wait()
}
