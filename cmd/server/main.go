package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"docstore/internal/config"
	"docstore/internal/handler"
	"docstore/internal/hub"
	"docstore/internal/kv"
	"docstore/internal/maintenance"
	"docstore/internal/storage"
	"docstore/internal/workqueue"
)

func main() {
	// Command line flags
	configPath := pflag.StringP("config", "c", "", "config file (default: search the usual locations)")
	addr := pflag.String("addr", "", "HTTP listen address, overrides server.addr")
	sweepInterval := pflag.Duration("sweep-interval", time.Minute, "interval between completed work sweeps")
	pflag.Parse()

	logger := logrus.StandardLogger()
	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}
	if err := cfg.SetupLogging(logger); err != nil {
		logger.WithError(err).Fatal("failed to set up logging")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	log := logrus.NewEntry(logger)
	if path != "" {
		log.WithField("path", path).Info("config loaded")
	} else {
		log.Info("no config file found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, path, *sweepInterval, log); err != nil {
		log.WithError(err).Error("server stopped with an error")
		os.Exit(1)
	}
	log.Info("server stopped")
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// run opens every component of cfg, serves until ctx ends, then shuts
// down in reverse order: HTTP, pools, work store, repositories
func run(ctx context.Context, cfg *config.Config, path string, sweepInterval time.Duration, log *logrus.Entry) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := config.Deps{
		Logger:      log,
		Metrics:     storage.NewMetrics(reg),
		WorkMetrics: workqueue.NewMetrics(reg),
	}
	if needsRedis(cfg) {
		client := cfg.RedisClient()
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		deps.Redis = client
	}

	// Repositories
	repos := make(map[string]storage.Management, len(cfg.Repositories))
	var opened []*storage.Repository
	defer func() {
		for _, r := range opened {
			if err := r.Shutdown(); err != nil {
				log.WithError(err).WithField("repository", r.Name()).Error("repository shutdown failed")
			}
		}
	}()
	for _, rc := range cfg.Repositories {
		repo, err := cfg.OpenRepository(ctx, rc.Name, deps)
		if err != nil {
			return err
		}
		opened = append(opened, repo)
		repos[repo.Name()] = repo
	}

	// Work queues
	store, err := cfg.OpenWorkStore(deps)
	if err != nil {
		return fmt.Errorf("failed to open work store: %w", err)
	}
	defer closeStore(store, log)
	queuing, err := cfg.Queuing(store, deps)
	if err != nil {
		return err
	}
	queueIDs := make([]string, 0, len(cfg.WorkQueue.Queues))
	for _, qc := range cfg.WorkQueue.Queues {
		queueIDs = append(queueIDs, qc.ID)
	}
	if _, err := queuing.Init(ctx, queueIDs); err != nil {
		return err
	}

	events := hub.New(log)
	var pools []*workqueue.Pool
	for _, qc := range cfg.WorkQueue.Queues {
		sq, err := queuing.GetScheduledQueue(qc.ID)
		if err != nil {
			return err
		}
		opts := qc.PoolOptions(log)
		opts.OnDone = publishDone(events)
		pool := workqueue.NewPool(queuing, sq, opts)
		maintenance.Register(pool, repos)
		if err := pool.Start(ctx); err != nil {
			return err
		}
		pools = append(pools, pool)
	}
	defer func() {
		// ctx is done here; suspension needs a live context
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, p := range pools {
			if _, err := p.Stop(stopCtx); err != nil {
				log.WithError(err).Error("failed to stop work pool")
			}
		}
	}()

	// HTTP
	mux := http.NewServeMux()
	mgmt := make([]storage.Management, 0, len(repos))
	for _, r := range repos {
		mgmt = append(mgmt, r)
	}
	handler.New(queuing, log, mgmt...).WithEvents(events).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Chain(mux, handler.Recover(log), handler.Logger(log)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error {
		log.WithField("addr", cfg.Server.Addr).Info("server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	retention := func() time.Duration { return cfg.WorkQueue.CompletedRetention }
	if path != "" {
		watcher := config.NewWatcher(path, cfg, log.Logger)
		retention = watcher.CompletedRetention
		g.Go(func() error {
			if err := watcher.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("config watch stopped")
			}
			return nil
		})
	}
	if len(queueIDs) > 0 {
		sweeper := &maintenance.Sweeper{
			Queuing:   queuing,
			Queues:    queueIDs,
			Retention: retention,
			Interval:  sweepInterval,
			Logger:    log,
		}
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	return g.Wait()
}

func publishDone(p hub.Publisher) func(string, *workqueue.Work) {
	return func(queueID string, w *workqueue.Work) {
		ev := hub.Event{Type: hub.EventWorkDone, Queue: queueID, Work: w.ID, Category: w.Category}
		if w.Error != "" {
			ev.Type = hub.EventWorkFailed
			ev.Error = w.Error
		}
		p.Publish(ev)
	}
}

func needsRedis(cfg *config.Config) bool {
	for _, rc := range cfg.Repositories {
		if rc.Clustering.Enabled {
			return true
		}
	}
	return false
}

func closeStore(store kv.Store, log *logrus.Entry) {
	if err := store.Close(); err != nil {
		log.WithError(err).Error("failed to close work store")
	}
}
