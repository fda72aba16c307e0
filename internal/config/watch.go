package config

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"docstore/internal/watcher"
)

// Watcher reloads the config file when it changes and applies the
// settings that do not need a restart: log.level and
// workQueue.completedRetention. Other changes are logged and ignored.
type Watcher struct {
	path   string
	logger *logrus.Logger
	log    *logrus.Entry

	mu      sync.RWMutex
	current *Config

	debounce time.Duration
}

// NewWatcher starts from cfg, the config loaded from path
func NewWatcher(path string, cfg *Config, logger *logrus.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		log:      logger.WithField("component", "config"),
		current:  cfg,
		debounce: 500 * time.Millisecond,
	}
}

// Current returns the config in effect
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// CompletedRetention returns the retention of completed work in effect
func (w *Watcher) CompletedRetention() time.Duration {
	return w.Current().WorkQueue.CompletedRetention
}

// Reload reads the file again. An invalid file leaves the config in
// effect unchanged.
func (w *Watcher) Reload() error {
	next, _, err := LoadFromPath(w.path)
	if err != nil {
		w.log.WithError(err).Error("failed to reload config, keeping the current one")
		return err
	}

	w.mu.Lock()
	prev := w.current
	applied := *prev
	applied.Log.Level = next.Log.Level
	applied.WorkQueue.CompletedRetention = next.WorkQueue.CompletedRetention
	w.current = &applied
	w.mu.Unlock()

	if err := applied.SetupLogging(w.logger); err != nil {
		return err
	}
	if diff := cmp.Diff(&applied, next); diff != "" {
		w.log.WithField("diff", diff).Warn("config changes need a restart")
	}
	w.log.WithFields(logrus.Fields{
		"level":              applied.Log.Level,
		"completedRetention": applied.WorkQueue.CompletedRetention,
	}).Info("config reloaded")
	return nil
}

// Watch reloads on every change of the file until ctx ends
func (w *Watcher) Watch(ctx context.Context) error {
	return watcher.New(w.path, func() { _ = w.Reload() }).
		WithDebounce(w.debounce).
		WithLogger(w.log).
		Watch(ctx)
}
