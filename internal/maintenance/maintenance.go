// Package maintenance runs repository administration as queued work and
// sweeps completed work past its retention.
package maintenance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"docstore/internal/storage"
	"docstore/internal/storeerr"
	"docstore/internal/workqueue"
)

// Work categories served by Runners
const (
	CategoryRebuildReadACLs = "rebuildReadAcls"
	CategoryCleanupDeleted  = "cleanupDeleted"
	CategoryClearCaches     = "clearCaches"
)

// Work parameters
const (
	ParamRepository = "repository"
	ParamMax        = "max"
	// ParamAge is a duration; documents deleted longer ago are purged
	ParamAge = "age"
)

// Runners maps each category to its runner over repos
func Runners(repos map[string]storage.Management) map[string]workqueue.Runner {
	return map[string]workqueue.Runner{
		CategoryRebuildReadACLs: workqueue.RunnerFunc(func(ctx context.Context, w *workqueue.Work) error {
			repo, err := repository(repos, w)
			if err != nil {
				return err
			}
			return repo.RebuildReadAcls(ctx)
		}),
		CategoryCleanupDeleted: workqueue.RunnerFunc(func(ctx context.Context, w *workqueue.Work) error {
			repo, err := repository(repos, w)
			if err != nil {
				return err
			}
			max, before, err := cleanupParams(w)
			if err != nil {
				return err
			}
			_, err = repo.CleanupDeletedDocuments(ctx, max, before)
			return err
		}),
		CategoryClearCaches: workqueue.RunnerFunc(func(ctx context.Context, w *workqueue.Work) error {
			repo, err := repository(repos, w)
			if err != nil {
				return err
			}
			repo.ClearCaches()
			return nil
		}),
	}
}

// Register adds Runners to pool
func Register(pool *workqueue.Pool, repos map[string]storage.Management) {
	for category, r := range Runners(repos) {
		pool.Register(category, r)
	}
}

func repository(repos map[string]storage.Management, w *workqueue.Work) (storage.Management, error) {
	name := w.Params[ParamRepository]
	repo, ok := repos[name]
	if !ok {
		return nil, storeerr.New(w.Category, w.ID, fmt.Errorf("%w: repository %q", storeerr.ErrNotFound, name))
	}
	return repo, nil
}

func cleanupParams(w *workqueue.Work) (int, time.Time, error) {
	var max int
	if v := w.Params[ParamMax]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: %s: %v", storeerr.ErrInvalidArgument, ParamMax, err)
		}
		max = n
	}
	before := time.Now()
	if v := w.Params[ParamAge]; v != "" {
		age, err := time.ParseDuration(v)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: %s: %v", storeerr.ErrInvalidArgument, ParamAge, err)
		}
		before = before.Add(-age)
	}
	return max, before, nil
}

// Sweeper drops the completed work of a set of queues once it is older
// than the retention in effect
type Sweeper struct {
	Queuing *workqueue.Queuing
	Queues  []string
	// Retention is read at every sweep so a reloaded value applies
	Retention func() time.Duration
	Interval  time.Duration
	Logger    *logrus.Entry
}

// Sweep clears each queue once and returns the number of dropped works
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := time.Now().Add(-s.Retention())
	var total int
	for _, id := range s.Queues {
		n, err := s.Queuing.ClearCompletedWork(ctx, id, before)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Run sweeps every Interval until ctx ends
func (s *Sweeper) Run(ctx context.Context) error {
	log := s.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "sweeper")
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.WithError(err).Error("failed to clear completed work")
				continue
			}
			if n > 0 {
				log.WithField("cleared", n).Info("completed work cleared")
			}
		}
	}
}
