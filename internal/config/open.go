package config

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"docstore/internal/cluster"
	"docstore/internal/kv"
	"docstore/internal/mapper/sqlstore"
	"docstore/internal/model"
	"docstore/internal/storage"
	"docstore/internal/storeerr"
	"docstore/internal/workqueue"
)

// Deps are the shared resources the components of a descriptor are opened
// with. Nil fields get defaults.
type Deps struct {
	Logger *logrus.Entry
	// Redis serves the cluster invalidators; RedisClient creates one from
	// the redis section
	Redis       redis.UniversalClient
	Metrics     *storage.Metrics
	WorkMetrics *workqueue.Metrics
}

func (d Deps) logger() *logrus.Entry {
	if d.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return d.Logger
}

// RedisClient creates a client for the redis section
func (c *Config) RedisClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Redis.Addrs,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// Model builds the physical model of a repository from the types section
func (c *Config) Model(rc *RepositoryConfig) (*model.Model, error) {
	reg, err := c.Types.Registry()
	if err != nil {
		return nil, fmt.Errorf("types: %w", err)
	}
	return model.New(reg, model.IDType(rc.IDType), model.FulltextConfig{
		Disabled:      rc.Fulltext.Disabled,
		IncludedTypes: rc.Fulltext.IncludedTypes,
		ExcludedTypes: rc.Fulltext.ExcludedTypes,
	})
}

// StoreConfig converts the descriptor to the mapper's configuration
func (rc *RepositoryConfig) StoreConfig(log *logrus.Entry) sqlstore.Config {
	return sqlstore.Config{
		Dialect:         rc.Driver,
		DSN:             rc.DSN,
		MaxOpen:         rc.Pool.MaxOpen,
		MaxIdle:         rc.Pool.MaxIdle,
		BlockingTimeout: rc.Pool.BlockingTimeout,
		NoDDL:           rc.NoDDL,
		Logger:          log,
	}
}

// Options converts the descriptor to repository options. Backend, Model
// and Invalidator are left to the caller.
func (rc *RepositoryConfig) Options(log *logrus.Entry) storage.Options {
	return storage.Options{
		Name:                    rc.Name,
		SoftDelete:              rc.SoftDelete.Enabled,
		ProxyRemoval:            storage.ProxyRemoval(rc.ProxyRemoval),
		DisableProxies:          !enabled(rc.Proxies.Enabled),
		DisableACLOptimizations: !enabled(rc.ACLOptimizations.Enabled),
		ReadACLMaxSize:          rc.ACLOptimizations.ReadACLMaxSize,
		PristineCacheSize:       rc.Cache.PristineSize,
		Logger:                  log,
	}
}

func enabled(b *bool) bool { return b == nil || *b }

// OpenRepository opens the named repository: model, SQL store, cluster
// invalidator when clustering is enabled, then the repository itself
func (c *Config) OpenRepository(ctx context.Context, name string, deps Deps) (*storage.Repository, error) {
	rc := c.Repository(name)
	if rc == nil {
		return nil, storeerr.New("open repository", name, storeerr.ErrNotFound)
	}
	log := deps.logger().WithField("repository", rc.Name)

	m, err := c.Model(rc)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", rc.Name, err)
	}
	store, err := sqlstore.Open(ctx, m, rc.StoreConfig(log))
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", rc.Name, err)
	}

	opts := rc.Options(log)
	opts.Backend = store
	opts.Model = m
	opts.Metrics = deps.Metrics

	if rc.Clustering.Enabled {
		if deps.Redis == nil {
			store.Close()
			return nil, fmt.Errorf("repository %s: clustering needs a redis client", rc.Name)
		}
		nodeID := rc.Clustering.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		inv, err := cluster.NewRedisInvalidator(ctx, deps.Redis, cluster.RedisOptions{
			NodeID: nodeID,
			Prefix: c.Redis.Prefix + rc.Name + ":",
			Delay:  rc.Clustering.Delay,
			Logger: log,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("repository %s: failed to join cluster: %w", rc.Name, err)
		}
		opts.Invalidator = inv
	}

	repo, err := storage.Open(ctx, opts)
	if err != nil {
		if opts.Invalidator != nil {
			opts.Invalidator.Close()
		}
		store.Close()
		return nil, err
	}
	return repo, nil
}

// OpenWorkStore opens the kv store of the workQueue section
func (c *Config) OpenWorkStore(deps Deps) (kv.Store, error) {
	log := deps.logger()
	switch c.WorkQueue.Store {
	case "redis":
		// the store owns its client and closes it
		return kv.NewRedisStore(c.RedisClient(), log), nil
	default:
		store, err := kv.OpenBadger(kv.BadgerOptions{
			Dir:      c.WorkQueue.Dir,
			InMemory: c.WorkQueue.InMemory,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// Queuing creates the work queuing backend over store and registers the
// declared queues
func (c *Config) Queuing(store kv.Store, deps Deps) (*workqueue.Queuing, error) {
	q := workqueue.New(store, workqueue.Options{
		Namespace: c.WorkQueue.Namespace,
		ScanBatch: c.WorkQueue.ScanBatch,
		Logger:    deps.logger(),
		Metrics:   deps.WorkMetrics,
	})
	for _, qc := range c.WorkQueue.Queues {
		if _, err := q.InitScheduleQueue(qc.ID); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// PoolOptions converts a queue declaration to pool options
func (qc QueueConfig) PoolOptions(log *logrus.Entry) workqueue.PoolOptions {
	return workqueue.PoolOptions{
		Workers:       qc.Workers,
		PollInterval:  qc.PollInterval,
		MaxRetries:    qc.MaxRetries,
		RetryInterval: qc.RetryInterval,
		Logger:        log,
	}
}
