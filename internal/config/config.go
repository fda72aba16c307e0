// Package config loads the docstore descriptor: logging, the management
// server, the repositories with their types, and the work queues.
//
// Config file locations (priority order):
//  1. $DOCSTORE_CONFIG
//  2. ./docstore.yaml
//  3. $XDG_CONFIG_HOME/docstore/config.yaml
//  4. ~/.config/docstore/config.yaml
//  5. /etc/docstore/config.yaml
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"docstore/internal/mapper/sqlstore"
	"docstore/internal/model"
	"docstore/internal/storage"
)

// DefaultRepository is the name of the repository created when the
// descriptor declares none
const DefaultRepository = "default"

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()

	if path == "" {
		// No config found - return defaults
		return DefaultConfig(), "", nil
	}

	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes a YAML descriptor, fills the defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation: one
// sqlite repository next to the working directory
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := cfg.applyDefaults(); err != nil {
		// the tags are constant
		panic(err)
	}
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() error {
	if len(c.Repositories) == 0 {
		c.Repositories = []RepositoryConfig{{Name: DefaultRepository, DSN: "./docstore.db"}}
	}
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	return nil
}

// Validate checks the values defaults cannot fix
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	names := make(map[string]bool)
	for i, r := range c.Repositories {
		if r.Name == "" {
			return fmt.Errorf("repositories[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("repositories[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true
		if err := r.validate(); err != nil {
			return fmt.Errorf("repository %s: %w", r.Name, err)
		}
		if r.Clustering.Enabled && len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("repository %s: clustering needs redis.addrs", r.Name)
		}
	}

	if _, err := c.Types.Registry(); err != nil {
		return fmt.Errorf("types: %w", err)
	}

	switch c.WorkQueue.Store {
	case "badger":
		if c.WorkQueue.Dir == "" && !c.WorkQueue.InMemory {
			return fmt.Errorf("workQueue.dir is required")
		}
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("workQueue: redis store needs redis.addrs")
		}
	default:
		return fmt.Errorf("workQueue.store: unknown store %q", c.WorkQueue.Store)
	}
	queues := make(map[string]bool)
	for i, q := range c.WorkQueue.Queues {
		if q.ID == "" || strings.ContainsAny(q.ID, "*?[]") {
			return fmt.Errorf("workQueue.queues[%d]: invalid id %q", i, q.ID)
		}
		if queues[q.ID] {
			return fmt.Errorf("workQueue.queues[%d]: duplicate id %q", i, q.ID)
		}
		queues[q.ID] = true
	}
	return nil
}

func (r *RepositoryConfig) validate() error {
	if _, err := sqlstore.DialectFor(r.Driver); err != nil {
		return err
	}
	if r.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if !model.IDType(r.IDType).Valid() {
		return fmt.Errorf("unknown idType %q", r.IDType)
	}
	switch storage.ProxyRemoval(r.ProxyRemoval) {
	case storage.ProxyRemovalCascade, storage.ProxyRemovalDeny:
	default:
		return fmt.Errorf("unknown proxyRemoval %q", r.ProxyRemoval)
	}
	if r.Pool.MaxIdle > r.Pool.MaxOpen {
		return fmt.Errorf("pool.maxIdle %d exceeds pool.maxOpen %d", r.Pool.MaxIdle, r.Pool.MaxOpen)
	}
	return nil
}

// Repository returns the descriptor of the named repository, or nil
func (c *Config) Repository(name string) *RepositoryConfig {
	for i := range c.Repositories {
		if c.Repositories[i].Name == name {
			return &c.Repositories[i]
		}
	}
	return nil
}

// SetupLogging applies the log section to logger
func (c *Config) SetupLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logger.SetLevel(level)
	switch c.Log.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
