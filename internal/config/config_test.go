package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/model"
	"docstore/internal/storage"
	"docstore/internal/storeerr"
	"docstore/internal/workqueue"
)

const descriptor = `
log:
  level: debug
  format: json
repositories:
  - name: docs
    dsn: %s
    idType: uuid
    softDelete:
      enabled: true
    proxies:
      enabled: false
    aclOptimizations:
      readAclMaxSize: -1
    proxyRemoval: deny
    fulltext:
      excludedTypes: [Folder]
types:
  complexTypes:
    - name: address
      fields:
        - {name: street}
        - {name: zip, type: long}
  schemas:
    - name: contact
      prefix: ct
      fields:
        - {name: email}
        - {name: phones, type: string, array: true}
        - {name: home, complex: address}
        - {name: previous, complex: address, list: true}
        - {name: photo, type: blob}
        - {name: birthday, type: date}
  facets:
    - {name: Contactable, schemas: [contact]}
  documentTypes:
    - {name: Contact, schemas: [dublincore, contact]}
    - {name: Binder, schemas: [dublincore], folderish: true}
workQueue:
  inMemory: true
  completedRetention: 1h
  queues:
    - {id: default, workers: 2}
    - {id: fulltext, pollInterval: 1s}
`

func nullLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func parseDescriptor(t *testing.T) *Config {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "docs.db")
	cfg, err := Parse([]byte(fmt.Sprintf(descriptor, dsn)))
	require.NoError(t, err)
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want info/text", cfg.Log)
	}
	if cfg.Server.Addr != ":8700" {
		t.Errorf("Server.Addr = %s, want :8700", cfg.Server.Addr)
	}
	require.Len(t, cfg.Repositories, 1)
	r := cfg.Repositories[0]
	assert.Equal(t, DefaultRepository, r.Name)
	assert.Equal(t, "sqlite", r.Driver)
	assert.Equal(t, "varchar", r.IDType)
	assert.Equal(t, 20, r.Pool.MaxOpen)
	assert.Equal(t, 5, r.Pool.MaxIdle)
	assert.Equal(t, 5*time.Second, r.Pool.BlockingTimeout)
	assert.Equal(t, 4096, r.ACLOptimizations.ReadACLMaxSize)
	assert.Equal(t, 10000, r.Cache.PristineSize)
	assert.Equal(t, "cascade", r.ProxyRemoval)
	require.NotNil(t, r.Proxies.Enabled)
	assert.True(t, *r.Proxies.Enabled)
	require.NotNil(t, r.ACLOptimizations.Enabled)
	assert.True(t, *r.ACLOptimizations.Enabled)
	assert.False(t, r.SoftDelete.Enabled)
	assert.False(t, r.Clustering.Enabled)

	assert.Equal(t, "badger", cfg.WorkQueue.Store)
	assert.Equal(t, workqueue.DefaultNamespace, cfg.WorkQueue.Namespace)
	assert.Equal(t, 24*time.Hour, cfg.WorkQueue.CompletedRetention)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addrs)
	assert.NoError(t, cfg.Validate())
}

func TestParseDescriptor(t *testing.T) {
	cfg := parseDescriptor(t)

	assert.Equal(t, "debug", cfg.Log.Level)
	r := cfg.Repository("docs")
	require.NotNil(t, r)
	assert.Nil(t, cfg.Repository("missing"))
	assert.Equal(t, "uuid", r.IDType)
	assert.True(t, r.SoftDelete.Enabled)
	require.NotNil(t, r.Proxies.Enabled)
	assert.False(t, *r.Proxies.Enabled, "explicit false survives the defaults")
	assert.True(t, *r.ACLOptimizations.Enabled)
	assert.Equal(t, -1, r.ACLOptimizations.ReadACLMaxSize)

	opts := r.Options(logrus.NewEntry(nullLogger()))
	assert.True(t, opts.DisableProxies)
	assert.False(t, opts.DisableACLOptimizations)
	assert.Equal(t, storage.ProxyRemovalDeny, opts.ProxyRemoval)
	assert.True(t, opts.SoftDelete)
	assert.Equal(t, 10000, opts.PristineCacheSize)

	require.Len(t, cfg.WorkQueue.Queues, 2)
	assert.Equal(t, 2, cfg.WorkQueue.Queues[0].Workers)
	assert.Equal(t, 200*time.Millisecond, cfg.WorkQueue.Queues[0].PollInterval)
	assert.Equal(t, 1, cfg.WorkQueue.Queues[1].Workers)
	assert.Equal(t, time.Second, cfg.WorkQueue.Queues[1].PollInterval)
	assert.Equal(t, uint64(3), cfg.WorkQueue.Queues[1].MaxRetries)
	assert.Equal(t, time.Hour, cfg.WorkQueue.CompletedRetention)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"level", "log: {level: loud}"},
		{"format", "log: {format: xml}"},
		{"no name", "repositories: [{dsn: a.db}]"},
		{"duplicate", "repositories: [{name: a, dsn: a.db}, {name: a, dsn: b.db}]"},
		{"driver", "repositories: [{name: a, dsn: a.db, driver: oracle}]"},
		{"dsn", "repositories: [{name: a}]"},
		{"id type", "repositories: [{name: a, dsn: a.db, idType: serial}]"},
		{"proxy removal", "repositories: [{name: a, dsn: a.db, proxyRemoval: orphan}]"},
		{"pool", "repositories: [{name: a, dsn: a.db, pool: {maxOpen: 2, maxIdle: 4}}]"},
		{"store", "workQueue: {store: etcd}"},
		{"queue glob", "workQueue: {queues: [{id: 'a*'}]}"},
		{"queue duplicate", "workQueue: {queues: [{id: a}, {id: a}]}"},
		{"unknown schema", "types: {documentTypes: [{name: X, schemas: [nope]}]}"},
		{"unknown complex", "types: {schemas: [{name: s, prefix: s, fields: [{name: f, complex: nope}]}]}"},
		{"scalar type", "types: {schemas: [{name: s, prefix: s, fields: [{name: f, type: decimal}]}]}"},
		{"list without complex", "types: {schemas: [{name: s, prefix: s, fields: [{name: f, list: true}]}]}"},
		{"prefix clash", "types: {schemas: [{name: s, prefix: dc, fields: [{name: f}]}]}"},
		{"malformed", "log: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestTypesRegistry(t *testing.T) {
	cfg := parseDescriptor(t)
	reg, err := cfg.Types.Registry()
	require.NoError(t, err)

	s := reg.Schema("contact")
	require.NotNil(t, s)
	assert.Same(t, s, reg.SchemaByPrefix("ct"))
	kinds := map[string]model.FieldKind{}
	for _, f := range s.Fields {
		kinds[f.Name] = f.Kind
	}
	assert.Equal(t, map[string]model.FieldKind{
		"email":    model.KindScalar,
		"phones":   model.KindArray,
		"home":     model.KindComplex,
		"previous": model.KindList,
		"photo":    model.KindBlob,
		"birthday": model.KindScalar,
	}, kinds)
	assert.Equal(t, model.TypeDate, s.Field("birthday").Type)
	assert.Equal(t, model.TypeString, s.Field("email").Type)

	require.NotNil(t, reg.ComplexType("address"))
	assert.Equal(t, []string{"contact"}, reg.Facet("Contactable").Schemas)
	assert.True(t, reg.DocumentType("Binder").HasFacet(model.FacetFolderish))
	assert.False(t, reg.DocumentType("Contact").HasFacet(model.FacetFolderish))
	// built-ins stay
	assert.NotNil(t, reg.DocumentType(model.TypeFile))

	// each call builds a registry of its own
	other, err := cfg.Types.Registry()
	require.NoError(t, err)
	assert.NotSame(t, reg, other)
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Log.Level = "warn"
	cfg.Repositories[0].Pool.BlockingTimeout = 2 * time.Second
	cfg.WorkQueue.Queues = []QueueConfig{{ID: "q", Workers: 4, PollInterval: time.Second, MaxRetries: 1, RetryInterval: time.Millisecond}}

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, path, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if path != configPath {
		t.Errorf("path = %s, want %s", path, configPath)
	}
	assert.Equal(t, cfg, loaded)
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg"))
	t.Setenv("HOME", filepath.Join(tmpDir, "home"))
	t.Chdir(tmpDir)

	if found := FindConfigPath(); found != "" && filepath.Dir(found) != "/etc/docstore" {
		t.Errorf("FindConfigPath() = %s, want none", found)
	}

	xdgPath := filepath.Join(tmpDir, "xdg", ConfigDirName, "config.yaml")
	require.NoError(t, DefaultConfig().Save(xdgPath))
	assert.Equal(t, xdgPath, DefaultConfigPath())
	assert.Equal(t, xdgPath, FindConfigPath())

	// Working directory wins over XDG
	require.NoError(t, DefaultConfig().Save(filepath.Join(tmpDir, ConfigFileName)))
	assert.Equal(t, filepath.Join(tmpDir, ConfigFileName), FindConfigPath())

	// Explicit path wins when it exists, is skipped otherwise
	explicit := filepath.Join(tmpDir, "explicit.yaml")
	t.Setenv(EnvConfigPath, explicit)
	assert.Equal(t, filepath.Join(tmpDir, ConfigFileName), FindConfigPath())
	require.NoError(t, DefaultConfig().Save(explicit))
	assert.Equal(t, explicit, FindConfigPath())

	cfg, path, err := Load()
	require.NoError(t, err)
	assert.Equal(t, explicit, path)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSetupLogging(t *testing.T) {
	logger := nullLogger()
	cfg := parseDescriptor(t)
	require.NoError(t, cfg.SetupLogging(logger))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestOpenRepository(t *testing.T) {
	ctx := context.Background()
	cfg := parseDescriptor(t)
	deps := Deps{Logger: logrus.NewEntry(nullLogger())}

	_, err := cfg.OpenRepository(ctx, "missing", deps)
	assert.ErrorIs(t, err, storeerr.ErrNotFound)

	repo, err := cfg.OpenRepository(ctx, "docs", deps)
	require.NoError(t, err)
	defer repo.Shutdown()
	assert.Equal(t, "docs", repo.Name())
	assert.Equal(t, model.IDUUID, repo.Model().IDType)
	assert.NotNil(t, repo.Model().Registry.DocumentType("Contact"))

	err = repo.Update(ctx, func(s *storage.Session) error {
		root, err := s.GetRootNode(ctx)
		require.NoError(t, err)
		_, err = s.AddChildNode(ctx, root, "c1", nil, "Contact", false)
		require.NoError(t, err)
		_, err = s.AddProxy(ctx, root.ID(), "", root, "p", nil)
		assert.ErrorIs(t, err, storeerr.ErrOperationNotAllowed)
		return nil
	})
	require.NoError(t, err)
}

func TestOpenClusteredRepository(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := parseDescriptor(t)
	cfg.Redis.Addrs = []string{mr.Addr()}
	r := cfg.Repository("docs")
	r.Clustering.Enabled = true
	require.NoError(t, cfg.Validate())

	deps := Deps{Logger: logrus.NewEntry(nullLogger())}
	_, err := cfg.OpenRepository(ctx, "docs", deps)
	assert.Error(t, err, "clustering without a client")

	client := cfg.RedisClient()
	defer client.Close()
	deps.Redis = client
	repo, err := cfg.OpenRepository(ctx, "docs", deps)
	require.NoError(t, err)
	defer repo.Shutdown()

	channels := mr.PubSubChannels("*")
	assert.Contains(t, channels, "docstore:docs:invalidations")
}

func TestOpenWorkStore(t *testing.T) {
	ctx := context.Background()
	cfg := parseDescriptor(t)
	deps := Deps{Logger: logrus.NewEntry(nullLogger())}

	store, err := cfg.OpenWorkStore(deps)
	require.NoError(t, err)
	defer store.Close()

	q, err := cfg.Queuing(store, deps)
	require.NoError(t, err)
	sq, err := q.GetScheduledQueue("fulltext")
	require.NoError(t, err)
	require.NoError(t, sq.Offer(ctx, workqueue.NewWork("index", "", nil)))
	n, err := q.GetQueueSize(ctx, "fulltext", workqueue.StateScheduled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	opts := cfg.WorkQueue.Queues[0].PoolOptions(deps.Logger)
	assert.Equal(t, 2, opts.Workers)

	mr := miniredis.RunT(t)
	cfg.WorkQueue.Store = "redis"
	cfg.Redis.Addrs = []string{mr.Addr()}
	rstore, err := cfg.OpenWorkStore(deps)
	require.NoError(t, err)
	defer rstore.Close()
	rq, err := cfg.Queuing(rstore, deps)
	require.NoError(t, err)
	rsq, err := rq.GetScheduledQueue("default")
	require.NoError(t, err)
	require.NoError(t, rsq.Offer(ctx, workqueue.NewWork("index", "", nil)))
	assert.NotEmpty(t, mr.Keys())
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docstore.yaml")
	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write("log: {level: info}\nrepositories: [{name: a, dsn: a.db}]\n")
	cfg, _, err := LoadFromPath(path)
	require.NoError(t, err)

	logger := nullLogger()
	require.NoError(t, cfg.SetupLogging(logger))
	w := NewWatcher(path, cfg, logger)
	assert.Equal(t, 24*time.Hour, w.CompletedRetention())

	write("log: {level: debug}\nworkQueue: {completedRetention: 5m}\nrepositories: [{name: b, dsn: b.db}]\n")
	require.NoError(t, w.Reload())
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.Equal(t, 5*time.Minute, w.CompletedRetention())
	assert.Equal(t, "a", w.Current().Repositories[0].Name, "structural changes need a restart")

	write("log: {level: loud}\n")
	assert.Error(t, w.Reload())
	assert.Equal(t, "debug", w.Current().Log.Level)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestWatcherWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: {level: info}\n"), 0644))
	cfg, _, err := LoadFromPath(path)
	require.NoError(t, err)

	logger := nullLogger()
	w := NewWatcher(path, cfg, logger)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("log: {level: warn}\n"), 0644)
		return w.Current().Log.Level == "warn"
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
}
