package config

import (
	"time"
)

// Config is the root configuration structure
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Server       ServerConfig       `yaml:"server"`
	Repositories []RepositoryConfig `yaml:"repositories"`
	Types        TypesConfig        `yaml:"types"`
	WorkQueue    WorkQueueConfig    `yaml:"workQueue"`
	Redis        RedisConfig        `yaml:"redis"`
}

// LogConfig selects the logrus level and formatter
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text"` // text, json
}

// ServerConfig configures the management HTTP API
type ServerConfig struct {
	Addr            string        `yaml:"addr" default:":8700"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"30s"`
}

// RepositoryConfig is the descriptor of one repository
type RepositoryConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver" default:"sqlite"` // sqlite, postgres, mysql
	DSN    string `yaml:"dsn"`

	Pool   PoolConfig `yaml:"pool"`
	IDType string     `yaml:"idType" default:"varchar"` // varchar, uuid, sequence
	NoDDL  bool       `yaml:"noDDL"`

	SoftDelete       SoftDeleteConfig       `yaml:"softDelete"`
	Proxies          ProxiesConfig          `yaml:"proxies"`
	ACLOptimizations ACLOptimizationsConfig `yaml:"aclOptimizations"`
	Clustering       ClusteringConfig       `yaml:"clustering"`
	Cache            CacheConfig            `yaml:"cache"`
	Fulltext         FulltextConfig         `yaml:"fulltext"`

	ProxyRemoval string `yaml:"proxyRemoval" default:"cascade"` // cascade, deny
}

// PoolConfig sizes the connection pool of a repository
type PoolConfig struct {
	MaxOpen         int           `yaml:"maxOpen" default:"20"`
	MaxIdle         int           `yaml:"maxIdle" default:"5"`
	BlockingTimeout time.Duration `yaml:"blockingTimeout" default:"5s"`
}

type SoftDeleteConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ProxiesConfig struct {
	Enabled *bool `yaml:"enabled" default:"true"`
}

type ACLOptimizationsConfig struct {
	Enabled        *bool `yaml:"enabled" default:"true"`
	ReadACLMaxSize int   `yaml:"readAclMaxSize" default:"4096"` // negative: unlimited
}

// ClusteringConfig enables invalidation exchange with the other nodes
// sharing the database. It uses the redis section.
type ClusteringConfig struct {
	Enabled bool          `yaml:"enabled"`
	Delay   time.Duration `yaml:"delay"`
	NodeID  string        `yaml:"nodeId"` // generated when empty
}

type CacheConfig struct {
	PristineSize int `yaml:"pristineSize" default:"10000"`
}

type FulltextConfig struct {
	Disabled      bool     `yaml:"disabled"`
	IncludedTypes []string `yaml:"includedTypes,omitempty"`
	ExcludedTypes []string `yaml:"excludedTypes,omitempty"`
}

// TypesConfig declares the types added to the built-in ones
type TypesConfig struct {
	Schemas       []SchemaConfig       `yaml:"schemas,omitempty"`
	ComplexTypes  []SchemaConfig       `yaml:"complexTypes,omitempty"`
	Facets        []FacetConfig        `yaml:"facets,omitempty"`
	DocumentTypes []DocumentTypeConfig `yaml:"documentTypes,omitempty"`
}

// SchemaConfig declares a schema or, without prefix, a complex type
type SchemaConfig struct {
	Name   string        `yaml:"name"`
	Prefix string        `yaml:"prefix,omitempty"`
	Fields []FieldConfig `yaml:"fields"`
}

// FieldConfig declares one field. Type is a scalar type or blob; Complex
// names a complex type, List makes it a list of them, Array makes a scalar
// an array.
type FieldConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type,omitempty"`
	Array   bool   `yaml:"array,omitempty"`
	Complex string `yaml:"complex,omitempty"`
	List    bool   `yaml:"list,omitempty"`
}

type FacetConfig struct {
	Name    string   `yaml:"name"`
	Schemas []string `yaml:"schemas,omitempty"`
}

type DocumentTypeConfig struct {
	Name      string   `yaml:"name"`
	Schemas   []string `yaml:"schemas,omitempty"`
	Facets    []string `yaml:"facets,omitempty"`
	Folderish bool     `yaml:"folderish,omitempty"`
}

// WorkQueueConfig configures the work queuing backend and its pools
type WorkQueueConfig struct {
	Store     string `yaml:"store" default:"badger"` // badger, redis
	Dir       string `yaml:"dir" default:"./docstore-work"`
	InMemory  bool   `yaml:"inMemory"`
	Namespace string `yaml:"namespace" default:"docstore:work:"`
	ScanBatch int64  `yaml:"scanBatch" default:"1000"`

	// CompletedRetention is how long completed work is kept; reloadable
	CompletedRetention time.Duration `yaml:"completedRetention" default:"24h"`

	Queues []QueueConfig `yaml:"queues,omitempty"`
}

// QueueConfig declares a scheduled queue and the pool running it
type QueueConfig struct {
	ID            string        `yaml:"id"`
	Workers       int           `yaml:"workers" default:"1"`
	PollInterval  time.Duration `yaml:"pollInterval" default:"200ms"`
	MaxRetries    uint64        `yaml:"maxRetries" default:"3"`
	RetryInterval time.Duration `yaml:"retryInterval" default:"100ms"`
}

// RedisConfig is the connection shared by the Redis work store and the
// cluster invalidator
type RedisConfig struct {
	Addrs    []string `yaml:"addrs" default:"[\"localhost:6379\"]"`
	Password string   `yaml:"password,omitempty"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix" default:"docstore:"`
}
