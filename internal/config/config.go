package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the grid node configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Cluster       ClusterConfig       `yaml:"cluster" mapstructure:"cluster"`
	StateTransfer StateTransferConfig `yaml:"state_transfer" mapstructure:"state_transfer"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	Transactions  TransactionConfig   `yaml:"transactions" mapstructure:"transactions"`
	Persistence   PersistenceConfig   `yaml:"persistence" mapstructure:"persistence"`
	Metrics       MetricsConfig       `yaml:"metrics" mapstructure:"metrics"`
	Logging       LoggingConfig       `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig holds the node identity and listener configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id" mapstructure:"node_id"`
	Host            string        `yaml:"host" mapstructure:"host"`
	AdvertiseHost   string        `yaml:"advertise_host" mapstructure:"advertise_host"`
	RPCPort         int           `yaml:"rpc_port" mapstructure:"rpc_port"`
	HTTPPort        int           `yaml:"http_port" mapstructure:"http_port"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// ClusterConfig holds segmentation and gossip membership configuration
type ClusterConfig struct {
	NumSegments    int           `yaml:"num_segments" mapstructure:"num_segments"`
	NumOwners      int           `yaml:"num_owners" mapstructure:"num_owners"`
	Seeds          []string      `yaml:"seeds,omitempty" mapstructure:"seeds"`
	GossipPort     int           `yaml:"gossip_port" mapstructure:"gossip_port"`
	AdvertisePort  int           `yaml:"advertise_port" mapstructure:"advertise_port"`
	GossipInterval time.Duration `yaml:"gossip_interval" mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
	ViewSettle     time.Duration `yaml:"view_settle" mapstructure:"view_settle"`
}

// StateTransferConfig holds rehash and segment pull configuration
type StateTransferConfig struct {
	ChunkSize       int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	QueueSize       int           `yaml:"queue_size" mapstructure:"queue_size"`
	PullTimeout     time.Duration `yaml:"pull_timeout" mapstructure:"pull_timeout"`
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryInitial    time.Duration `yaml:"retry_initial" mapstructure:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max" mapstructure:"retry_max"`
	ChunksPerSecond float64       `yaml:"chunks_per_second" mapstructure:"chunks_per_second"`
	DiscardGrace    time.Duration `yaml:"discard_grace" mapstructure:"discard_grace"`
	InFlightPolicy  string        `yaml:"in_flight_policy" mapstructure:"in_flight_policy"`
	BlockTimeout    time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`
}

// CacheConfig holds client operation configuration
type CacheConfig struct {
	Name           string        `yaml:"name" mapstructure:"name"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryInitial   time.Duration `yaml:"retry_initial" mapstructure:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max" mapstructure:"retry_max"`
	ReaperInterval time.Duration `yaml:"reaper_interval" mapstructure:"reaper_interval"`
	LockStripes    int           `yaml:"lock_stripes" mapstructure:"lock_stripes"`
	TombstoneGrace time.Duration `yaml:"tombstone_grace" mapstructure:"tombstone_grace"`
}

// TransactionConfig holds MVCC configuration
type TransactionConfig struct {
	Isolation      string `yaml:"isolation" mapstructure:"isolation"`
	WriteSkewCheck bool   `yaml:"write_skew_check" mapstructure:"write_skew_check"`
}

// PersistenceConfig holds write-behind store configuration
type PersistenceConfig struct {
	Store          string        `yaml:"store" mapstructure:"store"`
	Shared         bool          `yaml:"shared" mapstructure:"shared"`
	Synchronous    bool          `yaml:"synchronous" mapstructure:"synchronous"`
	QueueSize      int           `yaml:"queue_size" mapstructure:"queue_size"`
	FlushInterval  time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	BatchThreshold int           `yaml:"batch_threshold" mapstructure:"batch_threshold"`
	BoltPath       string        `yaml:"bolt_path" mapstructure:"bolt_path"`
	PostgresDSN    string        `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	PostgresTable  string        `yaml:"postgres_table" mapstructure:"postgres_table"`
	RedisAddr      string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB        int           `yaml:"redis_db" mapstructure:"redis_db"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Store kinds
const (
	StoreNone     = "none"
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			RPCPort:         7800,
			HTTPPort:        8080,
			RequestTimeout:  5 * time.Second,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Cluster: ClusterConfig{
			NumSegments:    256,
			NumOwners:      2,
			GossipPort:     7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeTimeout:   500 * time.Millisecond,
			ProbeInterval:  time.Second,
			ViewSettle:     500 * time.Millisecond,
		},
		StateTransfer: StateTransferConfig{
			ChunkSize:      512,
			Workers:        4,
			QueueSize:      1024,
			PullTimeout:    10 * time.Second,
			MaxAttempts:    5,
			RetryInitial:   100 * time.Millisecond,
			RetryMax:       5 * time.Second,
			DiscardGrace:   30 * time.Second,
			InFlightPolicy: "forward",
			BlockTimeout:   10 * time.Second,
		},
		Cache: CacheConfig{
			Name:           "default",
			RequestTimeout: 5 * time.Second,
			MaxRetries:     5,
			RetryInitial:   20 * time.Millisecond,
			RetryMax:       time.Second,
			ReaperInterval: time.Minute,
			LockStripes:    1024,
			TombstoneGrace: time.Minute,
		},
		Transactions: TransactionConfig{
			Isolation:      "REPEATABLE_READ",
			WriteSkewCheck: true,
		},
		Persistence: PersistenceConfig{
			Store:          StoreNone,
			QueueSize:      10000,
			FlushInterval:  time.Second,
			BatchThreshold: 256,
			BoltPath:       "/var/lib/pairgrid/store.db",
			PostgresTable:  "grid_entries",
			RedisAddr:      "localhost:6379",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Parse decodes a YAML document over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Dump renders the effective configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.RPCPort < 1 || c.Server.RPCPort > 65535 {
		return errors.New("server.rpc_port must be between 1 and 65535")
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return errors.New("server.http_port must be between 0 and 65535")
	}
	if c.Cluster.NumSegments < 1 {
		return errors.New("cluster.num_segments must be positive")
	}
	if c.Cluster.NumOwners < 1 {
		return errors.New("cluster.num_owners must be positive")
	}
	if c.Cluster.GossipPort < 1 || c.Cluster.GossipPort > 65535 {
		return errors.New("cluster.gossip_port must be between 1 and 65535")
	}
	if c.StateTransfer.ChunkSize < 1 {
		return errors.New("state_transfer.chunk_size must be positive")
	}
	if c.StateTransfer.Workers < 1 {
		return errors.New("state_transfer.workers must be positive")
	}
	if c.StateTransfer.ChunksPerSecond < 0 {
		return errors.New("state_transfer.chunks_per_second must not be negative")
	}
	switch c.StateTransfer.InFlightPolicy {
	case "forward", "block":
	default:
		return fmt.Errorf("state_transfer.in_flight_policy must be forward or block, got %q", c.StateTransfer.InFlightPolicy)
	}
	switch c.Transactions.Isolation {
	case "READ_COMMITTED", "REPEATABLE_READ":
	default:
		return fmt.Errorf("transactions.isolation must be READ_COMMITTED or REPEATABLE_READ, got %q", c.Transactions.Isolation)
	}

	switch c.Persistence.Store {
	case "", StoreNone, StoreMemory:
	case StoreBolt:
		if c.Persistence.BoltPath == "" {
			return errors.New("persistence.bolt_path is required for the bolt store")
		}
	case StorePostgres:
		if c.Persistence.PostgresDSN == "" {
			return errors.New("persistence.postgres_dsn is required for the postgres store")
		}
	case StoreRedis:
		if c.Persistence.RedisAddr == "" {
			return errors.New("persistence.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown persistence.store %q", c.Persistence.Store)
	}
	if c.Persistence.Shared && c.Persistence.Store == StoreMemory {
		return errors.New("persistence.shared requires an external store")
	}
	return nil
}
