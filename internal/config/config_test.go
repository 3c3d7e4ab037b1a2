package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GRID_NODE_ID", "node-1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, 7800, cfg.Server.RPCPort)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 256, cfg.Cluster.NumSegments)
	assert.Equal(t, 2, cfg.Cluster.NumOwners)
	assert.Equal(t, "forward", cfg.StateTransfer.InFlightPolicy)
	assert.Equal(t, 30*time.Second, cfg.StateTransfer.DiscardGrace)
	assert.Equal(t, "REPEATABLE_READ", cfg.Transactions.Isolation)
	assert.True(t, cfg.Transactions.WriteSkewCheck)
	assert.Equal(t, StoreNone, cfg.Persistence.Store)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_MissingNodeID(t *testing.T) {
	t.Setenv("GRID_NODE_ID", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.node_id")
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  node_id: node-2
  rpc_port: 9800
cluster:
  num_owners: 3
  seeds: ["10.0.0.1:7946", "10.0.0.2:7946"]
state_transfer:
  pull_timeout: 3s
  in_flight_policy: block
persistence:
  store: bolt
  bolt_path: /tmp/grid.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-2", cfg.Server.NodeID)
	assert.Equal(t, 9800, cfg.Server.RPCPort)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 3, cfg.Cluster.NumOwners)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Cluster.Seeds)
	assert.Equal(t, 3*time.Second, cfg.StateTransfer.PullTimeout)
	assert.Equal(t, "block", cfg.StateTransfer.InFlightPolicy)
	assert.Equal(t, StoreBolt, cfg.Persistence.Store)
	assert.Equal(t, "/tmp/grid.db", cfg.Persistence.BoltPath)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("GRID_NODE_ID", "node-3")
	t.Setenv("GRID_SEEDS", "a:7946, b:7946,")
	t.Setenv("GRID_RPC_PORT", "9900")
	t.Setenv("GRID_DISCARD_GRACE", "5s")
	t.Setenv("GRID_STORE", "redis")
	t.Setenv("GRID_REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "node-3", cfg.Server.NodeID)
	assert.Equal(t, []string{"a:7946", "b:7946"}, cfg.Cluster.Seeds)
	assert.Equal(t, 9900, cfg.Server.RPCPort)
	assert.Equal(t, 5*time.Second, cfg.StateTransfer.DiscardGrace)
	assert.Equal(t, StoreRedis, cfg.Persistence.Store)
	assert.Equal(t, "redis:6379", cfg.Persistence.RedisAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  node_id: node-4
transactions:
  isolation: READ_COMMITTED
  write_skew_check: false
cache:
  reaper_interval: 15s
`))
	require.NoError(t, err)

	assert.Equal(t, "node-4", cfg.Server.NodeID)
	assert.Equal(t, "READ_COMMITTED", cfg.Transactions.Isolation)
	assert.False(t, cfg.Transactions.WriteSkewCheck)
	assert.Equal(t, 15*time.Second, cfg.Cache.ReaperInterval)
	assert.Equal(t, 256, cfg.Cluster.NumSegments)

	out, err := cfg.Dump()
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("server: [node_id"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(cfg *Config) {}},
		{
			name:    "rpc port out of range",
			mutate:  func(cfg *Config) { cfg.Server.RPCPort = 70000 },
			wantErr: "server.rpc_port",
		},
		{
			name:    "no segments",
			mutate:  func(cfg *Config) { cfg.Cluster.NumSegments = 0 },
			wantErr: "cluster.num_segments",
		},
		{
			name:    "no owners",
			mutate:  func(cfg *Config) { cfg.Cluster.NumOwners = 0 },
			wantErr: "cluster.num_owners",
		},
		{
			name:    "unknown in-flight policy",
			mutate:  func(cfg *Config) { cfg.StateTransfer.InFlightPolicy = "drop" },
			wantErr: "in_flight_policy",
		},
		{
			name:    "unknown isolation",
			mutate:  func(cfg *Config) { cfg.Transactions.Isolation = "SERIALIZABLE" },
			wantErr: "transactions.isolation",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(cfg *Config) { cfg.Persistence.Store = StorePostgres },
			wantErr: "postgres_dsn",
		},
		{
			name:    "unknown store",
			mutate:  func(cfg *Config) { cfg.Persistence.Store = "cassandra" },
			wantErr: "unknown persistence.store",
		},
		{
			name: "shared memory store",
			mutate: func(cfg *Config) {
				cfg.Persistence.Store = StoreMemory
				cfg.Persistence.Shared = true
			},
			wantErr: "persistence.shared",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.NodeID = "node-1"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
