package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables. The file is
// optional; without it the defaults and the environment apply.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment variables take precedence over the file
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if nodeID := os.Getenv("GRID_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("GRID_BIND_ADDR"); host != "" {
		cfg.Server.Host = host
	}
	if host := os.Getenv("GRID_ADVERTISE_ADDR"); host != "" {
		cfg.Server.AdvertiseHost = host
	}
	envInt("GRID_RPC_PORT", &cfg.Server.RPCPort)
	envInt("GRID_HTTP_PORT", &cfg.Server.HTTPPort)

	// Cluster configuration
	if seeds := os.Getenv("GRID_SEEDS"); seeds != "" {
		cfg.Cluster.Seeds = splitList(seeds)
	}
	envInt("GRID_GOSSIP_PORT", &cfg.Cluster.GossipPort)
	envInt("GRID_NUM_OWNERS", &cfg.Cluster.NumOwners)
	envInt("GRID_NUM_SEGMENTS", &cfg.Cluster.NumSegments)

	// State transfer configuration
	if policy := os.Getenv("GRID_IN_FLIGHT_POLICY"); policy != "" {
		cfg.StateTransfer.InFlightPolicy = policy
	}
	envDuration("GRID_DISCARD_GRACE", &cfg.StateTransfer.DiscardGrace)

	// Persistence configuration
	if store := os.Getenv("GRID_STORE"); store != "" {
		cfg.Persistence.Store = store
	}
	if dsn := os.Getenv("GRID_POSTGRES_DSN"); dsn != "" {
		cfg.Persistence.PostgresDSN = dsn
	}
	if addr := os.Getenv("GRID_REDIS_ADDR"); addr != "" {
		cfg.Persistence.RedisAddr = addr
	}
	if password := os.Getenv("GRID_REDIS_PASSWORD"); password != "" {
		cfg.Persistence.RedisPassword = password
	}
	if path := os.Getenv("GRID_BOLT_PATH"); path != "" {
		cfg.Persistence.BoltPath = path
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if raw := os.Getenv(name); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			*dst = d
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
