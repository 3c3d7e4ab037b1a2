package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/pairgrid/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore persists each entry as a hash holding its version and JSON
// encoding under a per-cache key prefix. Stores only replace an equal or
// older version. Expiration is delegated to Redis TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// RedisConfig holds the redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// NodeID scopes the keys of a private store to one node. Empty for a
	// store shared by the cluster.
	NodeID string
}

// storeIfNewer sets the entry unless the stored version is higher.
// KEYS[1] key, ARGV[1] version, ARGV[2] entry, ARGV[3] ttl in ms (0 keeps
// the key persistent).
var storeIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'entry', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg *RedisConfig, cacheName string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis store connected",
		zap.String("addr", cfg.Addr),
		zap.String("cache", cacheName),
		zap.Bool("shared", cfg.NodeID == ""))
	return newRedisStore(client, cacheName, cfg.NodeID, logger), nil
}

func newRedisStore(client redis.UniversalClient, cacheName, nodeID string, logger *zap.Logger) *RedisStore {
	prefix := "pairgrid:" + cacheName + ":"
	if nodeID != "" {
		prefix = "pairgrid:node:" + nodeID + ":" + cacheName + ":"
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Apply implements Store
func (s *RedisStore) Apply(ctx context.Context, mod *model.Modification) error {
	switch mod.Type {
	case model.ModificationStore:
		data, err := json.Marshal(mod.Entry)
		if err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
		var ttl time.Duration
		if at := mod.Entry.ExpiresAt(); !at.IsZero() {
			ttl = time.Until(at)
			if ttl <= 0 {
				return s.client.Del(ctx, s.key(mod.Key)).Err()
			}
		}
		// a TTL under a millisecond would persist the key
		ms := max(ttl.Milliseconds(), 0)
		if ttl > 0 && ms == 0 {
			ms = 1
		}
		stored, err := storeIfNewer.Run(ctx, s.client, []string{s.key(mod.Key)},
			strconv.FormatUint(mod.Entry.Version(), 10), data, ms).Int()
		if err != nil {
			return fmt.Errorf("failed to store key %q: %w", mod.Key, err)
		}
		if stored == 0 {
			s.logger.Debug("Skipped stale store",
				zap.String("key", mod.Key),
				zap.Uint64("version", mod.Entry.Version()))
		}
		return nil

	case model.ModificationRemove:
		return s.client.Del(ctx, s.key(mod.Key)).Err()

	case model.ModificationClear:
		iter := s.client.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 500 {
				if err := s.client.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(batch) > 0 {
			return s.client.Del(ctx, batch...).Err()
		}
		return nil

	case model.ModificationPurgeExpired:
		return nil
	}
	return fmt.Errorf("unknown modification type %q", mod.Type)
}

// Load implements Store
func (s *RedisStore) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	data, err := s.client.HGet(ctx, s.key(key), "entry").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key %q: %w", key, err)
	}
	var e model.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry %q: %w", key, err)
	}
	return &e, nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}
