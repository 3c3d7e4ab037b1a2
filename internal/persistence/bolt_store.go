package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/pairgrid/internal/model"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltStore persists entries in an embedded bbolt file, one bucket per cache
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	clock  func() time.Time
	logger *zap.Logger
}

// NewBoltStore opens or creates the bbolt file at path
func NewBoltStore(path, cacheName string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store %s: %w", path, err)
	}

	bucket := []byte("cache:" + cacheName)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	logger.Info("Bolt store opened",
		zap.String("path", path),
		zap.String("cache", cacheName))

	return &BoltStore{db: db, bucket: bucket, clock: time.Now, logger: logger}, nil
}

// Apply implements Store
func (s *BoltStore) Apply(ctx context.Context, mod *model.Modification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		switch mod.Type {
		case model.ModificationStore:
			b := tx.Bucket(s.bucket)
			if raw := b.Get([]byte(mod.Key)); raw != nil {
				var cur model.CacheEntry
				if err := json.Unmarshal(raw, &cur); err == nil && cur.Version() > mod.Entry.Version() {
					return nil
				}
			}
			data, err := json.Marshal(mod.Entry)
			if err != nil {
				return fmt.Errorf("failed to encode entry: %w", err)
			}
			return b.Put([]byte(mod.Key), data)

		case model.ModificationRemove:
			return tx.Bucket(s.bucket).Delete([]byte(mod.Key))

		case model.ModificationClear:
			if err := tx.DeleteBucket(s.bucket); err != nil {
				return err
			}
			_, err := tx.CreateBucket(s.bucket)
			return err

		case model.ModificationPurgeExpired:
			now := s.clock()
			c := tx.Bucket(s.bucket).Cursor()
			for k, v := c.First(); k != nil; {
				var e model.CacheEntry
				if err := json.Unmarshal(v, &e); err == nil && e.IsExpired(now) {
					deleted := append([]byte(nil), k...)
					if err := c.Delete(); err != nil {
						return err
					}
					k, v = c.Seek(deleted)
					continue
				}
				k, v = c.Next()
			}
			return nil
		}
		return fmt.Errorf("unknown modification type %q", mod.Type)
	})
}

// Load implements Store
func (s *BoltStore) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	var entry *model.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(s.bucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e model.CacheEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("failed to decode entry %s: %w", key, err)
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.IsExpired(s.clock()) {
		return nil, nil
	}
	return entry, nil
}

// Count returns the number of stored entries
func (s *BoltStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close implements Store
func (s *BoltStore) Close() error {
	return s.db.Close()
}
