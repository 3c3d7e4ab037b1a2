package cache

import (
	"context"
	"fmt"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
	"go.uber.org/zap"
)

// recordModifications appends committed changes to the modification log.
// It runs under the key locks of the commit, so per-key log order follows
// commit order.
func (c *Cache) recordModifications(mods []*model.Modification) {
	var write func(key string) bool
	if c.persist.Shared {
		t := c.dist.Topology()
		write = func(key string) bool {
			return t.Write.IsPrimary(c.self, t.Write.SegmentForKey(key))
		}
	}
	for _, mod := range mods {
		if write != nil && mod.IsKeyed() && !write(mod.Key) {
			continue
		}
		c.persist.Log.Append(mod)
	}
}

// awaitCapacity applies back-pressure from the modification log before a
// write is accepted
func (c *Cache) awaitCapacity(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	if err := c.persist.Log.AwaitCapacity(ctx); err != nil {
		return apperrors.Timeout("waiting for store capacity", err)
	}
	return nil
}

// load reads key through to the store after a container miss. Modifications
// not yet applied to the store take precedence over it. A loaded entry is
// put back into the container.
func (c *Cache) load(ctx context.Context, key string) (*model.CacheEntry, error) {
	if c.persist == nil {
		return nil, nil
	}
	if mod, ok := c.persist.Log.Lookup(key); ok {
		if mod.Type == model.ModificationStore && !mod.Entry.IsExpired(c.dc.Now()) {
			return mod.Entry, nil
		}
		return nil, nil
	}

	e, err := c.persist.Store.Load(ctx, key)
	if err != nil {
		return nil, apperrors.InternalError(fmt.Sprintf("failed to load %s from store", key), err)
	}
	if e == nil {
		return nil, nil
	}
	if c.dc.PutIfNewer(e) {
		c.logger.Debug("Loaded entry from store",
			zap.String("key", key),
			zap.Uint64("version", e.Version()))
	}
	return e, nil
}
