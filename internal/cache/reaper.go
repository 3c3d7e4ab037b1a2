package cache

import (
	"context"
	"time"

	"github.com/devrev/pairgrid/internal/model"
	"go.uber.org/zap"
)

func (c *Cache) runReaper(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.PurgeExpired()
		}
	}
}

// PurgeExpired removes expired local entries and returns how many were
// removed. The store is asked to purge as well.
func (c *Cache) PurgeExpired() int {
	purged := c.dc.PurgeExpired()
	c.metrics.CacheEntries.Set(float64(c.dc.Size()))
	if len(purged) == 0 {
		return 0
	}

	c.metrics.ExpiredEntriesTotal.Add(float64(len(purged)))
	if c.persist != nil {
		c.persist.Log.Append(&model.Modification{Type: model.ModificationPurgeExpired})
	}
	c.logger.Debug("Purged expired entries", zap.Int("entries", len(purged)))
	return len(purged)
}
