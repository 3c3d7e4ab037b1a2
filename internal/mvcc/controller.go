package mvcc

import (
	"fmt"
	"time"

	"github.com/devrev/pairgrid/internal/container"
	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds MVCC configuration
type Config struct {
	Isolation      IsolationLevel
	WriteSkewCheck bool
}

// CommitListener observes the modifications of every local commit. It runs
// while the key locks are held, so per-key invocation order matches commit
// order.
type CommitListener func(mods []*model.Modification)

// Controller coordinates transactional access to a DataContainer
type Controller struct {
	config    *Config
	container *container.DataContainer
	metrics   *metrics.Metrics
	logger    *zap.Logger
	listener  CommitListener
}

// NewController creates a new MVCC controller
func NewController(cfg *Config, dc *container.DataContainer, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if cfg.Isolation == "" {
		cfg.Isolation = RepeatableRead
	}
	return &Controller{
		config:    cfg,
		container: dc,
		metrics:   m,
		logger:    logger,
	}
}

// SetCommitListener installs the listener; call before serving traffic
func (c *Controller) SetCommitListener(l CommitListener) {
	c.listener = l
}

// Begin starts a transaction with the configured isolation level
func (c *Controller) Begin() *TxContext {
	return c.BeginWithIsolation(c.config.Isolation)
}

// BeginWithIsolation starts a transaction with an explicit isolation level
func (c *Controller) BeginWithIsolation(isolation IsolationLevel) *TxContext {
	return &TxContext{
		id:        uuid.NewString(),
		isolation: isolation,
		views:     make(map[string]*View),
	}
}

// Read returns the entry visible to tx. A nil tx reads the latest committed
// entry. Repeatable-read pins the first observation; read-committed always
// reads the committed entry. Both see their own uncommitted writes.
func (c *Controller) Read(tx *TxContext, key string) (*model.CacheEntry, bool, error) {
	if tx == nil {
		e, ok := c.container.Get(key)
		return e, ok, nil
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := c.checkActive(tx); err != nil {
		return nil, false, err
	}

	if v, ok := tx.view(key); ok {
		if v.Changed {
			e := v.staged()
			return e, e != nil, nil
		}
		if tx.isolation == RepeatableRead {
			return v.Original, v.Original != nil, nil
		}
	}

	committed, ok := c.container.Get(key)
	if tx.isolation == RepeatableRead {
		tx.addView(newView(key, committed))
	}
	return committed, ok, nil
}

// Write stages a new value for key inside tx. Nothing is visible outside
// the transaction until commit.
func (c *Controller) Write(tx *TxContext, key string, value []byte, meta model.Metadata) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := c.checkActive(tx); err != nil {
		return err
	}
	v := c.copyForUpdate(tx, key)
	v.Value = append([]byte(nil), value...)
	v.Metadata = meta
	v.Removed = false
	v.Changed = true
	return nil
}

// Remove stages the removal of key inside tx
func (c *Controller) Remove(tx *TxContext, key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := c.checkActive(tx); err != nil {
		return err
	}
	v := c.copyForUpdate(tx, key)
	v.Value = nil
	v.Removed = true
	v.Changed = true
	return nil
}

func (c *Controller) copyForUpdate(tx *TxContext, key string) *View {
	if v, ok := tx.view(key); ok {
		return v
	}
	committed, _ := c.container.Peek(key)
	v := newView(key, committed)
	tx.addView(v)
	return v
}

// Prepare locks every key touched by tx and validates it. Under
// repeatable-read with write skew checking, every touched key must still be
// at the version first observed; otherwise the transaction is rolled back
// and a WriteSkewConflict naming the keys is returned. On success the locks
// stay held until Commit or Rollback.
func (c *Controller) Prepare(tx *TxContext) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return c.prepareLocked(tx)
}

func (c *Controller) prepareLocked(tx *TxContext) error {
	if tx.state == txPrepared {
		return nil
	}
	if err := c.checkActive(tx); err != nil {
		return err
	}

	unlock := c.container.LockKeys(tx.order)

	if tx.isolation == RepeatableRead && c.config.WriteSkewCheck {
		var conflicts []string
		for _, key := range tx.order {
			v := tx.views[key]
			var current uint64
			if e, ok := c.container.Peek(key); ok {
				current = e.Version()
			}
			if current != v.SeenVersion {
				conflicts = append(conflicts, key)
			}
		}
		if len(conflicts) > 0 {
			unlock()
			c.discard(tx)
			c.metrics.WriteSkewConflicts.Inc()
			c.logger.Debug("Write skew detected",
				zap.String("tx_id", tx.id),
				zap.Strings("keys", conflicts))
			return apperrors.WriteSkewConflict(conflicts)
		}
	}

	tx.unlock = unlock
	tx.state = txPrepared
	return nil
}

// Commit publishes the writes of tx atomically. An active transaction is
// prepared first.
func (c *Controller) Commit(tx *TxContext) (*CommitResult, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state == txActive {
		if err := c.prepareLocked(tx); err != nil {
			return nil, err
		}
	}
	if tx.state != txPrepared {
		return nil, apperrors.TransactionFinished(tx.id, tx.state.String())
	}

	now := c.container.Now()
	var puts []*model.CacheEntry
	var removals []string
	result := &CommitResult{}
	for _, key := range tx.order {
		v := tx.views[key]
		if !v.Changed {
			continue
		}
		var currentVersion uint64
		current, exists := c.container.Peek(key)
		if exists {
			currentVersion = current.Version()
		}
		version := c.container.NextVersion(currentVersion)

		if v.Removed {
			removals = append(removals, key)
			result.Entries = append(result.Entries, tombstone(key, version, now))
			continue
		}
		meta := v.Metadata
		meta.Version = version
		e := model.NewCacheEntry(key, v.Value, meta, now)
		puts = append(puts, e)
		result.Entries = append(result.Entries, e)
	}

	c.container.Publish(puts, removals)
	c.notify(result.Entries)

	tx.unlock()
	tx.unlock = nil
	tx.state = txCommitted
	c.metrics.TxCommitsTotal.WithLabelValues(string(tx.isolation)).Inc()
	return result, nil
}

// Rollback discards tx and releases its locks. Rolling back twice is a no-op.
func (c *Controller) Rollback(tx *TxContext) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.state {
	case txRolledBack:
		return nil
	case txCommitted:
		return apperrors.TransactionFinished(tx.id, tx.state.String())
	case txPrepared:
		tx.unlock()
		tx.unlock = nil
	}
	c.discard(tx)
	return nil
}

// Apply writes key outside any transaction, replacing the committed entry
// in place under the key lock.
func (c *Controller) Apply(key string, value []byte, meta model.Metadata) (*model.CacheEntry, error) {
	if key == "" {
		return nil, apperrors.InvalidArgument("key must not be empty", nil)
	}
	unlock := c.container.LockKeys([]string{key})
	defer unlock()

	var currentVersion uint64
	if e, ok := c.container.Peek(key); ok {
		currentVersion = e.Version()
	}
	meta.Version = c.container.NextVersion(currentVersion)
	e := model.NewCacheEntry(key, append([]byte(nil), value...), meta, c.container.Now())
	c.container.Publish([]*model.CacheEntry{e}, nil)
	c.notify([]*model.CacheEntry{e})
	return e, nil
}

// ApplyRemove removes key outside any transaction. It returns the removal
// tombstone and whether a live entry existed.
func (c *Controller) ApplyRemove(key string) (*model.CacheEntry, bool) {
	unlock := c.container.LockKeys([]string{key})
	defer unlock()

	var currentVersion uint64
	current, existed := c.container.Peek(key)
	if existed {
		currentVersion = current.Version()
	}
	t := tombstone(key, c.container.NextVersion(currentVersion), c.container.Now())
	c.container.Publish(nil, []string{key})
	c.notify([]*model.CacheEntry{t})
	return t, existed
}

// ApplyReplicated installs an entry written on the primary owner. Stale
// versions are ignored.
func (c *Controller) ApplyReplicated(e *model.CacheEntry) bool {
	if !c.container.PutIfNewer(e) {
		return false
	}
	c.notify([]*model.CacheEntry{e})
	return true
}

func (c *Controller) notify(entries []*model.CacheEntry) {
	if c.listener == nil || len(entries) == 0 {
		return
	}
	mods := make([]*model.Modification, 0, len(entries))
	for _, e := range entries {
		if e.IsTombstone() {
			mods = append(mods, model.RemoveModification(e.Key))
		} else {
			mods = append(mods, model.StoreModification(e))
		}
	}
	c.listener(mods)
}

func (c *Controller) discard(tx *TxContext) {
	tx.views = make(map[string]*View)
	tx.order = nil
	tx.state = txRolledBack
	c.metrics.TxRollbacksTotal.Inc()
}

func (c *Controller) checkActive(tx *TxContext) error {
	if tx.state != txActive {
		return apperrors.TransactionFinished(tx.id, tx.state.String())
	}
	return nil
}

func tombstone(key string, version uint64, now time.Time) *model.CacheEntry {
	return &model.CacheEntry{
		Key:      key,
		Metadata: model.Metadata{Version: version, Created: now, LastUsed: now},
		Flags:    model.FlagVersioned | model.FlagTombstone,
	}
}

// String renders the controller configuration for logs
func (c *Controller) String() string {
	return fmt.Sprintf("mvcc[isolation=%s write_skew_check=%t]", c.config.Isolation, c.config.WriteSkewCheck)
}
