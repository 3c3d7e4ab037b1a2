package cache

import (
	"context"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/devrev/pairgrid/internal/mvcc"
	"go.uber.org/zap"
)

// Tx is a local transaction. It may only touch keys this node is the
// primary owner of; committed entries are replicated to the other owners.
type Tx struct {
	c   *Cache
	tx  *mvcc.TxContext
	gen int64
}

// Begin starts a transaction with the configured isolation level
func (c *Cache) Begin() *Tx {
	return &Tx{c: c, tx: c.mvcc.Begin(), gen: c.dist.Generation()}
}

// BeginWithIsolation starts a transaction with an explicit isolation level
func (c *Cache) BeginWithIsolation(isolation mvcc.IsolationLevel) *Tx {
	return &Tx{c: c, tx: c.mvcc.BeginWithIsolation(isolation), gen: c.dist.Generation()}
}

// ID returns the transaction id
func (tx *Tx) ID() string {
	return tx.tx.ID()
}

// Get reads key as seen by the transaction
func (tx *Tx) Get(key string) (*model.CacheEntry, error) {
	if err := tx.checkPrimary(key); err != nil {
		return nil, err
	}
	e, ok, err := tx.c.mvcc.Read(tx.tx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.KeyNotFound(key)
	}
	return e, nil
}

// Put stages a write of key
func (tx *Tx) Put(key string, value []byte, meta model.Metadata) error {
	if err := tx.checkPrimary(key); err != nil {
		return err
	}
	return tx.c.mvcc.Write(tx.tx, key, value, meta)
}

// Remove stages the removal of key
func (tx *Tx) Remove(key string) error {
	if err := tx.checkPrimary(key); err != nil {
		return err
	}
	return tx.c.mvcc.Remove(tx.tx, key)
}

// Prepare locks and validates the transaction. A WriteSkewConflict rolls it
// back.
func (tx *Tx) Prepare() error {
	return tx.c.mvcc.Prepare(tx.tx)
}

// Commit publishes the transaction and replicates its entries. The
// transaction is rolled back when this node lost ownership of one of its
// keys since it began.
func (tx *Tx) Commit(ctx context.Context) error {
	for _, key := range tx.tx.WrittenKeys() {
		if err := tx.checkPrimary(key); err != nil {
			_ = tx.c.mvcc.Rollback(tx.tx)
			return err
		}
	}
	if err := tx.c.awaitCapacity(ctx); err != nil {
		_ = tx.c.mvcc.Rollback(tx.tx)
		return err
	}

	result, err := tx.c.mvcc.Commit(tx.tx)
	if err != nil {
		return err
	}
	if err := tx.c.replicate(ctx, tx.gen, result.Entries); err != nil {
		tx.c.logger.Error("Committed transaction was not fully replicated",
			zap.String("tx_id", tx.ID()),
			zap.Int("entries", len(result.Entries)),
			zap.Error(err))
		return err
	}
	return nil
}

// Rollback discards the transaction
func (tx *Tx) Rollback() error {
	return tx.c.mvcc.Rollback(tx.tx)
}

func (tx *Tx) checkPrimary(key string) error {
	if key == "" {
		return apperrors.InvalidArgument("key must not be empty", nil)
	}
	return tx.c.dist.CheckWrite(key, tx.gen)
}
