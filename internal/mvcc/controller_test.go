package mvcc

import (
	"testing"
	"time"

	"github.com/devrev/pairgrid/internal/container"
	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestController(t *testing.T, isolation IsolationLevel, skewCheck bool) (*Controller, *container.DataContainer) {
	t.Helper()
	dc := container.NewDataContainer(&container.Config{NumSegments: 16}, zap.NewNop())
	ctrl := NewController(&Config{Isolation: isolation, WriteSkewCheck: skewCheck}, dc, metrics.NewNopMetrics(), zap.NewNop())
	return ctrl, dc
}

func mustApply(t *testing.T, c *Controller, key, value string) *model.CacheEntry {
	t.Helper()
	e, err := c.Apply(key, []byte(value), model.Metadata{})
	require.NoError(t, err)
	return e
}

func readValue(t *testing.T, c *Controller, tx *TxContext, key string) string {
	t.Helper()
	e, ok, err := c.Read(tx, key)
	require.NoError(t, err)
	if !ok {
		return ""
	}
	return string(e.Value)
}

func TestController_RepeatableReadPinsFirstObservation(t *testing.T) {
	c, _ := newTestController(t, RepeatableRead, true)
	mustApply(t, c, "k", "v1")

	tx := c.Begin()
	assert.Equal(t, "v1", readValue(t, c, tx, "k"))

	mustApply(t, c, "k", "v2")
	assert.Equal(t, "v1", readValue(t, c, tx, "k"))
	assert.Equal(t, "v2", readValue(t, c, nil, "k"))
	require.NoError(t, c.Rollback(tx))
}

func TestController_ReadCommittedSeesLatest(t *testing.T) {
	c, _ := newTestController(t, ReadCommitted, false)
	mustApply(t, c, "k", "v1")

	tx := c.Begin()
	assert.Equal(t, "v1", readValue(t, c, tx, "k"))
	mustApply(t, c, "k", "v2")
	assert.Equal(t, "v2", readValue(t, c, tx, "k"))
}

func TestController_ReadYourOwnWrites(t *testing.T) {
	c, _ := newTestController(t, RepeatableRead, true)
	mustApply(t, c, "a", "committed")

	tx := c.Begin()
	require.NoError(t, c.Write(tx, "a", []byte("mine"), model.Metadata{}))
	require.NoError(t, c.Remove(tx, "b"))

	assert.Equal(t, "mine", readValue(t, c, tx, "a"))
	_, ok, err := c.Read(tx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Not visible outside the transaction
	assert.Equal(t, "committed", readValue(t, c, nil, "a"))
	assert.ElementsMatch(t, []string{"a", "b"}, tx.WrittenKeys())
}

func TestController_WriteSkewDetected(t *testing.T) {
	c, _ := newTestController(t, RepeatableRead, true)
	mustApply(t, c, "K", "v0")

	t1 := c.Begin()
	t2 := c.Begin()
	assert.Equal(t, "v0", readValue(t, c, t1, "K"))
	assert.Equal(t, "v0", readValue(t, c, t2, "K"))

	require.NoError(t, c.Write(t1, "K", []byte("t1"), model.Metadata{}))
	_, err := c.Commit(t1)
	require.NoError(t, err)

	require.NoError(t, c.Write(t2, "K", []byte("t2"), model.Metadata{}))
	err = c.Prepare(t2)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeWriteSkewConflict))
	assert.Equal(t, []string{"K"}, apperrors.ConflictKeys(err))

	assert.Equal(t, "t1", readValue(t, c, nil, "K"))
	_, err = c.Commit(t2)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTransactionFinished))
}

func TestController_BlindWriteConflictsWithConcurrentCommit(t *testing.T) {
	c, _ := newTestController(t, RepeatableRead, true)

	tx := c.Begin()
	require.NoError(t, c.Write(tx, "x", []byte("from-tx"), model.Metadata{}))

	mustApply(t, c, "x", "concurrent")

	_, err := c.Commit(tx)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeWriteSkewConflict))
	assert.Equal(t, "concurrent", readValue(t, c, nil, "x"))
}

func TestController_NoSkewCheckCases(t *testing.T) {
	tests := []struct {
		name      string
		isolation IsolationLevel
		skewCheck bool
	}{
		{"read committed", ReadCommitted, true},
		{"repeatable read without check", RepeatableRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t, tt.isolation, tt.skewCheck)
			mustApply(t, c, "K", "v0")

			tx := c.Begin()
			_ = readValue(t, c, tx, "K")
			mustApply(t, c, "K", "other")
			require.NoError(t, c.Write(tx, "K", []byte("tx"), model.Metadata{}))

			_, err := c.Commit(tx)
			require.NoError(t, err)
			assert.Equal(t, "tx", readValue(t, c, nil, "K"))
		})
	}
}

func TestController_CommitBumpsVersionsAndNotifies(t *testing.T) {
	c, _ := newTestController(t, RepeatableRead, true)
	before := mustApply(t, c, "a", "1")

	var seen [][]*model.Modification
	c.SetCommitListener(func(mods []*model.Modification) {
		seen = append(seen, mods)
	})

	tx := c.Begin()
	require.NoError(t, c.Write(tx, "a", []byte("2"), model.Metadata{Lifespan: time.Hour}))
	require.NoError(t, c.Write(tx, "b", []byte("3"), model.Metadata{}))
	require.NoError(t, c.Remove(tx, "gone"))

	res, err := c.Commit(tx)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Greater(t, res.Entries[0].Version(), before.Version())
	assert.True(t, res.Entries[0].Flags.Has(model.FlagExpirable))
	assert.True(t, res.Entries[2].IsTombstone())

	require.Len(t, seen, 1)
	require.Len(t, seen[0], 3)
	assert.Equal(t, model.ModificationStore, seen[0][0].Type)
	assert.Equal(t, "b", seen[0][1].Key)
	assert.Equal(t, model.ModificationRemove, seen[0][2].Type)
}

func TestController_RollbackReleasesLocks(t *testing.T) {
	c, _ := newTestController(t, RepeatableRead, true)

	tx := c.Begin()
	require.NoError(t, c.Write(tx, "locked", []byte("x"), model.Metadata{}))
	require.NoError(t, c.Prepare(tx))
	require.NoError(t, c.Rollback(tx))
	require.NoError(t, c.Rollback(tx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Apply("locked", []byte("after"), model.Metadata{})
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("apply blocked after rollback")
	}

	_, ok, err := c.Read(nil, "locked")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestController_ApplyRemoveAndReplicated(t *testing.T) {
	c, dc := newTestController(t, RepeatableRead, true)
	e := mustApply(t, c, "k", "v")

	tomb, existed := c.ApplyRemove("k")
	assert.True(t, existed)
	assert.True(t, tomb.IsTombstone())
	assert.Greater(t, tomb.Version(), e.Version())

	stale := e.Clone()
	assert.True(t, c.ApplyReplicated(stale), "absent key accepts any version")
	assert.False(t, c.ApplyReplicated(e.Clone()), "same version is ignored")

	newer := e.Clone()
	newer.Metadata.Version = tomb.Version() + 10
	newer.Value = []byte("newer")
	assert.True(t, c.ApplyReplicated(newer))
	got, ok := dc.Peek("k")
	require.True(t, ok)
	assert.Equal(t, "newer", string(got.Value))
}

func TestController_ReplicatedRemovalRejectsOlderPut(t *testing.T) {
	c, dc := newTestController(t, RepeatableRead, true)

	var seen []*model.Modification
	c.SetCommitListener(func(mods []*model.Modification) {
		seen = append(seen, mods...)
	})

	put := model.NewCacheEntry("k", []byte("old"), model.Metadata{Version: 4}, dc.Now())
	tomb := tombstone("k", 5, dc.Now())

	// the removal overtakes the put it supersedes
	assert.True(t, c.ApplyReplicated(tomb))
	assert.False(t, c.ApplyReplicated(put))

	_, ok := dc.Peek("k")
	assert.False(t, ok, "removed key must stay removed")
	require.Len(t, seen, 1)
	assert.Equal(t, model.ModificationRemove, seen[0].Type)

	newer := model.NewCacheEntry("k", []byte("new"), model.Metadata{Version: 6}, dc.Now())
	assert.True(t, c.ApplyReplicated(newer))
	got, ok := dc.Peek("k")
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Value))
}
