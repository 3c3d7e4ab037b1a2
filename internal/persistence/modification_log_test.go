package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Apply(ctx context.Context, mod *model.Modification) error {
	args := m.Called(ctx, mod)
	return args.Error(0)
}

func (m *MockStore) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CacheEntry), args.Error(1)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

func newTestLog(synchronous bool, queueSize int) *ModificationLog {
	return NewModificationLog(&LogConfig{Synchronous: synchronous, QueueSize: queueSize}, metrics.NewNopMetrics(), zap.NewNop())
}

func store(key, value string, version uint64) *model.Modification {
	return model.StoreModification(&model.CacheEntry{
		Key:      key,
		Value:    []byte(value),
		Metadata: model.Metadata{Version: version},
		Flags:    model.FlagVersioned,
	})
}

func keysOf(mods []*model.Modification) []string {
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		if m.IsKeyed() {
			out = append(out, fmt.Sprintf("%s:%s", m.Type, m.Key))
		} else {
			out = append(out, string(m.Type))
		}
	}
	return out
}

func TestModificationLog_AsyncCoalescesSameKey(t *testing.T) {
	l := newTestLog(false, 100)

	l.Append(store("K", "v1", 1))
	l.Append(store("J", "j", 1))
	l.Append(store("K", "v2", 2))

	batch := l.Drain()
	require.Len(t, batch, 2)
	assert.Equal(t, "K", batch[0].Key)
	assert.Equal(t, []byte("v2"), batch[0].Entry.Value)
	assert.Equal(t, "J", batch[1].Key)
}

func TestModificationLog_SynchronousKeepsOrder(t *testing.T) {
	l := newTestLog(true, 100)

	l.Append(store("K", "v1", 1))
	l.Append(model.RemoveModification("K"))
	l.Append(store("K", "v2", 2))

	batch := l.Drain()
	assert.Equal(t, []string{"store:K", "remove:K", "store:K"}, keysOf(batch))
	for i := 1; i < len(batch); i++ {
		assert.Greater(t, batch[i].Seq, batch[i-1].Seq)
	}
}

func TestModificationLog_ClearSupersedesPending(t *testing.T) {
	l := newTestLog(false, 100)

	l.Append(store("a", "1", 1))
	l.Append(store("b", "1", 1))
	l.Append(&model.Modification{Type: model.ModificationClear})
	l.Append(store("a", "2", 2))
	l.Append(&model.Modification{Type: model.ModificationPurgeExpired})
	l.Append(&model.Modification{Type: model.ModificationPurgeExpired})

	assert.Equal(t, []string{"clear", "store:a", "purge_expired"}, keysOf(l.Drain()))
}

func TestModificationLog_DrainIsIdempotentUntilAck(t *testing.T) {
	l := newTestLog(false, 100)
	l.Append(store("a", "1", 1))
	l.Append(store("b", "1", 1))

	first := l.Drain()
	l.Append(store("c", "1", 1))
	replay := l.Drain()
	assert.Equal(t, keysOf(first), keysOf(replay), "unacknowledged batch is replayed unchanged")

	l.Ack(first[len(first)-1].Seq)
	next := l.Drain()
	assert.Equal(t, []string{"store:c"}, keysOf(next))
	l.Ack(next[0].Seq)
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Drain())
}

func TestModificationLog_Lookup(t *testing.T) {
	l := newTestLog(false, 100)
	l.Append(store("a", "1", 1))
	_ = l.Drain()
	l.Append(model.RemoveModification("a"))

	m, ok := l.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, model.ModificationRemove, m.Type)

	_, ok = l.Lookup("missing")
	assert.False(t, ok)

	l.Append(&model.Modification{Type: model.ModificationClear})
	m, ok = l.Lookup("missing")
	require.True(t, ok)
	assert.Equal(t, model.ModificationClear, m.Type)
}

func TestModificationLog_AwaitCapacity(t *testing.T) {
	l := newTestLog(true, 2)
	l.Append(store("a", "1", 1))
	l.Append(store("b", "1", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.AwaitCapacity(ctx))

	batch := l.Drain()
	released := make(chan error, 1)
	go func() {
		released <- l.AwaitCapacity(context.Background())
	}()
	l.Ack(batch[0].Seq)

	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitCapacity did not unblock after ack")
	}
}

func TestModificationLog_FlushKeepsFailedSuffix(t *testing.T) {
	l := newTestLog(true, 100)
	l.Append(store("a", "1", 1))
	l.Append(store("b", "1", 1))
	l.Append(store("c", "1", 1))

	ms := new(MockStore)
	ms.On("Apply", mock.Anything, mock.MatchedBy(func(m *model.Modification) bool { return m.Key == "a" })).Return(nil).Once()
	ms.On("Apply", mock.Anything, mock.MatchedBy(func(m *model.Modification) bool { return m.Key == "b" })).Return(errors.New("store down")).Once()

	n, err := l.Flush(context.Background(), ms)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, l.Len())

	mem := NewMemoryStore()
	n, err = l.Flush(context.Background(), mem)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, l.Len())
	ms.AssertExpectations(t)
}

func TestModificationLog_ReplayIsIdempotent(t *testing.T) {
	l := newTestLog(true, 100)
	l.Append(store("a", "1", 1))
	l.Append(store("a", "2", 2))
	l.Append(model.RemoveModification("b"))

	mem := NewMemoryStore()
	ctx := context.Background()

	// Apply without acknowledging, as if the adapter crashed
	for _, m := range l.Drain() {
		require.NoError(t, mem.Apply(ctx, m))
	}
	snapshot, err := mem.Load(ctx, "a")
	require.NoError(t, err)

	n, err := l.Flush(ctx, mem)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	again, err := mem.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, snapshot, again)
	assert.Equal(t, 1, mem.Len())
}

func TestBoltStore_ApplyAndLoad(t *testing.T) {
	ctx := context.Background()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "grid.db"), "test", zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Apply(ctx, store("k", "v2", 2)))
	require.NoError(t, s.Apply(ctx, store("k", "v1", 1)), "older version is ignored")
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v2"), got.Value)

	expired := store("old", "x", 1)
	expired.Entry.Metadata.Lifespan = time.Millisecond
	expired.Entry.Metadata.Created = time.Now().Add(-time.Hour)
	expired.Entry.Flags |= model.FlagExpirable
	require.NoError(t, s.Apply(ctx, expired))
	require.NoError(t, s.Apply(ctx, &model.Modification{Type: model.ModificationPurgeExpired}))
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Apply(ctx, model.RemoveModification("k")))
	require.NoError(t, s.Apply(ctx, model.RemoveModification("k")))
	got, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Apply(ctx, store("a", "1", 1)))
	require.NoError(t, s.Apply(ctx, &model.Modification{Type: model.ModificationClear}))
	n, err = s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFlusher_RetriesUntilApplied(t *testing.T) {
	l := newTestLog(false, 100)
	l.Append(store("a", "1", 1))

	ms := new(MockStore)
	ms.On("Apply", mock.Anything, mock.Anything).Return(errors.New("unavailable")).Twice()
	ms.On("Apply", mock.Anything, mock.Anything).Return(nil)

	f := NewFlusher(&FlusherConfig{
		Interval:     5 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}, l, ms, metrics.NewNopMetrics(), zap.NewNop())
	f.Start(context.Background())

	require.Eventually(t, func() bool { return l.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.Stop(context.Background()))
	ms.AssertNumberOfCalls(t, "Apply", 3)
}
