package distribution

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, workers int) *TransferPool {
	t.Helper()
	p := NewTransferPool(&PoolConfig{Name: "test", MaxWorkers: workers, QueueSize: 4}, metrics.NewNopMetrics(), zap.NewNop())
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

func submitPull(t *testing.T, p *TransferPool, source model.Address, segments []int, run func(context.Context) pullResult) <-chan pullResult {
	t.Helper()
	out := make(chan pullResult, 1)
	task := &pullTask{
		id:       "pull/" + string(source),
		source:   source,
		segments: segments,
		ctx:      context.Background(),
		run:      run,
		done:     func(res pullResult) { out <- res },
	}
	require.NoError(t, p.Submit(context.Background(), task))
	return out
}

func awaitPull(t *testing.T, out <-chan pullResult) pullResult {
	t.Helper()
	select {
	case res := <-out:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("pull never reported a result")
		return pullResult{}
	}
}

func TestTransferPool_ReportsOutcomes(t *testing.T) {
	p := newTestPool(t, 2)

	ok := submitPull(t, p, "A", []int{1, 2}, func(ctx context.Context) pullResult {
		return pullResult{source: "A", completed: []int{1, 2}}
	})
	res := awaitPull(t, ok)
	assert.NoError(t, res.err)
	assert.Equal(t, []int{1, 2}, res.completed)

	failed := submitPull(t, p, "B", []int{3}, func(ctx context.Context) pullResult {
		return pullResult{source: "B", remaining: []int{3}, err: apperrors.PeerUnreachable("B", nil)}
	})
	res = awaitPull(t, failed)
	assert.Error(t, res.err)

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.PullsOK == 1 && s.PullsFailed == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, p.Stats().ActiveWorkers)
}

func TestTransferPool_PanickingPullStillReports(t *testing.T) {
	p := newTestPool(t, 1)

	out := submitPull(t, p, "A", []int{4, 7}, func(ctx context.Context) pullResult {
		panic("corrupt chunk")
	})
	res := awaitPull(t, out)
	require.Error(t, res.err)
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.GetCode(res.err))
	assert.Equal(t, model.Address("A"), res.source)
	assert.Equal(t, []int{4, 7}, res.remaining)

	// the worker survives the panic
	res = awaitPull(t, submitPull(t, p, "B", []int{1}, func(ctx context.Context) pullResult {
		return pullResult{source: "B", completed: []int{1}}
	}))
	assert.NoError(t, res.err)
}

func TestTransferPool_SubmitAfterStop(t *testing.T) {
	p := newTestPool(t, 1)
	require.NoError(t, p.Stop(time.Second))

	err := p.Submit(context.Background(), &pullTask{id: "late", done: func(pullResult) {}})
	assert.Equal(t, apperrors.ErrCodeShutdown, apperrors.GetCode(err))
}
