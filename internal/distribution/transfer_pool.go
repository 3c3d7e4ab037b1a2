package distribution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"go.uber.org/zap"
)

// pullTask pulls a set of segments from one source
type pullTask struct {
	id       string
	source   model.Address
	segments []int
	ctx      context.Context
	run      func(ctx context.Context) pullResult
	// done receives the outcome exactly once, also when run panics or the
	// pool stops before the task started
	done func(pullResult)
}

func (t *pullTask) failed(err error) pullResult {
	return pullResult{source: t.source, remaining: append([]int(nil), t.segments...), err: err}
}

// TransferPool runs state transfer pulls on a bounded set of goroutines,
// separate from the goroutines serving requests
type TransferPool struct {
	name    string
	workers int
	queue   chan *pullTask
	metrics *metrics.Metrics
	logger  *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	active      atomic.Int32
	pullsOK     atomic.Uint64
	pullsFailed atomic.Uint64
}

// PoolConfig holds transfer pool configuration
type PoolConfig struct {
	Name       string
	MaxWorkers int
	QueueSize  int
}

// NewTransferPool creates and starts a transfer pool
func NewTransferPool(cfg *PoolConfig, m *metrics.Metrics, logger *zap.Logger) *TransferPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	p := &TransferPool{
		name:    cfg.Name,
		workers: cfg.MaxWorkers,
		queue:   make(chan *pullTask, cfg.QueueSize),
		metrics: m,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Transfer pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *TransferPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case t := <-p.queue:
			p.metrics.TransferPoolQueued.Set(float64(len(p.queue)))
			p.execute(id, t)
		}
	}
}

func (p *TransferPool) execute(workerID int, t *pullTask) {
	p.metrics.TransferPoolActive.Set(float64(p.active.Add(1)))
	start := time.Now()
	res := p.runPull(t)
	p.metrics.TransferPoolActive.Set(float64(p.active.Add(-1)))

	if res.err != nil {
		p.pullsFailed.Add(1)
		p.metrics.TransferTasksCompleted.WithLabelValues("failed").Inc()
		p.logger.Warn("State pull failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", t.id),
			zap.String("source", string(t.source)),
			zap.Ints("remaining", res.remaining),
			zap.Duration("duration", time.Since(start)),
			zap.Error(res.err))
	} else {
		p.pullsOK.Add(1)
		p.metrics.TransferTasksCompleted.WithLabelValues("ok").Inc()
		p.logger.Debug("State pull completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", t.id),
			zap.String("source", string(t.source)),
			zap.Int("segments", len(res.completed)),
			zap.Duration("duration", time.Since(start)))
	}
	t.done(res)
}

// runPull runs t and turns a panic into a failed pull of all its segments
func (p *TransferPool) runPull(t *pullTask) (res pullResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("State pull panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", t.id),
				zap.Any("panic", r))
			res = t.failed(apperrors.InternalError(fmt.Sprintf("pull from %s panicked: %v", t.source, r), nil))
		}
	}()

	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return t.run(ctx)
}

// Submit queues t, blocking until a slot frees up, ctx is done or the pool
// stops. On error t was not queued and its done func is not called.
func (p *TransferPool) Submit(ctx context.Context, t *pullTask) error {
	select {
	case <-p.stopped:
		return apperrors.Shutdown(p.name)
	default:
	}
	select {
	case <-p.stopped:
		return apperrors.Shutdown(p.name)
	case <-ctx.Done():
		return ctx.Err()
	case p.queue <- t:
		p.metrics.TransferPoolQueued.Set(float64(len(p.queue)))
		return nil
	}
}

// Stop stops the workers and waits for running pulls up to timeout. Pulls
// still queued fail with a shutdown error.
func (p *TransferPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping transfer pool", zap.String("name", p.name))
		close(p.stopped)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("transfer pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Transfer pool stop timeout", zap.String("name", p.name))
			return
		}

		for {
			select {
			case t := <-p.queue:
				t.done(t.failed(apperrors.Shutdown(p.name)))
			default:
				p.metrics.TransferPoolQueued.Set(0)
				return
			}
		}
	})
	return err
}

// Stats returns the current load and pull outcomes of the pool
func (p *TransferPool) Stats() model.TransferPoolStats {
	return model.TransferPoolStats{
		ActiveWorkers: int(p.active.Load()),
		QueuedPulls:   len(p.queue),
		PullsOK:       p.pullsOK.Load(),
		PullsFailed:   p.pullsFailed.Load(),
	}
}
