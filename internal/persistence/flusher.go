package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairgrid/internal/metrics"
	"go.uber.org/zap"
)

// FlusherConfig holds write-behind configuration
type FlusherConfig struct {
	Interval       time.Duration
	BatchThreshold int
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

// Flusher applies the modification log to a store in the background. One
// batch is in flight at a time; a failed batch is retried with exponential
// backoff and stays in the log until it is applied.
type Flusher struct {
	config  *FlusherConfig
	log     *ModificationLog
	store   Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFlusher creates a new flusher
func NewFlusher(cfg *FlusherConfig, log *ModificationLog, store Store, m *metrics.Metrics, logger *zap.Logger) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = 128
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 50 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	return &Flusher{config: cfg, log: log, store: store, metrics: m, logger: logger}
}

// Start launches the background loop
func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.run(ctx)

	f.logger.Info("Store flusher started",
		zap.Duration("interval", f.config.Interval),
		zap.Int("batch_threshold", f.config.BatchThreshold))
}

// Stop ends the loop and makes a final flush attempt bounded by ctx
func (f *Flusher) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	_, err := f.FlushNow(ctx)
	if err != nil {
		f.logger.Warn("Final flush failed, modifications remain queued",
			zap.Int("remaining", f.log.Len()),
			zap.Error(err))
	}
	return err
}

func (f *Flusher) run(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.log.Appended():
			if f.log.Len() < f.config.BatchThreshold {
				continue
			}
		}
		f.flushWithRetry(ctx)
	}
}

func (f *Flusher) flushWithRetry(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.config.RetryInitial
	b.MaxInterval = f.config.RetryMax
	b.MaxElapsedTime = 0

	op := func() error {
		_, err := f.FlushNow(ctx)
		if err != nil {
			f.logger.Warn("Store flush failed, retrying",
				zap.Int("queued", f.log.Len()),
				zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil && ctx.Err() == nil {
		f.logger.Error("Store flush abandoned", zap.Error(err))
	}
}

// FlushNow applies one batch synchronously
func (f *Flusher) FlushNow(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := f.log.Flush(ctx, f.store)
	if n == 0 && err == nil {
		return 0, nil
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	f.metrics.RecordFlush(outcome, time.Since(start).Seconds())
	f.logger.Debug("Flushed modifications",
		zap.Int("applied", n),
		zap.Duration("duration", time.Since(start)))
	return n, err
}
