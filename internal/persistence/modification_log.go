package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"go.uber.org/zap"
)

// LogConfig holds modification log configuration
type LogConfig struct {
	// Synchronous keeps every modification in append order. Otherwise a
	// pending modification is replaced by a newer one for the same key.
	Synchronous bool
	// QueueSize bounds pending plus in-flight modifications for admission
	QueueSize int
}

// ModificationLog buffers modifications for an external store.
//
// Drain hands out a batch that stays in flight until Ack. A batch that is
// drained again before being acknowledged is returned unchanged, so a store
// adapter that crashes between applying and acknowledging replays the same
// modifications. Adapters apply modifications idempotently.
type ModificationLog struct {
	config  *LogConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	seq        uint64
	pending    []*model.Modification
	pendingIdx map[string]int
	inflight   []*model.Modification
	space      chan struct{}
	appended   chan struct{}
}

// NewModificationLog creates a new modification log
func NewModificationLog(cfg *LogConfig, m *metrics.Metrics, logger *zap.Logger) *ModificationLog {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &ModificationLog{
		config:     cfg,
		metrics:    m,
		logger:     logger,
		pendingIdx: make(map[string]int),
		space:      make(chan struct{}),
		appended:   make(chan struct{}, 1),
	}
}

// Append records mod. It never blocks and never drops; callers that want
// back-pressure call AwaitCapacity before performing the write.
func (l *ModificationLog) Append(mod *model.Modification) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	mod.Seq = l.seq
	l.metrics.ModificationsAppended.WithLabelValues(string(mod.Type)).Inc()

	if l.config.Synchronous {
		l.pending = append(l.pending, mod)
	} else {
		l.coalesce(mod)
	}
	l.metrics.ModificationLogDepth.Set(float64(len(l.pending) + len(l.inflight)))

	select {
	case l.appended <- struct{}{}:
	default:
	}
}

func (l *ModificationLog) coalesce(mod *model.Modification) {
	switch mod.Type {
	case model.ModificationClear:
		// A clear supersedes every pending write
		if len(l.pending) > 0 {
			l.metrics.ModificationsCoalesced.Add(float64(len(l.pending)))
		}
		l.pending = []*model.Modification{mod}
		l.pendingIdx = make(map[string]int)
	case model.ModificationPurgeExpired:
		if n := len(l.pending); n > 0 && l.pending[n-1].Type == model.ModificationPurgeExpired {
			l.pending[n-1] = mod
			l.metrics.ModificationsCoalesced.Inc()
			return
		}
		l.pending = append(l.pending, mod)
	default:
		if i, ok := l.pendingIdx[mod.Key]; ok {
			l.pending[i] = mod
			l.metrics.ModificationsCoalesced.Inc()
			return
		}
		l.pendingIdx[mod.Key] = len(l.pending)
		l.pending = append(l.pending, mod)
	}
}

// AwaitCapacity blocks until the log holds fewer than QueueSize
// modifications or ctx is done
func (l *ModificationLog) AwaitCapacity(ctx context.Context) error {
	for {
		l.mu.Lock()
		if len(l.pending)+len(l.inflight) < l.config.QueueSize {
			l.mu.Unlock()
			return nil
		}
		space := l.space
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("modification log full (%d): %w", l.config.QueueSize, ctx.Err())
		case <-space:
		}
	}
}

// Drain returns the batch to apply next. An unacknowledged batch is
// returned again; otherwise all pending modifications move in flight.
func (l *ModificationLog) Drain() []*model.Modification {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.inflight) == 0 && len(l.pending) > 0 {
		l.inflight = l.pending
		l.pending = nil
		l.pendingIdx = make(map[string]int)
	}
	return append([]*model.Modification(nil), l.inflight...)
}

// Ack confirms that every in-flight modification up to seq was applied
func (l *ModificationLog) Ack(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.inflight[:0:0]
	for _, m := range l.inflight {
		if m.Seq > seq {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(l.inflight) {
		return
	}
	if len(kept) == 0 {
		kept = nil
	}
	l.inflight = kept
	l.metrics.ModificationLogDepth.Set(float64(len(l.pending) + len(l.inflight)))

	close(l.space)
	l.space = make(chan struct{})
}

// Lookup returns the newest unapplied modification affecting key. A CLEAR
// is returned when it is the newest one. Used to serve reads that miss the
// container while writes are still queued for the store.
func (l *ModificationLog) Lookup(key string) (*model.Modification, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, batch := range [][]*model.Modification{l.pending, l.inflight} {
		for i := len(batch) - 1; i >= 0; i-- {
			m := batch[i]
			if m.Type == model.ModificationClear || (m.IsKeyed() && m.Key == key) {
				return m, true
			}
		}
	}
	return nil, false
}

// Len returns the number of pending and in-flight modifications
func (l *ModificationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) + len(l.inflight)
}

// Appended signals after appends; the flusher waits on it
func (l *ModificationLog) Appended() <-chan struct{} {
	return l.appended
}

// Flush drains the log into store and acknowledges what was applied. On
// failure the batch stays in flight and is replayed by the next Flush.
func (l *ModificationLog) Flush(ctx context.Context, store Store) (int, error) {
	batch := l.Drain()
	if len(batch) == 0 {
		return 0, nil
	}
	for i, mod := range batch {
		if err := store.Apply(ctx, mod); err != nil {
			if i > 0 {
				l.Ack(batch[i-1].Seq)
			}
			return i, fmt.Errorf("failed to apply %s modification %d: %w", mod.Type, mod.Seq, err)
		}
	}
	l.Ack(batch[len(batch)-1].Seq)
	return len(batch), nil
}
