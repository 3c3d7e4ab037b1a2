package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairgrid/internal/container"
	"github.com/devrev/pairgrid/internal/distribution"
	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/devrev/pairgrid/internal/mvcc"
	"github.com/devrev/pairgrid/internal/notifier"
	"github.com/devrev/pairgrid/internal/persistence"
	"github.com/devrev/pairgrid/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds cache configuration
type Config struct {
	Name           string
	RequestTimeout time.Duration
	// MaxRetries bounds how often an operation is retried after a stale
	// topology or an unreachable owner
	MaxRetries     int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	ReaperInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 20 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Second
	}
}

// Persistence attaches an external store to the cache
type Persistence struct {
	Log     *persistence.ModificationLog
	Store   persistence.Store
	Flusher *persistence.Flusher
	// Shared is set when every node writes the same store; only primary
	// owners then record modifications
	Shared bool
}

// Cache is the client-facing API of one distributed cache on one node.
// Operations are routed by the distribution manager: reads run on any
// owner, writes run on the primary owner which replicates to the others.
type Cache struct {
	cfg       *Config
	self      model.Address
	transport transport.Transport
	dist      *distribution.Manager
	dc        *container.DataContainer
	mvcc      *mvcc.Controller
	notifier  *notifier.Notifier
	persist   *Persistence
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCache creates a cache. p may be nil when no store is configured.
func NewCache(
	cfg *Config,
	t transport.Transport,
	dist *distribution.Manager,
	dc *container.DataContainer,
	mv *mvcc.Controller,
	n *notifier.Notifier,
	p *Persistence,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Cache {
	cfg.setDefaults()
	c := &Cache{
		cfg:       cfg,
		self:      t.LocalAddress(),
		transport: t,
		dist:      dist,
		dc:        dc,
		mvcc:      mv,
		notifier:  n,
		persist:   p,
		metrics:   m,
		logger:    logger.With(zap.String("cache", cfg.Name)),
	}
	if p != nil {
		mv.SetCommitListener(c.recordModifications)
	}
	return c
}

// Name returns the cache name
func (c *Cache) Name() string {
	return c.cfg.Name
}

// Distribution returns the distribution manager of the cache
func (c *Cache) Distribution() *distribution.Manager {
	return c.dist
}

// Start installs the message handler, joins the cluster topology and
// launches the background flusher and expiration reaper
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.transport.RegisterHandler(c.Handle)
	if err := c.dist.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start distribution: %w", err)
	}
	if c.persist != nil && c.persist.Flusher != nil {
		c.persist.Flusher.Start(runCtx)
	}
	if c.cfg.ReaperInterval > 0 {
		c.wg.Add(1)
		go c.runReaper(runCtx)
	}

	c.publish(ctx, model.EventCacheStarted)
	c.logger.Info("Cache started",
		zap.String("node_id", string(c.self)),
		zap.Stringer("mvcc", c.mvcc),
		zap.Bool("persistent", c.persist != nil))
	return nil
}

// Stop announces the shutdown, stops rehashing and flushes what the store
// has not yet acknowledged
func (c *Cache) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.publish(ctx, model.EventCacheStopped)
	c.cancel()
	c.wg.Wait()

	var errs []error
	if err := c.dist.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop distribution: %w", err))
	}
	if c.persist != nil {
		if c.persist.Flusher != nil {
			if err := c.persist.Flusher.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to flush store: %w", err))
			}
		}
		if err := c.persist.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	c.logger.Info("Cache stopped", zap.Int("entries", c.dc.Size()))
	return errors.Join(errs...)
}

func (c *Cache) publish(ctx context.Context, t model.EventType) {
	event := &model.ClusterEvent{Type: t, CacheName: c.cfg.Name, Node: c.self}
	if err := c.notifier.Publish(ctx, event); err != nil {
		c.logger.Warn("Cache listener failed",
			zap.String("event", string(t)),
			zap.Error(err))
	}
}

// Get returns the live entry for key from one of its owners. It fails with
// KeyNotFound when the key is absent.
func (c *Cache) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	start := time.Now()
	e, err := c.get(ctx, key)
	c.record("get", start, err)
	return e, err
}

func (c *Cache) get(ctx context.Context, key string) (*model.CacheEntry, error) {
	if key == "" {
		return nil, apperrors.InvalidArgument("key must not be empty", nil)
	}

	var out *model.CacheEntry
	err := c.retry(ctx, "get", key, func(ctx context.Context) error {
		if err := c.dist.AwaitSegment(ctx, key); err != nil {
			return err
		}
		gen := c.dist.Generation()
		isLocal, owners, err := c.dist.Lookup(key)
		if err != nil {
			return err
		}
		if isLocal {
			out, err = c.readLocal(ctx, key, gen)
			return err
		}

		c.metrics.CacheForwardsTotal.WithLabelValues("get").Inc()
		resp, err := c.forwardRead(ctx, owners, &transport.Message{Type: transport.MsgGet, TopologyID: gen, Key: key})
		if err != nil {
			return err
		}
		out = resp.Entry
		return nil
	})
	return out, err
}

// readLocal serves a read from the local container, falling back to the
// store on a miss
func (c *Cache) readLocal(ctx context.Context, key string, gen int64) (*model.CacheEntry, error) {
	if err := c.dist.CheckRead(key, gen); err != nil {
		return nil, err
	}
	if e, ok, _ := c.mvcc.Read(nil, key); ok {
		return e, nil
	}
	e, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperrors.KeyNotFound(key)
	}
	return e, nil
}

// forwardRead asks the owners in order until one answers. An owner that
// reports a stale topology ends the attempt so routing is refreshed.
func (c *Cache) forwardRead(ctx context.Context, owners []model.Address, msg *transport.Message) (*transport.Response, error) {
	var errs []error
	for _, owner := range owners {
		resp, err := c.send(ctx, owner, msg)
		if err == nil {
			return resp, nil
		}
		code := apperrors.GetCode(err)
		if code != apperrors.ErrCodePeerUnreachable && code != apperrors.ErrCodeTimeout {
			return nil, err
		}
		c.logger.Debug("Owner did not answer read, trying next",
			zap.String("key", msg.Key),
			zap.String("owner", string(owner)),
			zap.Error(err))
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Put writes key on its primary owner and replicates it to the other
// owners. The stored entry is returned.
func (c *Cache) Put(ctx context.Context, key string, value []byte, meta model.Metadata) (*model.CacheEntry, error) {
	start := time.Now()
	e, err := c.put(ctx, key, value, meta)
	c.record("put", start, err)
	return e, err
}

func (c *Cache) put(ctx context.Context, key string, value []byte, meta model.Metadata) (*model.CacheEntry, error) {
	if key == "" {
		return nil, apperrors.InvalidArgument("key must not be empty", nil)
	}

	var out *model.CacheEntry
	err := c.retry(ctx, "put", key, func(ctx context.Context) error {
		primary, gen, err := c.writeRoute(ctx, key)
		if err != nil {
			return err
		}
		if primary == c.self {
			out, err = c.putLocal(ctx, key, value, meta, gen)
			return err
		}

		c.metrics.CacheForwardsTotal.WithLabelValues("put").Inc()
		resp, err := c.send(ctx, primary, &transport.Message{
			Type:       transport.MsgPut,
			TopologyID: gen,
			Key:        key,
			Value:      value,
			Metadata:   &meta,
		})
		if err != nil {
			return err
		}
		out = resp.Entry
		return nil
	})
	return out, err
}

func (c *Cache) putLocal(ctx context.Context, key string, value []byte, meta model.Metadata, gen int64) (*model.CacheEntry, error) {
	if err := c.dist.CheckWrite(key, gen); err != nil {
		return nil, err
	}
	if err := c.awaitCapacity(ctx); err != nil {
		return nil, err
	}
	e, err := c.mvcc.Apply(key, value, meta)
	if err != nil {
		return nil, err
	}
	if err := c.replicate(ctx, gen, []*model.CacheEntry{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// Remove deletes key on every owner and reports whether it existed
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	existed, err := c.remove(ctx, key)
	c.record("remove", start, err)
	return existed, err
}

func (c *Cache) remove(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, apperrors.InvalidArgument("key must not be empty", nil)
	}

	var existed bool
	err := c.retry(ctx, "remove", key, func(ctx context.Context) error {
		primary, gen, err := c.writeRoute(ctx, key)
		if err != nil {
			return err
		}
		if primary == c.self {
			existed, err = c.removeLocal(ctx, key, gen)
			return err
		}

		c.metrics.CacheForwardsTotal.WithLabelValues("remove").Inc()
		resp, err := c.send(ctx, primary, &transport.Message{Type: transport.MsgRemove, TopologyID: gen, Key: key})
		if err != nil {
			return err
		}
		existed = resp.Found
		return nil
	})
	return existed, err
}

func (c *Cache) removeLocal(ctx context.Context, key string, gen int64) (bool, error) {
	if err := c.dist.CheckWrite(key, gen); err != nil {
		return false, err
	}
	if err := c.awaitCapacity(ctx); err != nil {
		return false, err
	}
	tombstone, existed := c.mvcc.ApplyRemove(key)
	if err := c.replicate(ctx, gen, []*model.CacheEntry{tombstone}); err != nil {
		return false, err
	}
	return existed, nil
}

// writeRoute returns the primary write owner of key and the generation the
// route was computed with
func (c *Cache) writeRoute(ctx context.Context, key string) (model.Address, int64, error) {
	if err := c.dist.AwaitSegment(ctx, key); err != nil {
		return "", 0, err
	}
	gen := c.dist.Generation()
	owners, err := c.dist.WriteOwners(key)
	if err != nil {
		return "", 0, err
	}
	return owners[0], gen, nil
}

// replicate sends entries written on this node to the other write owners
// of their keys. A replica that routes the key differently rejects the
// batch with StaleTopology, which makes the caller retry the write.
func (c *Cache) replicate(ctx context.Context, gen int64, entries []*model.CacheEntry) error {
	batches := make(map[model.Address]*transport.Message)
	for _, e := range entries {
		owners, err := c.dist.WriteOwners(e.Key)
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if owner == c.self {
				continue
			}
			msg, ok := batches[owner]
			if !ok {
				msg = &transport.Message{
					Type:       transport.MsgReplicate,
					TopologyID: gen,
					Owners:     make(map[string][]model.Address),
				}
				batches[owner] = msg
			}
			msg.Entries = append(msg.Entries, e)
			msg.Owners[e.Key] = owners
		}
	}
	if len(batches) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for owner, msg := range batches {
		owner, msg := owner, msg
		g.Go(func() error {
			if _, err := c.send(gctx, owner, msg); err != nil {
				c.logger.Debug("Replication rejected",
					zap.String("owner", string(owner)),
					zap.Int("entries", len(msg.Entries)),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("replicate to %s: %w", owner, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Clear removes every entry of the cache on all members
func (c *Cache) Clear(ctx context.Context) error {
	c.clearLocal(true)
	if _, err := c.transport.Broadcast(ctx, &transport.Message{Type: transport.MsgClear, Cache: c.cfg.Name}); err != nil {
		return fmt.Errorf("failed to clear every member: %w", err)
	}
	return nil
}

// clearLocal empties the container. With a shared store only the node that
// started the clear records it.
func (c *Cache) clearLocal(origin bool) {
	removed := c.dc.Size()
	c.dc.Clear()
	if c.persist != nil && (origin || !c.persist.Shared) {
		c.persist.Log.Append(&model.Modification{Type: model.ModificationClear})
	}
	c.logger.Info("Cache cleared", zap.Int("entries", removed), zap.Bool("origin", origin))
}

// Size returns the number of entries held locally
func (c *Cache) Size() int {
	return c.dc.Size()
}

func (c *Cache) send(ctx context.Context, target model.Address, msg *transport.Message) (*transport.Response, error) {
	msg.Cache = c.cfg.Name
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.transport.Send(callCtx, target, msg)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// retry runs op until it succeeds, fails with a non-retryable error or the
// retry budget is spent
func (c *Cache) retry(ctx context.Context, operation, key string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(apperrors.Timeout(operation, ctx.Err()))
		}
		if !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("Retrying operation",
			zap.String("operation", operation),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx))
}

func (c *Cache) record(operation string, start time.Time, err error) {
	outcome := "success"
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeKeyNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = apperrors.GetCode(err).String()
	}
	c.metrics.RecordCacheOperation(operation, outcome, time.Since(start).Seconds())
}
