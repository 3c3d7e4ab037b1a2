package distribution

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairgrid/internal/algorithm"
	"github.com/devrev/pairgrid/internal/container"
	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/devrev/pairgrid/internal/notifier"
	"github.com/devrev/pairgrid/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// InFlightPolicy decides what happens to operations on segments that are
// changing owners
type InFlightPolicy string

const (
	// PolicyForward keeps routing by the committed topology, so requests reach
	// the previous owners until the rehash commits
	PolicyForward InFlightPolicy = "forward"
	// PolicyBlock holds requests until the rehash commits, bounded by
	// BlockTimeout
	PolicyBlock InFlightPolicy = "block"
)

// Config holds distribution configuration
type Config struct {
	CacheName       string
	NumSegments     int
	NumOwners       int
	ChunkSize       int
	PullTimeout     time.Duration
	MaxPullAttempts int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	Workers         int
	QueueSize       int
	// ChunksPerSecond limits inbound state chunks; zero means unlimited
	ChunksPerSecond float64
	DiscardGrace    time.Duration
	InFlightPolicy  InFlightPolicy
	BlockTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.NumSegments <= 0 {
		c.NumSegments = 256
	}
	if c.NumOwners <= 0 {
		c.NumOwners = 2
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 512
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 5 * time.Second
	}
	if c.MaxPullAttempts <= 0 {
		c.MaxPullAttempts = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 50 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	if c.InFlightPolicy == "" {
		c.InFlightPolicy = PolicyForward
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 10 * time.Second
	}
}

// Topology is an immutable snapshot of the distribution state. A new
// snapshot replaces the old one as a whole.
type Topology struct {
	RehashID string
	View     *model.ClusterView
	// Current routes reads and is the committed hash
	Current *algorithm.ConsistentHash
	// Pending is the hash being transferred to, nil when no rehash runs
	Pending     *algorithm.ConsistentHash
	PendingView *model.ClusterView
	// Write routes writes: the union of Current and Pending during a rehash
	Write    *algorithm.ConsistentHash
	State    model.DistributionState
	moving   map[int]struct{}
	degraded map[int]struct{}
}

// IsMoving reports whether segment changes owners in the running rehash
func (t *Topology) IsMoving(segment int) bool {
	_, ok := t.moving[segment]
	return ok
}

// IsDegraded reports whether segment lost data on this node in a rehash
func (t *Topology) IsDegraded(segment int) bool {
	_, ok := t.degraded[segment]
	return ok
}

// DegradedSegments returns the degraded segments in ascending order
func (t *Topology) DegradedSegments() []int {
	return sortedSet(t.degraded)
}

// Manager owns the topology of one cache on one node and drives rehashing
// when the cluster view changes
type Manager struct {
	cfg       *Config
	self      model.Address
	transport transport.Transport
	dc        *container.DataContainer
	notifier  *notifier.Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
	limiter   *rate.Limiter
	pool      *TransferPool

	topo atomic.Pointer[Topology]

	changeMu sync.Mutex
	changeCh chan struct{}

	mu         sync.Mutex
	runCtx     context.Context
	stopRun    context.CancelFunc
	gen        uint64
	lastViewID int64
	cancel     context.CancelFunc
	current    *rehash
	joined     bool
	latest     *algorithm.ConsistentHash
	latestBase *algorithm.ConsistentHash
	partial    map[int]struct{}
	timers     []*time.Timer
	started    bool
	stopped    bool
	wg         sync.WaitGroup
}

type rehash struct {
	id      string
	gen     uint64
	view    *model.ClusterView
	prev    chan struct{}
	done    chan struct{}
	started time.Time

	segmentsTotal atomic.Int64
	segmentsDone  atomic.Int64
	entries       atomic.Int64
	status        atomic.Value
}

// NewManager creates a manager whose initial topology is a single-member
// hash owned by self
func NewManager(cfg *Config, t transport.Transport, dc *container.DataContainer, n *notifier.Notifier, m *metrics.Metrics, logger *zap.Logger) *Manager {
	cfg.setDefaults()
	self := t.LocalAddress()
	view := &model.ClusterView{Members: []model.Address{self}}
	initial := algorithm.NewConsistentHash(cfg.NumSegments, cfg.NumOwners, view)

	limit := rate.Inf
	if cfg.ChunksPerSecond > 0 {
		limit = rate.Limit(cfg.ChunksPerSecond)
	}

	mgr := &Manager{
		cfg:       cfg,
		self:      self,
		transport: t,
		dc:        dc,
		notifier:  n,
		metrics:   m,
		logger:    logger.With(zap.String("cache", cfg.CacheName), zap.String("node_id", string(self))),
		limiter:   rate.NewLimiter(limit, 1),
		changeCh:  make(chan struct{}),
		latest:    initial,
	}
	mgr.topo.Store(&Topology{
		View:    view,
		Current: initial,
		Write:   initial,
		State:   model.StateStable,
	})
	return mgr
}

// Start subscribes to view changes and adopts the view the transport
// already holds
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.runCtx, m.stopRun = context.WithCancel(context.Background())
	m.pool = NewTransferPool(&PoolConfig{
		Name:       "state-transfer-" + m.cfg.CacheName,
		MaxWorkers: m.cfg.Workers,
		QueueSize:  m.cfg.QueueSize,
	}, m.metrics, m.logger)
	m.mu.Unlock()

	m.metrics.SetDistributionState(string(model.StateStable))
	m.transport.OnViewChange(m.OnViewChange)
	if view := m.transport.View(); view != nil && view.ViewID > 0 {
		m.OnViewChange(view)
	}
	m.logger.Info("Distribution manager started",
		zap.Int("num_segments", m.cfg.NumSegments),
		zap.Int("num_owners", m.cfg.NumOwners),
		zap.String("in_flight_policy", string(m.cfg.InFlightPolicy)))
	return nil
}

// Stop cancels any running rehash and waits for it to reach a checkpoint
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.stopRun()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return apperrors.Timeout("distribution manager stop", ctx.Err())
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return m.pool.Stop(timeout)
}

// OnViewChange starts a rehash towards view. A rehash still running is
// cancelled; the new one waits for it to stop before transferring state.
func (m *Manager) OnViewChange(view *model.ClusterView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped || view == nil || view.ViewID <= m.lastViewID {
		return
	}
	if !view.Contains(m.self) {
		m.logger.Warn("Ignoring view that does not contain this node", zap.Stringer("view", view))
		return
	}
	m.lastViewID = view.ViewID

	var prev chan struct{}
	if m.current != nil {
		prev = m.current.done
		select {
		case <-prev:
		default:
			m.logger.Info("Cancelling rehash superseded by newer view",
				zap.String("rehash_id", m.current.id),
				zap.Int64("view_id", m.current.view.ViewID),
				zap.Int64("new_view_id", view.ViewID))
			m.cancel()
		}
	}

	m.gen++
	r := &rehash{
		id:      uuid.NewString(),
		gen:     m.gen,
		view:    view,
		prev:    prev,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	r.status.Store(model.TransferPending)
	ctx, cancel := context.WithCancel(m.runCtx)
	m.cancel = cancel
	m.current = r

	m.wg.Add(1)
	go m.runRehash(ctx, cancel, r)
}

func (m *Manager) runRehash(ctx context.Context, cancel context.CancelFunc, r *rehash) {
	defer m.wg.Done()
	defer close(r.done)
	defer cancel()

	// the superseded rehash stops at its next checkpoint
	if r.prev != nil {
		<-r.prev
	}

	m.mu.Lock()
	bootstrap := !m.joined
	base := m.latest
	m.mu.Unlock()

	cur := m.topo.Load()
	if bootstrap {
		var err error
		base, err = m.fetchBase(ctx, r.view)
		if err != nil {
			m.logger.Info("Rehash cancelled while fetching topology",
				zap.String("rehash_id", r.id),
				zap.Error(err))
			return
		}
	}

	var target *algorithm.ConsistentHash
	if base == nil {
		target = algorithm.NewConsistentHash(m.cfg.NumSegments, m.cfg.NumOwners, r.view)
	} else {
		target = algorithm.Rebalance(base, r.view, m.cfg.NumOwners)
	}

	// Every view extends the chain of computed hashes, even when its transfer
	// is superseded, so members that committed and members that were
	// cancelled still compute the same hash for the next view.
	m.mu.Lock()
	m.latest, m.latestBase = target, base
	m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	inbound := m.inboundSegments(cur, base, target, r.view, bootstrap)
	routing := cur.Current
	if bootstrap && base != nil {
		// a joining node routes by the cluster's hash until it commits
		routing = base
	}

	if !m.beginRehash(r, routing, target, inbound) {
		return
	}

	degraded := m.transferState(ctx, r, inbound)
	if ctx.Err() != nil {
		r.status.Store(model.TransferCancelled)
		m.metrics.RecordRehash("cancelled", time.Since(r.started).Seconds())
		m.logger.Info("Rehash cancelled",
			zap.String("rehash_id", r.id),
			zap.Int64("view_id", r.view.ViewID),
			zap.Int64("segments_done", r.segmentsDone.Load()))
		return
	}
	m.commit(r, target, inbound, degraded)
}

// beginRehash publishes the pending topology. Returns false when a newer
// view superseded r.
func (m *Manager) beginRehash(r *rehash, routing, target *algorithm.ConsistentHash, inbound map[int][]model.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.gen != m.gen || m.stopped {
		return false
	}

	prev := m.topo.Load()

	// partial state of a superseded rehash that nobody needs any more
	var abandoned []int
	for seg := range m.partial {
		if _, ok := inbound[seg]; ok {
			continue
		}
		if target.IsOwner(m.self, seg) || routing.IsOwner(m.self, seg) {
			continue
		}
		abandoned = append(abandoned, seg)
	}
	if len(abandoned) > 0 {
		sort.Ints(abandoned)
		removed := m.dc.RemoveSegments(abandoned)
		m.metrics.SegmentsDiscarded.Add(float64(len(abandoned)))
		m.logger.Info("Discarded partially transferred segments",
			zap.Ints("segments", abandoned),
			zap.Int("entries", removed))
	}

	segments := make([]int, 0, len(inbound))
	m.partial = make(map[int]struct{}, len(inbound))
	for seg := range inbound {
		segments = append(segments, seg)
		m.partial[seg] = struct{}{}
	}
	// tracking must be active before writes are routed to the new owners
	m.dc.BeginUpdateTracking(segments)

	moving := make(map[int]struct{})
	for _, t := range algorithm.Diff(routing, target) {
		moving[t.Segment] = struct{}{}
	}

	m.publish(&Topology{
		RehashID:    r.id,
		View:        prev.View,
		Current:     routing,
		Pending:     target,
		PendingView: r.view,
		Write:       algorithm.Union(routing, target),
		State:       model.StateRehashInProgress,
		moving:      moving,
		degraded:    prev.degraded,
	})

	r.segmentsTotal.Store(int64(len(inbound)))
	r.status.Store(model.TransferStreaming)
	m.metrics.SetDistributionState(string(model.StateRehashInProgress))
	m.logger.Info("Rehash started",
		zap.String("rehash_id", r.id),
		zap.Int64("view_id", r.view.ViewID),
		zap.Stringer("view", r.view),
		zap.Int("moving_segments", len(moving)),
		zap.Int("inbound_segments", len(inbound)))
	return true
}

func (m *Manager) commit(r *rehash, target *algorithm.ConsistentHash, inbound map[int][]model.Address, failed []int) {
	m.mu.Lock()
	if r.gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	prev := m.topo.Load()

	degraded := make(map[int]struct{})
	for seg := range prev.degraded {
		if _, retried := inbound[seg]; retried {
			continue
		}
		if target.IsOwner(m.self, seg) {
			degraded[seg] = struct{}{}
		}
	}
	for _, seg := range failed {
		degraded[seg] = struct{}{}
	}

	state := model.StateStable
	if len(degraded) > 0 {
		state = model.StateDegraded
	}
	next := &Topology{
		RehashID: r.id,
		View:     r.view,
		Current:  target,
		Write:    target,
		State:    state,
		degraded: degraded,
	}
	m.publish(next)
	m.joined = true
	m.partial = nil
	m.dc.EndUpdateTracking()
	m.scheduleDiscard(target)
	m.mu.Unlock()

	r.status.Store(model.TransferCompleted)
	outcome := "committed"
	if state == model.StateDegraded {
		outcome = "degraded"
	}
	m.metrics.RecordRehash(outcome, time.Since(r.started).Seconds())
	m.metrics.SetDistributionState(string(state))
	m.metrics.TopologyViewID.Set(float64(r.view.ViewID))
	m.metrics.DegradedSegments.Set(float64(len(degraded)))

	if state == model.StateDegraded {
		m.logger.Error("Rehash committed with degraded segments",
			zap.String("rehash_id", r.id),
			zap.Int64("view_id", r.view.ViewID),
			zap.Ints("degraded_segments", next.DegradedSegments()))
	} else {
		m.logger.Info("Rehash committed",
			zap.String("rehash_id", r.id),
			zap.Int64("view_id", r.view.ViewID),
			zap.Duration("duration", time.Since(r.started)),
			zap.Int64("entries", r.entries.Load()),
			zap.Stringer("topology", target))
	}

	event := &model.ClusterEvent{
		Type:      model.EventViewChanged,
		CacheName: m.cfg.CacheName,
		Node:      m.self,
		OldView:   prev.View,
		NewView:   r.view,
		Degraded:  next.DegradedSegments(),
	}
	if err := m.notifier.Publish(context.Background(), event); err != nil {
		m.logger.Warn("View change listener failed", zap.Error(err))
	}
}

// scheduleDiscard drops local segments target no longer assigns to this
// node once the grace period has passed. Must be called with mu held.
func (m *Manager) scheduleDiscard(target *algorithm.ConsistentHash) {
	var candidates []int
	for seg := 0; seg < target.NumSegments(); seg++ {
		if !target.IsOwner(m.self, seg) && m.dc.SegmentSize(seg) > 0 {
			candidates = append(candidates, seg)
		}
	}
	if len(candidates) == 0 {
		return
	}
	discard := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stopped {
			return
		}
		t := m.topo.Load()
		var drop []int
		for _, seg := range candidates {
			if t.Write.IsOwner(m.self, seg) {
				continue
			}
			drop = append(drop, seg)
		}
		if len(drop) == 0 {
			return
		}
		removed := m.dc.RemoveSegments(drop)
		m.metrics.SegmentsDiscarded.Add(float64(len(drop)))
		m.logger.Info("Discarded segments no longer owned",
			zap.Int("segments", len(drop)),
			zap.Int("entries", removed))
	}
	if m.cfg.DiscardGrace <= 0 {
		discard()
		return
	}
	m.timers = append(m.timers, time.AfterFunc(m.cfg.DiscardGrace, discard))
}

func (m *Manager) publish(t *Topology) {
	m.topo.Store(t)
	m.changeMu.Lock()
	close(m.changeCh)
	m.changeCh = make(chan struct{})
	m.changeMu.Unlock()
}

func (m *Manager) changed() <-chan struct{} {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	return m.changeCh
}

// LocalAddress returns the address of this node
func (m *Manager) LocalAddress() model.Address {
	return m.self
}

// Topology returns the current topology snapshot
func (m *Manager) Topology() *Topology {
	return m.topo.Load()
}

// State returns the distribution state
func (m *Manager) State() model.DistributionState {
	return m.topo.Load().State
}

// IsDegraded reports whether segment is degraded on this node
func (m *Manager) IsDegraded(segment int) bool {
	return m.topo.Load().IsDegraded(segment)
}

// Generation returns the view id of the committed hash
func (m *Manager) Generation() int64 {
	return m.topo.Load().Current.ViewID()
}

// SegmentOf returns the segment of key
func (m *Manager) SegmentOf(key string) int {
	return algorithm.SegmentForKey(key, m.cfg.NumSegments)
}

// Lookup returns the read owners of key from the committed hash and
// whether this node is one of them. It never blocks.
func (m *Manager) Lookup(key string) (bool, []model.Address, error) {
	t := m.topo.Load()
	seg := t.Current.SegmentForKey(key)
	owners := t.Current.Owners(seg)
	if len(owners) == 0 {
		return false, nil, apperrors.NoOwnerAvailable(key, seg)
	}
	for _, o := range owners {
		if o == m.self {
			return true, owners, nil
		}
	}
	return false, owners, nil
}

// WriteOwners returns the owners a write to key must reach. During a
// rehash this includes the pending owners.
func (m *Manager) WriteOwners(key string) ([]model.Address, error) {
	t := m.topo.Load()
	seg := t.Write.SegmentForKey(key)
	owners := t.Write.Owners(seg)
	if len(owners) == 0 {
		return nil, apperrors.NoOwnerAvailable(key, seg)
	}
	return owners, nil
}

// CheckRead verifies this node may serve a read of key. requestGen is the
// generation the sender routed with.
func (m *Manager) CheckRead(key string, requestGen int64) error {
	t := m.topo.Load()
	seg := t.Current.SegmentForKey(key)
	if !t.Current.IsOwner(m.self, seg) {
		return apperrors.StaleTopology(requestGen, t.Current.ViewID())
	}
	if t.IsDegraded(seg) {
		return apperrors.SegmentDegraded(seg)
	}
	return nil
}

// CheckWrite verifies this node is the primary write owner of key.
// requestGen is the generation the sender routed with.
func (m *Manager) CheckWrite(key string, requestGen int64) error {
	t := m.topo.Load()
	seg := t.Write.SegmentForKey(key)
	if !t.Write.IsPrimary(m.self, seg) {
		return apperrors.StaleTopology(requestGen, t.Current.ViewID())
	}
	if t.IsDegraded(seg) {
		return apperrors.SegmentDegraded(seg)
	}
	return nil
}

// CheckReplica verifies this node may apply a replicated write of key.
// owners is the list the primary replicated to. A list that misses an owner
// known here means the primary routed with an older topology and must
// retry, so new owners never miss a write accepted during a rehash.
func (m *Manager) CheckReplica(key string, requestGen int64, owners []model.Address) error {
	t := m.topo.Load()
	seg := t.Write.SegmentForKey(key)
	local := t.Write.Owners(seg)
	if !containsAddr(local, m.self) {
		return apperrors.StaleTopology(requestGen, t.Current.ViewID()).WithDetail("segment", seg)
	}
	for _, o := range local {
		if !containsAddr(owners, o) {
			return apperrors.StaleTopology(requestGen, t.Current.ViewID()).
				WithDetail("segment", seg).
				WithDetail("missing_owner", string(o))
		}
	}
	if t.IsDegraded(seg) {
		return apperrors.SegmentDegraded(seg)
	}
	return nil
}

// AwaitSegment holds the caller while key's segment changes owners, when
// the block policy is configured. It returns once the rehash commits or
// fails with Timeout after BlockTimeout.
func (m *Manager) AwaitSegment(ctx context.Context, key string) error {
	if m.cfg.InFlightPolicy != PolicyBlock {
		return nil
	}
	t := m.topo.Load()
	seg := m.SegmentOf(key)
	if t.Pending == nil || !t.IsMoving(seg) {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitial
	b.MaxInterval = m.cfg.RetryMax
	b.MaxElapsedTime = m.cfg.BlockTimeout

	op := func() error {
		t := m.topo.Load()
		if t.Pending == nil || !t.IsMoving(seg) {
			return nil
		}
		return apperrors.Timeout("waiting for segment transfer", nil).WithDetail("segment", seg)
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// AwaitStable blocks until no rehash is running
func (m *Manager) AwaitStable(ctx context.Context) error {
	for {
		ch := m.changed()
		if m.topo.Load().Pending == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return apperrors.Timeout("waiting for stable topology", ctx.Err())
		}
	}
}

// Progress describes the latest rehash
func (m *Manager) Progress() *model.RehashProgress {
	m.mu.Lock()
	r := m.current
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	status, _ := r.status.Load().(model.TransferStatus)
	return &model.RehashProgress{
		RehashID:         r.id,
		ViewID:           r.view.ViewID,
		Status:           status,
		SegmentsTotal:    int(r.segmentsTotal.Load()),
		SegmentsDone:     int(r.segmentsDone.Load()),
		EntriesReceived:  r.entries.Load(),
		DegradedSegments: m.topo.Load().DegradedSegments(),
		StartedAt:        r.started,
		Workers:          m.pool.Stats(),
	}
}

func sortedSet(set map[int]struct{}) []int {
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}
