package container

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairgrid/internal/algorithm"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/google/btree"
	"go.uber.org/zap"
)

const btreeDegree = 32

// Config holds data container configuration
type Config struct {
	NumSegments int
	LockStripes int
	// TombstoneGrace is how long the version of a replicated removal is
	// kept to reject older writes that arrive after it
	TombstoneGrace time.Duration
	Clock          func() time.Time
}

// DataContainer stores the local entries of a node, one ordered tree per
// segment. Entries handed out are shared snapshots and must not be modified.
//
// Lock order is stripe locks first, then segment locks in ascending segment
// order. Readers only take segment read locks.
type DataContainer struct {
	numSegments int
	segments    []*segmentStore
	locks       *StripedLock
	clock       func() time.Time
	logger      *zap.Logger

	trackMu sync.Mutex
	tracker *updateTracker

	tombMu         sync.Mutex
	tombstones     map[string]removal
	tombstoneGrace time.Duration

	// versionClock is at least the highest version stored locally
	versionClock atomic.Uint64
	clears       atomic.Uint64
}

type removal struct {
	version   uint64
	removedAt time.Time
}

type segmentStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*model.CacheEntry]
}

func lessByKey(a, b *model.CacheEntry) bool {
	return a.Key < b.Key
}

func newSegmentStore() *segmentStore {
	return &segmentStore{tree: btree.NewG(btreeDegree, lessByKey)}
}

// updateTracker records keys written while inbound segments are transferred,
// so transferred state never overwrites a newer local write or removal.
type updateTracker struct {
	segments map[int]struct{}
	keys     map[string]struct{}
	// clearedVersion is the version clock at the last Clear while tracking
	clearedVersion uint64
}

// NewDataContainer creates a new data container
func NewDataContainer(cfg *Config, logger *zap.Logger) *DataContainer {
	if cfg.NumSegments <= 0 {
		cfg.NumSegments = 256
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = 1024
	}
	if cfg.TombstoneGrace <= 0 {
		cfg.TombstoneGrace = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	dc := &DataContainer{
		numSegments:    cfg.NumSegments,
		segments:       make([]*segmentStore, cfg.NumSegments),
		locks:          NewStripedLock(cfg.LockStripes),
		clock:          cfg.Clock,
		logger:         logger,
		tombstones:     make(map[string]removal),
		tombstoneGrace: cfg.TombstoneGrace,
	}
	for i := range dc.segments {
		dc.segments[i] = newSegmentStore()
	}
	return dc
}

// NumSegments returns the number of segments
func (dc *DataContainer) NumSegments() int {
	return dc.numSegments
}

// SegmentOf returns the segment of key
func (dc *DataContainer) SegmentOf(key string) int {
	return algorithm.SegmentForKey(key, dc.numSegments)
}

// Now returns the container clock reading
func (dc *DataContainer) Now() time.Time {
	return dc.clock()
}

func (dc *DataContainer) load(key string) *model.CacheEntry {
	s := dc.segments[dc.SegmentOf(key)]
	s.mu.RLock()
	e, ok := s.tree.Get(&model.CacheEntry{Key: key})
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return e
}

func (dc *DataContainer) live(key string) *model.CacheEntry {
	e := dc.load(key)
	if e == nil || e.IsExpired(dc.clock()) {
		return nil
	}
	return e
}

// NextVersion returns a version above current and above every version this
// container has stored, so versions never repeat after a removal or a
// change of primary owner.
func (dc *DataContainer) NextVersion(current uint64) uint64 {
	for {
		v := dc.versionClock.Load()
		next := max(v, current) + 1
		if dc.versionClock.CompareAndSwap(v, next) {
			return next
		}
	}
}

func (dc *DataContainer) observeVersion(version uint64) {
	for {
		v := dc.versionClock.Load()
		if version <= v || dc.versionClock.CompareAndSwap(v, version) {
			return
		}
	}
}

// Peek returns the live entry for key without updating its access time
func (dc *DataContainer) Peek(key string) (*model.CacheEntry, bool) {
	e := dc.live(key)
	return e, e != nil
}

// Get returns the live entry for key. Entries with a max-idle bound have
// their access time refreshed.
func (dc *DataContainer) Get(key string) (*model.CacheEntry, bool) {
	e := dc.live(key)
	if e == nil {
		return nil, false
	}
	if e.Metadata.MaxIdle <= 0 {
		return e, true
	}

	unlock := dc.locks.Lock(key)
	defer unlock()
	cur := dc.live(key)
	if cur == nil {
		return nil, false
	}
	touched := cur.Touched(dc.clock())
	dc.store(touched)
	return touched, true
}

// Compute runs fn under the key lock with the current live entry (nil if
// absent) and stores its result. A nil result removes the key.
func (dc *DataContainer) Compute(key string, fn func(current *model.CacheEntry) (*model.CacheEntry, error)) (*model.CacheEntry, error) {
	unlock := dc.locks.Lock(key)
	defer unlock()

	current := dc.live(key)
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == current {
		return next, nil
	}
	if next == nil {
		dc.delete(key)
	} else {
		next.Key = key
		dc.store(next)
	}
	dc.noteUpdate(key)
	return next, nil
}

// Put stores entry unconditionally
func (dc *DataContainer) Put(entry *model.CacheEntry) {
	unlock := dc.locks.Lock(entry.Key)
	defer unlock()
	dc.store(entry)
	dc.noteUpdate(entry.Key)
}

// Remove deletes key and returns the removed live entry
func (dc *DataContainer) Remove(key string) (*model.CacheEntry, bool) {
	unlock := dc.locks.Lock(key)
	defer unlock()
	prev := dc.live(key)
	dc.delete(key)
	dc.noteUpdate(key)
	return prev, prev != nil
}

// PutIfNewer applies a replicated write. The entry is applied only when the
// key holds an older version, or is absent and was not removed at an equal
// or newer version within the tombstone grace period. Tombstones remove the
// key and remember the removal version.
func (dc *DataContainer) PutIfNewer(entry *model.CacheEntry) bool {
	unlock := dc.locks.Lock(entry.Key)
	defer unlock()

	if !dc.isNewer(entry) {
		return false
	}
	if entry.IsTombstone() {
		dc.observeVersion(entry.Version())
		dc.delete(entry.Key)
		dc.recordRemoval(entry.Key, entry.Version())
	} else {
		dc.store(entry)
	}
	dc.noteUpdate(entry.Key)
	return true
}

// ClearEpoch returns a counter incremented by every Clear. State read from
// a peer before a Clear is rejected by ApplyState.
func (dc *DataContainer) ClearEpoch() uint64 {
	return dc.clears.Load()
}

// ApplyState applies an entry received through state transfer and read
// from its source at clear epoch epoch. Keys written locally since tracking
// began are skipped, as are keys holding or removed at an equal or newer
// version, and entries no newer than a Clear made while tracking.
func (dc *DataContainer) ApplyState(entry *model.CacheEntry, epoch uint64) bool {
	unlock := dc.locks.Lock(entry.Key)
	defer unlock()

	if dc.clears.Load() != epoch || dc.clearedSince(entry.Version()) {
		return false
	}
	if dc.wasUpdated(entry.Key) || !dc.isNewer(entry) {
		return false
	}
	if entry.IsTombstone() || entry.IsExpired(dc.clock()) {
		return false
	}
	dc.store(entry)
	return true
}

// isNewer compares entry with the stored entry, or with the last removal
// when the key is absent. The key lock must be held.
func (dc *DataContainer) isNewer(entry *model.CacheEntry) bool {
	if current := dc.load(entry.Key); current != nil {
		return current.Version() < entry.Version()
	}
	dc.tombMu.Lock()
	r, ok := dc.tombstones[entry.Key]
	dc.tombMu.Unlock()
	return !ok || r.version < entry.Version()
}

func (dc *DataContainer) recordRemoval(key string, version uint64) {
	dc.tombMu.Lock()
	dc.tombstones[key] = removal{version: version, removedAt: dc.clock()}
	dc.tombMu.Unlock()
}

// Tombstones returns the number of removal versions currently kept
func (dc *DataContainer) Tombstones() int {
	dc.tombMu.Lock()
	defer dc.tombMu.Unlock()
	return len(dc.tombstones)
}

// LockKeys acquires the key locks of keys and returns the release func.
// While held, the caller must use Publish rather than the locking mutators
// for those keys.
func (dc *DataContainer) LockKeys(keys []string) func() {
	return dc.locks.LockAll(keys)
}

// Publish atomically installs puts and removals. The caller must hold the
// key locks of every key involved. Readers observe either none or all of
// the changes.
func (dc *DataContainer) Publish(puts []*model.CacheEntry, removals []string) {
	involved := make(map[int]struct{})
	for _, e := range puts {
		e.Segment = dc.SegmentOf(e.Key)
		involved[e.Segment] = struct{}{}
		dc.observeVersion(e.Version())
	}
	for _, k := range removals {
		involved[dc.SegmentOf(k)] = struct{}{}
	}
	order := make([]int, 0, len(involved))
	for seg := range involved {
		order = append(order, seg)
	}
	sort.Ints(order)

	for _, seg := range order {
		dc.segments[seg].mu.Lock()
	}
	for _, e := range puts {
		dc.segments[e.Segment].tree.ReplaceOrInsert(e)
	}
	for _, k := range removals {
		dc.segments[dc.SegmentOf(k)].tree.Delete(&model.CacheEntry{Key: k})
	}
	for i := len(order) - 1; i >= 0; i-- {
		dc.segments[order[i]].mu.Unlock()
	}

	for _, e := range puts {
		dc.noteUpdate(e.Key)
	}
	for _, k := range removals {
		dc.noteUpdate(k)
	}
}

// SegmentEntries returns up to limit live entries of segment with keys
// strictly greater than after, in key order. The returned cursor resumes
// the iteration; done is set when the segment is exhausted.
func (dc *DataContainer) SegmentEntries(segment int, after string, limit int) (entries []*model.CacheEntry, cursor string, done bool) {
	if segment < 0 || segment >= dc.numSegments {
		return nil, after, true
	}
	if limit <= 0 {
		limit = 1
	}
	now := dc.clock()
	s := dc.segments[segment]
	cursor = after
	done = true

	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.AscendGreaterOrEqual(&model.CacheEntry{Key: after}, func(e *model.CacheEntry) bool {
		if after != "" && e.Key == after {
			return true
		}
		if len(entries) == limit {
			done = false
			return false
		}
		cursor = e.Key
		if !e.IsExpired(now) {
			entries = append(entries, e)
		}
		return true
	})
	return entries, cursor, done
}

// RemoveSegments drops every entry of the given segments
func (dc *DataContainer) RemoveSegments(segments []int) int {
	removed := 0
	for _, seg := range segments {
		if seg < 0 || seg >= dc.numSegments {
			continue
		}
		s := dc.segments[seg]
		s.mu.Lock()
		removed += s.tree.Len()
		s.tree = btree.NewG(btreeDegree, lessByKey)
		s.mu.Unlock()
	}
	dc.forgetTracked(segments)
	if removed > 0 {
		dc.logger.Debug("Removed segments",
			zap.Ints("segments", segments),
			zap.Int("entries", removed))
	}
	return removed
}

// PurgeExpired removes expired entries and returns their keys. Removal
// versions older than the tombstone grace period are dropped as well.
func (dc *DataContainer) PurgeExpired() []string {
	now := dc.clock()
	dc.tombMu.Lock()
	for key, r := range dc.tombstones {
		if now.Sub(r.removedAt) >= dc.tombstoneGrace {
			delete(dc.tombstones, key)
		}
	}
	dc.tombMu.Unlock()

	var candidates []string
	for _, s := range dc.segments {
		s.mu.RLock()
		s.tree.Ascend(func(e *model.CacheEntry) bool {
			if e.IsExpired(now) {
				candidates = append(candidates, e.Key)
			}
			return true
		})
		s.mu.RUnlock()
	}

	var purged []string
	for _, key := range candidates {
		unlock := dc.locks.Lock(key)
		if e := dc.load(key); e != nil && e.IsExpired(now) {
			dc.delete(key)
			purged = append(purged, key)
		}
		unlock()
	}
	return purged
}

// Clear removes every entry. It holds every key lock, so no state transfer
// entry is applied concurrently, and advances the clear epoch.
func (dc *DataContainer) Clear() {
	unlock := dc.locks.LockEvery()
	defer unlock()

	dc.clears.Add(1)
	dc.trackMu.Lock()
	if dc.tracker != nil {
		dc.tracker.clearedVersion = dc.versionClock.Load()
	}
	dc.trackMu.Unlock()
	for _, s := range dc.segments {
		s.mu.Lock()
		s.tree.Clear(false)
		s.mu.Unlock()
	}
}

// Size returns the number of stored entries, expired ones included
func (dc *DataContainer) Size() int {
	n := 0
	for _, s := range dc.segments {
		s.mu.RLock()
		n += s.tree.Len()
		s.mu.RUnlock()
	}
	return n
}

// SegmentSize returns the number of stored entries of one segment
func (dc *DataContainer) SegmentSize(segment int) int {
	s := dc.segments[segment]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// ForEach visits every live entry until fn returns false
func (dc *DataContainer) ForEach(fn func(e *model.CacheEntry) bool) {
	now := dc.clock()
	for _, s := range dc.segments {
		stop := false
		s.mu.RLock()
		s.tree.Ascend(func(e *model.CacheEntry) bool {
			if e.IsExpired(now) {
				return true
			}
			if !fn(e) {
				stop = true
				return false
			}
			return true
		})
		s.mu.RUnlock()
		if stop {
			return
		}
	}
}

// BeginUpdateTracking starts recording writes to keys of segments. Calling
// it again while tracking adds segments.
func (dc *DataContainer) BeginUpdateTracking(segments []int) {
	dc.trackMu.Lock()
	defer dc.trackMu.Unlock()
	// A rehash that supersedes another keeps the keys recorded so far
	if dc.tracker == nil {
		dc.tracker = &updateTracker{
			segments: make(map[int]struct{}, len(segments)),
			keys:     make(map[string]struct{}),
		}
	}
	for _, s := range segments {
		dc.tracker.segments[s] = struct{}{}
	}
}

// EndUpdateTracking stops recording writes
func (dc *DataContainer) EndUpdateTracking() {
	dc.trackMu.Lock()
	dc.tracker = nil
	dc.trackMu.Unlock()
}

func (dc *DataContainer) noteUpdate(key string) {
	dc.trackMu.Lock()
	defer dc.trackMu.Unlock()
	if dc.tracker == nil {
		return
	}
	if _, ok := dc.tracker.segments[dc.SegmentOf(key)]; ok {
		dc.tracker.keys[key] = struct{}{}
	}
}

// forgetTracked stops tracking segments whose data was dropped, so a later
// transfer of those segments is applied in full
func (dc *DataContainer) forgetTracked(segments []int) {
	dc.trackMu.Lock()
	defer dc.trackMu.Unlock()
	if dc.tracker == nil {
		return
	}
	dropped := make(map[int]struct{}, len(segments))
	for _, s := range segments {
		delete(dc.tracker.segments, s)
		dropped[s] = struct{}{}
	}
	for key := range dc.tracker.keys {
		if _, ok := dropped[dc.SegmentOf(key)]; ok {
			delete(dc.tracker.keys, key)
		}
	}
}

func (dc *DataContainer) clearedSince(version uint64) bool {
	dc.trackMu.Lock()
	defer dc.trackMu.Unlock()
	return dc.tracker != nil && version <= dc.tracker.clearedVersion
}

func (dc *DataContainer) wasUpdated(key string) bool {
	dc.trackMu.Lock()
	defer dc.trackMu.Unlock()
	if dc.tracker == nil {
		return false
	}
	_, ok := dc.tracker.keys[key]
	return ok
}

func (dc *DataContainer) store(e *model.CacheEntry) {
	dc.observeVersion(e.Version())
	e.Segment = dc.SegmentOf(e.Key)
	s := dc.segments[e.Segment]
	s.mu.Lock()
	s.tree.ReplaceOrInsert(e)
	s.mu.Unlock()
}

func (dc *DataContainer) delete(key string) {
	s := dc.segments[dc.SegmentOf(key)]
	s.mu.Lock()
	s.tree.Delete(&model.CacheEntry{Key: key})
	s.mu.Unlock()
}
