package model

import "time"

// EntryFlags describes the capabilities of a CacheEntry
type EntryFlags uint8

const (
	// FlagVersioned marks an entry that carries a version for MVCC checks
	FlagVersioned EntryFlags = 1 << iota
	// FlagExpirable marks an entry with a lifespan or max-idle bound
	FlagExpirable
	// FlagTombstone marks a removal carried through replication
	FlagTombstone
)

// Has reports whether all bits of f are set
func (e EntryFlags) Has(f EntryFlags) bool {
	return e&f == f
}

// Metadata holds the version and expiration attributes of an entry
type Metadata struct {
	Version  uint64        `json:"version"`
	Lifespan time.Duration `json:"lifespan,omitempty"`
	MaxIdle  time.Duration `json:"max_idle,omitempty"`
	Created  time.Time     `json:"created"`
	LastUsed time.Time     `json:"last_used"`
}

// CacheEntry is an immutable snapshot of a key-value pair. Containers
// replace entries instead of mutating them.
type CacheEntry struct {
	Key      string     `json:"key"`
	Value    []byte     `json:"value,omitempty"`
	Metadata Metadata   `json:"metadata"`
	Segment  int        `json:"segment"`
	Flags    EntryFlags `json:"flags"`
}

// NewCacheEntry builds an entry stamped with the given creation time
func NewCacheEntry(key string, value []byte, meta Metadata, now time.Time) *CacheEntry {
	meta.Created = now
	meta.LastUsed = now
	flags := FlagVersioned
	if meta.Lifespan > 0 || meta.MaxIdle > 0 {
		flags |= FlagExpirable
	}
	return &CacheEntry{
		Key:      key,
		Value:    value,
		Metadata: meta,
		Flags:    flags,
	}
}

// Version returns the entry version
func (e *CacheEntry) Version() uint64 {
	return e.Metadata.Version
}

// IsTombstone reports whether the entry represents a removal
func (e *CacheEntry) IsTombstone() bool {
	return e.Flags.Has(FlagTombstone)
}

// IsExpired reports whether the entry is past its lifespan or max-idle bound
func (e *CacheEntry) IsExpired(now time.Time) bool {
	if !e.Flags.Has(FlagExpirable) {
		return false
	}
	if e.Metadata.Lifespan > 0 && !now.Before(e.Metadata.Created.Add(e.Metadata.Lifespan)) {
		return true
	}
	if e.Metadata.MaxIdle > 0 && !now.Before(e.Metadata.LastUsed.Add(e.Metadata.MaxIdle)) {
		return true
	}
	return false
}

// ExpiresAt returns the earliest instant the entry expires, or the zero time
func (e *CacheEntry) ExpiresAt() time.Time {
	var at time.Time
	if e.Metadata.Lifespan > 0 {
		at = e.Metadata.Created.Add(e.Metadata.Lifespan)
	}
	if e.Metadata.MaxIdle > 0 {
		idle := e.Metadata.LastUsed.Add(e.Metadata.MaxIdle)
		if at.IsZero() || idle.Before(at) {
			at = idle
		}
	}
	return at
}

// Clone returns a deep copy of the entry
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Value != nil {
		c.Value = append([]byte(nil), e.Value...)
	}
	return &c
}

// Touched returns a copy with LastUsed set to now
func (e *CacheEntry) Touched(now time.Time) *CacheEntry {
	c := *e
	c.Metadata.LastUsed = now
	return &c
}
