package mvcc

import (
	"sync"

	"github.com/devrev/pairgrid/internal/model"
)

// IsolationLevel selects how transactional reads observe committed data
type IsolationLevel string

const (
	// ReadCommitted reads the latest committed entry on every access
	ReadCommitted IsolationLevel = "READ_COMMITTED"
	// RepeatableRead pins the entry observed by the first access
	RepeatableRead IsolationLevel = "REPEATABLE_READ"
)

type txState int

const (
	txActive txState = iota
	txPrepared
	txCommitted
	txRolledBack
)

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txPrepared:
		return "prepared"
	case txCommitted:
		return "committed"
	default:
		return "rolled back"
	}
}

// View is the transaction-private copy of one key. It records the version
// that was committed when the key was first touched.
type View struct {
	Key         string
	Original    *model.CacheEntry
	SeenVersion uint64
	Value       []byte
	Metadata    model.Metadata
	Removed     bool
	Changed     bool
}

func newView(key string, committed *model.CacheEntry) *View {
	v := &View{Key: key, Original: committed}
	if committed != nil {
		v.SeenVersion = committed.Version()
	}
	return v
}

// staged returns the entry the view would publish, nil when removed
func (v *View) staged() *model.CacheEntry {
	if v.Removed {
		return nil
	}
	return &model.CacheEntry{Key: v.Key, Value: v.Value, Metadata: v.Metadata, Flags: model.FlagVersioned}
}

// TxContext is a local transaction. A TxContext is owned by one caller at a
// time; the internal lock only guards against misuse from several goroutines.
type TxContext struct {
	id        string
	isolation IsolationLevel

	mu     sync.Mutex
	state  txState
	views  map[string]*View
	order  []string
	unlock func()
}

// ID returns the transaction id
func (tx *TxContext) ID() string {
	return tx.id
}

// Isolation returns the isolation level of the transaction
func (tx *TxContext) Isolation() IsolationLevel {
	return tx.isolation
}

// Keys returns the touched keys in first-touch order
func (tx *TxContext) Keys() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]string(nil), tx.order...)
}

// WrittenKeys returns the keys the transaction modified
func (tx *TxContext) WrittenKeys() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var out []string
	for _, k := range tx.order {
		if tx.views[k].Changed {
			out = append(out, k)
		}
	}
	return out
}

func (tx *TxContext) view(key string) (*View, bool) {
	v, ok := tx.views[key]
	return v, ok
}

func (tx *TxContext) addView(v *View) {
	tx.views[v.Key] = v
	tx.order = append(tx.order, v.Key)
}

// CommitResult lists what a commit published. Removals are reported as
// tombstone entries carrying the removal version.
type CommitResult struct {
	Entries []*model.CacheEntry
}
