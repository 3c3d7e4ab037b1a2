package container

import (
	"sort"
	"sync"

	"github.com/devrev/pairgrid/internal/algorithm"
)

// StripedLock maps keys onto a fixed set of mutexes
type StripedLock struct {
	stripes []sync.Mutex
	mask    uint64
}

// NewStripedLock creates a lock with at least n stripes, rounded up to a power of two
func NewStripedLock(n int) *StripedLock {
	size := 1
	for size < n {
		size <<= 1
	}
	return &StripedLock{
		stripes: make([]sync.Mutex, size),
		mask:    uint64(size - 1),
	}
}

func (l *StripedLock) stripe(key string) int {
	return int(algorithm.KeyHash(key) & l.mask)
}

// Lock acquires the stripe of a single key and returns its release func
func (l *StripedLock) Lock(key string) func() {
	m := &l.stripes[l.stripe(key)]
	m.Lock()
	return m.Unlock
}

// LockAll acquires the stripes of all keys in ascending stripe order
func (l *StripedLock) LockAll(keys []string) func() {
	idx := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		idx[l.stripe(k)] = struct{}{}
	}
	order := make([]int, 0, len(idx))
	for i := range idx {
		order = append(order, i)
	}
	sort.Ints(order)
	for _, i := range order {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(order) - 1; j >= 0; j-- {
			l.stripes[order[j]].Unlock()
		}
	}
}

// LockEvery acquires every stripe in ascending order
func (l *StripedLock) LockEvery() func() {
	for i := range l.stripes {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(l.stripes) - 1; j >= 0; j-- {
			l.stripes[j].Unlock()
		}
	}
}
