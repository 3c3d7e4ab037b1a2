package algorithm

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairgrid/internal/model"
)

// ConsistentHash maps a fixed number of segments to ordered owner lists.
// The first owner of a segment is its primary. A ConsistentHash is immutable
// once built and safe to share between goroutines.
type ConsistentHash struct {
	numSegments int
	numOwners   int
	viewID      int64
	members     []model.Address
	owners      [][]model.Address
}

// KeyHash computes the 64-bit hash of a key
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// SegmentForHash maps a key hash to a segment
func SegmentForHash(hash uint64, numSegments int) int {
	return int(hash % uint64(numSegments))
}

// SegmentForKey maps a key to a segment
func SegmentForKey(key string, numSegments int) int {
	return SegmentForHash(KeyHash(key), numSegments)
}

// NewConsistentHash builds a balanced hash for view from scratch
func NewConsistentHash(numSegments, numOwners int, view *model.ClusterView) *ConsistentHash {
	return Rebalance(emptyHash(numSegments, numOwners), view, numOwners)
}

func emptyHash(numSegments, numOwners int) *ConsistentHash {
	if numSegments < 1 {
		numSegments = 1
	}
	return &ConsistentHash{
		numSegments: numSegments,
		numOwners:   numOwners,
		owners:      make([][]model.Address, numSegments),
	}
}

// NumSegments returns the number of segments
func (ch *ConsistentHash) NumSegments() int {
	return ch.numSegments
}

// NumOwners returns the configured replication factor
func (ch *ConsistentHash) NumOwners() int {
	return ch.numOwners
}

// ViewID returns the id of the view the hash was built for
func (ch *ConsistentHash) ViewID() int64 {
	return ch.viewID
}

// Members returns a copy of the member list
func (ch *ConsistentHash) Members() []model.Address {
	return append([]model.Address(nil), ch.members...)
}

// IsMember reports whether addr is part of the hash
func (ch *ConsistentHash) IsMember(addr model.Address) bool {
	return indexOf(ch.members, addr) >= 0
}

// Segment maps a key hash to its segment
func (ch *ConsistentHash) Segment(keyHash uint64) int {
	return SegmentForHash(keyHash, ch.numSegments)
}

// SegmentForKey maps a key to its segment
func (ch *ConsistentHash) SegmentForKey(key string) int {
	return ch.Segment(KeyHash(key))
}

// Owners returns a copy of the owners of segment, primary first
func (ch *ConsistentHash) Owners(segment int) []model.Address {
	if segment < 0 || segment >= ch.numSegments {
		return nil
	}
	return append([]model.Address(nil), ch.owners[segment]...)
}

// PrimaryOwner returns the primary owner of segment
func (ch *ConsistentHash) PrimaryOwner(segment int) (model.Address, bool) {
	if segment < 0 || segment >= ch.numSegments || len(ch.owners[segment]) == 0 {
		return "", false
	}
	return ch.owners[segment][0], true
}

// OwnersForKey returns the owners of the segment key maps to
func (ch *ConsistentHash) OwnersForKey(key string) []model.Address {
	return ch.Owners(ch.SegmentForKey(key))
}

// IsOwner reports whether addr owns segment
func (ch *ConsistentHash) IsOwner(addr model.Address, segment int) bool {
	if segment < 0 || segment >= ch.numSegments {
		return false
	}
	return indexOf(ch.owners[segment], addr) >= 0
}

// IsPrimary reports whether addr is the primary owner of segment
func (ch *ConsistentHash) IsPrimary(addr model.Address, segment int) bool {
	p, ok := ch.PrimaryOwner(segment)
	return ok && p == addr
}

// SegmentsOwnedBy returns the segments addr owns, ascending
func (ch *ConsistentHash) SegmentsOwnedBy(addr model.Address) []int {
	var out []int
	for seg, owners := range ch.owners {
		if indexOf(owners, addr) >= 0 {
			out = append(out, seg)
		}
	}
	return out
}

// PrimarySegmentsOwnedBy returns the segments addr is primary for, ascending
func (ch *ConsistentHash) PrimarySegmentsOwnedBy(addr model.Address) []int {
	var out []int
	for seg, owners := range ch.owners {
		if len(owners) > 0 && owners[0] == addr {
			out = append(out, seg)
		}
	}
	return out
}

// Equal compares segment ownership and membership, ignoring the view id
func (ch *ConsistentHash) Equal(other *ConsistentHash) bool {
	if ch == nil || other == nil {
		return ch == other
	}
	if ch.numSegments != other.numSegments || !sameOrder(ch.members, other.members) {
		return false
	}
	for seg := range ch.owners {
		if !sameOrder(ch.owners[seg], other.owners[seg]) {
			return false
		}
	}
	return true
}

// String renders a short summary for logs
func (ch *ConsistentHash) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ch[view=%d segments=%d owners=%d members=%v", ch.viewID, ch.numSegments, ch.numOwners, ch.members)
	for _, m := range ch.members {
		fmt.Fprintf(&sb, " %s:%d/%d", m, len(ch.PrimarySegmentsOwnedBy(m)), len(ch.SegmentsOwnedBy(m)))
	}
	sb.WriteString("]")
	return sb.String()
}

// Union merges the owners of a and b. Owners of a come first, followed by
// owners that only b has. Used as the write topology during a rehash.
func Union(a, b *ConsistentHash) *ConsistentHash {
	if a.numSegments != b.numSegments {
		panic(fmt.Sprintf("union of hashes with %d and %d segments", a.numSegments, b.numSegments))
	}
	u := emptyHash(a.numSegments, max(a.numOwners, b.numOwners))
	u.viewID = b.viewID
	u.members = mergeAddresses(a.members, b.members)
	for seg := 0; seg < a.numSegments; seg++ {
		u.owners[seg] = mergeAddresses(a.owners[seg], b.owners[seg])
	}
	return u
}

// Diff lists the segments whose owner list differs between from and to
func Diff(from, to *ConsistentHash) []model.SegmentTransfer {
	var out []model.SegmentTransfer
	for seg := 0; seg < to.numSegments; seg++ {
		oldOwners := from.Owners(seg)
		newOwners := to.Owners(seg)
		if sameOrder(oldOwners, newOwners) {
			continue
		}
		out = append(out, model.SegmentTransfer{Segment: seg, OldOwners: oldOwners, NewOwners: newOwners})
	}
	return out
}

// PrimaryChanges counts segments whose primary owner differs
func PrimaryChanges(from, to *ConsistentHash) int {
	n := 0
	for seg := 0; seg < to.numSegments; seg++ {
		a, _ := from.PrimaryOwner(seg)
		b, _ := to.PrimaryOwner(seg)
		if a != b {
			n++
		}
	}
	return n
}

func mergeAddresses(a, b []model.Address) []model.Address {
	out := make([]model.Address, 0, len(a)+len(b))
	out = append(out, a...)
	for _, addr := range b {
		if indexOf(out, addr) < 0 {
			out = append(out, addr)
		}
	}
	return out
}

func indexOf(list []model.Address, addr model.Address) int {
	for i, a := range list {
		if a == addr {
			return i
		}
	}
	return -1
}

func sameOrder(a, b []model.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Layout is the wire form of a ConsistentHash
type Layout struct {
	NumSegments int               `json:"num_segments"`
	NumOwners   int               `json:"num_owners"`
	ViewID      int64             `json:"view_id"`
	Members     []model.Address   `json:"members"`
	Owners      [][]model.Address `json:"owners"`
}

// Layout exports the hash for transfer to another node
func (ch *ConsistentHash) Layout() *Layout {
	l := &Layout{
		NumSegments: ch.numSegments,
		NumOwners:   ch.numOwners,
		ViewID:      ch.viewID,
		Members:     append([]model.Address(nil), ch.members...),
		Owners:      make([][]model.Address, ch.numSegments),
	}
	for seg, owners := range ch.owners {
		l.Owners[seg] = append([]model.Address(nil), owners...)
	}
	return l
}

// FromLayout rebuilds a hash received from another node
func FromLayout(l *Layout) (*ConsistentHash, error) {
	if l == nil || l.NumSegments < 1 || len(l.Owners) != l.NumSegments {
		return nil, fmt.Errorf("invalid hash layout")
	}
	ch := emptyHash(l.NumSegments, l.NumOwners)
	ch.viewID = l.ViewID
	ch.members = append([]model.Address(nil), l.Members...)
	for seg, owners := range l.Owners {
		for _, o := range owners {
			if indexOf(ch.members, o) < 0 {
				return nil, fmt.Errorf("segment %d owner %s is not a member", seg, o)
			}
		}
		ch.owners[seg] = append([]model.Address(nil), owners...)
	}
	return ch, nil
}
