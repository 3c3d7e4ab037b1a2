package algorithm

import (
	"math"

	"github.com/devrev/pairgrid/internal/model"
)

// Rebalance computes a new hash for view starting from base. The result
// depends only on base, the view membership and numOwners, so every node
// computes the same hash for the same inputs.
//
// Owners that left are dropped first. A segment that lost its primary hands
// it to a surviving backup still below an even share, or else to the least
// loaded member. Primaries are then only taken from members above the
// ceiling of an even split, and given to members below its floor, so a
// single join or leave moves at most numSegments/len(members) primaries.
// Backups are trimmed, filled and balanced last.
func Rebalance(base *ConsistentHash, view *model.ClusterView, numOwners int) *ConsistentHash {
	if numOwners < 1 {
		numOwners = 1
	}
	var members []model.Address
	var viewID int64
	if view != nil {
		members = append(members, view.Members...)
		viewID = view.ViewID
	}
	if base == nil {
		base = emptyHash(1, numOwners)
	}

	b := newBuilder(base, members, numOwners)
	if len(members) > 0 {
		b.addPrimaryOwners()
		b.addBackupOwners()
	}
	return b.build(viewID)
}

type builder struct {
	numSegments     int
	numOwners       int
	actualNumOwners int
	members         []model.Address
	owners          [][]model.Address
	primaryOwned    map[model.Address]int
	owned           map[model.Address]int
}

func newBuilder(base *ConsistentHash, members []model.Address, numOwners int) *builder {
	b := &builder{
		numSegments:     base.numSegments,
		numOwners:       numOwners,
		actualNumOwners: min(numOwners, len(members)),
		members:         members,
		owners:          make([][]model.Address, base.numSegments),
		primaryOwned:    make(map[model.Address]int, len(members)),
		owned:           make(map[model.Address]int, len(members)),
	}

	var orphaned []int
	for seg := 0; seg < b.numSegments; seg++ {
		var kept []model.Address
		for _, o := range base.owners[seg] {
			if indexOf(members, o) >= 0 {
				kept = append(kept, o)
			}
		}
		if len(kept) > 0 && len(base.owners[seg]) > 0 && kept[0] != base.owners[seg][0] {
			orphaned = append(orphaned, seg)
		} else if len(kept) > 0 {
			b.primaryOwned[kept[0]]++
		}
		for _, o := range kept {
			b.owned[o]++
		}
		b.owners[seg] = kept
	}

	// Segments whose primary left go to a surviving backup below the floor
	// of an even split, or else to the least loaded member.
	if len(orphaned) > 0 {
		lo, _ := b.primaryBounds()
		for _, seg := range orphaned {
			kept := b.owners[seg]
			best := -1
			for i, o := range kept {
				if b.primaryOwned[o] < lo && (best < 0 || b.primaryOwned[o] < b.primaryOwned[kept[best]]) {
					best = i
				}
			}
			if best < 0 {
				p := b.leastPrimaryLoaded(kept)
				if best = indexOf(kept, p); best < 0 {
					kept = append([]model.Address{p}, kept...)
					b.owned[p]++
					best = 0
				}
			}
			kept[0], kept[best] = kept[best], kept[0]
			b.owners[seg] = kept
			b.primaryOwned[kept[0]]++
		}
	}
	return b
}

func (b *builder) build(viewID int64) *ConsistentHash {
	ch := emptyHash(b.numSegments, b.numOwners)
	ch.viewID = viewID
	ch.members = append([]model.Address(nil), b.members...)
	for seg, owners := range b.owners {
		ch.owners[seg] = append([]model.Address(nil), owners...)
	}
	return ch
}

func (b *builder) addPrimaryOwners() {
	b.addFirstOwner()
	b.shedExcessPrimaries()
	b.fillPrimaryDeficit()
}

// primaryBounds returns the floor and ceiling of an even primary split
func (b *builder) primaryBounds() (int, int) {
	lo := b.numSegments / len(b.members)
	if b.numSegments%len(b.members) == 0 {
		return lo, lo
	}
	return lo, lo + 1
}

func (b *builder) addFirstOwner() {
	for seg := 0; seg < b.numSegments; seg++ {
		if len(b.owners[seg]) > 0 {
			continue
		}
		b.movePrimary(seg, b.leastPrimaryLoaded(nil))
	}
}

// shedExcessPrimaries moves primaries off members above the ceiling, one
// segment at a time, to the least loaded member.
func (b *builder) shedExcessPrimaries() {
	_, hi := b.primaryBounds()
	for seg := b.numSegments - 1; seg >= 0; seg-- {
		owners := b.owners[seg]
		if len(owners) == 0 || b.primaryOwned[owners[0]] <= hi {
			continue
		}
		b.movePrimary(seg, b.leastPrimaryLoaded(owners))
	}
}

// fillPrimaryDeficit raises members below the floor by taking primaries from
// the most loaded member, preferring segments the receiver already backs.
func (b *builder) fillPrimaryDeficit() {
	lo, _ := b.primaryBounds()
	for {
		receiver := b.leastPrimaryLoaded(nil)
		donor := b.mostPrimaryLoaded()
		if b.primaryOwned[receiver] >= lo || b.primaryOwned[donor] <= lo {
			return
		}
		seg := -1
		for i := b.numSegments - 1; i >= 0; i-- {
			owners := b.owners[i]
			if len(owners) == 0 || owners[0] != donor {
				continue
			}
			if indexOf(owners, receiver) > 0 {
				seg = i
				break
			}
			if seg < 0 {
				seg = i
			}
		}
		if seg < 0 {
			return
		}
		b.movePrimary(seg, receiver)
	}
}

// movePrimary makes addr the primary of seg, promoting it when it is
// already a backup.
func (b *builder) movePrimary(seg int, addr model.Address) {
	switch idx := indexOf(b.owners[seg], addr); {
	case idx == 0:
	case idx > 0:
		b.promoteBackup(seg, addr)
	default:
		b.addPrimaryOwner(seg, addr)
	}
}

func (b *builder) addBackupOwners() {
	b.removeExtraBackupOwners()
	b.doAddBackupOwners()
	b.replaceBackupOwners()
}

func (b *builder) removeExtraBackupOwners() {
	untested := append([]model.Address(nil), b.members...)
	for len(untested) > 0 {
		removed := false
		worst := b.findWorstBackupOwner(untested)
		for seg := b.numSegments - 1; seg >= 0; seg-- {
			owners := b.owners[seg]
			if len(owners) <= b.actualNumOwners {
				continue
			}
			if indexOf(owners, worst) > 0 {
				b.removeOwner(seg, worst)
				removed = true
				untested = append(untested[:0:0], b.members...)
				worst = b.findWorstBackupOwner(untested)
			}
		}
		if !removed {
			untested = removeAddress(untested, worst)
		}
	}
}

func (b *builder) doAddBackupOwners() {
	for seg := 0; seg < b.numSegments; seg++ {
		for len(b.owners[seg]) < b.actualNumOwners {
			nb := b.findNewBackupOwner(b.owners[seg], "")
			if nb == "" {
				break
			}
			b.addOwner(seg, nb)
		}
	}
}

func (b *builder) replaceBackupOwners() {
	untested := append([]model.Address(nil), b.members...)
	for len(untested) > 0 {
		replaced := false
		worst := b.findWorstBackupOwner(untested)
		for seg := b.numSegments - 1; seg >= 0; seg-- {
			owners := b.owners[seg]
			if indexOf(owners, worst) <= 0 {
				continue
			}
			if repl := b.findNewBackupOwner(owners, worst); repl != "" {
				b.removeOwner(seg, worst)
				b.addOwner(seg, repl)
				replaced = true
				untested = append(untested[:0:0], b.members...)
				worst = b.findWorstBackupOwner(untested)
			}
		}
		if !replaced {
			untested = removeAddress(untested, worst)
		}
	}
}

// findNewBackupOwner returns the member with the fewest owned segments,
// skipping excluded, whose load after taking one more segment stays below
// the current owner's load after giving one up. Ties resolve to the
// earliest member.
func (b *builder) findNewBackupOwner(excluded []model.Address, current model.Address) model.Address {
	threshold := math.MaxInt
	if current != "" {
		threshold = b.owned[current] - 1
	}
	return pickLeastLoaded(b.members, excluded, current, threshold, b.owned)
}

func pickLeastLoaded(candidates, excluded []model.Address, current model.Address, threshold int, load map[model.Address]int) model.Address {
	var best model.Address
	bestLoad := threshold
	for _, c := range candidates {
		if c == current || indexOf(excluded, c) >= 0 {
			continue
		}
		l := load[c] + 1
		if best == "" {
			if l <= bestLoad {
				best, bestLoad = c, l
			}
		} else if l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best
}

// leastPrimaryLoaded returns the member with the fewest primary segments.
// Ties prefer a member of owners, then the earliest member.
func (b *builder) leastPrimaryLoaded(owners []model.Address) model.Address {
	var best model.Address
	bestLoad := math.MaxInt
	bestOwns := false
	for _, m := range b.members {
		l := b.primaryOwned[m]
		owns := indexOf(owners, m) >= 0
		if l < bestLoad || (l == bestLoad && owns && !bestOwns) {
			best, bestLoad, bestOwns = m, l, owns
		}
	}
	return best
}

func (b *builder) mostPrimaryLoaded() model.Address {
	var worst model.Address
	worstLoad := -1
	for _, m := range b.members {
		if l := b.primaryOwned[m]; l > worstLoad {
			worst, worstLoad = m, l
		}
	}
	return worst
}

func (b *builder) findWorstBackupOwner(candidates []model.Address) model.Address {
	var worst model.Address
	worstLoad := -1
	for _, m := range candidates {
		if l := b.owned[m] - b.primaryOwned[m]; l > worstLoad {
			worst, worstLoad = m, l
		}
	}
	return worst
}

func (b *builder) addPrimaryOwner(seg int, addr model.Address) {
	owners := b.owners[seg]
	if len(owners) > 0 {
		b.primaryOwned[owners[0]]--
	}
	next := make([]model.Address, 0, len(owners)+1)
	next = append(next, addr)
	next = append(next, owners...)
	b.owners[seg] = next
	b.primaryOwned[addr]++
	b.owned[addr]++
}

func (b *builder) promoteBackup(seg int, addr model.Address) {
	owners := b.owners[seg]
	idx := indexOf(owners, addr)
	b.primaryOwned[owners[0]]--
	owners[0], owners[idx] = owners[idx], owners[0]
	b.primaryOwned[addr]++
}

func (b *builder) addOwner(seg int, addr model.Address) {
	b.owners[seg] = append(b.owners[seg], addr)
	b.owned[addr]++
}

func (b *builder) removeOwner(seg int, addr model.Address) {
	b.owners[seg] = removeAddress(b.owners[seg], addr)
	b.owned[addr]--
}

func removeAddress(list []model.Address, addr model.Address) []model.Address {
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}
