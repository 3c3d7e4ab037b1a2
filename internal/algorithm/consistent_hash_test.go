package algorithm

import (
	"fmt"
	"testing"

	"github.com/devrev/pairgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func view(t *testing.T, id int64, members ...string) *model.ClusterView {
	t.Helper()
	addrs := make([]model.Address, 0, len(members))
	for _, m := range members {
		addrs = append(addrs, model.Address(m))
	}
	v, err := model.NewClusterView(id, addrs)
	require.NoError(t, err)
	return v
}

func primaryCounts(ch *ConsistentHash) map[model.Address]int {
	counts := make(map[model.Address]int)
	for seg := 0; seg < ch.NumSegments(); seg++ {
		if p, ok := ch.PrimaryOwner(seg); ok {
			counts[p]++
		}
	}
	return counts
}

func assertPrimarySpread(t *testing.T, ch *ConsistentHash, maxSpread int) {
	t.Helper()
	counts := primaryCounts(ch)
	lo, hi := ch.NumSegments(), 0
	for _, m := range ch.Members() {
		lo = min(lo, counts[m])
		hi = max(hi, counts[m])
	}
	assert.LessOrEqual(t, hi-lo, maxSpread)
}

func assertWellFormed(t *testing.T, ch *ConsistentHash, numOwners int) {
	t.Helper()
	members := ch.Members()
	want := min(numOwners, len(members))
	for seg := 0; seg < ch.NumSegments(); seg++ {
		owners := ch.Owners(seg)
		require.Len(t, owners, want, "segment %d", seg)
		seen := map[model.Address]bool{}
		for _, o := range owners {
			assert.False(t, seen[o], "duplicate owner %s in segment %d", o, seg)
			assert.True(t, ch.IsMember(o), "owner %s of segment %d is not a member", o, seg)
			seen[o] = true
		}
	}
}

func TestNewConsistentHash_Balanced(t *testing.T) {
	tests := []struct {
		name      string
		segments  int
		owners    int
		members   []string
		maxSpread int
	}{
		{"three nodes two owners", 256, 2, []string{"A", "B", "C"}, 1},
		{"four nodes two owners", 256, 2, []string{"A", "B", "C", "D"}, 1},
		{"five nodes three owners", 60, 3, []string{"n1", "n2", "n3", "n4", "n5"}, 1},
		{"single node", 16, 2, []string{"solo"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewConsistentHash(tt.segments, tt.owners, view(t, 1, tt.members...))
			assertWellFormed(t, ch, tt.owners)

			counts := primaryCounts(ch)
			lo, hi := tt.segments, 0
			for _, m := range ch.Members() {
				lo = min(lo, counts[m])
				hi = max(hi, counts[m])
			}
			assert.LessOrEqual(t, hi-lo, tt.maxSpread)
		})
	}
}

func TestRebalance_Deterministic(t *testing.T) {
	base := NewConsistentHash(256, 2, view(t, 1, "A", "B", "C"))
	next := view(t, 2, "A", "B", "C", "D")

	first := Rebalance(base, next, 2)
	for i := 0; i < 5; i++ {
		again := Rebalance(base, next, 2)
		assert.True(t, first.Equal(again), "run %d produced a different hash", i)
	}

	rebuiltBase := NewConsistentHash(256, 2, view(t, 1, "A", "B", "C"))
	assert.True(t, first.Equal(Rebalance(rebuiltBase, next, 2)))
}

func TestRebalance_SameMembershipIsStable(t *testing.T) {
	base := NewConsistentHash(256, 2, view(t, 1, "A", "B", "C", "D"))
	again := Rebalance(base, view(t, 2, "A", "B", "C", "D"), 2)

	assert.True(t, base.Equal(again))
	assert.Empty(t, Diff(base, again))
	assert.Equal(t, int64(2), again.ViewID())
}

func TestRebalance_JoinMovesAtMostFairShare(t *testing.T) {
	const segments = 256
	base := NewConsistentHash(segments, 2, view(t, 1, "A", "B", "C"))
	next := Rebalance(base, view(t, 2, "A", "B", "C", "D"), 2)

	assertWellFormed(t, next, 2)
	assert.LessOrEqual(t, PrimaryChanges(base, next), segments/4)

	// Every moved primary goes to the joiner
	for seg := 0; seg < segments; seg++ {
		before, _ := base.PrimaryOwner(seg)
		after, _ := next.PrimaryOwner(seg)
		if before != after {
			assert.Equal(t, model.Address("D"), after, "segment %d", seg)
		}
	}

	counts := primaryCounts(next)
	assert.Equal(t, segments/4, counts["D"])
	assert.NotEmpty(t, next.SegmentsOwnedBy("D"))
}

func TestRebalance_LeaveMovesAtMostFairShare(t *testing.T) {
	const segments = 256
	base := NewConsistentHash(segments, 2, view(t, 1, "A", "B", "C", "D"))
	next := Rebalance(base, view(t, 2, "A", "B", "C"), 2)

	assertWellFormed(t, next, 2)
	assert.Empty(t, next.SegmentsOwnedBy("D"))
	assert.LessOrEqual(t, PrimaryChanges(base, next), segments/3)
}

func TestRebalance_SingleMemberChangeBound(t *testing.T) {
	for _, segments := range []int{60, 256, 1000} {
		for n := 2; n <= 12; n++ {
			for numOwners := 1; numOwners <= 3; numOwners++ {
				t.Run(fmt.Sprintf("segs=%d/n=%d/owners=%d", segments, n, numOwners), func(t *testing.T) {
					names := make([]string, n+1)
					for i := range names {
						names[i] = fmt.Sprintf("n%02d", i)
					}
					base := NewConsistentHash(segments, numOwners, view(t, 1, names[:n]...))

					left := Rebalance(base, view(t, 2, names[1:n]...), numOwners)
					assertWellFormed(t, left, numOwners)
					assert.Empty(t, left.SegmentsOwnedBy("n00"))
					assert.LessOrEqual(t, PrimaryChanges(base, left), segments/(n-1))
					assertPrimarySpread(t, left, 1)
					for seg := 0; seg < segments; seg++ {
						before, _ := base.PrimaryOwner(seg)
						after, _ := left.PrimaryOwner(seg)
						if before != "n00" {
							assert.Equal(t, before, after, "surviving primary of segment %d moved", seg)
						}
					}

					joiner := model.Address(names[n])
					joined := Rebalance(base, view(t, 2, names...), numOwners)
					assertWellFormed(t, joined, numOwners)
					assert.LessOrEqual(t, PrimaryChanges(base, joined), segments/(n+1))
					assertPrimarySpread(t, joined, 1)
					for seg := 0; seg < segments; seg++ {
						before, _ := base.PrimaryOwner(seg)
						after, _ := joined.PrimaryOwner(seg)
						if before != after {
							assert.Equal(t, joiner, after, "segment %d", seg)
						}
					}
				})
			}
		}
	}
}

func TestRebalance_MultiMemberChangesStayBalanced(t *testing.T) {
	steps := [][]string{
		{"A", "B", "C"},
		{"A", "B", "C", "D", "E", "F"},
		{"B", "F"},
		{"C", "D", "E", "F", "G"},
		{"G"},
		{"A", "B", "C", "D"},
	}
	ch := NewConsistentHash(60, 2, view(t, 1, steps[0]...))
	for i, members := range steps[1:] {
		ch = Rebalance(ch, view(t, int64(i+2), members...), 2)
		assertWellFormed(t, ch, 2)
		assertPrimarySpread(t, ch, 1)
	}
}

func TestRebalance_ReplicationFactorAboveMembers(t *testing.T) {
	ch := NewConsistentHash(32, 3, view(t, 1, "A", "B"))
	assertWellFormed(t, ch, 3)
	for seg := 0; seg < 32; seg++ {
		assert.Len(t, ch.Owners(seg), 2)
	}

	grown := Rebalance(ch, view(t, 2, "A", "B", "C"), 3)
	for seg := 0; seg < 32; seg++ {
		assert.Len(t, grown.Owners(seg), 3)
	}
}

func TestRebalance_EmptyView(t *testing.T) {
	base := NewConsistentHash(16, 2, view(t, 1, "A", "B"))
	empty := Rebalance(base, view(t, 2), 2)

	assert.Empty(t, empty.Members())
	for seg := 0; seg < 16; seg++ {
		_, ok := empty.PrimaryOwner(seg)
		assert.False(t, ok)
	}

	revived := Rebalance(empty, view(t, 3, "C"), 2)
	assertWellFormed(t, revived, 2)
	assert.Len(t, revived.PrimarySegmentsOwnedBy("C"), 16)
}

func TestUnionAndDiff(t *testing.T) {
	base := NewConsistentHash(64, 2, view(t, 1, "A", "B", "C"))
	next := Rebalance(base, view(t, 2, "A", "B", "C", "D"), 2)
	union := Union(base, next)

	for _, tr := range Diff(base, next) {
		owners := union.Owners(tr.Segment)
		for _, o := range tr.OldOwners {
			assert.Contains(t, owners, o)
		}
		for _, o := range tr.NewOwners {
			assert.Contains(t, owners, o)
		}
		assert.Equal(t, tr.OldOwners[0], owners[0], "union keeps the current primary first")
	}
	assert.Equal(t, next.ViewID(), union.ViewID())
	assert.True(t, union.IsMember("D"))
}

func TestSegmentForKey_StableAndInRange(t *testing.T) {
	ch := NewConsistentHash(256, 2, view(t, 1, "A"))
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		seg := ch.SegmentForKey(key)
		assert.GreaterOrEqual(t, seg, 0)
		assert.Less(t, seg, 256)
		assert.Equal(t, seg, SegmentForKey(key, 256))
		assert.Equal(t, seg, ch.Segment(KeyHash(key)))
	}
}
