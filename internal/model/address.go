package model

import (
	"fmt"
	"sort"
)

// Address identifies a cluster member. Addresses are comparable and ordered
// by their string form.
type Address string

// String returns the address as a string
func (a Address) String() string {
	return string(a)
}

// IsZero reports whether the address is empty
func (a Address) IsZero() bool {
	return a == ""
}

// ClusterView is a membership snapshot. ViewID increases on every
// membership change; Members are kept in join order.
type ClusterView struct {
	ViewID  int64     `json:"view_id"`
	Members []Address `json:"members"`
}

// NewClusterView creates a view, rejecting empty or duplicate addresses
func NewClusterView(viewID int64, members []Address) (*ClusterView, error) {
	seen := make(map[Address]struct{}, len(members))
	copied := make([]Address, 0, len(members))
	for _, m := range members {
		if m.IsZero() {
			return nil, fmt.Errorf("view %d contains an empty address", viewID)
		}
		if _, ok := seen[m]; ok {
			return nil, fmt.Errorf("view %d contains duplicate member %s", viewID, m)
		}
		seen[m] = struct{}{}
		copied = append(copied, m)
	}
	return &ClusterView{ViewID: viewID, Members: copied}, nil
}

// Contains reports whether addr is a member of the view
func (v *ClusterView) Contains(addr Address) bool {
	if v == nil {
		return false
	}
	for _, m := range v.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// Size returns the number of members
func (v *ClusterView) Size() int {
	if v == nil {
		return 0
	}
	return len(v.Members)
}

// Joiners returns members of v that are not part of prev
func (v *ClusterView) Joiners(prev *ClusterView) []Address {
	var out []Address
	for _, m := range v.Members {
		if !prev.Contains(m) {
			out = append(out, m)
		}
	}
	return out
}

// Leavers returns members of prev that are not part of v
func (v *ClusterView) Leavers(prev *ClusterView) []Address {
	if prev == nil {
		return nil
	}
	var out []Address
	for _, m := range prev.Members {
		if !v.Contains(m) {
			out = append(out, m)
		}
	}
	return out
}

// SortedMembers returns a sorted copy of the members
func (v *ClusterView) SortedMembers() []Address {
	out := append([]Address(nil), v.Members...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the view for logs
func (v *ClusterView) String() string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("view[%d]%v", v.ViewID, v.Members)
}
