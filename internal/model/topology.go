package model

import "time"

// DistributionState is the rehash state of a node
type DistributionState string

const (
	// StateStable means the current topology is fully in place
	StateStable DistributionState = "STABLE"
	// StateRehashInProgress means a pending topology is being transferred
	StateRehashInProgress DistributionState = "REHASH_IN_PROGRESS"
	// StateDegraded means the last rehash committed with segments missing data
	StateDegraded DistributionState = "DEGRADED"
)

// SegmentTransfer describes the ownership change of one segment
type SegmentTransfer struct {
	Segment   int       `json:"segment"`
	OldOwners []Address `json:"old_owners"`
	NewOwners []Address `json:"new_owners"`
}

// Gains reports whether addr becomes an owner it was not before
func (t SegmentTransfer) Gains(addr Address) bool {
	return containsAddress(t.NewOwners, addr) && !containsAddress(t.OldOwners, addr)
}

// Loses reports whether addr stops owning the segment
func (t SegmentTransfer) Loses(addr Address) bool {
	return containsAddress(t.OldOwners, addr) && !containsAddress(t.NewOwners, addr)
}

// TransferStatus tracks the state of a segment pull
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferStreaming TransferStatus = "streaming"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
)

// RehashProgress summarises a rehash for status endpoints
type RehashProgress struct {
	RehashID         string            `json:"rehash_id"`
	ViewID           int64             `json:"view_id"`
	Status           TransferStatus    `json:"status"`
	SegmentsTotal    int               `json:"segments_total"`
	SegmentsDone     int               `json:"segments_done"`
	EntriesReceived  int64             `json:"entries_received"`
	DegradedSegments []int             `json:"degraded_segments,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at,omitempty"`
	Workers          TransferPoolStats `json:"workers"`
}

// TransferPoolStats describes the state transfer workers of a node
type TransferPoolStats struct {
	ActiveWorkers int    `json:"active_workers"`
	QueuedPulls   int    `json:"queued_pulls"`
	PullsOK       uint64 `json:"pulls_ok"`
	PullsFailed   uint64 `json:"pulls_failed"`
}

func containsAddress(list []Address, addr Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
