package model

// EventType identifies a cluster event
type EventType string

const (
	EventCacheStarted EventType = "CACHE_STARTED"
	EventCacheStopped EventType = "CACHE_STOPPED"
	EventViewChanged  EventType = "VIEW_CHANGED"
)

// ClusterEvent is dispatched by the notifier
type ClusterEvent struct {
	Type      EventType    `json:"type"`
	CacheName string       `json:"cache_name"`
	Node      Address      `json:"node"`
	OldView   *ClusterView `json:"old_view,omitempty"`
	NewView   *ClusterView `json:"new_view,omitempty"`
	// Degraded lists segments that could not be transferred during the rehash
	Degraded []int `json:"degraded,omitempty"`
}
