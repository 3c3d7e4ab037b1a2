// Package handler provides the HTTP surface of a grid node.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/devrev/pairgrid/internal/distribution"
	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxValueSize bounds the request body of a put
const maxValueSize = 4 << 20

// Cache is the part of the cache API served over HTTP
type Cache interface {
	Name() string
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
	Put(ctx context.Context, key string, value []byte, meta model.Metadata) (*model.CacheEntry, error)
	Remove(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Size() int
}

// Cluster exposes the topology of the node
type Cluster interface {
	LocalAddress() model.Address
	Topology() *distribution.Topology
	Progress() *model.RehashProgress
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cache   Cache
	cluster Cluster
	logger  *zap.Logger
	timeout time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cache Cache, cluster Cluster, logger *zap.Logger, timeout time.Duration) *Handlers {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{
		cache:   cache,
		cluster: cluster,
		logger:  logger,
		timeout: timeout,
	}
}

// PutRequest is the body of PUT /v1/cache/{key}
type PutRequest struct {
	Value    string `json:"value"`
	Lifespan string `json:"lifespan,omitempty"`
	MaxIdle  string `json:"max_idle,omitempty"`
}

// EntryResponse describes a stored entry
type EntryResponse struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Version  uint64 `json:"version"`
	Segment  int    `json:"segment"`
	Lifespan string `json:"lifespan,omitempty"`
	MaxIdle  string `json:"max_idle,omitempty"`
}

// RemoveResponse is returned by DELETE /v1/cache/{key}
type RemoveResponse struct {
	Key     string `json:"key"`
	Removed bool   `json:"removed"`
}

// TopologyResponse describes the topology seen by this node
type TopologyResponse struct {
	Node             string                `json:"node"`
	Cache            string                `json:"cache"`
	State            string                `json:"state"`
	ViewID           int64                 `json:"view_id"`
	Members          []string              `json:"members"`
	NumSegments      int                   `json:"num_segments"`
	NumOwners        int                   `json:"num_owners"`
	PrimarySegments  int                   `json:"primary_segments"`
	OwnedSegments    int                   `json:"owned_segments"`
	PendingMembers   []string              `json:"pending_members,omitempty"`
	DegradedSegments []int                 `json:"degraded_segments,omitempty"`
	LocalEntries     int                   `json:"local_entries"`
	Rehash           *model.RehashProgress `json:"rehash,omitempty"`
}

// GetEntry handles GET /v1/cache/{key} requests.
func (h *Handlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entry, err := h.cache.Get(ctx, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toEntryResponse(entry))
}

// PutEntry handles PUT /v1/cache/{key} requests.
func (h *Handlers) PutEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req PutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxValueSize)).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidArgument("invalid request body", err))
		return
	}
	meta, err := req.metadata()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entry, err := h.cache.Put(ctx, key, []byte(req.Value), meta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toEntryResponse(entry))
}

// RemoveEntry handles DELETE /v1/cache/{key} requests.
func (h *Handlers) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	removed, err := h.cache.Remove(ctx, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, RemoveResponse{Key: key, Removed: removed})
}

// ClearCache handles DELETE /v1/cache requests.
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.cache.Clear(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTopology handles GET /v1/topology requests.
func (h *Handlers) GetTopology(w http.ResponseWriter, r *http.Request) {
	self := h.cluster.LocalAddress()
	t := h.cluster.Topology()
	resp := TopologyResponse{
		Node:             string(self),
		Cache:            h.cache.Name(),
		State:            string(t.State),
		DegradedSegments: t.DegradedSegments(),
		LocalEntries:     h.cache.Size(),
		Rehash:           h.cluster.Progress(),
	}
	if t.View != nil {
		resp.ViewID = t.View.ViewID
	}
	if t.Current != nil {
		resp.Members = addressStrings(t.Current.Members())
		resp.NumSegments = t.Current.NumSegments()
		resp.NumOwners = t.Current.NumOwners()
		resp.PrimarySegments = len(t.Current.PrimarySegmentsOwnedBy(self))
		resp.OwnedSegments = len(t.Current.SegmentsOwnedBy(self))
	}
	if t.Pending != nil {
		resp.PendingMembers = addressStrings(t.Pending.Members())
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

func (req *PutRequest) metadata() (model.Metadata, error) {
	var meta model.Metadata
	var err error
	if req.Lifespan != "" {
		if meta.Lifespan, err = time.ParseDuration(req.Lifespan); err != nil || meta.Lifespan < 0 {
			return meta, apperrors.InvalidArgument("lifespan must be a positive duration", err)
		}
	}
	if req.MaxIdle != "" {
		if meta.MaxIdle, err = time.ParseDuration(req.MaxIdle); err != nil || meta.MaxIdle < 0 {
			return meta, apperrors.InvalidArgument("max_idle must be a positive duration", err)
		}
	}
	return meta, nil
}

func toEntryResponse(e *model.CacheEntry) EntryResponse {
	resp := EntryResponse{
		Key:     e.Key,
		Value:   string(e.Value),
		Version: e.Version(),
		Segment: e.Segment,
	}
	if e.Metadata.Lifespan > 0 {
		resp.Lifespan = e.Metadata.Lifespan.String()
	}
	if e.Metadata.MaxIdle > 0 {
		resp.MaxIdle = e.Metadata.MaxIdle.String()
	}
	return resp
}

func addressStrings(addrs []model.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
