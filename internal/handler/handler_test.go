package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/pairgrid/internal/algorithm"
	"github.com/devrev/pairgrid/internal/distribution"
	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Name() string { return "default" }

func (m *MockCache) Size() int { return 42 }

func (m *MockCache) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	args := m.Called(ctx, key)
	if e := args.Get(0); e != nil {
		return e.(*model.CacheEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCache) Put(ctx context.Context, key string, value []byte, meta model.Metadata) (*model.CacheEntry, error) {
	args := m.Called(ctx, key, value, meta)
	if e := args.Get(0); e != nil {
		return e.(*model.CacheEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCache) Remove(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type stubCluster struct {
	self model.Address
	topo *distribution.Topology
}

func (s *stubCluster) LocalAddress() model.Address      { return s.self }
func (s *stubCluster) Topology() *distribution.Topology { return s.topo }
func (s *stubCluster) Progress() *model.RehashProgress  { return nil }

func newStubCluster(t *testing.T, state model.DistributionState) *stubCluster {
	view, err := model.NewClusterView(3, []model.Address{"A", "B"})
	require.NoError(t, err)
	ch := algorithm.NewConsistentHash(16, 2, view)
	return &stubCluster{
		self: "A",
		topo: &distribution.Topology{View: view, Current: ch, Write: ch, State: state},
	}
}

func newTestRouter(t *testing.T, cache *MockCache, cluster *stubCluster) http.Handler {
	h := NewHandlers(cache, cluster, zap.NewNop(), time.Second)
	return NewRouter(h, RouterConfig{MetricsPath: "/metrics", Gatherer: prometheus.NewRegistry()})
}

func serve(router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetEntry(t *testing.T) {
	cache := new(MockCache)
	router := newTestRouter(t, cache, newStubCluster(t, model.StateStable))

	entry := model.NewCacheEntry("k1", []byte("v1"), model.Metadata{Version: 7, Lifespan: time.Minute}, time.Now())
	cache.On("Get", mock.Anything, "k1").Return(entry, nil)
	cache.On("Get", mock.Anything, "missing").Return(nil, apperrors.KeyNotFound("missing"))

	w := serve(router, http.MethodGet, "/v1/cache/k1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp EntryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "k1", resp.Key)
	assert.Equal(t, "v1", resp.Value)
	assert.Equal(t, uint64(7), resp.Version)
	assert.Equal(t, "1m0s", resp.Lifespan)

	w = serve(router, http.MethodGet, "/v1/cache/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "KEY_NOT_FOUND")
	cache.AssertExpectations(t)
}

func TestPutEntry(t *testing.T) {
	cache := new(MockCache)
	router := newTestRouter(t, cache, newStubCluster(t, model.StateStable))

	meta := model.Metadata{Lifespan: 10 * time.Second}
	stored := model.NewCacheEntry("k1", []byte("hello"), model.Metadata{Version: 1, Lifespan: 10 * time.Second}, time.Now())
	cache.On("Put", mock.Anything, "k1", []byte("hello"), meta).Return(stored, nil)

	w := serve(router, http.MethodPut, "/v1/cache/k1", []byte(`{"value":"hello","lifespan":"10s"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":1`)
	cache.AssertExpectations(t)
}

func TestPutEntry_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{invalid}`},
		{name: "bad lifespan", body: `{"value":"v","lifespan":"soon"}`},
		{name: "negative max idle", body: `{"value":"v","max_idle":"-1s"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := new(MockCache)
			router := newTestRouter(t, cache, newStubCluster(t, model.StateStable))

			w := serve(router, http.MethodPut, "/v1/cache/k1", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_ARGUMENT")
			cache.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRemoveEntryAndClear(t *testing.T) {
	cache := new(MockCache)
	router := newTestRouter(t, cache, newStubCluster(t, model.StateStable))

	cache.On("Remove", mock.Anything, "k1").Return(true, nil)
	cache.On("Clear", mock.Anything).Return(nil)

	w := serve(router, http.MethodDelete, "/v1/cache/k1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp RemoveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Removed)

	w = serve(router, http.MethodDelete, "/v1/cache", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	cache.AssertExpectations(t)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "write skew", err: apperrors.WriteSkewConflict([]string{"x"}), status: http.StatusConflict},
		{name: "degraded", err: apperrors.SegmentDegraded(3), status: http.StatusServiceUnavailable},
		{name: "no owner", err: apperrors.NoOwnerAvailable("k", 1), status: http.StatusServiceUnavailable},
		{name: "timeout", err: apperrors.Timeout("put", context.DeadlineExceeded), status: http.StatusGatewayTimeout},
		{name: "queue full", err: apperrors.QueueFull("modification log", 10), status: http.StatusTooManyRequests},
		{name: "plain error", err: assert.AnError, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := new(MockCache)
			router := newTestRouter(t, cache, newStubCluster(t, model.StateStable))
			cache.On("Get", mock.Anything, "k").Return(nil, tt.err)

			w := serve(router, http.MethodGet, "/v1/cache/k", nil)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestWriteSkewReportsKeys(t *testing.T) {
	cache := new(MockCache)
	router := newTestRouter(t, cache, newStubCluster(t, model.StateStable))
	cache.On("Put", mock.Anything, "x", []byte("v"), model.Metadata{}).
		Return(nil, apperrors.WriteSkewConflict([]string{"x"}))

	w := serve(router, http.MethodPut, "/v1/cache/x", []byte(`{"value":"v"}`))
	require.Equal(t, http.StatusConflict, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "WRITE_SKEW_CONFLICT", resp.ErrorCode)
	assert.Equal(t, []string{"x"}, resp.Keys)
}

func TestTopology(t *testing.T) {
	cache := new(MockCache)
	router := newTestRouter(t, cache, newStubCluster(t, model.StateStable))

	w := serve(router, http.MethodGet, "/v1/topology", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp TopologyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "A", resp.Node)
	assert.Equal(t, "STABLE", resp.State)
	assert.Equal(t, int64(3), resp.ViewID)
	assert.Equal(t, []string{"A", "B"}, resp.Members)
	assert.Equal(t, 16, resp.NumSegments)
	assert.Equal(t, 16, resp.OwnedSegments)
	assert.Equal(t, 8, resp.PrimarySegments)
	assert.Equal(t, 42, resp.LocalEntries)
}

func TestHealthAndReadiness(t *testing.T) {
	tests := []struct {
		name   string
		state  model.DistributionState
		status int
	}{
		{name: "stable", state: model.StateStable, status: http.StatusOK},
		{name: "degraded", state: model.StateDegraded, status: http.StatusOK},
		{name: "rehashing", state: model.StateRehashInProgress, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, new(MockCache), newStubCluster(t, tt.state))

			assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health", nil).Code)
			assert.Equal(t, tt.status, serve(router, http.MethodGet, "/ready", nil).Code)
		})
	}
}

func TestRoutingFallbacks(t *testing.T) {
	router := newTestRouter(t, new(MockCache), newStubCluster(t, model.StateStable))

	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/v2/unknown", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(router, http.MethodPost, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/metrics", nil).Code)
}
