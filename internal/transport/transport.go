package transport

import (
	"context"

	"github.com/devrev/pairgrid/internal/algorithm"
	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
)

// MessageType identifies a request carried by the transport
type MessageType string

const (
	MsgGet          MessageType = "get"
	MsgPut          MessageType = "put"
	MsgRemove       MessageType = "remove"
	MsgReplicate    MessageType = "replicate"
	MsgClear        MessageType = "clear"
	MsgStateRequest MessageType = "state_request"
	MsgTopology     MessageType = "topology"
	MsgPing         MessageType = "ping"
)

// Message is a request sent between nodes. TopologyID is the view id of the
// consistent hash the sender routed with.
type Message struct {
	Type       MessageType         `json:"type"`
	Cache      string              `json:"cache"`
	TopologyID int64               `json:"topology_id"`
	Key        string              `json:"key,omitempty"`
	Value      []byte              `json:"value,omitempty"`
	Metadata   *model.Metadata     `json:"metadata,omitempty"`
	Entries    []*model.CacheEntry `json:"entries,omitempty"`
	// Owners holds, per replicated key, the owners the primary wrote to
	Owners   map[string][]model.Address `json:"owners,omitempty"`
	Segments []int                      `json:"segments,omitempty"`
	Cursor   map[int]string             `json:"cursor,omitempty"`
	Limit    int                        `json:"limit,omitempty"`
	View     *model.ClusterView         `json:"view,omitempty"`
}

// Response is the reply to a Message. Handler failures travel in Error.
type Response struct {
	Found      bool                `json:"found,omitempty"`
	Entry      *model.CacheEntry   `json:"entry,omitempty"`
	Entries    []*model.CacheEntry `json:"entries,omitempty"`
	Cursor     map[int]string      `json:"cursor,omitempty"`
	Completed  []int               `json:"completed,omitempty"`
	TopologyID int64               `json:"topology_id,omitempty"`
	Layout     *algorithm.Layout   `json:"layout,omitempty"`
	Joined     bool                `json:"joined,omitempty"`
	Error      *WireError          `json:"error,omitempty"`
}

// WireError is a GridError flattened for the wire
type WireError struct {
	Code    apperrors.ErrorCode    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Handler serves inbound messages
type Handler func(ctx context.Context, from model.Address, msg *Message) (*Response, error)

// ViewListener is notified of every installed cluster view
type ViewListener func(view *model.ClusterView)

// Transport delivers messages between cluster members. Delivery is
// at-most-once per call; callers retry when they need more.
type Transport interface {
	// LocalAddress returns the address of this node
	LocalAddress() model.Address
	// Send delivers msg to target and waits for its response
	Send(ctx context.Context, target model.Address, msg *Message) (*Response, error)
	// Broadcast sends msg to every other member of the current view and
	// returns the responses received. The error aggregates failed members.
	Broadcast(ctx context.Context, msg *Message) (map[model.Address]*Response, error)
	// RegisterHandler installs the inbound message handler
	RegisterHandler(h Handler)
	// OnViewChange registers a listener for view changes
	OnViewChange(l ViewListener)
	// View returns the latest installed view
	View() *model.ClusterView
	// Close releases transport resources
	Close() error
}

// ErrorResponse wraps err into a Response
func ErrorResponse(err error) *Response {
	if ge, ok := apperrors.AsGridError(err); ok {
		return &Response{Error: &WireError{Code: ge.Code, Message: ge.Error(), Details: ge.Details}}
	}
	return &Response{Error: &WireError{Code: apperrors.ErrCodeInternal, Message: err.Error()}}
}

// Err rebuilds the error carried by a response, if any
func (r *Response) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	ge := apperrors.NewGridError(r.Error.Code, r.Error.Message, nil)
	for k, v := range r.Error.Details {
		ge.WithDetail(k, v)
	}
	// Conflict keys arrive as []interface{} after decoding
	if raw, ok := r.Error.Details["keys"].([]interface{}); ok {
		keys := make([]string, 0, len(raw))
		for _, k := range raw {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		ge.WithDetail("keys", keys)
	}
	return ge
}
