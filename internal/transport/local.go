package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
)

// Network is an in-process cluster. Every message is encoded and decoded as
// on the wire, so nodes never share memory through the transport.
type Network struct {
	mu          sync.RWMutex
	nodes       map[model.Address]*LocalTransport
	members     []model.Address
	viewID      int64
	unreachable map[model.Address]bool

	// installMu serialises view installation so every node sees views in order
	installMu sync.Mutex
}

// NewNetwork creates an empty in-process network
func NewNetwork() *Network {
	return &Network{
		nodes:       make(map[model.Address]*LocalTransport),
		unreachable: make(map[model.Address]bool),
	}
}

// Attach creates the transport of addr without changing the view. Call
// InstallView (or Join) to make it a member.
func (n *Network) Attach(addr model.Address) *LocalTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[addr]; ok {
		return t
	}
	t := &LocalTransport{network: n, self: addr}
	n.nodes[addr] = t
	return t
}

// Join attaches addr, adds it to the membership and installs the new view
func (n *Network) Join(addr model.Address) *LocalTransport {
	t := n.Attach(addr)
	n.mu.Lock()
	if !containsAddr(n.members, addr) {
		n.members = append(n.members, addr)
	}
	n.mu.Unlock()
	n.InstallView()
	return t
}

// Leave removes addr from the membership and installs the new view. The
// departed node stops receiving messages.
func (n *Network) Leave(addr model.Address) {
	n.mu.Lock()
	kept := n.members[:0:0]
	for _, m := range n.members {
		if m != addr {
			kept = append(kept, m)
		}
	}
	n.members = kept
	delete(n.nodes, addr)
	n.mu.Unlock()
	n.InstallView()
}

// SetReachable simulates a partition of addr without changing the view
func (n *Network) SetReachable(addr model.Address, reachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if reachable {
		delete(n.unreachable, addr)
	} else {
		n.unreachable[addr] = true
	}
}

// InstallView pushes a new view with the current membership to every member
func (n *Network) InstallView() *model.ClusterView {
	n.installMu.Lock()
	defer n.installMu.Unlock()

	n.mu.Lock()
	n.viewID++
	view := &model.ClusterView{ViewID: n.viewID, Members: append([]model.Address(nil), n.members...)}
	targets := make([]*LocalTransport, 0, len(n.members))
	for _, m := range n.members {
		if t, ok := n.nodes[m]; ok {
			targets = append(targets, t)
		}
	}
	n.mu.Unlock()

	for _, t := range targets {
		t.installView(view)
	}
	return view
}

func (n *Network) route(from, to model.Address) (*LocalTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[to]
	if !ok || n.unreachable[to] || n.unreachable[from] {
		return nil, apperrors.PeerUnreachable(string(to), nil)
	}
	return t, nil
}

// LocalTransport is the Transport of one node on a Network
type LocalTransport struct {
	network *Network
	self    model.Address

	mu        sync.RWMutex
	handler   Handler
	view      *model.ClusterView
	listeners []ViewListener
}

var _ Transport = (*LocalTransport)(nil)

// LocalAddress implements Transport
func (t *LocalTransport) LocalAddress() model.Address {
	return t.self
}

// Send implements Transport
func (t *LocalTransport) Send(ctx context.Context, target model.Address, msg *Message) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Timeout(fmt.Sprintf("send %s to %s", msg.Type, target), err)
	}
	dst, err := t.network.route(t.self, target)
	if err != nil {
		return nil, err
	}

	dst.mu.RLock()
	h := dst.handler
	dst.mu.RUnlock()
	if h == nil {
		return nil, apperrors.PeerUnreachable(string(target), fmt.Errorf("no handler registered"))
	}

	var wireMsg Message
	if err := roundTrip(msg, &wireMsg); err != nil {
		return nil, err
	}
	resp, err := h(ctx, t.self, &wireMsg)
	if err != nil {
		resp = ErrorResponse(err)
	}
	if resp == nil {
		resp = &Response{}
	}
	var wireResp Response
	if err := roundTrip(resp, &wireResp); err != nil {
		return nil, err
	}
	return &wireResp, nil
}

// Broadcast implements Transport
func (t *LocalTransport) Broadcast(ctx context.Context, msg *Message) (map[model.Address]*Response, error) {
	return broadcast(ctx, t.View(), t.self, msg, t.Send)
}

// RegisterHandler implements Transport
func (t *LocalTransport) RegisterHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// OnViewChange implements Transport
func (t *LocalTransport) OnViewChange(l ViewListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// View implements Transport
func (t *LocalTransport) View() *model.ClusterView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.view == nil {
		return &model.ClusterView{Members: []model.Address{t.self}}
	}
	return t.view
}

// Close implements Transport
func (t *LocalTransport) Close() error {
	return nil
}

func (t *LocalTransport) installView(view *model.ClusterView) {
	t.mu.Lock()
	t.view = view
	listeners := append([]ViewListener(nil), t.listeners...)
	t.mu.Unlock()
	for _, l := range listeners {
		l(view)
	}
}

func roundTrip(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return apperrors.InternalError("failed to encode message", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.InternalError("failed to decode message", err)
	}
	return nil
}

func containsAddr(list []model.Address, addr model.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
