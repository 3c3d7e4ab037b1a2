package transport

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairgrid/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// DiscoveryConfig holds gossip membership configuration
type DiscoveryConfig struct {
	BindAddr       string
	BindPort       int
	AdvertiseAddr  string
	AdvertisePort  int
	Seeds          []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	// Settle delays view installation so a burst of joins yields one view
	Settle time.Duration
}

// MembershipSink receives every membership change
type MembershipSink interface {
	ApplyMembership(view *model.ClusterView, rpcAddrs map[model.Address]string)
}

type nodeMeta struct {
	RPCAddr string `json:"rpc_addr"`
}

// Discovery tracks cluster membership over memberlist gossip and turns it
// into numbered views
type Discovery struct {
	config     *DiscoveryConfig
	memberlist *memberlist.Memberlist
	nodeID     model.Address
	meta       []byte
	sink       MembershipSink
	logger     *zap.Logger

	// publishMu keeps views delivered to the sink in id order
	publishMu sync.Mutex

	mu      sync.Mutex
	viewID  int64
	last    []model.Address
	pending *time.Timer
}

// NewDiscovery starts gossip as nodeID, advertising rpcAddr in the node
// metadata, and joins the seed nodes
func NewDiscovery(cfg *DiscoveryConfig, nodeID model.Address, rpcAddr string, sink MembershipSink, logger *zap.Logger) (*Discovery, error) {
	meta, err := json.Marshal(nodeMeta{RPCAddr: rpcAddr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node meta: %w", err)
	}
	d := &Discovery{
		config: cfg,
		nodeID: nodeID,
		meta:   meta,
		sink:   sink,
		logger: logger.With(zap.String("component", "discovery")),
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = string(nodeID)
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	if cfg.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
		mlConfig.AdvertisePort = cfg.AdvertisePort
	}
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = d
	mlConfig.Events = &discoveryEvents{discovery: d}
	mlConfig.LogOutput = zap.NewStdLog(d.logger).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	d.mu.Lock()
	d.memberlist = ml
	d.mu.Unlock()

	if len(cfg.Seeds) > 0 {
		if _, err := ml.Join(cfg.Seeds); err != nil {
			d.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	d.publish()
	return d, nil
}

// NodeMeta implements memberlist.Delegate
func (d *Discovery) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

// NotifyMsg implements memberlist.Delegate
func (d *Discovery) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (d *Discovery) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (d *Discovery) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (d *Discovery) MergeRemoteState(buf []byte, join bool) {}

// Members returns the live members sorted by name
func (d *Discovery) Members() []model.Address {
	d.mu.Lock()
	ml := d.memberlist
	d.mu.Unlock()
	members, _ := d.snapshot(ml)
	return members
}

func (d *Discovery) snapshot(ml *memberlist.Memberlist) ([]model.Address, map[model.Address]string) {
	nodes := ml.Members()
	members := make([]model.Address, 0, len(nodes))
	rpcAddrs := make(map[model.Address]string, len(nodes))
	for _, n := range nodes {
		addr := model.Address(n.Name)
		var meta nodeMeta
		if err := json.Unmarshal(n.Meta, &meta); err != nil || meta.RPCAddr == "" {
			d.logger.Warn("Ignoring member without rpc address", zap.String("node_id", n.Name))
			continue
		}
		members = append(members, addr)
		rpcAddrs[addr] = meta.RPCAddr
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, rpcAddrs
}

// schedule coalesces membership events into one view after the settle delay
func (d *Discovery) schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	// events fired while memberlist is starting are covered by the first publish
	if d.memberlist == nil {
		return
	}
	if d.pending != nil {
		d.pending.Stop()
	}
	d.pending = time.AfterFunc(d.config.Settle, d.publish)
}

func (d *Discovery) publish() {
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	d.mu.Lock()
	ml := d.memberlist
	d.mu.Unlock()
	members, rpcAddrs := d.snapshot(ml)

	d.mu.Lock()
	if sameMembers(d.last, members) {
		d.mu.Unlock()
		return
	}
	d.viewID++
	d.last = members
	view := &model.ClusterView{ViewID: d.viewID, Members: members}
	d.mu.Unlock()

	d.logger.Info("Membership changed",
		zap.Int64("view_id", view.ViewID),
		zap.Stringer("view", view))
	if d.sink != nil {
		d.sink.ApplyMembership(view, rpcAddrs)
	}
}

// Shutdown leaves the cluster and stops gossip
func (d *Discovery) Shutdown(timeout time.Duration) error {
	d.mu.Lock()
	if d.pending != nil {
		d.pending.Stop()
	}
	d.mu.Unlock()
	if err := d.memberlist.Leave(timeout); err != nil {
		d.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return d.memberlist.Shutdown()
}

type discoveryEvents struct {
	discovery *Discovery
}

// NotifyJoin is called when a node joins
func (e *discoveryEvents) NotifyJoin(node *memberlist.Node) {
	e.discovery.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	e.discovery.schedule()
}

// NotifyLeave is called when a node leaves or is declared dead
func (e *discoveryEvents) NotifyLeave(node *memberlist.Node) {
	e.discovery.logger.Info("Node left", zap.String("node_id", node.Name))
	e.discovery.schedule()
}

// NotifyUpdate is called when a node's metadata changes
func (e *discoveryEvents) NotifyUpdate(node *memberlist.Node) {
	e.discovery.logger.Debug("Node updated", zap.String("node_id", node.Name))
	e.discovery.schedule()
}

func sameMembers(a, b []model.Address) bool {
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
