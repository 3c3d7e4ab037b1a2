package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	codecName     = "json"
	serviceName   = "pairgrid.transport.Transport"
	invokeMethod  = "/" + serviceName + "/Invoke"
	targetPrefix  = "passthrough:///"
	defaultRPCTTL = 5 * time.Second
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Envelope is the unary request body of the Invoke RPC
type Envelope struct {
	From    model.Address `json:"from"`
	Message *Message      `json:"message"`
}

type invokeServer interface {
	Invoke(ctx context.Context, env *Envelope) (*Response, error)
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(invokeServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(invokeServer).Invoke(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*invokeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pairgrid/transport",
}

// GRPCConfig configures a GRPCTransport
type GRPCConfig struct {
	BindAddr             string
	Listener             net.Listener
	DialOptions          []grpc.DialOption
	RequestTimeout       time.Duration
	MaxConcurrentStreams uint32
}

// GRPCTransport carries messages over gRPC unary calls. Membership is fed
// in by ApplyMembership, usually from a Discovery.
type GRPCTransport struct {
	self     model.Address
	cfg      GRPCConfig
	listener net.Listener
	server   *grpc.Server
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu        sync.RWMutex
	handler   Handler
	view      *model.ClusterView
	rpcAddrs  map[model.Address]string
	conns     map[string]*grpc.ClientConn
	listeners []ViewListener
	closed    bool
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates the transport and binds its listener. Serving
// starts with Start.
func NewGRPCTransport(self model.Address, cfg GRPCConfig, m *metrics.Metrics, logger *zap.Logger) (*GRPCTransport, error) {
	if self.IsZero() {
		return nil, apperrors.InvalidArgument("transport address must not be empty", nil)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRPCTTL
	}
	lis := cfg.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.BindAddr, err)
		}
	}

	var opts []grpc.ServerOption
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}

	t := &GRPCTransport{
		self:     self,
		cfg:      cfg,
		listener: lis,
		server:   grpc.NewServer(opts...),
		metrics:  m,
		logger:   logger.With(zap.String("component", "grpc_transport")),
		rpcAddrs: make(map[model.Address]string),
		conns:    make(map[string]*grpc.ClientConn),
		view:     &model.ClusterView{Members: []model.Address{self}},
	}
	t.rpcAddrs[self] = lis.Addr().String()
	t.server.RegisterService(&transportServiceDesc, t)
	return t, nil
}

// Start serves inbound calls in the background
func (t *GRPCTransport) Start() {
	go func() {
		t.logger.Info("Transport listening", zap.String("address", t.listener.Addr().String()))
		if err := t.server.Serve(t.listener); err != nil && err != grpc.ErrServerStopped {
			t.logger.Error("Transport server stopped", zap.Error(err))
		}
	}()
}

// RPCAddr returns the address this transport accepts calls on
func (t *GRPCTransport) RPCAddr() string {
	return t.listener.Addr().String()
}

// Invoke serves one inbound message
func (t *GRPCTransport) Invoke(ctx context.Context, env *Envelope) (*Response, error) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil || env.Message == nil {
		return nil, status.Error(codes.Unavailable, "no handler registered")
	}
	resp, err := h(ctx, env.From, env.Message)
	if err != nil {
		return ErrorResponse(err), nil
	}
	if resp == nil {
		resp = &Response{}
	}
	return resp, nil
}

// ApplyMembership installs view and the RPC address of each member, then
// notifies view listeners
func (t *GRPCTransport) ApplyMembership(view *model.ClusterView, rpcAddrs map[model.Address]string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	next := make(map[model.Address]string, len(rpcAddrs)+1)
	for addr, rpc := range rpcAddrs {
		next[addr] = rpc
	}
	next[t.self] = t.listener.Addr().String()

	live := make(map[string]bool, len(next))
	for _, rpc := range next {
		live[rpc] = true
	}
	for rpc, conn := range t.conns {
		if !live[rpc] {
			_ = conn.Close()
			delete(t.conns, rpc)
		}
	}
	t.rpcAddrs = next
	t.view = view
	listeners := append([]ViewListener(nil), t.listeners...)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ClusterMembers.Set(float64(view.Size()))
	}
	t.logger.Info("Installed cluster view",
		zap.Int64("view_id", view.ViewID),
		zap.Int("members", view.Size()))
	for _, l := range listeners {
		l(view)
	}
}

// LocalAddress implements Transport
func (t *GRPCTransport) LocalAddress() model.Address {
	return t.self
}

// Send implements Transport
func (t *GRPCTransport) Send(ctx context.Context, target model.Address, msg *Message) (*Response, error) {
	start := time.Now()
	resp, err := t.send(ctx, target, msg)
	if t.metrics != nil {
		errCode := ""
		if err != nil {
			errCode = apperrors.GetCode(err).String()
		} else if resp.Error != nil {
			errCode = resp.Error.Code.String()
		}
		t.metrics.RecordRPC(string(msg.Type), time.Since(start).Seconds(), errCode)
	}
	return resp, err
}

func (t *GRPCTransport) send(ctx context.Context, target model.Address, msg *Message) (*Response, error) {
	conn, err := t.connFor(target)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	resp := new(Response)
	err = conn.Invoke(ctx, invokeMethod, &Envelope{From: t.self, Message: msg}, resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded:
			return nil, apperrors.Timeout(fmt.Sprintf("send %s to %s", msg.Type, target), err)
		case codes.Canceled:
			return nil, apperrors.Timeout(fmt.Sprintf("send %s to %s", msg.Type, target), ctx.Err())
		default:
			return nil, apperrors.PeerUnreachable(string(target), err)
		}
	}
	return resp, nil
}

func (t *GRPCTransport) connFor(target model.Address) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, apperrors.Shutdown("transport")
	}
	rpc, ok := t.rpcAddrs[target]
	conn := t.conns[rpc]
	t.mu.RUnlock()
	if !ok {
		return nil, apperrors.PeerUnreachable(string(target), fmt.Errorf("not a member of the current view"))
	}
	if conn != nil {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[rpc]; ok {
		return conn, nil
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, t.cfg.DialOptions...)
	conn, err := grpc.NewClient(targetPrefix+rpc, opts...)
	if err != nil {
		return nil, apperrors.PeerUnreachable(string(target), err)
	}
	t.conns[rpc] = conn
	return conn, nil
}

// Broadcast implements Transport
func (t *GRPCTransport) Broadcast(ctx context.Context, msg *Message) (map[model.Address]*Response, error) {
	return broadcast(ctx, t.View(), t.self, msg, t.Send)
}

// RegisterHandler implements Transport
func (t *GRPCTransport) RegisterHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// OnViewChange implements Transport
func (t *GRPCTransport) OnViewChange(l ViewListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// View implements Transport
func (t *GRPCTransport) View() *model.ClusterView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view
}

// Close stops the server and closes every client connection
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	t.server.GracefulStop()
	return nil
}
