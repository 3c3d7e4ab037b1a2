package transport

import (
	"context"
	"net"
	"testing"
	"time"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// bufNet routes dials by target address to in-memory listeners
type bufNet map[string]*bufconn.Listener

func (b bufNet) dialer(ctx context.Context, addr string) (net.Conn, error) {
	lis, ok := b[addr]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "bufconn", Err: net.UnknownNetworkError(addr)}
	}
	return lis.DialContext(ctx)
}

func newBufTransport(t *testing.T, nodes bufNet, self model.Address) *GRPCTransport {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	nodes["bufnet/"+string(self)] = lis
	tr, err := NewGRPCTransport(self, GRPCConfig{
		Listener:       lis,
		RequestTimeout: 2 * time.Second,
		DialOptions:    []grpc.DialOption{grpc.WithContextDialer(nodes.dialer)},
	}, metrics.NewNopMetrics(), zap.NewNop())
	require.NoError(t, err)
	tr.Start()
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestGRPCTransport_SendAndBroadcast(t *testing.T) {
	nodes := bufNet{}
	a := newBufTransport(t, nodes, "A")
	b := newBufTransport(t, nodes, "B")
	b.RegisterHandler(echoHandler("B"))

	view := &model.ClusterView{ViewID: 1, Members: []model.Address{"A", "B"}}
	rpcAddrs := map[model.Address]string{"A": "bufnet/A", "B": "bufnet/B"}

	var seen *model.ClusterView
	a.OnViewChange(func(v *model.ClusterView) { seen = v })
	a.ApplyMembership(view, rpcAddrs)
	b.ApplyMembership(view, rpcAddrs)
	require.NotNil(t, seen)
	assert.Equal(t, int64(1), seen.ViewID)

	ctx := context.Background()
	resp, err := a.Send(ctx, "B", &Message{Type: MsgPing})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "B", resp.Entry.Key)
	assert.Equal(t, []byte("A"), resp.Entry.Value)

	resp, err = a.Send(ctx, "B", &Message{Type: MsgGet})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, apperrors.ConflictKeys(resp.Err()))

	resps, err := a.Broadcast(ctx, &Message{Type: MsgPing})
	require.NoError(t, err)
	assert.Len(t, resps, 1)
}

func TestGRPCTransport_UnknownPeer(t *testing.T) {
	nodes := bufNet{}
	a := newBufTransport(t, nodes, "A")

	_, err := a.Send(context.Background(), "B", &Message{Type: MsgPing})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePeerUnreachable))
}

func TestGRPCTransport_ClosedPeer(t *testing.T) {
	nodes := bufNet{}
	a := newBufTransport(t, nodes, "A")
	b := newBufTransport(t, nodes, "B")
	b.RegisterHandler(echoHandler("B"))

	view := &model.ClusterView{ViewID: 1, Members: []model.Address{"A", "B"}}
	a.ApplyMembership(view, map[model.Address]string{"B": "bufnet/B"})
	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.Send(ctx, "B", &Message{Type: MsgPing})
	require.Error(t, err)
	code := apperrors.GetCode(err)
	assert.Contains(t, []apperrors.ErrorCode{apperrors.ErrCodePeerUnreachable, apperrors.ErrCodeTimeout}, code)
}
