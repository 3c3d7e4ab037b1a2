package transport

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(self model.Address) Handler {
	return func(ctx context.Context, from model.Address, msg *Message) (*Response, error) {
		switch msg.Type {
		case MsgPing:
			return &Response{Found: true, Entry: &model.CacheEntry{Key: string(self), Value: []byte(from)}}, nil
		case MsgGet:
			return nil, apperrors.WriteSkewConflict([]string{"b", "a"})
		default:
			return nil, errors.New("boom")
		}
	}
}

func TestLocalTransport_SendRoundTrip(t *testing.T) {
	net := NewNetwork()
	a := net.Join("A")
	b := net.Join("B")
	b.RegisterHandler(echoHandler("B"))

	resp, err := a.Send(context.Background(), "B", &Message{Type: MsgPing})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.True(t, resp.Found)
	assert.Equal(t, "B", resp.Entry.Key)
	assert.Equal(t, []byte("A"), resp.Entry.Value)
}

func TestLocalTransport_HandlerErrorsTravelInResponse(t *testing.T) {
	net := NewNetwork()
	a := net.Join("A")
	b := net.Join("B")
	b.RegisterHandler(echoHandler("B"))

	resp, err := a.Send(context.Background(), "B", &Message{Type: MsgGet})
	require.NoError(t, err)
	rerr := resp.Err()
	require.Error(t, rerr)
	assert.True(t, apperrors.IsCode(rerr, apperrors.ErrCodeWriteSkewConflict))
	assert.Equal(t, []string{"a", "b"}, apperrors.ConflictKeys(rerr))

	resp, err = a.Send(context.Background(), "B", &Message{Type: MsgPut})
	require.NoError(t, err)
	assert.True(t, apperrors.IsCode(resp.Err(), apperrors.ErrCodeInternal))
}

func TestLocalTransport_Unreachable(t *testing.T) {
	net := NewNetwork()
	a := net.Join("A")
	b := net.Join("B")
	b.RegisterHandler(echoHandler("B"))

	net.SetReachable("B", false)
	_, err := a.Send(context.Background(), "B", &Message{Type: MsgPing})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePeerUnreachable))

	net.SetReachable("B", true)
	_, err = a.Send(context.Background(), "B", &Message{Type: MsgPing})
	assert.NoError(t, err)

	_, err = a.Send(context.Background(), "Z", &Message{Type: MsgPing})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePeerUnreachable))
}

func TestLocalTransport_ViewsDeliveredInOrder(t *testing.T) {
	net := NewNetwork()
	a := net.Join("A")

	var seen []int64
	a.OnViewChange(func(v *model.ClusterView) {
		seen = append(seen, v.ViewID)
	})

	net.Join("B")
	net.Join("C")
	net.Leave("B")

	assert.Equal(t, []int64{2, 3, 4}, seen)
	view := a.View()
	assert.Equal(t, []model.Address{"A", "C"}, view.Members)
}

func TestLocalTransport_Broadcast(t *testing.T) {
	net := NewNetwork()
	a := net.Join("A")
	for _, addr := range []model.Address{"B", "C", "D"} {
		tr := net.Join(addr)
		tr.RegisterHandler(echoHandler(addr))
	}
	net.SetReachable("D", false)

	resps, err := a.Broadcast(context.Background(), &Message{Type: MsgPing})
	require.Error(t, err)
	assert.Len(t, resps, 2)
	assert.Contains(t, resps, model.Address("B"))
	assert.Contains(t, resps, model.Address("C"))
	assert.NotContains(t, resps, model.Address("A"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePeerUnreachable))
}

func TestLocalTransport_CancelledContext(t *testing.T) {
	net := NewNetwork()
	a := net.Join("A")
	net.Join("B").RegisterHandler(echoHandler("B"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Send(ctx, "B", &Message{Type: MsgPing})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTimeout))
}
