package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestNotifier() *Notifier {
	return NewNotifier(metrics.NewNopMetrics(), zap.NewNop())
}

func TestNotifier_DispatchesInSubscriptionOrder(t *testing.T) {
	n := newTestNotifier()
	var calls []string
	record := func(name string) Handler {
		return func(ctx context.Context, e *model.ClusterEvent) error {
			calls = append(calls, name)
			return nil
		}
	}

	n.Subscribe("first", record("first"), model.EventViewChanged)
	n.Subscribe("lifecycle", record("lifecycle"), model.EventCacheStarted, model.EventCacheStopped)
	n.Subscribe("second", record("second"), model.EventViewChanged, model.EventCacheStarted)

	require.NoError(t, n.Publish(context.Background(), &model.ClusterEvent{Type: model.EventViewChanged}))
	assert.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	require.NoError(t, n.Publish(context.Background(), &model.ClusterEvent{Type: model.EventCacheStarted}))
	assert.Equal(t, []string{"lifecycle", "second"}, calls)
}

func TestNotifier_FailFast(t *testing.T) {
	n := newTestNotifier()
	boom := errors.New("boom")
	var reached bool

	n.Subscribe("ok", func(ctx context.Context, e *model.ClusterEvent) error { return nil }, model.EventViewChanged)
	n.Subscribe("failing", func(ctx context.Context, e *model.ClusterEvent) error { return boom }, model.EventViewChanged)
	n.Subscribe("never", func(ctx context.Context, e *model.ClusterEvent) error {
		reached = true
		return nil
	}, model.EventViewChanged)

	err := n.Publish(context.Background(), &model.ClusterEvent{Type: model.EventViewChanged})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
	assert.False(t, reached)
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := newTestNotifier()
	count := 0
	id := n.Subscribe("counter", func(ctx context.Context, e *model.ClusterEvent) error {
		count++
		return nil
	}, model.EventViewChanged, model.EventCacheStopped)

	require.NoError(t, n.Publish(context.Background(), &model.ClusterEvent{Type: model.EventViewChanged}))
	assert.True(t, n.Unsubscribe(id))
	assert.False(t, n.Unsubscribe(id))
	require.NoError(t, n.Publish(context.Background(), &model.ClusterEvent{Type: model.EventViewChanged}))

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, n.Subscribers(model.EventCacheStopped))
}
