package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"go.uber.org/zap"
)

// Handler receives cluster events. Returning an error aborts dispatch.
type Handler func(ctx context.Context, event *model.ClusterEvent) error

// SubscriptionID identifies a subscription for Unsubscribe
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	name    string
	handler Handler
}

// Notifier dispatches cluster events synchronously to subscribers of the
// event type, in subscription order. Dispatch stops at the first failing
// handler and the error is returned to the publisher.
type Notifier struct {
	mu      sync.RWMutex
	nextID  SubscriptionID
	byType  map[model.EventType][]*subscription
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(m *metrics.Metrics, logger *zap.Logger) *Notifier {
	return &Notifier{
		byType:  make(map[model.EventType][]*subscription),
		metrics: m,
		logger:  logger,
	}
}

// Subscribe registers handler for the given event types. The name is used
// in logs and error messages.
func (n *Notifier) Subscribe(name string, handler Handler, types ...model.EventType) SubscriptionID {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	sub := &subscription{id: n.nextID, name: name, handler: handler}
	for _, t := range types {
		n.byType[t] = append(n.byType[t], sub)
	}

	n.logger.Debug("Listener subscribed",
		zap.String("listener", name),
		zap.Uint64("subscription_id", uint64(sub.id)),
		zap.Int("event_types", len(types)))
	return sub.id
}

// Unsubscribe removes a subscription from every event type. It reports
// whether the subscription existed.
func (n *Notifier) Unsubscribe(id SubscriptionID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	found := false
	for t, subs := range n.byType {
		kept := subs[:0:0]
		for _, s := range subs {
			if s.id == id {
				found = true
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(n.byType, t)
		} else {
			n.byType[t] = kept
		}
	}
	return found
}

// Publish delivers event to its subscribers
func (n *Notifier) Publish(ctx context.Context, event *model.ClusterEvent) error {
	n.mu.RLock()
	subs := append([]*subscription(nil), n.byType[event.Type]...)
	n.mu.RUnlock()

	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.handler(ctx, event); err != nil {
			n.metrics.EventsPublished.WithLabelValues(string(event.Type), "failed").Inc()
			n.logger.Warn("Listener failed, aborting dispatch",
				zap.String("event", string(event.Type)),
				zap.String("listener", s.name),
				zap.Error(err))
			return fmt.Errorf("listener %s failed on %s: %w", s.name, event.Type, err)
		}
	}
	n.metrics.EventsPublished.WithLabelValues(string(event.Type), "delivered").Inc()
	return nil
}

// Subscribers returns the number of subscribers of an event type
func (n *Notifier) Subscribers(t model.EventType) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.byType[t])
}
