package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/devrev/pairgrid/internal/model"
	"golang.org/x/sync/errgroup"
)

const maxBroadcastFanout = 16

type sendFunc func(ctx context.Context, target model.Address, msg *Message) (*Response, error)

// broadcast fans msg out to every member except self. A failing member does
// not cancel the others.
func broadcast(ctx context.Context, view *model.ClusterView, self model.Address, msg *Message, send sendFunc) (map[model.Address]*Response, error) {
	var (
		mu   sync.Mutex
		out  = make(map[model.Address]*Response)
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(maxBroadcastFanout)

	for _, member := range view.Members {
		if member == self {
			continue
		}
		member := member
		g.Go(func() error {
			resp, err := send(ctx, member, msg)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				err = resp.Err()
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", member, err))
				return nil
			}
			out[member] = resp
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}
