package cache

import (
	"context"
	"fmt"

	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/devrev/pairgrid/internal/transport"
	"go.uber.org/zap"
)

// Handle serves messages from other members. It is installed as the
// transport handler on Start.
func (c *Cache) Handle(ctx context.Context, from model.Address, msg *transport.Message) (*transport.Response, error) {
	if msg.Cache != "" && msg.Cache != c.cfg.Name {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unknown cache %q", msg.Cache), nil)
	}

	switch msg.Type {
	case transport.MsgGet:
		e, err := c.readLocal(ctx, msg.Key, msg.TopologyID)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Found: true, Entry: e, TopologyID: c.dist.Generation()}, nil

	case transport.MsgPut:
		var meta model.Metadata
		if msg.Metadata != nil {
			meta = *msg.Metadata
		}
		e, err := c.putLocal(ctx, msg.Key, msg.Value, meta, msg.TopologyID)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Found: true, Entry: e, TopologyID: c.dist.Generation()}, nil

	case transport.MsgRemove:
		existed, err := c.removeLocal(ctx, msg.Key, msg.TopologyID)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Found: existed, TopologyID: c.dist.Generation()}, nil

	case transport.MsgReplicate:
		return c.applyReplicated(from, msg)

	case transport.MsgClear:
		c.clearLocal(false)
		return &transport.Response{TopologyID: c.dist.Generation()}, nil

	case transport.MsgStateRequest:
		return c.dist.HandleStateRequest(ctx, from, msg)

	case transport.MsgTopology:
		return c.dist.HandleTopologyRequest(ctx, from, msg)

	case transport.MsgPing:
		return &transport.Response{TopologyID: c.dist.Generation()}, nil
	}
	return nil, apperrors.InvalidArgument(fmt.Sprintf("unsupported message type %q", msg.Type), nil)
}

// applyReplicated installs entries written on a primary owner. The batch
// is refused as a whole when one of its keys was routed with an ownership
// that differs from the local one.
func (c *Cache) applyReplicated(from model.Address, msg *transport.Message) (*transport.Response, error) {
	for _, e := range msg.Entries {
		if err := c.dist.CheckReplica(e.Key, msg.TopologyID, msg.Owners[e.Key]); err != nil {
			return nil, err
		}
	}
	applied := 0
	for _, e := range msg.Entries {
		if c.mvcc.ApplyReplicated(e) {
			applied++
		}
	}
	c.logger.Debug("Applied replicated entries",
		zap.String("from", string(from)),
		zap.Int("entries", len(msg.Entries)),
		zap.Int("applied", applied))
	return &transport.Response{TopologyID: c.dist.Generation()}, nil
}
