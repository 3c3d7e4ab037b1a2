package distribution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairgrid/internal/algorithm"
	apperrors "github.com/devrev/pairgrid/internal/errors"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/devrev/pairgrid/internal/transport"
	"go.uber.org/zap"
)

// fetchBase asks the other members for the hash the cluster currently
// routes by. Members that have not joined yet may still be committing their
// first topology, so they are asked again with backoff. It returns nil when
// no member has joined once attempts run out, in which case the view forms
// a new cluster.
func (m *Manager) fetchBase(ctx context.Context, view *model.ClusterView) (*algorithm.ConsistentHash, error) {
	var peers []model.Address
	for _, member := range view.Members {
		if member != m.self {
			peers = append(peers, member)
		}
	}
	if len(peers) == 0 {
		return nil, nil
	}

	var base *algorithm.ConsistentHash
	op := func() error {
		for _, peer := range peers {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.PullTimeout)
			resp, err := m.transport.Send(callCtx, peer, &transport.Message{Type: transport.MsgTopology, Cache: m.cfg.CacheName, View: view})
			cancel()
			if err == nil {
				err = resp.Err()
			}
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				m.logger.Debug("Topology request failed",
					zap.String("peer", string(peer)),
					zap.Error(err))
				continue
			}
			if !resp.Joined {
				continue
			}
			ch, err := algorithm.FromLayout(resp.Layout)
			if err != nil || ch.NumSegments() != m.cfg.NumSegments {
				m.logger.Error("Ignoring incompatible topology",
					zap.String("peer", string(peer)),
					zap.Error(err))
				continue
			}
			base = ch
			return nil
		}
		return fmt.Errorf("none of %d peers has joined", len(peers))
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), uint64(m.cfg.MaxPullAttempts-1)), ctx))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		m.logger.Info("No joined peer found, forming a new cluster topology", zap.Error(err))
	}
	return base, nil
}

// inboundSegments lists the segments this node must pull to serve target,
// with their candidate sources in preference order. Owners under the
// committed hash come first since they hold the data, backups before
// primaries to spare the nodes serving client traffic.
func (m *Manager) inboundSegments(cur *Topology, base, target *algorithm.ConsistentHash, view *model.ClusterView, bootstrap bool) map[int][]model.Address {
	inbound := make(map[int][]model.Address)
	if base == nil {
		return inbound
	}
	for seg := 0; seg < target.NumSegments(); seg++ {
		newOwners := target.Owners(seg)
		if !containsAddr(newOwners, m.self) {
			continue
		}
		retry := cur.IsDegraded(seg)
		held := !bootstrap && cur.Current.IsOwner(m.self, seg)
		if held && !retry {
			continue
		}

		var sources []model.Address
		add := func(owners []model.Address) {
			for i := len(owners) - 1; i >= 0; i-- {
				o := owners[i]
				if o != m.self && view.Contains(o) && !containsAddr(sources, o) {
					sources = append(sources, o)
				}
			}
		}
		if !bootstrap {
			add(cur.Current.Owners(seg))
		}
		add(base.Owners(seg))
		if bootstrap || retry {
			add(newOwners)
		}
		inbound[seg] = sources
	}
	return inbound
}

type pullResult struct {
	source    model.Address
	completed []int
	remaining []int
	err       error
}

// transferState pulls every inbound segment and returns the segments that
// could not be transferred from any source
func (m *Manager) transferState(ctx context.Context, r *rehash, inbound map[int][]model.Address) []int {
	pending := make(map[int][]model.Address, len(inbound))
	for seg, sources := range inbound {
		pending[seg] = sources
	}
	blacklist := make(map[model.Address]bool)
	var degraded []int

	// a cancelled rehash returns only after its tasks reached a checkpoint
	var tasks sync.WaitGroup
	defer tasks.Wait()

	for len(pending) > 0 {
		groups := make(map[model.Address][]int)
		for seg, sources := range pending {
			var source model.Address
			for _, s := range sources {
				if !blacklist[s] {
					source = s
					break
				}
			}
			switch {
			case len(sources) == 0:
				m.logger.Error("Segment lost, no previous owner is in the view",
					zap.String("rehash_id", r.id),
					zap.Int("segment", seg))
				r.segmentsDone.Add(1)
				delete(pending, seg)
			case source.IsZero():
				m.logger.Error("Segment degraded, every previous owner is unreachable",
					zap.String("rehash_id", r.id),
					zap.Int("segment", seg),
					zap.Any("sources", sources))
				degraded = append(degraded, seg)
				delete(pending, seg)
			default:
				groups[source] = append(groups[source], seg)
			}
		}
		if len(groups) == 0 {
			break
		}

		sources := make([]model.Address, 0, len(groups))
		for s := range groups {
			sources = append(sources, s)
		}
		sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

		results := make(chan pullResult, len(groups))
		for _, source := range sources {
			segments := groups[source]
			sort.Ints(segments)
			task := &pullTask{
				id:       fmt.Sprintf("%s/%s", r.id, source),
				source:   source,
				segments: segments,
				ctx:      ctx,
				run: func(ctx context.Context) pullResult {
					return m.pullSegments(ctx, r, source, segments)
				},
				done: func(res pullResult) {
					results <- res
					tasks.Done()
				},
			}
			tasks.Add(1)
			if err := m.pool.Submit(ctx, task); err != nil {
				task.done(task.failed(err))
			}
		}

		for range sources {
			var res pullResult
			select {
			case res = <-results:
			case <-ctx.Done():
				return nil
			}
			for _, seg := range res.completed {
				delete(pending, seg)
			}
			if res.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				blacklist[res.source] = true
				m.logger.Warn("State transfer source failed, trying other owners",
					zap.String("rehash_id", r.id),
					zap.String("source", string(res.source)),
					zap.Ints("segments", res.remaining),
					zap.Error(res.err))
			}
		}
	}

	sort.Ints(degraded)
	return degraded
}

// pullSegments streams segments from source chunk by chunk. Cancellation is
// checked between chunks, never while a chunk is being applied.
func (m *Manager) pullSegments(ctx context.Context, r *rehash, source model.Address, segments []int) pullResult {
	res := pullResult{source: source, remaining: append([]int(nil), segments...)}
	cursor := make(map[int]string, len(segments))
	wanted := make(map[int]struct{}, len(segments))
	for _, seg := range segments {
		wanted[seg] = struct{}{}
	}

	for len(res.remaining) > 0 {
		if err := ctx.Err(); err != nil {
			res.err = err
			return res
		}
		if err := m.limiter.Wait(ctx); err != nil {
			res.err = err
			return res
		}

		epoch := m.dc.ClearEpoch()
		resp, err := m.requestState(ctx, r, source, res.remaining, cursor)
		if err != nil {
			res.err = err
			return res
		}

		applied := 0
		for _, e := range resp.Entries {
			if _, ok := wanted[m.dc.SegmentOf(e.Key)]; !ok {
				continue
			}
			if m.dc.ApplyState(e, epoch) {
				applied++
			}
		}
		r.entries.Add(int64(len(resp.Entries)))
		m.metrics.EntriesTransferred.Add(float64(applied))

		for seg, c := range resp.Cursor {
			cursor[seg] = c
		}
		done := make(map[int]struct{}, len(resp.Completed))
		for _, seg := range resp.Completed {
			if _, ok := wanted[seg]; ok {
				done[seg] = struct{}{}
			}
		}
		if len(done) == 0 && len(resp.Entries) == 0 {
			res.err = apperrors.InternalError(fmt.Sprintf("state request to %s made no progress", source), nil)
			return res
		}

		remaining := res.remaining[:0]
		for _, seg := range res.remaining {
			if _, ok := done[seg]; ok {
				res.completed = append(res.completed, seg)
				continue
			}
			remaining = append(remaining, seg)
		}
		res.remaining = remaining
		r.segmentsDone.Add(int64(len(done)))
		m.metrics.SegmentsTransferred.Add(float64(len(done)))

		m.logger.Debug("Applied state chunk",
			zap.String("rehash_id", r.id),
			zap.String("source", string(source)),
			zap.Int("entries", len(resp.Entries)),
			zap.Int("applied", applied),
			zap.Int("segments_completed", len(done)),
			zap.Int("segments_remaining", len(res.remaining)))
	}
	return res
}

// requestState sends one state request, retrying unreachable sources with
// exponential backoff up to MaxPullAttempts
func (m *Manager) requestState(ctx context.Context, r *rehash, source model.Address, segments []int, cursor map[int]string) (*transport.Response, error) {
	msg := &transport.Message{
		Type:       transport.MsgStateRequest,
		Cache:      m.cfg.CacheName,
		TopologyID: r.view.ViewID,
		Segments:   segments,
		Cursor:     cursor,
		Limit:      m.cfg.ChunkSize,
	}

	var resp *transport.Response
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			m.metrics.PullRetriesTotal.Inc()
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.PullTimeout)
		defer cancel()

		out, err := m.transport.Send(callCtx, source, msg)
		if err == nil {
			err = out.Err()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !apperrors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			m.logger.Debug("State request failed",
				zap.String("source", string(source)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		resp = out
		return nil
	}

	b := backoff.WithMaxRetries(m.newBackOff(), uint64(m.cfg.MaxPullAttempts-1))
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitial
	b.MaxInterval = m.cfg.RetryMax
	b.MaxElapsedTime = 0
	return b
}

// HandleStateRequest serves a chunk of the requested segments from the
// local container. Segments are served in request order; a segment is
// reported completed once its last entry has been sent.
func (m *Manager) HandleStateRequest(ctx context.Context, from model.Address, msg *transport.Message) (*transport.Response, error) {
	limit := msg.Limit
	if limit <= 0 {
		limit = m.cfg.ChunkSize
	}
	resp := &transport.Response{
		Cursor:     make(map[int]string, len(msg.Segments)),
		TopologyID: m.Generation(),
	}

	t := m.topo.Load()
	m.mu.Lock()
	for _, seg := range msg.Segments {
		if seg < 0 || seg >= m.cfg.NumSegments {
			m.mu.Unlock()
			return nil, apperrors.InvalidArgument(fmt.Sprintf("segment %d out of range", seg), nil)
		}
		// data still being pulled here is incomplete
		if _, pulling := m.partial[seg]; pulling && !t.Current.IsOwner(m.self, seg) {
			m.mu.Unlock()
			return nil, apperrors.StaleTopology(msg.TopologyID, t.Current.ViewID()).WithDetail("segment", seg)
		}
	}
	m.mu.Unlock()

	if err := m.awaitWriteOwner(ctx, from, msg.Segments); err != nil {
		return nil, err
	}

	budget := limit
	for _, seg := range msg.Segments {
		if budget == 0 {
			break
		}
		entries, cursor, done := m.dc.SegmentEntries(seg, msg.Cursor[seg], budget)
		resp.Entries = append(resp.Entries, entries...)
		resp.Cursor[seg] = cursor
		budget -= len(entries)
		if done {
			resp.Completed = append(resp.Completed, seg)
		}
	}

	m.logger.Debug("Served state chunk",
		zap.String("requester", string(from)),
		zap.Int("entries", len(resp.Entries)),
		zap.Ints("completed", resp.Completed))
	return resp, nil
}

// awaitWriteOwner holds a state request until this node routes writes of
// every requested segment to the requester too. Writes accepted from then
// on reach the requester directly, and entries already held here are
// served by the request.
func (m *Manager) awaitWriteOwner(ctx context.Context, requester model.Address, segments []int) error {
	for {
		changed := m.changed()
		t := m.topo.Load()
		ready := true
		for _, seg := range segments {
			if !t.Write.IsOwner(requester, seg) {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return apperrors.Timeout(fmt.Sprintf("waiting for %s to become a write owner", requester), ctx.Err())
		}
	}
}

// HandleTopologyRequest returns the hash a joining node must rebalance from
// and whether this node has joined a cluster. When this node already
// computed the hash for the membership the requester is joining with, the
// hash it rebalanced from is returned, so both compute the same result.
func (m *Manager) HandleTopologyRequest(ctx context.Context, from model.Address, msg *transport.Message) (*transport.Response, error) {
	m.mu.Lock()
	joined, base := m.joined, m.latest
	if msg.View != nil && m.latestBase != nil && sameMembers(m.latest.Members(), msg.View.Members) {
		base = m.latestBase
	}
	m.mu.Unlock()

	return &transport.Response{
		Layout:     base.Layout(),
		Joined:     joined,
		TopologyID: m.Generation(),
	}, nil
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

func containsAddr(list []model.Address, addr model.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
