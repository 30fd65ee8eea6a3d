// Package combiner implements the per-replica combiner state machine:
// placing submitted updates into the log, replaying the log prefix into
// the local replica, and completing the requests that belong to this
// node.
package combiner

import (
	"sync"

	"github.com/nreplicate/nr/pkg/nrtypes"
	"github.com/nreplicate/nr/pkg/replica"
	"github.com/nreplicate/nr/pkg/unboundedlog"
)

type phase int32

const (
	phaseInit phase = iota
	phasePlaced
	phaseApplied
	phaseDone
)

type request struct {
	mu    sync.Mutex
	phase phase
	op    any
	ret   any
	idx   nrtypes.LogIdx
}

type pendingSubmit struct {
	id nrtypes.ReqID
	op any
}

// Combiner drives replica replay for a single node. Submit and Poll may be
// called from any goroutine; RunOnce must only ever make progress for one
// caller at a time per node, which the admission lock enforces.
type Combiner[S any] struct {
	node    nrtypes.NodeID
	log     *unboundedlog.Log
	replica replica.Replica[S]

	// admission serializes RunOnce (and gates ReadyToRead reads) so that
	// at most one goroutine drives this node's state machine at a time.
	// A caller that loses the race simply reports it drove no batch,
	// matching the external liveness obligation that *some* thread keeps
	// combining rather than requiring this one to block.
	admission sync.Mutex
	state     S

	submitMu sync.Mutex
	pending  []pendingSubmit

	mapMu    sync.RWMutex
	requests map[nrtypes.ReqID]*request

	metrics *Metrics
}

// New constructs a combiner for node, seeded with the replica's initial
// state.
func New[S any](node nrtypes.NodeID, log *unboundedlog.Log, rep replica.Replica[S], metrics *Metrics) *Combiner[S] {
	return &Combiner[S]{
		node:     node,
		log:      log,
		replica:  rep,
		state:    rep.Init(),
		requests: make(map[nrtypes.ReqID]*request),
		metrics:  metrics,
	}
}

// Submit enqueues op for placement into the log under id. Init -> Placed
// happens the next time RunOnce drains the pending queue.
func (c *Combiner[S]) Submit(id nrtypes.ReqID, op any) {
	c.mapMu.Lock()
	c.requests[id] = &request{phase: phaseInit, op: op}
	c.mapMu.Unlock()

	c.submitMu.Lock()
	c.pending = append(c.pending, pendingSubmit{id: id, op: op})
	c.submitMu.Unlock()
}

// Poll reports whether id has reached Done and, if so, its return value.
// A request observed Done is retired (removed) immediately; polling the
// same id again afterwards reports not-done, since by the spec a Done
// request no longer exists to be polled.
func (c *Combiner[S]) Poll(id nrtypes.ReqID) (ret any, done bool) {
	c.mapMu.RLock()
	req, ok := c.requests[id]
	c.mapMu.RUnlock()
	if !ok {
		return nil, false
	}

	req.mu.Lock()
	if req.phase == phaseApplied && uint64(req.idx) < uint64(c.log.VersionUpperBound()) {
		req.phase = phaseDone
	}
	isDone := req.phase == phaseDone
	ret = req.ret
	req.mu.Unlock()

	if !isDone {
		return nil, false
	}

	c.mapMu.Lock()
	delete(c.requests, id)
	c.mapMu.Unlock()
	return ret, true
}

// RunOnce advances this node's combiner through one Placed -> Loop ->
// UpdatedVersion -> Ready pass, applying every log entry in
// [local_version, tail) to the local replica and completing this node's
// own requests among them. It returns false without doing any work if
// another goroutine is already combining for this node.
func (c *Combiner[S]) RunOnce() bool {
	if !c.admission.TryLock() {
		return false
	}
	defer c.admission.Unlock()

	c.submitMu.Lock()
	batch := c.pending
	c.pending = nil
	c.submitMu.Unlock()

	queuedOps := make([]nrtypes.ReqID, 0, len(batch))
	for _, p := range batch {
		idx := c.log.AppendOne(c.node, p.op)
		c.setPlaced(p.id, idx)
		queuedOps = append(queuedOps, p.id)
	}
	if c.metrics != nil {
		c.metrics.observeAppended(c.node, len(batch))
	}

	lversion := c.log.LocalVersion(c.node)
	snap := c.log.Tail()

	w := c.log.NewWaiter()
	next := 0
	for lv := lversion; lv < snap; lv++ {
		entry := c.log.WaitEntry(lv, w)
		newState, ret := c.replica.Update(c.state, entry.Op)
		c.state = newState

		if entry.NodeID != c.node {
			continue
		}
		if next >= len(queuedOps) {
			// The bridging invariant between the log and this node's
			// queued-ops list guarantees every local-node entry in
			// [lversion, snap) has a matching queued request; this
			// would only fire if that invariant were broken elsewhere.
			panic("combiner: local log entry has no matching queued request")
		}
		c.setApplied(queuedOps[next], ret, lv)
		next++
	}

	c.log.RaiseVersionUpperBound(snap)
	c.log.FinishReplica(c.node, snap)
	if c.metrics != nil {
		c.metrics.observeLoop(c.node, uint64(snap-lversion))
	}

	return true
}

// WithReplicaIdle runs fn against the current replica state while holding
// this node's admission lock, i.e. only when the combiner is not
// mid-replay. Readonly requests use this to implement the ReadyToRead ->
// Done transition's "combiner at n is Ready" precondition. It reports
// false, without calling fn, if the lock is currently held elsewhere.
func (c *Combiner[S]) WithReplicaIdle(fn func(state S)) bool {
	if !c.admission.TryLock() {
		return false
	}
	defer c.admission.Unlock()
	fn(c.state)
	return true
}

// LocalVersion returns this node's last-applied logical index.
func (c *Combiner[S]) LocalVersion() nrtypes.LogIdx { return c.log.LocalVersion(c.node) }

func (c *Combiner[S]) setPlaced(id nrtypes.ReqID, idx nrtypes.LogIdx) {
	c.mapMu.RLock()
	req := c.requests[id]
	c.mapMu.RUnlock()

	req.mu.Lock()
	req.phase = phasePlaced
	req.idx = idx
	req.mu.Unlock()
}

func (c *Combiner[S]) setApplied(id nrtypes.ReqID, ret any, idx nrtypes.LogIdx) {
	c.mapMu.RLock()
	req := c.requests[id]
	c.mapMu.RUnlock()

	req.mu.Lock()
	req.phase = phaseApplied
	req.ret = ret
	req.idx = idx
	req.mu.Unlock()
}
