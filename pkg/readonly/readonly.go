// Package readonly implements the per-request readonly state machine:
// snapshotting the version upper bound as a linearization horizon, waiting
// for the target replica to catch up to it, and executing the read while
// that replica's combiner is not mid-batch.
//
// The spec's Init / VersionUpperBound / ReadyToRead sub-states are not
// separately observable from outside a single Poll call in this
// implementation: Submit folds Init and the VUB snapshot into one atomic
// step, and Poll folds the "local version caught up" check, the
// ReadyToRead admission gate, and the Read call into a single attempt.
// Only Pending and Done are client-visible, which matches the external
// interface in the spec (poll returns Pending or Done).
package readonly

import (
	"sync"

	"github.com/nreplicate/nr/pkg/combiner"
	"github.com/nreplicate/nr/pkg/nrtypes"
	"github.com/nreplicate/nr/pkg/replica"
	"github.com/nreplicate/nr/pkg/unboundedlog"
)

type request struct {
	mu      sync.Mutex
	node    nrtypes.NodeID
	op      any
	v       nrtypes.LogIdx
	claimed bool
	done    bool
	ret     any
}

// ReadOnly tracks pending read requests across all replicas of an engine.
type ReadOnly[S any] struct {
	log       *unboundedlog.Log
	rep       replica.Replica[S]
	combiners []*combiner.Combiner[S]

	mapMu    sync.RWMutex
	requests map[nrtypes.ReqID]*request
}

// New constructs a readonly tracker over the given log, replica contract,
// and one combiner per node (in node-index order).
func New[S any](log *unboundedlog.Log, rep replica.Replica[S], combiners []*combiner.Combiner[S]) *ReadOnly[S] {
	return &ReadOnly[S]{
		log:       log,
		rep:       rep,
		combiners: combiners,
		requests:  make(map[nrtypes.ReqID]*request),
	}
}

// Submit records op as a pending read against node, snapshotting the
// current version_upper_bound as its linearization horizon.
func (r *ReadOnly[S]) Submit(id nrtypes.ReqID, node nrtypes.NodeID, op any) {
	req := &request{node: node, op: op, v: r.log.VersionUpperBound()}
	r.mapMu.Lock()
	r.requests[id] = req
	r.mapMu.Unlock()
}

// Abort cancels a read that has not yet reached the ReadyToRead gate. It
// reports false if the request is unknown or has already been claimed
// (i.e. is in the process of being read, or already Done) — the spec
// only allows cancellation from Init or VersionUpperBound.
func (r *ReadOnly[S]) Abort(id nrtypes.ReqID) bool {
	r.mapMu.RLock()
	req, ok := r.requests[id]
	r.mapMu.RUnlock()
	if !ok {
		return false
	}

	req.mu.Lock()
	canAbort := !req.claimed && !req.done
	req.mu.Unlock()
	if !canAbort {
		return false
	}

	r.retire(id)
	return true
}

// Poll attempts to advance id towards Done and reports its outcome. It
// may need several calls: the first calls that see local_version[node] <
// v, or that find the target combiner mid-batch, report not-done and
// must be retried.
func (r *ReadOnly[S]) Poll(id nrtypes.ReqID) (ret any, done bool) {
	r.mapMu.RLock()
	req, ok := r.requests[id]
	r.mapMu.RUnlock()
	if !ok {
		return nil, false
	}

	req.mu.Lock()
	if req.done {
		ret = req.ret
		req.mu.Unlock()
		r.retire(id)
		return ret, true
	}
	if req.claimed {
		req.mu.Unlock()
		return nil, false
	}
	if uint64(r.log.LocalVersion(req.node)) < uint64(req.v) {
		req.mu.Unlock()
		return nil, false
	}
	req.claimed = true
	node, op := req.node, req.op
	req.mu.Unlock()

	comb := r.combiners[node]
	var readRet any
	applied := comb.WithReplicaIdle(func(state S) {
		readRet = r.rep.Read(state, op)
	})

	req.mu.Lock()
	if !applied {
		req.claimed = false
		req.mu.Unlock()
		return nil, false
	}
	req.done = true
	req.ret = readRet
	req.mu.Unlock()

	r.retire(id)
	return readRet, true
}

func (r *ReadOnly[S]) retire(id nrtypes.ReqID) {
	r.mapMu.Lock()
	delete(r.requests, id)
	r.mapMu.Unlock()
}
