// Package unboundedlog layers an infinite logical index space over the
// cyclic buffer: placement of updates (append_one), the monotone
// version-upper-bound publication rule, and the spin/retry loop that
// turns the buffer's non-blocking ReserveTail into the spec's "appends
// block until head moves" behavior.
package unboundedlog

import (
	"go.uber.org/atomic"

	"github.com/nreplicate/nr/pkg/backoff"
	"github.com/nreplicate/nr/pkg/cyclicbuffer"
	"github.com/nreplicate/nr/pkg/nrtypes"
)

// Log is the unbounded-log view above a cyclic buffer.
type Log struct {
	buf        *cyclicbuffer.Buffer
	vub        atomic.Uint64
	backoffCfg backoff.Config
}

// New allocates a log backed by a freshly allocated cyclic buffer.
func New(numReplicas int, bufferSize uint64, backoffCfg backoff.Config) (*Log, error) {
	buf, err := cyclicbuffer.New(numReplicas, bufferSize)
	if err != nil {
		return nil, err
	}
	return &Log{buf: buf, backoffCfg: backoffCfg}, nil
}

// NumReplicas returns the configured replica count.
func (l *Log) NumReplicas() int { return l.buf.NumReplicas() }

// BufferSize returns the configured slot count.
func (l *Log) BufferSize() uint64 { return l.buf.BufferSize() }

// Head returns the current garbage-collection horizon.
func (l *Log) Head() nrtypes.LogIdx { return l.buf.Head() }

// Tail returns global_tail: the next logical index to be published.
func (l *Log) Tail() nrtypes.LogIdx { return l.buf.Tail() }

// LocalVersion returns the logical index through which node has applied
// every log entry.
func (l *Log) LocalVersion(node nrtypes.NodeID) nrtypes.LogIdx {
	return l.buf.LocalVersion(node)
}

// VersionUpperBound returns the current published linearization horizon.
func (l *Log) VersionUpperBound() nrtypes.LogIdx {
	return nrtypes.LogIdx(l.vub.Load())
}

// RaiseVersionUpperBound sets version_upper_bound to max(current, v).
func (l *Log) RaiseVersionUpperBound(v nrtypes.LogIdx) {
	for {
		cur := l.vub.Load()
		if uint64(v) <= cur {
			return
		}
		if l.vub.CAS(cur, uint64(v)) {
			return
		}
	}
}

// FinishReplica publishes node's new local version once its combiner has
// applied every entry through end (reader_finish in the spec).
func (l *Log) FinishReplica(node nrtypes.NodeID, end nrtypes.LogIdx) {
	l.buf.SetLocalVersion(node, end)
}

// AdvanceHead folds local_versions into a new head value. See
// cyclicbuffer.Buffer.AdvanceHead for the non-monotonicity caveat.
func (l *Log) AdvanceHead() nrtypes.LogIdx { return l.buf.AdvanceHead() }

// NewWaiter returns a fresh backoff waiter configured for this log's spin
// points (append retry, entry replay).
func (l *Log) NewWaiter() *backoff.Waiter { return backoff.New(l.backoffCfg) }

// WaitEntry spins until the entry at idx is published and returns it.
// Exposed so the combiner can replay [lversion, snap) without reaching
// into the cyclic buffer directly.
func (l *Log) WaitEntry(idx nrtypes.LogIdx, w *backoff.Waiter) nrtypes.LogEntry {
	return l.buf.WaitAlive(idx, w)
}

// AppendOne reserves the next logical slot for node, publishes op there,
// and returns the logical index it was placed at. It is the append_one
// operation from the spec: on backpressure (tail would outrun the
// slowest replica by more than one wrap) it retries head advancement and
// spins rather than returning an error — space exhaustion at append is
// specified as internally recoverable, never client-visible.
func (l *Log) AppendOne(node nrtypes.NodeID, op any) nrtypes.LogIdx {
	w := l.NewWaiter()
	for {
		head := l.buf.Head()
		if idx, ok := l.buf.ReserveTail(head, 1); ok {
			l.buf.PublishSlot(idx, nrtypes.LogEntry{Op: op, NodeID: node})
			return idx
		}
		l.buf.AdvanceHead()
		w.Wait()
	}
}
