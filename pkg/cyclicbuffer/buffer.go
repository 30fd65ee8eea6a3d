// Package cyclicbuffer implements the bounded, cyclic log storage that
// underlies the node-replication engine: a slot array with per-slot
// liveness bits, a head/tail cursor pair, and the reader-guard protocol
// that lets combiners safely replay published entries.
//
// ReserveTail is non-blocking: it reports failure instead of spinning, and
// the appender's spin/backoff loop lives one layer up, in package
// unboundedlog. The reader suspension point is here: WaitAlive spins, using
// the caller's backoff.Waiter, until the requested slot is alive.
package cyclicbuffer

import (
	"go.uber.org/atomic"

	"github.com/nreplicate/nr/pkg/backoff"
	"github.com/nreplicate/nr/pkg/nrtypes"
)

// Buffer is the cyclic slot array shared by every replica's combiner.
type Buffer struct {
	bufferSize  uint64
	numReplicas int

	head atomic.Uint64
	tail atomic.Uint64

	aliveBits []atomic.Bool
	entries   []nrtypes.LogEntry

	localVersions []atomic.Uint64
}

// New allocates a cyclic buffer for numReplicas replicas with room for
// bufferSize logical entries per generation. The spec recommends
// bufferSize >= 2*numReplicas so that at least one free slot per replica
// exists at any tail advance; violating that recommendation is not a hard
// error, only a liveness risk under heavy backlog, so it is not rejected
// here.
func New(numReplicas int, bufferSize uint64) (*Buffer, error) {
	if numReplicas <= 0 {
		return nil, &nrtypes.ErrInvalidConfig{Reason: "num_replicas must be > 0"}
	}
	if bufferSize == 0 {
		return nil, &nrtypes.ErrInvalidConfig{Reason: "buffer_size must be > 0"}
	}

	return &Buffer{
		bufferSize:    bufferSize,
		numReplicas:   numReplicas,
		aliveBits:     make([]atomic.Bool, bufferSize),
		entries:       make([]nrtypes.LogEntry, bufferSize),
		localVersions: make([]atomic.Uint64, numReplicas),
	}, nil
}

// BufferSize returns the configured slot count.
func (b *Buffer) BufferSize() uint64 { return b.bufferSize }

// NumReplicas returns the configured replica count.
func (b *Buffer) NumReplicas() int { return b.numReplicas }

// Head returns the current garbage-collection horizon.
func (b *Buffer) Head() nrtypes.LogIdx { return nrtypes.LogIdx(b.head.Load()) }

// Tail returns the next logical index to be published.
func (b *Buffer) Tail() nrtypes.LogIdx { return nrtypes.LogIdx(b.tail.Load()) }

// LocalVersion returns the logical index through which node has applied
// every log entry.
func (b *Buffer) LocalVersion(node nrtypes.NodeID) nrtypes.LogIdx {
	return nrtypes.LogIdx(b.localVersions[node].Load())
}

// SetLocalVersion publishes node's local version. Only the combiner owning
// node may call this (reader_finish in the spec).
func (b *Buffer) SetLocalVersion(node nrtypes.NodeID, v nrtypes.LogIdx) {
	b.localVersions[node].Store(uint64(v))
}

// ReserveTail attempts to reserve `count` contiguous logical indices
// starting at the current tail, honoring the backpressure constraint
// new_tail <= observedHead + bufferSize. observedHead must be a value
// returned by Head (or AdvanceHead) no older than the caller's last
// AdvanceHead attempt. On success it returns the first reserved index and
// true; on failure (the reservation would overrun the slowest replica by
// more than one wrap) it returns false and the caller must advance head
// and retry.
func (b *Buffer) ReserveTail(observedHead nrtypes.LogIdx, count uint64) (nrtypes.LogIdx, bool) {
	limit := uint64(observedHead) + b.bufferSize
	for {
		cur := b.tail.Load()
		newTail := cur + count
		if newTail > limit {
			return 0, false
		}
		if b.tail.CAS(cur, newTail) {
			return nrtypes.LogIdx(cur), true
		}
	}
}

// PublishSlot installs entry at logical index idx and flips the slot's
// alive bit to the polarity of idx's generation. The caller must hold a
// reservation covering idx (see ReserveTail); exactly one combiner
// publishes any given logical index, so the plain write to entries is
// safe and is made visible to readers by the following atomic store to
// the slot's alive bit.
func (b *Buffer) PublishSlot(idx nrtypes.LogIdx, entry nrtypes.LogEntry) {
	phys := uint64(idx) % b.bufferSize
	b.entries[phys] = entry
	b.aliveBits[phys].Store(nrtypes.GenerationParity(idx, b.bufferSize))
}

// AdvanceHead recomputes head as the minimum local version across all
// replicas and installs it. Concurrent callers may race: the spec does
// not require head to be monotonic, only that every value ever installed
// satisfies head <= local_versions[n] for every n that existed at the
// time of the scan. Racing advances are therefore safe without a CAS.
func (b *Buffer) AdvanceHead() nrtypes.LogIdx {
	min := b.localVersions[0].Load()
	for i := 1; i < b.numReplicas; i++ {
		if v := b.localVersions[i].Load(); v < min {
			min = v
		}
	}
	b.head.Store(min)
	return nrtypes.LogIdx(min)
}

// WaitAlive spins until the slot at idx carries the alive polarity for
// idx's generation, then returns the entry published there. This folds
// reader_guard and reader_unguard into one call: the returned value is
// the reader's witness, valid for as long as the caller keeps it before
// moving its cursor past idx — which every caller in this repo does
// immediately, so no separate unguard step is needed.
func (b *Buffer) WaitAlive(idx nrtypes.LogIdx, w *backoff.Waiter) nrtypes.LogEntry {
	phys := uint64(idx) % b.bufferSize
	want := nrtypes.GenerationParity(idx, b.bufferSize)
	for b.aliveBits[phys].Load() != want {
		w.Wait()
	}
	return b.entries[phys]
}

// IsAlive reports whether the slot at idx currently carries the alive
// polarity for idx's generation, without spinning. Used by tests that
// need to observe a guard stall rather than wait through it.
func (b *Buffer) IsAlive(idx nrtypes.LogIdx) bool {
	phys := uint64(idx) % b.bufferSize
	want := nrtypes.GenerationParity(idx, b.bufferSize)
	return b.aliveBits[phys].Load() == want
}
