package cyclicbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nreplicate/nr/pkg/backoff"
	"github.com/nreplicate/nr/pkg/nrtypes"
)

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(0, 4)
	assert.Error(t, err)

	_, err = New(2, 0)
	assert.Error(t, err)
}

func TestReserveAndPublish(t *testing.T) {
	b, err := New(2, 4)
	require.NoError(t, err)

	idx, ok := b.ReserveTail(b.Head(), 1)
	require.True(t, ok)
	assert.Equal(t, nrtypes.LogIdx(0), idx)
	assert.Equal(t, nrtypes.LogIdx(1), b.Tail())

	assert.False(t, b.IsAlive(idx))
	b.PublishSlot(idx, nrtypes.LogEntry{Op: "a", NodeID: 0})
	assert.True(t, b.IsAlive(idx))

	w := backoff.New(backoff.DefaultConfig())
	entry := b.WaitAlive(idx, w)
	assert.Equal(t, "a", entry.Op)
}

// TestWraparound exercises spec scenario 3: with a 4-slot buffer and two
// replicas, five reservations from one replica must exhaust the buffer
// until the other replica's local version (and hence head) advances.
func TestWraparound(t *testing.T) {
	b, err := New(2, 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		idx, ok := b.ReserveTail(b.Head(), 1)
		require.True(t, ok)
		b.PublishSlot(idx, nrtypes.LogEntry{Op: i, NodeID: 0})
	}
	// Replica 0 has applied its own four entries.
	b.SetLocalVersion(0, 4)

	// Buffer full: replica 1 has not advanced past 0, so head is stuck at
	// 0 and a 5th reservation must fail.
	b.AdvanceHead()
	assert.Equal(t, nrtypes.LogIdx(0), b.Head())
	_, ok := b.ReserveTail(b.Head(), 1)
	assert.False(t, ok)

	// Replica 1 "catches up" by finishing its reader pass through index 0.
	b.SetLocalVersion(1, 1)
	b.AdvanceHead()
	assert.Equal(t, nrtypes.LogIdx(1), b.Head())

	idx, ok := b.ReserveTail(b.Head(), 1)
	require.True(t, ok)
	assert.Equal(t, nrtypes.LogIdx(4), idx)

	// Physical slot 0 (idx 4 mod 4) held generation-0 parity (alive); it
	// must read as stale (not alive for generation 1) until published.
	assert.False(t, b.IsAlive(idx))
	b.PublishSlot(idx, nrtypes.LogEntry{Op: "second-gen", NodeID: 0})
	assert.True(t, b.IsAlive(idx))
}

// TestConcurrentHeadRace exercises spec scenario 4: racing AdvanceHead
// calls never violate head <= min(local_versions).
func TestConcurrentHeadRace(t *testing.T) {
	b, err := New(4, 8)
	require.NoError(t, err)

	b.SetLocalVersion(0, 10)
	b.SetLocalVersion(1, 3)
	b.SetLocalVersion(2, 7)
	b.SetLocalVersion(3, 5)

	done := make(chan nrtypes.LogIdx, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- b.AdvanceHead()
		}()
	}

	min := nrtypes.LogIdx(3)
	for i := 0; i < 8; i++ {
		v := <-done
		assert.LessOrEqual(t, uint64(v), uint64(min))
	}
	assert.LessOrEqual(t, uint64(b.Head()), uint64(min))
}

func TestGenerationParity(t *testing.T) {
	assert.True(t, nrtypes.GenerationParity(0, 4))
	assert.True(t, nrtypes.GenerationParity(3, 4))
	assert.False(t, nrtypes.GenerationParity(4, 4))
	assert.False(t, nrtypes.GenerationParity(7, 4))
	assert.True(t, nrtypes.GenerationParity(8, 4))
}
