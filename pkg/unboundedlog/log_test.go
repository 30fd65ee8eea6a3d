package unboundedlog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nreplicate/nr/pkg/backoff"
	"github.com/nreplicate/nr/pkg/nrtypes"
)

func testBackoff() backoff.Config {
	return backoff.Config{Spins: 4, Sleep: time.Millisecond}
}

func TestAppendOneBasic(t *testing.T) {
	l, err := New(2, 4, testBackoff())
	require.NoError(t, err)

	idx := l.AppendOne(0, "a")
	assert.Equal(t, nrtypes.LogIdx(0), idx)
	assert.Equal(t, nrtypes.LogIdx(1), l.Tail())

	w := l.NewWaiter()
	entry := l.WaitEntry(idx, w)
	assert.Equal(t, "a", entry.Op)
	assert.Equal(t, nrtypes.NodeID(0), entry.NodeID)
}

func TestVersionUpperBoundMonotone(t *testing.T) {
	l, err := New(2, 4, testBackoff())
	require.NoError(t, err)

	l.RaiseVersionUpperBound(5)
	assert.Equal(t, nrtypes.LogIdx(5), l.VersionUpperBound())

	l.RaiseVersionUpperBound(2)
	assert.Equal(t, nrtypes.LogIdx(5), l.VersionUpperBound())

	l.RaiseVersionUpperBound(9)
	assert.Equal(t, nrtypes.LogIdx(9), l.VersionUpperBound())
}

// TestAppendBlocksUntilReplicaCatchesUp drives spec scenario 3 end to
// end: a fifth append from replica 0 must not complete until replica 1,
// which has not applied anything yet, advances its local version (and
// therefore head).
func TestAppendBlocksUntilReplicaCatchesUp(t *testing.T) {
	l, err := New(2, 4, testBackoff())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		l.AppendOne(0, i)
	}
	// Replica 0 has applied its own four entries.
	l.FinishReplica(0, 4)

	done := make(chan nrtypes.LogIdx, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		done <- l.AppendOne(0, "fifth")
	}()

	select {
	case <-done:
		t.Fatal("append completed before replica 1 advanced, backpressure not enforced")
	case <-time.After(20 * time.Millisecond):
	}

	l.FinishReplica(1, 1)

	select {
	case idx := <-done:
		assert.Equal(t, nrtypes.LogIdx(4), idx)
	case <-time.After(time.Second):
		t.Fatal("append never unblocked after replica 1 advanced")
	}
	wg.Wait()
}
