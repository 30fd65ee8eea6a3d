package combiner

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nreplicate/nr/pkg/backoff"
	"github.com/nreplicate/nr/pkg/nrtypes"
	"github.com/nreplicate/nr/pkg/replica"
	"github.com/nreplicate/nr/pkg/unboundedlog"
)

func counterReplica() replica.Replica[int] {
	return replica.Funcs[int]{
		InitFunc: func() int { return 0 },
		UpdateFunc: func(state int, op any) (int, any) {
			delta := op.(int)
			return state + delta, state + delta
		},
		ReadFunc: func(state int, _ any) any { return state },
	}
}

func testLog(t *testing.T, numReplicas int, bufferSize uint64) *unboundedlog.Log {
	t.Helper()
	l, err := unboundedlog.New(numReplicas, bufferSize, backoff.Config{Spins: 4, Sleep: time.Millisecond})
	require.NoError(t, err)
	return l
}

// TestBasicAppendApply exercises spec scenario 1.
func TestBasicAppendApply(t *testing.T) {
	l := testLog(t, 2, 4)
	c := New[int](0, l, counterReplica(), nil)

	const id nrtypes.ReqID = 1
	c.Submit(id, 5)
	assert.True(t, c.RunOnce())

	ret, done := c.Poll(id)
	require.True(t, done)
	assert.Equal(t, 5, ret)

	assert.Equal(t, nrtypes.LogIdx(1), l.Tail())
	assert.Equal(t, nrtypes.LogIdx(1), l.LocalVersion(0))
	assert.Equal(t, nrtypes.LogIdx(1), l.VersionUpperBound())
}

// TestCrossReplicaVisibility exercises spec scenario 2: a remote entry is
// applied without a corresponding local request.
func TestCrossReplicaVisibility(t *testing.T) {
	l := testLog(t, 2, 4)
	c0 := New[int](0, l, counterReplica(), nil)
	c1 := New[int](1, l, counterReplica(), nil)

	c0.Submit(1, 7)
	require.True(t, c0.RunOnce())

	require.True(t, c1.RunOnce())
	assert.Equal(t, nrtypes.LogIdx(1), l.LocalVersion(1))

	var observed int
	ok := c1.WithReplicaIdle(func(state int) { observed = state })
	require.True(t, ok)
	assert.Equal(t, 7, observed)
}

func TestPollRetiresRequestOnce(t *testing.T) {
	l := testLog(t, 1, 4)
	c := New[int](0, l, counterReplica(), nil)

	c.Submit(1, 1)
	require.True(t, c.RunOnce())

	_, done := c.Poll(1)
	require.True(t, done)

	_, done = c.Poll(1)
	assert.False(t, done, "a retired request must not report Done again")
}

func TestRunOnceAdmissionIsExclusive(t *testing.T) {
	l := testLog(t, 1, 8)
	c := New[int](0, l, counterReplica(), nil)

	c.admission.Lock()
	defer c.admission.Unlock()

	assert.False(t, c.RunOnce())
}

// TestManyUpdatesPreserveQueueMatch exercises I5: queued requests complete
// in the same order their entries were placed, each exactly once.
func TestManyUpdatesPreserveQueueMatch(t *testing.T) {
	l := testLog(t, 1, 64)
	c := New[int](0, l, counterReplica(), nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Submit(nrtypes.ReqID(i+1), 1)
		}(i)
	}
	wg.Wait()

	for {
		c.RunOnce()
		if l.Tail() == nrtypes.LogIdx(n) {
			break
		}
	}

	seen := map[int]bool{}
	for i := 1; i <= n; i++ {
		ret, done := c.Poll(nrtypes.ReqID(i))
		require.True(t, done)
		seen[ret.(int)] = true
	}
	assert.Len(t, seen, n, "every cumulative sum 1..n must appear exactly once")
}
