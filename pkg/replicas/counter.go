// Package replicas contains small reference replica.Replica implementations
// used by the engine's own tests and the nr-bench harness. They are
// intentionally simple: the engine's correctness does not depend on what
// the replica does, only on Init/Update/Read being deterministic.
package replicas

import "github.com/nreplicate/nr/pkg/replica"

// CounterOp is the op type accepted by Counter: Delta adds to the running
// total, a nil op is a pure read of the current total.
type CounterOp struct {
	Delta int64
}

// Counter is a deterministic running-total replica: Update adds Delta and
// returns the new total, Read returns the current total unconditionally.
func Counter() replica.Replica[int64] {
	return replica.Funcs[int64]{
		InitFunc: func() int64 { return 0 },
		UpdateFunc: func(state int64, op any) (int64, any) {
			c := op.(CounterOp)
			newState := state + c.Delta
			return newState, newState
		},
		ReadFunc: func(state int64, _ any) any { return state },
	}
}
