// Package replica defines the external contract the node-replication
// engine replays log entries against: a deterministic sequential object
// with Init, Update and Read. Determinism is the caller's obligation —
// every replica applying the same log prefix must converge to the same
// state — the engine does not and cannot verify it.
package replica

// Replica is the capability set {init, read, update} the spec requires of
// the replicated data structure. S is the replica's state type; Op and Ret
// are left as `any` since the engine is agnostic to what operations a
// particular replica accepts.
type Replica[S any] interface {
	// Init returns the replica's starting state. Called once per
	// replica; must be deterministic so every replica starts identical.
	Init() S

	// Update applies a mutating operation to state, returning the new
	// state and the operation's return value. Must be deterministic and
	// must not fail: a replica that cannot apply its own log has broken
	// the convergence invariant the whole engine depends on.
	Update(state S, op any) (S, any)

	// Read executes a read-only operation against state without
	// mutating it.
	Read(state S, op any) any
}

// Funcs adapts three plain functions into a Replica, for callers that
// would rather not declare a named type.
type Funcs[S any] struct {
	InitFunc   func() S
	UpdateFunc func(state S, op any) (S, any)
	ReadFunc   func(state S, op any) any
}

func (f Funcs[S]) Init() S { return f.InitFunc() }

func (f Funcs[S]) Update(state S, op any) (S, any) { return f.UpdateFunc(state, op) }

func (f Funcs[S]) Read(state S, op any) any { return f.ReadFunc(state, op) }
