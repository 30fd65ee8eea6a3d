package replicas

import "github.com/nreplicate/nr/pkg/replica"

// KVOp is the op type accepted by KVStore. Exactly one of Put/Get/Delete
// should be set by the caller; KVStore does not validate that for them.
type KVOp struct {
	Put    *KVPut
	Get    *string
	Delete *string
}

// KVPut is a write: set Key to Value.
type KVPut struct {
	Key   string
	Value string
}

// KVState is the deterministic state a KVStore replica replays: a plain
// map copied on every Update so each replica's snapshot is independent.
type KVState map[string]string

// KVStore is a deterministic string-keyed map replica.Replica: Update
// handles Put and Delete (returning the prior value, if any), Read handles
// Get (returning the value and a bool found flag).
func KVStore() replica.Replica[KVState] {
	return replica.Funcs[KVState]{
		InitFunc: func() KVState { return KVState{} },
		UpdateFunc: func(state KVState, op any) (KVState, any) {
			kvOp := op.(KVOp)
			next := cloneState(state)
			switch {
			case kvOp.Put != nil:
				prev, had := next[kvOp.Put.Key]
				next[kvOp.Put.Key] = kvOp.Put.Value
				return next, KVResult{Value: prev, Found: had}
			case kvOp.Delete != nil:
				prev, had := next[*kvOp.Delete]
				delete(next, *kvOp.Delete)
				return next, KVResult{Value: prev, Found: had}
			default:
				return next, KVResult{}
			}
		},
		ReadFunc: func(state KVState, op any) any {
			kvOp := op.(KVOp)
			if kvOp.Get == nil {
				return KVResult{}
			}
			v, found := state[*kvOp.Get]
			return KVResult{Value: v, Found: found}
		},
	}
}

// KVResult is what both Update and Read return for KVStore; Value is only
// meaningful when Found is true.
type KVResult struct {
	Value string
	Found bool
}

func cloneState(state KVState) KVState {
	next := make(KVState, len(state))
	for k, v := range state {
		next[k] = v
	}
	return next
}
