package replicas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterAccumulates(t *testing.T) {
	rep := Counter()
	state := rep.Init()

	state, ret := rep.Update(state, CounterOp{Delta: 5})
	assert.EqualValues(t, 5, ret)

	state, ret = rep.Update(state, CounterOp{Delta: -2})
	assert.EqualValues(t, 3, ret)
	assert.EqualValues(t, 3, state)

	assert.EqualValues(t, 3, rep.Read(state, nil))
}

func TestKVStorePutGetDelete(t *testing.T) {
	rep := KVStore()
	state := rep.Init()

	state, ret := rep.Update(state, KVOp{Put: &KVPut{Key: "a", Value: "1"}})
	res := ret.(KVResult)
	assert.False(t, res.Found)

	key := "a"
	got := rep.Read(state, KVOp{Get: &key}).(KVResult)
	assert.True(t, got.Found)
	assert.Equal(t, "1", got.Value)

	state, ret = rep.Update(state, KVOp{Delete: &key})
	res = ret.(KVResult)
	assert.True(t, res.Found)
	assert.Equal(t, "1", res.Value)

	got = rep.Read(state, KVOp{Get: &key}).(KVResult)
	assert.False(t, got.Found)
}

func TestKVStoreUpdateDoesNotMutateCallerState(t *testing.T) {
	rep := KVStore()
	s0 := rep.Init()
	s1, _ := rep.Update(s0, KVOp{Put: &KVPut{Key: "x", Value: "y"}})
	assert.Empty(t, s0)
	assert.Len(t, s1, 1)
}
