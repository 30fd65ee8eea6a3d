package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoSocketTopology() *MachineTopology {
	// 2 sockets x 2 cores x 2 threads = 8 CPUs, one NUMA node per socket.
	var cpus []CPUInfo
	cpu := 0
	for socket := 0; socket < 2; socket++ {
		for core := 0; core < 2; core++ {
			for ht := 0; ht < 2; ht++ {
				cpus = append(cpus, CPUInfo{
					CPU: cpu, Core: socket*2 + core, Socket: socket,
					Node: socket, HasNode: true, L1: cpu, L2: socket*2 + core, L3: socket,
				})
				cpu++
			}
		}
	}
	return &MachineTopology{cpus: cpus}
}

func TestParseMapping(t *testing.T) {
	m, err := ParseMapping("sequential")
	require.NoError(t, err)
	assert.Equal(t, MappingSequential, m)

	_, err = ParseMapping("bogus")
	assert.Error(t, err)
}

func TestSocketsAndNodes(t *testing.T) {
	topo := twoSocketTopology()
	assert.Equal(t, []int{0, 1}, topo.Sockets())
	assert.Equal(t, []int{0, 1}, topo.Nodes())
	assert.Len(t, topo.CPUsOnNode(0), 4)
	assert.Len(t, topo.CPUsOnSocket(1), 4)
}

func TestAllocateSequentialPrefersCoresBeforeHyperthreads(t *testing.T) {
	topo := twoSocketTopology()
	got := topo.Allocate(MappingSequential, 2, false)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, 0, c.Socket)
	}
	assert.NotEqual(t, got[0].Core, got[1].Core, "two distinct cores, not a core and its hyperthread")
}

func TestAllocateInterleaveSpreadsAcrossSockets(t *testing.T) {
	topo := twoSocketTopology()
	got := topo.Allocate(MappingInterleave, 4, false)
	require.Len(t, got, 4)

	bySocket := map[int]int{}
	for _, c := range got {
		bySocket[c.Socket]++
	}
	assert.Equal(t, 2, bySocket[0])
	assert.Equal(t, 2, bySocket[1])
}

func TestAllocateNUMAFillExhaustsOneNodeFirst(t *testing.T) {
	topo := twoSocketTopology()
	got := topo.Allocate(MappingNUMAFill, 2, false)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, 0, c.Node)
	}
}

func TestAllocateNoneReturnsEmpty(t *testing.T) {
	topo := twoSocketTopology()
	assert.Empty(t, topo.Allocate(MappingNone, 4, false))
}

func TestDiscoverNeverFails(t *testing.T) {
	topo, err := Discover()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, topo.Cores(), 1)
}
