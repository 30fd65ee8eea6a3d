// Package topology discovers the machine's CPU/socket/NUMA layout and
// implements the thread-mapping allocation strategies used to pin
// combiner goroutines near the replica they serve.
//
// The original NR implementation this engine is modeled on queries
// hwloc for this information; no hwloc binding is available in this
// repo's dependency set, so Discover reads the same information Linux
// already publishes under /proc and /sys and falls back to a
// single-node model of runtime.NumCPU() processors everywhere else.
// This is named as a standard-library-only exception in DESIGN.md: no
// third-party topology/affinity library was available to ground it on.
package topology

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// Mapping selects a thread allocation strategy. It only affects which OS
// thread binds to which NodeID; it never changes engine semantics.
type Mapping int

const (
	MappingNone Mapping = iota
	MappingSequential
	MappingNUMAFill
	MappingInterleave
)

func (m Mapping) String() string {
	switch m {
	case MappingNone:
		return "none"
	case MappingSequential:
		return "sequential"
	case MappingNUMAFill:
		return "numa-fill"
	case MappingInterleave:
		return "interleave"
	default:
		return fmt.Sprintf("mapping(%d)", int(m))
	}
}

// ParseMapping parses the --mapping flag / thread_mapping config value.
func ParseMapping(s string) (Mapping, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return MappingNone, nil
	case "sequential":
		return MappingSequential, nil
	case "numa-fill", "numafill":
		return MappingNUMAFill, nil
	case "interleave":
		return MappingInterleave, nil
	default:
		return 0, fmt.Errorf("unknown thread mapping %q", s)
	}
}

// CPUInfo describes one processing unit's place in the topology.
type CPUInfo struct {
	CPU     int
	Core    int
	Socket  int
	Node    int
	HasNode bool
	L1      int
	L2      int
	L3      int
}

// NodeInfo describes one NUMA node.
type NodeInfo struct {
	Node        int
	MemoryBytes uint64
}

// MachineTopology is a read-mostly snapshot of the machine's CPU layout,
// built once and reused for the process lifetime.
type MachineTopology struct {
	cpus []CPUInfo
}

// Discover builds a MachineTopology from /proc and /sys, or from
// runtime.NumCPU() when those are unavailable (non-Linux, sandboxed
// containers without a real /proc).
func Discover() (*MachineTopology, error) {
	cpus, err := discoverLinux()
	if err != nil || len(cpus) == 0 {
		cpus = fallbackSingleNode()
	}
	return &MachineTopology{cpus: cpus}, nil
}

func fallbackSingleNode() []CPUInfo {
	n := runtime.NumCPU()
	cpus := make([]CPUInfo, n)
	for i := range cpus {
		cpus[i] = CPUInfo{CPU: i, Core: i, Socket: 0, Node: 0, HasNode: true, L1: i, L2: i, L3: 0}
	}
	return cpus
}

func discoverLinux() ([]CPUInfo, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cpus []CPUInfo
	cur := CPUInfo{CPU: -1, L1: -1, L2: -1, L3: -1}
	flush := func() {
		if cur.CPU >= 0 {
			cur.Node, cur.HasNode = nodeForCPU(cur.CPU)
			cur.L1, cur.L2, cur.L3 = cacheIndicesForCPU(cur.CPU)
			cpus = append(cpus, cur)
		}
		cur = CPUInfo{CPU: -1, L1: -1, L2: -1, L3: -1}
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "processor":
			v, _ := strconv.Atoi(val)
			cur.CPU = v
		case "physical id":
			v, _ := strconv.Atoi(val)
			cur.Socket = v
		case "core id":
			v, _ := strconv.Atoi(val)
			cur.Core = v
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cpus, nil
}

func nodeForCPU(cpu int) (int, bool) {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		nodeIdx, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join("/sys/devices/system/node", name, fmt.Sprintf("cpu%d", cpu))); err == nil {
			return nodeIdx, true
		}
	}
	return 0, false
}

func cacheIndicesForCPU(cpu int) (l1, l2, l3 int) {
	l1, l2, l3 = -1, -1, -1
	base := fmt.Sprintf("/sys/devices/system/cpu/cpu%d/cache", cpu)
	for i := 0; i < 4; i++ {
		levelPath := filepath.Join(base, fmt.Sprintf("index%d", i))
		levelBytes, err := os.ReadFile(filepath.Join(levelPath, "level"))
		if err != nil {
			continue
		}
		idBytes, err := os.ReadFile(filepath.Join(levelPath, "id"))
		if err != nil {
			continue
		}
		level := strings.TrimSpace(string(levelBytes))
		id, err := strconv.Atoi(strings.TrimSpace(string(idBytes)))
		if err != nil {
			continue
		}
		switch level {
		case "1":
			l1 = id
		case "2":
			l2 = id
		case "3":
			l3 = id
		}
	}
	return
}

// Cores returns the number of processing units discovered.
func (t *MachineTopology) Cores() int { return len(t.cpus) }

// Sockets returns the sorted, deduplicated list of socket indices.
func (t *MachineTopology) Sockets() []int {
	return sortedUnique(t.cpus, func(c CPUInfo) int { return c.Socket })
}

// Nodes returns the sorted, deduplicated list of NUMA node indices.
func (t *MachineTopology) Nodes() []int {
	return sortedUnique(t.cpus, func(c CPUInfo) int { return c.Node })
}

// CPUsOnNode returns every CPU belonging to the given NUMA node index.
//
// This filters on node, not socket. An earlier reference implementation
// filtered cpus_on_node by the socket field, which only happens to agree
// with node filtering on hardware where sockets and NUMA nodes coincide
// one-to-one; on any machine with multiple nodes per socket (or vice
// versa) that would silently return the wrong CPUs. CPUsOnSocket below
// is the separate, correctly-named operation for socket-based queries.
func (t *MachineTopology) CPUsOnNode(node int) []CPUInfo {
	var out []CPUInfo
	for _, c := range t.cpus {
		if c.Node == node {
			out = append(out, c)
		}
	}
	return out
}

// CPUsOnSocket returns every CPU belonging to the given socket index.
func (t *MachineTopology) CPUsOnSocket(socket int) []CPUInfo {
	var out []CPUInfo
	for _, c := range t.cpus {
		if c.Socket == socket {
			out = append(out, c)
		}
	}
	return out
}

func sortedUnique(cpus []CPUInfo, key func(CPUInfo) int) []int {
	seen := map[int]bool{}
	var out []int
	for _, c := range cpus {
		k := key(c)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

// Allocate picks howMany CPUs according to mapping, deduplicating
// hyperthreads first unless useHT is set.
func (t *MachineTopology) Allocate(mapping Mapping, howMany int, useHT bool) []CPUInfo {
	cpus := append([]CPUInfo(nil), t.cpus...)
	if !useHT {
		cpus = dedupeByCore(cpus)
	}

	switch mapping {
	case MappingNone:
		return nil
	case MappingSequential:
		return allocateSequential(cpus, howMany)
	case MappingInterleave:
		return allocateInterleave(t.Sockets(), cpus, howMany)
	case MappingNUMAFill:
		return allocateNUMAFill(t.Nodes(), cpus, howMany)
	default:
		return nil
	}
}

func dedupeByCore(cpus []CPUInfo) []CPUInfo {
	sort.Slice(cpus, func(i, j int) bool {
		if cpus[i].Socket != cpus[j].Socket {
			return cpus[i].Socket < cpus[j].Socket
		}
		return cpus[i].Core < cpus[j].Core
	})
	out := cpus[:0:0]
	var lastSocket, lastCore int
	first := true
	for _, c := range cpus {
		if first || c.Socket != lastSocket || c.Core != lastCore {
			out = append(out, c)
			lastSocket, lastCore = c.Socket, c.Core
			first = false
		}
	}
	return out
}

// allocateSequential fills sockets in order, taking CPUs by CPU index
// within each socket (tie-break by socket, then CPU index). Hyperthread
// siblings kept by useHT are not moved behind physical cores; they are
// taken in CPU-index order with the rest.
func allocateSequential(cpus []CPUInfo, howMany int) []CPUInfo {
	sorted := append([]CPUInfo(nil), cpus...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Socket != sorted[j].Socket {
			return sorted[i].Socket < sorted[j].Socket
		}
		return sorted[i].CPU < sorted[j].CPU
	})
	if howMany > len(sorted) {
		howMany = len(sorted)
	}
	return append([]CPUInfo(nil), sorted[:howMany]...)
}

// allocateInterleave spreads allocation across sockets evenly, taking
// each socket's share in CPU-index order. Hyperthread siblings kept by
// useHT are not moved behind physical cores.
func allocateInterleave(sockets []int, cpus []CPUInfo, howMany int) []CPUInfo {
	if len(sockets) == 0 {
		return nil
	}
	bySocket := map[int][]CPUInfo{}
	for _, c := range cpus {
		bySocket[c.Socket] = append(bySocket[c.Socket], c)
	}
	for s := range bySocket {
		sort.Slice(bySocket[s], func(i, j int) bool { return bySocket[s][i].CPU < bySocket[s][j].CPU })
	}

	perSocket := (howMany + len(sockets) - 1) / len(sockets)
	var out []CPUInfo
	for _, s := range sockets {
		take := bySocket[s]
		if len(take) > perSocket {
			take = take[:perSocket]
		}
		out = append(out, take...)
		if len(out) >= howMany {
			break
		}
	}
	if len(out) > howMany {
		out = out[:howMany]
	}
	return out
}

// allocateNUMAFill fills one NUMA node's CPUs completely, in CPU-index
// order, before moving to the next node. Hyperthread siblings kept by
// useHT are taken with their node, not after every node's cores.
func allocateNUMAFill(nodes []int, cpus []CPUInfo, howMany int) []CPUInfo {
	if len(nodes) == 0 {
		return allocateSequential(cpus, howMany)
	}
	byNode := map[int][]CPUInfo{}
	for _, c := range cpus {
		byNode[c.Node] = append(byNode[c.Node], c)
	}
	for n := range byNode {
		sort.Slice(byNode[n], func(i, j int) bool { return byNode[n][i].CPU < byNode[n][j].CPU })
	}

	var out []CPUInfo
	for _, n := range nodes {
		out = append(out, byNode[n]...)
	}
	if len(out) > howMany {
		out = out[:howMany]
	}
	return out
}
