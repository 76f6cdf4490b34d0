package placement

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Node is one NUMA node's set of physical CPUs.
type Node struct {
	ID   int
	CPUs []int
}

// Topology is the host's NUMA layout.
type Topology struct {
	Nodes []Node
}

// TotalCPUs returns the number of physical CPUs across all nodes.
func (t Topology) TotalCPUs() int {
	n := 0
	for _, node := range t.Nodes {
		n += len(node.CPUs)
	}
	return n
}

var nodeDirRe = regexp.MustCompile(`^node(\d+)$`)

// DiscoverTopology reads host sysfs at sysfsRoot (normally
// /sys/devices/system/node) to enumerate NUMA nodes and their CPU lists. If
// sysfsRoot doesn't exist, it falls back to a single synthetic node built
// from /proc/cpuinfo's processor count (§4.5).
func DiscoverTopology(sysfsRoot, procCPUInfoPath string) (Topology, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		n, err := countProcessors(procCPUInfoPath)
		if err != nil {
			return Topology{}, fmt.Errorf("discover numa topology: no sysfs and no cpuinfo fallback: %w", err)
		}
		cpus := make([]int, n)
		for i := range cpus {
			cpus[i] = i
		}
		return Topology{Nodes: []Node{{ID: 0, CPUs: cpus}}}, nil
	}

	var nodes []Node
	for _, e := range entries {
		m := nodeDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		cpus, err := parseCPUList(filepath.Join(sysfsRoot, e.Name(), "cpulist"))
		if err != nil {
			return Topology{}, fmt.Errorf("parse cpulist for node %d: %w", id, err)
		}
		nodes = append(nodes, Node{ID: id, CPUs: cpus})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	if len(nodes) == 0 {
		return Topology{}, fmt.Errorf("discover numa topology: no node* directories under %s", sysfsRoot)
	}
	return Topology{Nodes: nodes}, nil
}

func countProcessors(cpuinfoPath string) (int, error) {
	f, err := os.Open(cpuinfoPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "processor") {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("no processor entries found in %s", cpuinfoPath)
	}
	return n, nil
}

// parseCPUList parses a comma-separated range list like "0-3,5" into a
// sorted slice of CPU indices.
func parseCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseCPUListString(strings.TrimSpace(string(data)))
}

func parseCPUListString(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("invalid cpulist range %q: %w", part, err)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid cpulist range %q: %w", part, err)
			}
			for c := loN; c <= hiN; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid cpulist entry %q: %w", part, err)
			}
			cpus = append(cpus, c)
		}
	}
	sort.Ints(cpus)
	return cpus, nil
}

// Plan is the output of a CPU-pin planner: the cores selected for pinning
// and the NUMA nodes they span (§4.5).
type Plan struct {
	SelectedCores []int
	NUMANodes     []int
	VCPUToCore    map[int]int
	NodeToVCPUs   map[int][]int
}

// PlanBasic distributes vcpu vCPUs proportionally across nodes by each
// node's share of total physical CPUs, giving the last node any remainder.
// Within a node, vCPUs are assigned to physical cores in order, wrapping
// modulo the node's core count on overcommit.
func PlanBasic(topo Topology, vcpu int) (Plan, error) {
	if vcpu <= 0 {
		return Plan{}, fmt.Errorf("plan basic: vcpu must be positive, got %d", vcpu)
	}
	total := topo.TotalCPUs()
	if total == 0 {
		return Plan{}, fmt.Errorf("plan basic: topology has no CPUs")
	}

	plan := Plan{VCPUToCore: map[int]int{}, NodeToVCPUs: map[int][]int{}}
	selected := map[int]struct{}{}
	nodeSet := map[int]struct{}{}

	assignedSoFar := 0
	nextVCPU := 0
	for i, node := range topo.Nodes {
		share := vcpu * len(node.CPUs) / total
		if i == len(topo.Nodes)-1 {
			share = vcpu - assignedSoFar
		}
		if share <= 0 || len(node.CPUs) == 0 {
			continue
		}
		for j := 0; j < share; j++ {
			core := node.CPUs[j%len(node.CPUs)]
			plan.VCPUToCore[nextVCPU] = core
			plan.NodeToVCPUs[node.ID] = append(plan.NodeToVCPUs[node.ID], nextVCPU)
			selected[core] = struct{}{}
			nodeSet[node.ID] = struct{}{}
			nextVCPU++
		}
		assignedSoFar += share
	}

	plan.SelectedCores = sortedKeys(selected)
	plan.NUMANodes = sortedKeys(nodeSet)
	return plan, nil
}

// PlanHybrid flattens (core, node) pairs, Fisher-Yates shuffles them with a
// seedable mulberry32 PRNG, and takes the first vcpu entries. On
// overcommit (vcpu > total cores), indices wrap and every core ends up
// selected. The same seed and topology always produce the same plan
// (§9 testable property).
func PlanHybrid(topo Topology, vcpu int, seed uint32) (Plan, error) {
	if vcpu <= 0 {
		return Plan{}, fmt.Errorf("plan hybrid: vcpu must be positive, got %d", vcpu)
	}

	type pair struct {
		core, node int
	}
	var pairs []pair
	for _, node := range topo.Nodes {
		for _, core := range node.CPUs {
			pairs = append(pairs, pair{core: core, node: node.ID})
		}
	}
	if len(pairs) == 0 {
		return Plan{}, fmt.Errorf("plan hybrid: topology has no CPUs")
	}

	rng := newMulberry32(seed)
	for i := len(pairs) - 1; i > 0; i-- {
		j := int(rng.next() % uint32(i+1))
		pairs[i], pairs[j] = pairs[j], pairs[i]
	}

	plan := Plan{VCPUToCore: map[int]int{}, NodeToVCPUs: map[int][]int{}}
	selected := map[int]struct{}{}
	nodeSet := map[int]struct{}{}

	overcommit := vcpu > len(pairs)
	for v := 0; v < vcpu; v++ {
		p := pairs[v%len(pairs)]
		plan.VCPUToCore[v] = p.core
		plan.NodeToVCPUs[p.node] = append(plan.NodeToVCPUs[p.node], v)
		selected[p.core] = struct{}{}
		nodeSet[p.node] = struct{}{}
	}
	if overcommit {
		for _, p := range pairs {
			selected[p.core] = struct{}{}
			nodeSet[p.node] = struct{}{}
		}
	}

	plan.SelectedCores = sortedKeys(selected)
	plan.NUMANodes = sortedKeys(nodeSet)
	return plan, nil
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// mulberry32 is a small, fast, seedable PRNG used for reproducible hybrid
// pin plans (§4.5). Not suitable for cryptographic use.
type mulberry32 struct {
	state uint32
}

func newMulberry32(seed uint32) *mulberry32 {
	return &mulberry32{state: seed}
}

func (m *mulberry32) next() uint32 {
	m.state += 0x6D2B79F5
	z := m.state
	z = (z ^ (z >> 15)) * (z | 1)
	z ^= z + (z^(z>>7))*(z|61)
	return z ^ (z >> 14)
}
