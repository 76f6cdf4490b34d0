package orchestrator

import (
	"fmt"

	"github.com/infinibay/infinization/internal/placement"
)

// validateCPUPinCores checks every requested core index exists in topo
// (§4.1 step 2). An empty cores slice is always valid (no pinning requested).
func validateCPUPinCores(cores []int, topo placement.Topology) error {
	valid := make(map[int]bool)
	for _, n := range topo.Nodes {
		for _, c := range n.CPUs {
			valid[c] = true
		}
	}
	for _, c := range cores {
		if !valid[c] {
			return fmt.Errorf("cpu-pin core %d not present in host NUMA topology", c)
		}
	}
	return nil
}
