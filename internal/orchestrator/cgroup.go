package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const cgroupBasePath = "/infinization/"

// applyCPUPin constrains pid to cores via a per-VM cgroup v1 cpuset (§4.1
// step 13). Best-effort: callers log and continue on error rather than
// failing Create/Start.
func applyCPUPin(vmID string, pid int, cores []int) error {
	path := cgroupBasePath + vmID
	resources := &specs.LinuxResources{
		CPU: &specs.LinuxCPU{Cpus: cpuListString(cores)},
	}
	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath(path), resources)
	if err != nil {
		return fmt.Errorf("create cgroup for %s: %w", vmID, err)
	}
	if err := cg.Add(cgroups.Process{Pid: pid}); err != nil {
		return fmt.Errorf("add pid %d to cgroup %s: %w", pid, path, err)
	}
	return nil
}

// reapCPUPinCgroup deletes the per-VM cgroup scope created by applyCPUPin,
// once the hypervisor process has exited (Stop's opportunistic reap).
func reapCPUPinCgroup(vmID string) error {
	path := cgroupBasePath + vmID
	cg, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		if err == cgroups.ErrCgroupDeleted {
			return nil
		}
		return fmt.Errorf("load cgroup for %s: %w", vmID, err)
	}
	return cg.Delete()
}

func cpuListString(cores []int) string {
	parts := make([]string, len(cores))
	for i, c := range cores {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}
