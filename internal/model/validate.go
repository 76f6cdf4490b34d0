package model

import "fmt"

// ValidateCreate checks the structural invariants required before any
// VM-create side effect runs (§4.1 step 1). NUMA-aware pin validation
// happens separately in the placement package, which knows the host
// topology.
func ValidateCreate(vm *VM) error {
	if vm.CPUCores < 1 {
		return NewError(ErrInvalidConfig, fmt.Sprintf("cpuCores must be >= 1, got %d", vm.CPUCores), nil)
	}
	if vm.RAMGB < 0.5 {
		return NewError(ErrInvalidConfig, fmt.Sprintf("ramGB must be >= 0.5, got %v", vm.RAMGB), nil)
	}
	if len(vm.Disks) == 0 {
		return NewError(ErrInvalidConfig, "at least one disk is required", nil)
	}
	for i, d := range vm.Disks {
		if d.SizeGB < 1 {
			return NewError(ErrInvalidConfig, fmt.Sprintf("disk[%d] sizeGB must be >= 1, got %d", i, d.SizeGB), nil)
		}
	}
	if vm.InternalName == "" {
		return NewError(ErrInvalidConfig, "internalName is required", nil)
	}
	if vm.Bridge == "" {
		return NewError(ErrInvalidConfig, "bridge is required", nil)
	}
	switch vm.DisplayType {
	case DisplaySpice, DisplayVNC:
	default:
		return NewError(ErrInvalidConfig, fmt.Sprintf("displayType must be spice or vnc, got %q", vm.DisplayType), nil)
	}
	if vm.DisplayPort < 0 {
		return NewError(ErrInvalidConfig, "displayPort must be >= 0", nil)
	}
	return nil
}
