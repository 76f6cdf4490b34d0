package options

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateROMPath enforces that a passthrough device's ROM file resolves
// under the fixed allow-listed directory (§6) — a hard INVALID_CONFIG error
// otherwise, since an operator-supplied path here is file-read input to the
// hypervisor launch command.
func ValidateROMPath(romPath, allowedDir string) error {
	if romPath == "" {
		return nil
	}
	absAllowed, err := filepath.Abs(allowedDir)
	if err != nil {
		return fmt.Errorf("resolve allow-listed rom directory: %w", err)
	}
	absROM, err := filepath.Abs(romPath)
	if err != nil {
		return fmt.Errorf("resolve rom path: %w", err)
	}
	rel, err := filepath.Rel(absAllowed, absROM)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("rom path %s is outside allow-listed directory %s", romPath, allowedDir)
	}
	return nil
}
