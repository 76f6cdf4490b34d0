package options

import (
	"path/filepath"
	"testing"
)

func TestValidateROMPathAcceptsWithinAllowedDir(t *testing.T) {
	allowed := "/usr/share/infinization/roms"
	rom := filepath.Join(allowed, "gpu.rom")
	if err := ValidateROMPath(rom, allowed); err != nil {
		t.Errorf("ValidateROMPath: %v", err)
	}
}

func TestValidateROMPathRejectsOutsideAllowedDir(t *testing.T) {
	if err := ValidateROMPath("/etc/passwd", "/usr/share/infinization/roms"); err == nil {
		t.Error("expected rejection for path outside allow-listed dir")
	}
}

func TestValidateROMPathRejectsTraversal(t *testing.T) {
	allowed := "/usr/share/infinization/roms"
	rom := filepath.Join(allowed, "..", "..", "etc", "passwd")
	if err := ValidateROMPath(rom, allowed); err == nil {
		t.Error("expected rejection for path traversal out of allow-listed dir")
	}
}

func TestValidateROMPathAllowsEmpty(t *testing.T) {
	if err := ValidateROMPath("", "/usr/share/infinization/roms"); err != nil {
		t.Errorf("ValidateROMPath(empty): %v", err)
	}
}
