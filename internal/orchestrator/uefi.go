package orchestrator

import (
	"fmt"
	"io"
	"os"
)

// uefiVarsTemplateSearchPath is the fixed, ordered list of OVMF vars
// templates to copy from when a VM's per-instance vars file doesn't exist
// yet (§4.1 step 11). The first readable entry wins.
var uefiVarsTemplateSearchPath = []string{
	"/usr/share/OVMF/OVMF_VARS.fd",
	"/usr/share/OVMF/OVMF_VARS_4M.fd",
	"/usr/share/edk2/ovmf/OVMF_VARS.fd",
	"/usr/share/qemu/OVMF_VARS.fd",
}

// ensureUEFIVars copies a template into varsPath if it doesn't already
// exist. No-op if varsPath is already present (a prior boot already
// instantiated it) or no template is found, in which case it returns an
// error so the caller can decide whether firmware boot can proceed.
func ensureUEFIVars(varsPath string) error {
	if _, err := os.Stat(varsPath); err == nil {
		return nil
	}
	for _, tmpl := range uefiVarsTemplateSearchPath {
		if err := copyFile(tmpl, varsPath); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no readable UEFI vars template found in search path for %s", varsPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}
