package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/infinibay/infinization/internal/config"
)

// diskPaths derives the on-disk image path for each of n disks from
// internalName: the first disk is bare, subsequent ones get a -diskN
// suffix (§4.1 step 3, §6).
func diskPaths(cfg config.Config, internalName string, n int) []string {
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			paths[i] = filepath.Join(cfg.DiskDir, internalName+".qcow2")
		} else {
			paths[i] = filepath.Join(cfg.DiskDir, fmt.Sprintf("%s-disk%d.qcow2", internalName, i+1))
		}
	}
	return paths
}

func controlSocketPath(cfg config.Config, internalName string) string {
	return filepath.Join(cfg.SocketDir, internalName+".sock")
}

func pidFilePath(cfg config.Config, internalName string) string {
	return filepath.Join(cfg.PIDDir, internalName+".pid")
}

func uefiVarsPath(cfg config.Config, internalName string) string {
	return filepath.Join(cfg.UEFIVarDir, internalName+"-VARS.fd")
}

func guestAgentSocketPath(cfg config.Config, internalName string) string {
	return filepath.Join(cfg.SocketDir, internalName+"-agent.sock")
}
