package health

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readPIDFile parses the integer pid out of a hypervisor-written pid file,
// mirroring the format internal/hypervisor.Process.Start waits for.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}
