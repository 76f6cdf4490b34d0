// Package execx provides fork-exec helpers shared by the TAP manager, the
// packet-filter service and the hypervisor launcher. Every call takes an
// argv slice rather than a shell string, so there is never a shell to
// interpolate into.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result carries the captured output of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes name with args and waits for it to complete, returning
// combined stdout/stderr. It never goes through a shell.
func Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return res, fmt.Errorf("exec %s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// IsBusy reports whether err (or its message) indicates a transient
// "device or resource busy" condition from a kernel operation, the
// signature retry_on_busy watches for.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device or resource busy") || strings.Contains(msg, "resource busy") || strings.Contains(msg, "ebusy")
}
