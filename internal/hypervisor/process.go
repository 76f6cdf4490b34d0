// Package hypervisor launches and supervises the hypervisor process itself
// (§4.7): building its argv, daemonizing it with a pid file, reading that
// pid file back, and force-killing or liveness-probing it later. It never
// shells out through a string command line — argv is always an explicit
// slice, the same discipline kata-containers' qemu.LaunchCustomQemu follows.
package hypervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/infinibay/infinization/internal/model"
)

// Process represents one spawned hypervisor instance, tracked by its pid
// file rather than an in-process *os.Process handle — the process
// daemonizes and detaches from its own launcher.
type Process struct {
	Binary      string
	Args        []string
	PIDFilePath string

	// PollInterval is how often the pid file is polled after launch.
	// PollTimeout bounds the total wait.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// New builds a Process for binary with the given argv (which must already
// include "-daemonize" and "-pidfile <path>" if daemonization is desired).
func New(binary string, args []string, pidFilePath string) *Process {
	return &Process{
		Binary:       binary,
		Args:         args,
		PIDFilePath:  pidFilePath,
		PollInterval: 100 * time.Millisecond,
		PollTimeout:  5 * time.Second,
	}
}

// Start runs the hypervisor binary and blocks only until the daemonizing
// parent exits (cmd.Run returns immediately once qemu-style daemonize()
// forks) — not until the guest exits. It then waits for the pid file to
// appear and returns the PID read from it. If daemonization completes but
// no readable PID ever appears, Start returns a PROCESS_ERROR.
func (p *Process) Start(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, p.Binary, p.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, model.NewError(model.ErrProcessError,
			fmt.Sprintf("launch %s: %s", p.Binary, strings.TrimSpace(stderr.String())), err)
	}

	pid, err := p.waitForPID(ctx)
	if err != nil {
		return 0, model.NewError(model.ErrProcessError, "daemonized but no readable pid", err)
	}
	return pid, nil
}

func (p *Process) waitForPID(ctx context.Context) (int, error) {
	deadline := time.Now().Add(p.PollTimeout)
	for {
		if pid, err := p.getPID(); err == nil {
			return pid, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("timed out waiting for pid file %s", p.PIDFilePath)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(p.PollInterval):
		}
	}
}

func (p *Process) getPID() (int, error) {
	data, err := os.ReadFile(p.PIDFilePath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", p.PIDFilePath, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, p.PIDFilePath)
	}
	return pid, nil
}

// GetPID re-reads the pid file, returning the current PID of the
// (presumably still running) hypervisor process.
func (p *Process) GetPID() (int, error) {
	return p.getPID()
}

// ForceKill sends SIGKILL to the process identified by pid. It is used as
// the fallback when a graceful SystemPowerdown times out (§5).
func ForceKill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Kill(); err != nil {
		return model.NewError(model.ErrProcessError, fmt.Sprintf("force-kill pid %d", pid), err)
	}
	return nil
}

// IsAlive reports whether pid refers to a live, non-zombie process, per the
// liveness rule the health monitor applies (§4.8): a signal-0 probe that
// succeeds or fails with permission-denied means alive; any other probe
// error is treated as "assume alive" to avoid false crash declarations; and
// a process whose /proc/<pid> stat shows state Z is dead regardless.
func IsAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	if err := proc.Signal(syscallSignalZero()); err != nil {
		if isPermissionError(err) {
			return true
		}
		if isNoSuchProcessError(err) {
			return false
		}
		return true
	}
	return !isZombie(pid)
}
