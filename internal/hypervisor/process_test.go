package hypervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFakeBinary writes a tiny shell script with the given behavior as a
// stand-in binary — e.g. one that writes a pid to a file and exits
// immediately, mimicking qemu -daemonize -pidfile <path> without needing a
// real hypervisor binary.
func writeFakeBinary(t *testing.T, dir string, behavior string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-hypervisor.sh")
	script := "#!/bin/sh\n" + behavior + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestStartReadsPIDFromFile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "vm.pid")
	bin := writeFakeBinary(t, dir, fmt.Sprintf("echo 4242 > %s", pidPath))

	p := New(bin, nil, pidPath)
	p.PollTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pid, err := p.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}

func TestStartFailsWhenPIDFileNeverAppears(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "never.pid")
	bin := writeFakeBinary(t, dir, "true")

	p := New(bin, nil, pidPath)
	p.PollTimeout = 300 * time.Millisecond
	p.PollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := p.Start(ctx); err == nil {
		t.Fatal("expected PROCESS_ERROR when pid file never appears")
	}
}

func TestStartFailsWhenBinaryExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeBinary(t, dir, "exit 1")

	p := New(bin, nil, filepath.Join(dir, "vm.pid"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := p.Start(ctx); err == nil {
		t.Fatal("expected error for nonzero exit")
	}
}

func TestGetPIDRereadsFile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "vm.pid")
	if err := os.WriteFile(pidPath, []byte("999\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	p := New("unused", nil, pidPath)
	pid, err := p.GetPID()
	if err != nil {
		t.Fatalf("GetPID: %v", err)
	}
	if pid != 999 {
		t.Errorf("pid = %d, want 999", pid)
	}
}

func TestIsAliveTrueForCurrentProcess(t *testing.T) {
	if !IsAlive(os.Getpid()) {
		t.Error("expected current process to be reported alive")
	}
}

func TestIsAliveFalseForImplausiblePID(t *testing.T) {
	if IsAlive(999999) {
		t.Skip("pid 999999 happened to be in use on this host; skipping")
	}
}
