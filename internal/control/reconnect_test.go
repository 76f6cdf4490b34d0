package control

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestDialWithRetrySucceedsOnceListenerAppears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.sock")

	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(testGreeting))
		<-time.After(500 * time.Millisecond)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, greeting, err := DialWithRetry(ctx, path, 200*time.Millisecond, Config{}, DialRetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		Factor:      1.5,
		Cap:         300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("DialWithRetry: %v", err)
	}
	defer client.Shutdown()

	if greeting == nil {
		t.Fatal("expected a greeting")
	}
}

func TestDialWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.sock")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := DialWithRetry(ctx, path, 50*time.Millisecond, Config{}, DialRetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Factor:      1.0,
		Cap:         10 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
