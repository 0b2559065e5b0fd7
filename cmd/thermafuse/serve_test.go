package main

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/satindergrewal/thermafuse/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// A taken HTTP port fails serve, and the sensor listeners are released
// before it returns.
func TestServeHTTPFailureStopsReceivers(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.HTTPPort = busy.Addr().(*net.TCPAddr).Port
	cfg.VisiblePort = freePort(t)
	cfg.ThermalPort = freePort(t)
	cfg.AcceptTimeout = 50 * time.Millisecond
	cfg.AlignmentPath = filepath.Join(t.TempDir(), "alignment.msgpack")

	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), cfg) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("serve = nil, want HTTP listen error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the HTTP server failed")
	}

	for _, port := range []int{cfg.VisiblePort, cfg.ThermalPort} {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			t.Errorf("port %d still held after serve returned: %v", port, err)
			continue
		}
		ln.Close()
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.HTTPPort = freePort(t)
	cfg.VisiblePort = freePort(t)
	cfg.ThermalPort = freePort(t)
	cfg.AcceptTimeout = 50 * time.Millisecond
	cfg.AlignmentPath = filepath.Join(t.TempDir(), "alignment.msgpack")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
