package perf

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSampleKeepsPreviousOnError(t *testing.T) {
	m := NewMonitor(time.Second)
	m.cpu = func(context.Context) (float64, error) { return 42, nil }
	m.mem = func(context.Context) (float64, float64, error) { return 55, 1024, nil }

	s := m.Sample(context.Background())
	if s.CPUPercent != 42 || s.MemPercent != 55 || s.MemUsedMB != 1024 {
		t.Fatalf("Sample() = %+v", s)
	}

	m.cpu = func(context.Context) (float64, error) { return 0, errors.New("no /proc") }
	m.mem = func(context.Context) (float64, float64, error) { return 60, 2048, nil }

	s = m.Sample(context.Background())
	if s.CPUPercent != 42 {
		t.Errorf("CPUPercent = %v after failed reading, want previous 42", s.CPUPercent)
	}
	if s.MemPercent != 60 {
		t.Errorf("MemPercent = %v, want 60", s.MemPercent)
	}
	if m.Snapshot() != s {
		t.Errorf("Snapshot() = %+v, want %+v", m.Snapshot(), s)
	}
}

func TestRunSamplesUntilCancel(t *testing.T) {
	m := NewMonitor(10 * time.Millisecond)
	calls := make(chan struct{}, 100)
	m.cpu = func(context.Context) (float64, error) {
		calls <- struct{}{}
		return 1, nil
	}
	m.mem = func(context.Context) (float64, float64, error) { return 1, 1, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d samples taken", i)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if m.Snapshot().Sampled.IsZero() {
		t.Error("Snapshot not populated")
	}
}

func TestHostReadings(t *testing.T) {
	m := NewMonitor(0)
	if m.interval != 2*time.Second {
		t.Errorf("default interval = %v, want 2s", m.interval)
	}
	s := m.Sample(context.Background())
	if s.MemPercent < 0 || s.MemPercent > 100 {
		t.Errorf("MemPercent = %v, want 0-100", s.MemPercent)
	}
}
