package stream

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewBroadcaster(t *testing.T) {
	b := NewBroadcaster[int](4)
	if b == nil {
		t.Fatal("NewBroadcaster returned nil")
	}
	if b.ListenerCount() != 0 {
		t.Errorf("Initial ListenerCount = %d, want 0", b.ListenerCount())
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster[int](4)

	l1 := b.Subscribe()
	if b.ListenerCount() != 1 {
		t.Errorf("After 1 subscribe: ListenerCount = %d, want 1", b.ListenerCount())
	}

	l2 := b.Subscribe()
	if b.ListenerCount() != 2 {
		t.Errorf("After 2 subscribes: ListenerCount = %d, want 2", b.ListenerCount())
	}

	b.Unsubscribe(l1)
	if b.ListenerCount() != 1 {
		t.Errorf("After 1 unsubscribe: ListenerCount = %d, want 1", b.ListenerCount())
	}

	b.Unsubscribe(l2)
	if b.ListenerCount() != 0 {
		t.Errorf("After all unsubscribed: ListenerCount = %d, want 0", b.ListenerCount())
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster[int](4)
	l := b.Subscribe()
	b.Unsubscribe(l)
	b.Unsubscribe(l) // must not panic on double close
}

func TestBroadcastDelivers(t *testing.T) {
	b := NewBroadcaster[string](4)
	l := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan string, 10)

	go b.Run(ctx, source)

	source <- "frame-1"

	select {
	case got := <-l.C:
		if got != "frame-1" {
			t.Errorf("Received %q, want %q", got, "frame-1")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for value")
	}

	cancel()
	b.Unsubscribe(l)
}

func TestBroadcastMultipleListeners(t *testing.T) {
	b := NewBroadcaster[int](4)
	listeners := make([]*Listener[int], 5)
	for i := range listeners {
		listeners[i] = b.Subscribe()
	}

	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan int, 10)

	go b.Run(ctx, source)

	source <- 42

	for i, l := range listeners {
		select {
		case got := <-l.C:
			if got != 42 {
				t.Errorf("Listener %d got %d, want 42", i, got)
			}
		case <-time.After(time.Second):
			t.Errorf("Listener %d timed out", i)
		}
	}

	cancel()
	for _, l := range listeners {
		b.Unsubscribe(l)
	}
}

func TestBroadcastDropsSlowListener(t *testing.T) {
	const buffer = 8
	b := NewBroadcaster[int](buffer)
	slow := b.Subscribe()
	fast := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan int, 50)

	go b.Run(ctx, source)

	fastCount := 0
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-fast.C:
				fastCount++
			case <-time.After(200 * time.Millisecond):
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		source <- i
	}
	wg.Wait()

	slowCount := 0
	for {
		select {
		case <-slow.C:
			slowCount++
			continue
		default:
		}
		break
	}

	if slowCount > buffer {
		t.Errorf("Slow listener got %d values, should cap at buffer size %d", slowCount, buffer)
	}
	if fastCount == 0 {
		t.Error("Fast listener got 0 values")
	}

	cancel()
	b.Unsubscribe(slow)
	b.Unsubscribe(fast)
}

func TestBroadcastStopsOnContextCancel(t *testing.T) {
	b := NewBroadcaster[int](4)
	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan int, 10)

	done := make(chan struct{})
	go func() {
		b.Run(ctx, source)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcaster did not stop after context cancel")
	}
}

func TestBroadcastStopsOnSourceClose(t *testing.T) {
	b := NewBroadcaster[int](4)
	source := make(chan int, 10)

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), source)
		close(done)
	}()

	close(source)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcaster did not stop after source closed")
	}
}

func TestListenerDoneChannel(t *testing.T) {
	b := NewBroadcaster[int](4)
	l := b.Subscribe()

	b.Unsubscribe(l)

	select {
	case <-l.Done():
	default:
		t.Error("Listener done channel not closed after unsubscribe")
	}
}

func TestPublishWithoutListeners(t *testing.T) {
	b := NewBroadcaster[int](1)
	b.Publish(1) // no listeners: must not block
}
