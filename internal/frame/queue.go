package frame

import (
	"errors"
	"fmt"
	"sync"
)

const (
	MinCapacity = 2
	MaxCapacity = 100
)

var ErrCapacity = errors.New("queue capacity out of range")

// Queue is a bounded FIFO of frames. Pushing into a full queue evicts the
// oldest frame instead of blocking, so consumers always see recent data.
type Queue struct {
	mu    sync.Mutex
	buf   []*Frame
	head  int // index of the oldest frame
	size  int
	evict uint64 // frames evicted by Push
	skip  uint64 // frames discarded by DrainLatest
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) (*Queue, error) {
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrCapacity, capacity, MinCapacity, MaxCapacity)
	}
	return &Queue{buf: make([]*Frame, capacity)}, nil
}

// Push appends f. Returns true if the oldest frame was evicted to make room.
func (q *Queue) Push(f *Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.evict++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	return evicted
}

// Pop removes and returns the oldest frame.
func (q *Queue) Pop() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return f, true
}

// DrainLatest discards everything but the freshest frame and pops it.
// discarded is the number of older frames thrown away.
func (q *Queue) DrainLatest() (f *Frame, discarded int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, 0, false
	}
	last := (q.head + q.size - 1) % len(q.buf)
	f = q.buf[last]
	discarded = q.size - 1
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.head = 0
	q.size = 0
	q.skip += uint64(discarded)
	return f, discarded, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many frames were evicted on push and how many were
// skipped by DrainLatest.
func (q *Queue) Dropped() (evicted, skipped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evict, q.skip
}
