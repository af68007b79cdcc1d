// Package timerqueue implements a deadline-ordered priority queue backed by
// a background goroutine, in the image of the TimerQueue consumed by
// client2/arq.go (NewTimerQueue(callback), Push(priority, value), Peek,
// Pop, Start, Halt, Wait). It backs the receiver's NACK timer wheel
// (§4.3), which needs "fire this opaque token when its deadline elapses";
// the sender's retransmit ring does not use it.
package timerqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/nanake-go/rist/internal/worker"
)

// Entry is a single (priority, value) pair. Priority is a UnixNano
// deadline: lower fires sooner.
type Entry struct {
	Priority uint64
	Value    interface{}

	index int
}

type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*Entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerQueue dispatches each pushed entry to callback once now >= its
// priority deadline.
type TimerQueue struct {
	worker.Worker

	mu       sync.Mutex
	heap     entryHeap
	wakeCh   chan struct{}
	callback func(interface{})

	nowFn func() time.Time
}

// NewTimerQueue creates a TimerQueue. callback is invoked from the
// background goroutine started by Start; it must not block indefinitely.
func NewTimerQueue(callback func(interface{})) *TimerQueue {
	return &TimerQueue{
		heap:     make(entryHeap, 0),
		wakeCh:   make(chan struct{}, 1),
		callback: callback,
		nowFn:    time.Now,
	}
}

// Start begins the background dispatch goroutine. Must be called exactly
// once before Push.
func (q *TimerQueue) Start() {
	q.Go(q.worker)
}

func (q *TimerQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Push schedules value to fire at the given priority (UnixNano deadline)
// and returns the Entry handle, which can later be passed to Remove to
// cancel it before it fires.
func (q *TimerQueue) Push(priority uint64, value interface{}) *Entry {
	e := &Entry{Priority: priority, Value: value}
	q.mu.Lock()
	heap.Push(&q.heap, e)
	q.mu.Unlock()
	q.wake()
	return e
}

// Peek returns the earliest-deadline entry without removing it, or nil if
// empty.
func (q *TimerQueue) Peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the earliest-deadline entry, or nil if empty.
func (q *TimerQueue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry)
}

// Remove drops a specific entry from the queue, used when an external event
// (an ACK, a delivered slot) makes a pending timeout moot.
func (q *TimerQueue) Remove(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.index < 0 || e.index >= len(q.heap) || q.heap[e.index] != e {
		return
	}
	heap.Remove(&q.heap, e.index)
}

func (q *TimerQueue) worker() {
	for {
		q.mu.Lock()
		var delay time.Duration
		var due *Entry
		if len(q.heap) > 0 {
			next := q.heap[0]
			d := time.Duration(int64(next.Priority) - q.nowFn().UnixNano())
			if d <= 0 {
				due = heap.Pop(&q.heap).(*Entry)
			} else {
				delay = d
			}
		} else {
			delay = time.Hour
		}
		q.mu.Unlock()

		if due != nil {
			q.callback(due.Value)
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-q.HaltCh():
			timer.Stop()
			return
		case <-q.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}
