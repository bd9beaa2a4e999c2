// Package tpq is a tier priority queue: items come out ordered by source
// quality tier (lower is better), and within a tier by arrival order.
//
// The queue exists so that downstream consumers see high-quality results
// first even when a low-quality source happens to answer faster. It is safe
// for concurrent producers and consumers; Get blocks up to a timeout.
package tpq

import (
	"container/heap"
	"sync"
	"time"
)

// Item is one queued result.
type Item struct {
	Payload any
	Source  string
	Quality int // quality tier, lower = higher priority

	seq uint64 // arrival order, assigned at Put
}

// Q is the queue. The zero value is not usable; call New.
type Q struct {
	mu   sync.Mutex
	h    itemHeap
	seq  uint64
	wake chan struct{} // closed and replaced on every Put
}

// New creates an empty queue.
func New() *Q {
	return &Q{wake: make(chan struct{})}
}

// Put enqueues a payload under the source's quality tier.
func (q *Q) Put(payload any, source string, quality int) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, Item{Payload: payload, Source: source, Quality: quality, seq: q.seq})
	// Broadcast to every blocked Get.
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Get dequeues the highest-priority item, waiting up to timeout for one to
// arrive. The second return is false when the wait timed out.
func (q *Q) Get(timeout time.Duration) (Item, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.h.Len() > 0 {
			it := heap.Pop(&q.h).(Item)
			q.mu.Unlock()
			return it, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return Item{}, false
		}
	}
}

// Len returns the number of queued items.
func (q *Q) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// itemHeap orders by (Quality asc, seq asc).
type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Quality != h[j].Quality {
		return h[i].Quality < h[j].Quality
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
