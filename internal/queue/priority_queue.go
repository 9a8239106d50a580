// Package queue implements the Priority Request Queue (spec §4.2): a queue
// ordered by request_id ascending (FIFO by issuance), whose items resolve
// to a ResponseSlice rather than to final text so callers can consume
// chunks incrementally.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/lmql-rt/corert/internal/apitypes"
)

// SliceFuture is satisfied by response.Slice. Kept as an interface here so
// this package does not import internal/response, avoiding an import
// cycle (response depends on nothing in queue).
type SliceFuture interface{}

// Item pairs a request with the future its ResponseSlice will resolve
// into (spec §4.2: "(request_fields, completion_future) pairs").
type Item struct {
	Request *apitypes.Request
	Future  *Future
}

// Future is resolved exactly once with the ResponseSlice for a Request.
type Future struct {
	mu     sync.Mutex
	done   chan struct{}
	result SliceFuture
	err    error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future. Only the first call takes effect; later
// calls are ignored.
func (f *Future) Resolve(result SliceFuture, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return // already resolved
	default:
	}
	f.result = result
	f.err = err
	close(f.done)
}

// Wait blocks until Resolve is called or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (SliceFuture, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// heapItem is the container/heap element: an Item ordered by RequestID.
type heapItem struct {
	item  Item
	index int
}

type itemHeap []*heapItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	return h[i].item.Request.RequestID < h[j].item.Request.RequestID
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x any) {
	hi := x.(*heapItem)
	hi.index = len(*h)
	*h = append(*h, hi)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	hi := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return hi
}

// Queue is a blocking priority queue of Items, ordered by request_id.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	h      itemHeap
	closed bool
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.h)
	return q
}

// Put enqueues an item and wakes any blocked Get.
func (q *Queue) Put(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.h, &heapItem{item: item})
	q.cond.Signal()
}

// Get blocks until an item is available, the queue is closed, or ctx is
// cancelled. ok is false when the queue has been closed and drained, or
// when ctx is cancelled before an item arrives.
func (q *Queue) Get(ctx context.Context) (item Item, ok bool) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.h.Len() == 0 && !q.closed {
		select {
		case <-done:
			return Item{}, false
		default:
		}
		q.cond.Wait()
	}
	if q.h.Len() == 0 {
		return Item{}, false
	}
	hi := heap.Pop(&q.h).(*heapItem)
	return hi.item, true
}

// TryGet pops an item without blocking. ok is false if the queue is empty.
func (q *Queue) TryGet() (item Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return Item{}, false
	}
	hi := heap.Pop(&q.h).(*heapItem)
	return hi.item, true
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Close marks the queue closed; pending Get calls return ok=false once
// drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
