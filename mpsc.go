package ygggo_amysql

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode is a single element of the submission queue.
type mpscNode[T any] struct {
	value *T
	next  atomic.Pointer[mpscNode[T]]
}

// mpscQueue is an unbounded multi-producer single-consumer queue. Producers link
// nodes with CAS and only share a read lock with Close. Any
// goroutine may Push; a single consumer reads from Recv. Items pushed before Close
// are still delivered, after which Recv is closed.
type mpscQueue[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan *T
	closed atomic.Bool
	// closing is held shared by producers from the closed check until their node is
	// linked, and exclusively by Close, so no push can land after Close returns.
	closing sync.RWMutex

	mu   sync.Mutex
	cond *sync.Cond
}

func newMPSCQueue[T any]() *mpscQueue[T] {
	sentinel := &mpscNode[T]{}
	q := &mpscQueue[T]{out: make(chan *T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	go q.consume()
	return q
}

// Push adds an item. It returns false once the queue is closed.
func (q *mpscQueue[T]) Push(value *T) bool {
	if value == nil {
		return false
	}
	q.closing.RLock()
	defer q.closing.RUnlock()
	if q.closed.Load() {
		return false
	}
	n := &mpscNode[T]{value: value}
	var backoff uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				// signal under the lock so the consumer cannot miss the wakeup
				// between its emptiness check and Wait
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			q.tail.CompareAndSwap(tail, next)
		}
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

func (q *mpscQueue[T]) consume() {
	defer close(q.out)
	for {
		hasItems := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			hasItems = true
			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if !hasItems && q.closed.Load() {
			// every push that was accepted is linked by now
			if q.head.Load().next.Load() == nil {
				return
			}
			continue
		}
		if !hasItems {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the consumer channel.
func (q *mpscQueue[T]) Recv() <-chan *T {
	return q.out
}

// Close stops further pushes. Already queued items are still delivered.
func (q *mpscQueue[T]) Close() {
	q.closing.Lock()
	q.closed.Store(true)
	q.closing.Unlock()
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *mpscQueue[T]) IsClosed() bool {
	return q.closed.Load()
}
