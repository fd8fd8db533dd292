package wsrpc

import (
	"sync"

	"github.com/valoni/websocket-rpc/internal/errors"
	"github.com/valoni/websocket-rpc/internal/servermon"
)

// errQueueClosed is the error a future resolves with when an action is
// enqueued after the queue has been closed, or was still pending when
// the queue closed.
var errQueueClosed = errors.E(errors.Op("wsrpc.sendQueue"), errors.CodeConnectionClosed, "connection closed")

// a sendAction is one outbound transmission. It runs on the queue's
// single consumer goroutine; its error resolves the future returned by
// enqueue.
type sendAction func() error

// A future resolves exactly once, either when its action completes or
// immediately if the queue was already closed.
type future struct {
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// Wait blocks until the future resolves and returns its error.
func (f *future) Wait() error {
	<-f.done
	return f.err
}

func (f *future) resolve(err error) {
	f.err = err
	close(f.done)
}

type queuedSend struct {
	action sendAction
	future *future
}

// A sendQueue is a per-connection, single-consumer FIFO that serializes
// outbound frame transmissions: enqueue(action) never runs concurrently
// with another enqueued action on the same connection, and actions run
// strictly in enqueue order. It has no bound other than memory.
type sendQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []queuedSend
	closed  bool
}

func newSendQueue() *sendQueue {
	q := &sendQueue{}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *sendQueue) run() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			pending := q.pending
			q.pending = nil
			q.mu.Unlock()
			for _, item := range pending {
				servermon.SendQueueDepth.Dec()
				item.future.resolve(errQueueClosed)
			}
			return
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		servermon.SendQueueDepth.Dec()

		err := item.action()
		item.future.resolve(err)
	}
}

// enqueue schedules action to run once every action enqueued before it
// has completed, and returns a future that resolves with action's
// error. If the queue is already closed, the future resolves
// immediately with a "connection closed" error and action never runs.
func (q *sendQueue) enqueue(action sendAction) *future {
	f := newFuture()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.resolve(errQueueClosed)
		return f
	}
	q.pending = append(q.pending, queuedSend{action: action, future: f})
	q.mu.Unlock()
	servermon.SendQueueDepth.Inc()
	q.cond.Signal()
	return f
}

// closeQueue stops accepting new work and resolves every action still
// waiting in the queue with a "connection closed" error. Any action
// currently executing is allowed to finish.
func (q *sendQueue) closeQueue() {
	q.mu.Lock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	q.cond.Signal()
	for _, item := range pending {
		servermon.SendQueueDepth.Dec()
		item.future.resolve(errQueueClosed)
	}
}
