package wsrpc

import (
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestSendQueueFIFOOrdering(t *testing.T) {
	c := qt.New(t)

	q := newSendQueue()
	defer q.closeQueue()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		f := q.enqueue(func() error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		c.Assert(f, qt.IsNotNil)
	}
	wg.Wait()

	for i, v := range order {
		c.Check(v, qt.Equals, i)
	}
}

func TestSendQueueSerializesNoOverlap(t *testing.T) {
	c := qt.New(t)

	q := newSendQueue()
	defer q.closeQueue()

	var running int32
	var maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		q.enqueue(func() error {
			defer wg.Done()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			time.Sleep(time.Millisecond)
			running--
			return nil
		})
	}
	wg.Wait()
	c.Check(maxRunning, qt.Equals, int32(1))
}

func TestSendQueueCloseResolvesPending(t *testing.T) {
	c := qt.New(t)

	q := newSendQueue()
	block := make(chan struct{})
	started := make(chan struct{})
	q.enqueue(func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	f := q.enqueue(func() error {
		t.Fatal("action should not run after close")
		return nil
	})
	q.closeQueue()
	err := f.Wait()
	c.Assert(err, qt.ErrorMatches, "connection closed")
	close(block)
}

func TestSendQueueEnqueueAfterCloseResolvesImmediately(t *testing.T) {
	c := qt.New(t)

	q := newSendQueue()
	q.closeQueue()
	// give the consumer goroutine a chance to observe closed and exit
	time.Sleep(10 * time.Millisecond)

	f := q.enqueue(func() error {
		t.Fatal("action should not run")
		return nil
	})
	err := f.Wait()
	c.Assert(err, qt.ErrorMatches, "connection closed")
}
