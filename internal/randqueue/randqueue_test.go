package randqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_PutGet(t *testing.T) {
	q := New[int]()

	if ok := q.Put(1); !ok {
		t.Fatal("expected Put to succeed on open queue")
	}
	q.Put(2)
	q.Put(3)

	if q.Len() != 3 {
		t.Errorf("expected 3 queued items, got %d", q.Len())
	}

	// All three items come back, order unspecified
	got := make(map[int]bool)
	for i := 0; i < 3; i++ {
		v, ok := q.Get()
		if !ok {
			t.Fatal("expected item")
		}
		got[v] = true
	}
	if !got[1] || !got[2] || !got[3] {
		t.Errorf("missing items: %v", got)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_GetBlocksUntilPut(t *testing.T) {
	q := New[string]()
	done := make(chan string)

	go func() {
		v, _ := q.Get()
		done <- v
	}()

	// Give the consumer time to block
	select {
	case v := <-done:
		t.Fatalf("Get returned %q before Put", v)
	case <-time.After(50 * time.Millisecond):
	}

	q.Put("work")
	select {
	case v := <-done:
		if v != "work" {
			t.Errorf("expected work, got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not wake after Put")
	}
}

func TestQueue_Join(t *testing.T) {
	q := New[int]()
	for i := 0; i < 10; i++ {
		q.Put(i)
	}

	var processed atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, ok := q.Get()
				if !ok {
					return
				}
				processed.Add(1)
				q.TaskDone()
			}
		}()
	}

	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after all items were processed")
	}
	if processed.Load() != 10 {
		t.Errorf("expected 10 processed, got %d", processed.Load())
	}

	q.Close()
	wg.Wait()
}

func TestQueue_JoinWaitsForInFlight(t *testing.T) {
	q := New[int]()
	q.Put(1)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		q.Get()
		close(started)
		<-release
		q.TaskDone()
	}()

	<-started
	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()

	// The dequeued item is still in flight
	select {
	case <-joined:
		t.Fatal("Join returned while a task was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("Join did not return after TaskDone")
	}
}

func TestQueue_CloseAbandonsQueuedWork(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Put(i)
	}

	// One item in flight, four abandoned by Close
	q.Get()
	q.Close()

	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned while the in-flight task was unfinished")
	case <-time.After(50 * time.Millisecond):
	}

	q.TaskDone()
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("Join deadlocked after Close abandoned queued items")
	}

	// Closed queue rejects new work and wakes Get immediately
	if q.Put(9) {
		t.Error("expected Put to fail after Close")
	}
	if _, ok := q.Get(); ok {
		t.Error("expected Get to report closed")
	}
}

func TestQueue_CloseWakesBlockedGet(t *testing.T) {
	q := New[int]()
	done := make(chan bool)

	go func() {
		_, ok := q.Get()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("expected ok=false from Get after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Get was not woken by Close")
	}
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := New[int]()
	const producers, perProducer, consumers = 8, 50, 4

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Put(base*perProducer + i)
			}
		}(p)
	}

	var consumed atomic.Int32
	var cwg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				_, ok := q.Get()
				if !ok {
					return
				}
				consumed.Add(1)
				q.TaskDone()
			}
		}()
	}

	wg.Wait()
	q.Join()
	q.Close()
	cwg.Wait()

	if consumed.Load() != producers*perProducer {
		t.Errorf("expected %d consumed, got %d", producers*perProducer, consumed.Load())
	}
}
