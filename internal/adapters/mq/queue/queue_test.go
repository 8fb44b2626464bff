package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	if err := q.Enqueue(ctx, Job{TransactionID: "tx-1", Source: "submit"}); err != nil {
		t.Fatalf("expected enqueue to succeed: %v", err)
	}
	if l := q.Len(); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	job := <-q.Dequeue()
	if job.TransactionID != "tx-1" {
		t.Errorf("expected tx-1, got %v", job.TransactionID)
	}
	if job.EnqueuedAt.IsZero() {
		t.Error("expected enqueue time to be stamped")
	}
	if l := q.Len(); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, Job{TransactionID: fmt.Sprintf("tx-%d", i)}); err != nil {
			t.Fatalf("expected enqueue to succeed: %v", err)
		}
	}
	if err := q.Enqueue(ctx, Job{TransactionID: "tx-over"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestInMemoryQueue_Close(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(4))
	ctx := context.Background()

	_ = q.Enqueue(ctx, Job{TransactionID: "tx-1"})
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to report closed")
	}
	if err := q.Enqueue(ctx, Job{TransactionID: "tx-2"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}

	var drained []string
	for j := range q.Dequeue() {
		drained = append(drained, j.TransactionID)
	}
	if len(drained) != 1 || drained[0] != "tx-1" {
		t.Errorf("expected queued job to survive close, got %v", drained)
	}
}

func TestInMemoryQueue_CancelledContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := q.Enqueue(ctx, Job{TransactionID: "tx-1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(1000))
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := q.Enqueue(ctx, Job{TransactionID: fmt.Sprintf("tx-%d-%d", p, i)}); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	if l := q.Len(); l != 1000 {
		t.Errorf("expected 1000 queued jobs, got %d", l)
	}
}
