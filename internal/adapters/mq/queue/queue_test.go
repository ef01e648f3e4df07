package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/laufevent/internal/domain/model"
)

func scanRequest(id string, uid model.UID) model.ScanRequest {
	return model.ScanRequest{ID: id, UID: uid, ReceivedAt: time.Now()}
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	if !q.Enqueue(ctx, scanRequest("scan1", 42)) {
		t.Error("expected enqueue to succeed")
	}
	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	r := <-q.Dequeue(ctx)
	if r.ID != "scan1" || r.UID != 42 {
		t.Errorf("unexpected scan %+v", r)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if !q.Enqueue(ctx, scanRequest("a", 1)) || !q.Enqueue(ctx, scanRequest("b", 2)) {
		t.Fatal("expected enqueue to succeed")
	}
	if q.Enqueue(ctx, scanRequest("c", 3)) {
		t.Error("expected enqueue to fail when full")
	}
	if l := q.Len(ctx); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_CancelledContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if q.Enqueue(ctx, scanRequest("a", 1)) {
		t.Error("expected enqueue with a cancelled context to fail")
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	const producers, perProducer = 10, 100
	q := NewInMemoryQueue(WithCapacity(producers * perProducer))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if !q.Enqueue(ctx, scanRequest(fmt.Sprintf("%d-%d", p, j), model.UID(p))) {
					t.Errorf("enqueue %d-%d failed", p, j)
				}
			}
		}(i)
	}
	wg.Wait()
	_ = q.Close()

	got := 0
	for range q.Dequeue(ctx) {
		got++
	}
	if got != producers*perProducer {
		t.Errorf("expected %d scans, got %d", producers*perProducer, got)
	}
}

func TestInMemoryQueue_Close(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	if !q.Enqueue(ctx, scanRequest("queued", 1)) {
		t.Fatal("expected enqueue to succeed")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to report closed")
	}
	if q.Enqueue(ctx, scanRequest("late", 1)) {
		t.Error("expected enqueue after close to fail")
	}

	var ids []string
	for r := range q.Dequeue(ctx) {
		ids = append(ids, r.ID)
	}
	if len(ids) != 1 || ids[0] != "queued" {
		t.Errorf("expected the queued scan to drain, got %v", ids)
	}
}
