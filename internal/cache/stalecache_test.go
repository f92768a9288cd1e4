package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metamatt/stargate/internal/cache"
)

func TestGetBlocksUntilRecorded(t *testing.T) {
	t.Parallel()
	c := cache.New[int, float64]()
	c.Watch(5)

	var refreshes int32
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Record(5, 75.5)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := c.Get(ctx, 5, func() { atomic.AddInt32(&refreshes, 1) })
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 75.5 {
		t.Fatalf("Get = %v, want 75.5", v)
	}
	if atomic.LoadInt32(&refreshes) == 0 {
		t.Error("expected at least one refresh dispatch while stale")
	}
}

func TestRefreshNotReissuedWhileInFlight(t *testing.T) {
	t.Parallel()
	c := cache.New[int, float64]()
	c.Watch(5)

	var refreshes int32
	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, _ = c.Get(ctx, 5, func() { atomic.AddInt32(&refreshes, 1) })
		}()
	}

	time.Sleep(150 * time.Millisecond) // let both loops poll a few times
	c.Record(5, 1)
	wg.Wait()

	if atomic.LoadInt32(&refreshes) != 1 {
		t.Fatalf("refreshes = %d, want exactly 1 (second Get should see refresh already in flight)", refreshes)
	}
}

func TestRecordReportsRefreshOnlyWhenCounterPositive(t *testing.T) {
	t.Parallel()
	c := cache.New[int, bool]()
	c.Watch(1)

	if refresh := c.Record(1, true); refresh {
		t.Error("first record with no pending refresh should report refresh=false")
	}

	c.MarkRefreshPending(1)
	c.MarkRefreshPending(1)
	if refresh := c.Record(1, false); !refresh {
		t.Error("record with one pending refresh unit should report refresh=true")
	}
	if refresh := c.Record(1, true); !refresh {
		t.Error("second pending refresh unit should also be consumed with refresh=true")
	}
	if refresh := c.Record(1, false); refresh {
		t.Error("counter should be exhausted; further records should report refresh=false")
	}
}

func TestPeekDoesNotBlockOrTriggerRefresh(t *testing.T) {
	t.Parallel()
	c := cache.New[int, int]()
	c.Watch(1)

	if _, ok := c.Peek(1); ok {
		t.Error("Peek on a stale key should report ok=false")
	}
	c.Record(1, 42)
	v, ok := c.Peek(1)
	if !ok || v != 42 {
		t.Fatalf("Peek = (%d, %v), want (42, true)", v, ok)
	}
}

func TestOnInFlightChangeReportsNetDelta(t *testing.T) {
	t.Parallel()
	c := cache.New[int, int]()
	c.Watch(1)
	c.Watch(2)

	var mu sync.Mutex
	var total int
	c.OnInFlightChange(func(delta int) {
		mu.Lock()
		total += delta
		mu.Unlock()
	})

	c.MarkRefreshPending(1)
	c.MarkRefreshPending(2)

	mu.Lock()
	got := total
	mu.Unlock()
	if got != 2 {
		t.Fatalf("total after two pending refreshes = %d, want 2", got)
	}

	c.Record(1, 10)
	c.Record(2, 20)

	mu.Lock()
	got = total
	mu.Unlock()
	if got != 0 {
		t.Fatalf("total after both records consumed = %d, want 0", got)
	}
}

func TestInvalidateAllMarksEverythingStale(t *testing.T) {
	t.Parallel()
	c := cache.New[int, int]()
	c.Watch(1)
	c.Watch(2)
	c.Record(1, 10)
	c.Record(2, 20)

	c.InvalidateAll()

	if _, ok := c.Peek(1); ok {
		t.Error("key 1 should be stale after InvalidateAll")
	}
	if _, ok := c.Peek(2); ok {
		t.Error("key 2 should be stale after InvalidateAll")
	}
}
