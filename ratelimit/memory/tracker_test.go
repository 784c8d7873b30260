package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTrackerSlidingWindow(t *testing.T) {
	ctx := context.Background()
	tr := New()
	base := time.Unix(1_700_000_000, 0)
	window := 15 * time.Minute

	for i := 0; i < 4; i++ {
		n, err := tr.Record(ctx, "a@example.com", base.Add(time.Duration(i)*time.Minute), window)
		if err != nil {
			t.Fatal(err)
		}
		if n != i+1 {
			t.Fatalf("attempt %d: count = %d", i, n)
		}
	}

	// The first attempt falls out of the window one second past 15 minutes.
	n, _ := tr.Count(ctx, "a@example.com", base.Add(window+time.Second), window)
	if n != 3 {
		t.Fatalf("count after slide = %d, want 3", n)
	}

	n, _ = tr.Count(ctx, "a@example.com", base.Add(time.Hour), window)
	if n != 0 {
		t.Fatalf("count after window = %d, want 0", n)
	}
	if tr.Len() != 0 {
		t.Fatalf("empty key should be dropped, len = %d", tr.Len())
	}
}

func TestTrackerResetAndPrune(t *testing.T) {
	ctx := context.Background()
	tr := New()
	now := time.Unix(1_700_000_000, 0)
	window := time.Minute

	tr.Record(ctx, "old", now.Add(-2*time.Minute), window)
	tr.Record(ctx, "fresh", now.Add(-10*time.Second), window)
	tr.Record(ctx, "gone", now, window)
	tr.Reset(ctx, "gone")

	removed, err := tr.Prune(ctx, now, window)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if tr.Len() != 1 {
		t.Fatalf("len = %d, want 1", tr.Len())
	}

	removed, _ = tr.Prune(ctx, now, window)
	if removed != 0 {
		t.Fatalf("second prune removed %d, want 0", removed)
	}
}

func TestTrackerConcurrentKeys(t *testing.T) {
	ctx := context.Background()
	tr := New()
	now := time.Unix(1_700_000_000, 0)

	const keys, perKey = 50, 20
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		for i := 0; i < perKey; i++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				tr.Record(ctx, key, now, time.Minute)
			}(fmt.Sprintf("email:user%d@example.com", k))
		}
	}
	wg.Wait()

	if tr.Len() != keys {
		t.Fatalf("len = %d, want %d", tr.Len(), keys)
	}
	for k := 0; k < keys; k++ {
		n, _ := tr.Count(ctx, fmt.Sprintf("email:user%d@example.com", k), now, time.Minute)
		if n != perKey {
			t.Fatalf("key %d count = %d, want %d", k, n, perKey)
		}
	}
	if removed, _ := tr.Prune(ctx, now.Add(2*time.Minute), time.Minute); removed != keys {
		t.Fatalf("pruned = %d, want %d", removed, keys)
	}
}
