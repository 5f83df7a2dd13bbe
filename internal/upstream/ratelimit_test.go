package upstream

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(3, 1)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst of 3 took %s", elapsed)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refills a token every 100ms

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("second token arrived too fast: %s", elapsed)
	}
}

func TestTokenBucketContextCancel(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelCtx); err == nil {
		t.Fatal("wait on empty bucket did not observe cancellation")
	}
}
