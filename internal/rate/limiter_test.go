package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPerKey_Allow(t *testing.T) {
	limiter := New()

	if !limiter.Allow("cisa", time.Second) {
		t.Error("expected first request to be allowed")
	}
	if limiter.Allow("cisa", time.Second) {
		t.Error("expected second request inside the interval to be limited")
	}
	if !limiter.Allow("paste", time.Second) {
		t.Error("expected a different source to have its own limiter")
	}
}

func TestPerKey_ZeroIntervalUnlimited(t *testing.T) {
	limiter := New()
	for i := 0; i < 100; i++ {
		if !limiter.Allow("free", 0) {
			t.Fatalf("expected unlimited source to allow request %d", i)
		}
	}
}

func TestPerKey_Wait(t *testing.T) {
	limiter := New()
	ctx := context.Background()

	start := time.Now()
	if err := limiter.Wait(ctx, "feed", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := limiter.Wait(ctx, "feed", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 10*time.Millisecond {
		t.Errorf("expected Wait to delay, got %v", d)
	}
}

func TestPerKey_WaitCancelled(t *testing.T) {
	limiter := New()
	limiter.Allow("slow", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "slow", time.Hour); err == nil {
		t.Error("expected Wait to fail when the interval exceeds the deadline")
	} else if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected cancellation error: %v", err)
	}
}

func TestPerKey_IntervalChange(t *testing.T) {
	limiter := New()
	limiter.Allow("feed", time.Hour)
	if !limiter.Allow("feed", time.Millisecond) {
		t.Error("expected a new interval to reset the limiter")
	}
}

func TestPerKey_Concurrent(t *testing.T) {
	limiter := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("concurrent", time.Minute) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Errorf("expected exactly 1 request allowed, got %d", allowed)
	}
}

func BenchmarkPerKey_Allow(b *testing.B) {
	limiter := New()

	b.Run("SingleKey", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			limiter.Allow("benchmark", time.Nanosecond)
		}
	})

	b.Run("MultipleKeys", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			limiter.Allow(string(rune('a'+i%26)), time.Nanosecond)
		}
	})
}
