package rate

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPerHost_Allow(t *testing.T) {
	limiter := New(10.0, 5) // 10 per second, burst of 5

	// Test burst allowance
	for i := 0; i < 5; i++ {
		if !limiter.Allow("10.0.0.5") {
			t.Errorf("expected Allow to return true for burst request %d", i+1)
		}
	}

	// Next request should be rate limited
	if limiter.Allow("10.0.0.5") {
		t.Error("expected Allow to return false after burst exhausted")
	}

	// A different target should have its own limit
	if !limiter.Allow("10.0.0.6") {
		t.Error("expected Allow to return true for different target")
	}
}

func TestPerHost_Wait(t *testing.T) {
	limiter := New(100.0, 1) // 100 per second, burst of 1

	start := time.Now()
	limiter.Wait(context.Background(), "10.0.0.5")
	limiter.Wait(context.Background(), "10.0.0.5")
	duration := time.Since(start)

	// Second wait should have delayed approximately 10ms (1/100 second)
	if duration < 5*time.Millisecond {
		t.Errorf("expected Wait to delay, got %v", duration)
	}
}

func TestPerHost_WaitCanceled(t *testing.T) {
	limiter := New(0.1, 1) // one every ten seconds
	limiter.Allow("10.0.0.5")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// With the burst spent, Wait must give up when the context does
	// instead of sitting out the refill interval.
	if err := limiter.Wait(ctx, "10.0.0.5"); err == nil {
		t.Error("expected Wait to fail on canceled context")
	}
}

func TestPerHost_Concurrent(t *testing.T) {
	limiter := New(1000.0, 10)
	var wg sync.WaitGroup
	allowed := 0
	var mu sync.Mutex

	// Test concurrent access for same target
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("concurrent-target") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	// Should allow around burst size initially
	if allowed == 0 {
		t.Error("expected some requests to be allowed")
	}
	if allowed > 15 { // Some tolerance for timing
		t.Errorf("expected rate limiting to apply, but %d requests were allowed", allowed)
	}
}

func TestPerHost_MultipleHosts(t *testing.T) {
	limiter := New(10.0, 2)
	targets := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}

	// Each target should get its own burst allowance
	for _, target := range targets {
		allowed := 0
		for i := 0; i < 5; i++ {
			if limiter.Allow(target) {
				allowed++
			}
		}
		if allowed != 2 {
			t.Errorf("expected 2 requests allowed for %s, got %d", target, allowed)
		}
	}
}

func BenchmarkPerHost_Allow(b *testing.B) {
	limiter := New(1000000.0, 1000000) // High limits to avoid blocking

	b.Run("SingleHost", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			limiter.Allow("benchmark-target")
		}
	})

	b.Run("MultipleHosts", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			limiter.Allow(string(rune(i % 100)))
		}
	})
}
