package api

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestInFlightLimiter_OnePerAddress(t *testing.T) {
	limiter := NewInFlightLimiter(0)

	if err := limiter.Acquire("192.168.1.1", "bob@pay.example"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := limiter.Acquire("10.0.0.1", "BOB@pay.example "); !errors.Is(err, errAddressBusy) {
		t.Errorf("expected address busy, got %v", err)
	}
	if err := limiter.Acquire("10.0.0.1", "alice@pay.example"); err != nil {
		t.Errorf("other address should be allowed: %v", err)
	}

	if got := limiter.Total(); got != 2 {
		t.Errorf("expected 2 in flight, got %d", got)
	}

	limiter.Release("192.168.1.1", "bob@pay.example")
	if err := limiter.Acquire("10.0.0.1", "bob@pay.example"); err != nil {
		t.Errorf("address should be free after release: %v", err)
	}
}

func TestInFlightLimiter_PerIPCap(t *testing.T) {
	limiter := NewInFlightLimiter(3)
	ip := "192.168.1.1"

	for i := 0; i < 3; i++ {
		if err := limiter.Acquire(ip, fmt.Sprintf("user%d@pay.example", i)); err != nil {
			t.Errorf("payment %d should be allowed: %v", i+1, err)
		}
	}
	if err := limiter.Acquire(ip, "user3@pay.example"); !errors.Is(err, errTooManyInFlight) {
		t.Errorf("4th payment should be blocked, got %v", err)
	}
	if limiter.InFlightCount(ip) != 3 {
		t.Errorf("expected 3 in flight, got %d", limiter.InFlightCount(ip))
	}

	// A new IP should still be able to pay
	if err := limiter.Acquire("10.0.0.1", "user3@pay.example"); err != nil {
		t.Errorf("new IP should be able to pay: %v", err)
	}
}

func TestInFlightLimiter_ReleaseUnknown(t *testing.T) {
	limiter := NewInFlightLimiter(1)
	limiter.Release("192.168.1.1", "nobody@pay.example")

	if limiter.InFlightCount("192.168.1.1") != 0 {
		t.Error("release of an unknown address should be a no-op")
	}
	if limiter.Oldest() != 0 {
		t.Error("expected no payments in flight")
	}
}

func TestInFlightLimiter_Concurrent(t *testing.T) {
	limiter := NewInFlightLimiter(0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Acquire(fmt.Sprintf("10.0.0.%d", i), "bob@pay.example") == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("expected exactly one payment to acquire the address, got %d", acquired)
	}
	if limiter.Oldest() <= 0 {
		t.Error("expected a payment in flight")
	}
}
