package queue

import (
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; Acquire/Release should always succeed.
	if !m.Acquire("any-queue") {
		t.Fatal("expected Acquire to succeed for unconfigured queue")
	}
	m.Release("any-queue")
}

func TestNewManager_WithConfig(t *testing.T) {
	m := NewManager(Config{
		Name:           "billing",
		MaxConcurrency: 2,
	})
	if m.ActiveCount("billing") != 0 {
		t.Fatal("expected 0 active tasks initially")
	}
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Name:           "billing",
		MaxConcurrency: 2,
	})

	if !m.Acquire("billing") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire("billing") {
		t.Fatal("second Acquire should succeed")
	}
	// Third should be blocked.
	if m.Acquire("billing") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	// Release one slot.
	m.Release("billing")
	if !m.Acquire("billing") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Name:           "q",
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !m.Acquire("q") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount("q") != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount("q"))
	}

	m.Release("q")
	m.Release("q")
	if m.ActiveCount("q") != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount("q"))
	}
}

func TestManager_Release_NeverNegative(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 1})
	m.Release("q")
	m.Release("q")
	if m.ActiveCount("q") != 0 {
		t.Fatalf("expected 0 active, got %d", m.ActiveCount("q"))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Name:      "limited",
		RateLimit: 1.0, // 1 per second
		RateBurst: 1,
	})

	// First should succeed (burst allows it).
	if !m.Acquire("limited") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release("limited")

	// Immediately after, token bucket is empty.
	if m.Acquire("limited") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	// Wait for token refill.
	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire("limited") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release("limited")
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{
		Name:      "bursty",
		RateLimit: 10.0,
		RateBurst: 3,
	})

	// Three immediate acquires should succeed (burst = 3).
	for i := range 3 {
		if !m.Acquire("bursty") {
			t.Fatalf("Acquire %d should succeed within burst", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetQueueConfig_PreservesActive(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 5})

	if !m.Acquire("q") {
		t.Fatal("Acquire should succeed")
	}
	m.SetQueueConfig(Config{Name: "q", MaxConcurrency: 1})

	if m.ActiveCount("q") != 1 {
		t.Fatalf("expected active count preserved, got %d", m.ActiveCount("q"))
	}
	// The single slot is occupied under the new config.
	if m.Acquire("q") {
		t.Fatal("Acquire should fail at the new limit")
	}
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAcquireRelease(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 10})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire("q") {
				m.Release("q")
			}
		}()
	}
	wg.Wait()

	if m.ActiveCount("q") != 0 {
		t.Fatalf("expected 0 active after all released, got %d", m.ActiveCount("q"))
	}
}
