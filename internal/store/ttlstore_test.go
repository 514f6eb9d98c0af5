package store

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTTLStoreExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewTTLStore[string, int](0, WithClock[string, int](clock.Now))
	defer s.Close()

	s.Set("short", 1, time.Second)
	s.Set("forever", 2, 0)

	if v, ok := s.Get("short"); !ok || v != 1 {
		t.Fatalf("Get(short) = %v, %v, want 1, true", v, ok)
	}

	clock.Advance(2 * time.Second)

	if _, ok := s.Get("short"); ok {
		t.Error("Get(short) after expiry should miss")
	}
	if v, ok := s.Get("forever"); !ok || v != 2 {
		t.Errorf("Get(forever) = %v, %v, want 2, true", v, ok)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestTTLStoreSweepEvicts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var evicted []string
	s := NewTTLStore[string, int](0,
		WithClock[string, int](clock.Now),
		WithEvict(func(k string, _ int) { evicted = append(evicted, k) }),
	)
	defer s.Close()

	s.Set("a", 1, time.Second)
	s.Set("b", 2, time.Minute)
	s.Delete("b")
	clock.Advance(2 * time.Second)

	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Errorf("evicted = %v, want [a]", evicted)
	}
}

func TestTTLStoreTake(t *testing.T) {
	s := NewTTLStore[string, string](0)
	defer s.Close()

	s.Set("k", "v", time.Minute)
	if v, ok := s.Take("k"); !ok || v != "v" {
		t.Fatalf("Take() = %q, %v, want v, true", v, ok)
	}
	if _, ok := s.Take("k"); ok {
		t.Error("second Take() should miss")
	}
}

func TestTTLStoreUpdateKeepsExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewTTLStore[string, int](0, WithClock[string, int](clock.Now))
	defer s.Close()

	s.Set("n", 1, 10*time.Second)
	if !s.Update("n", func(v int) int { return v + 1 }) {
		t.Fatal("Update() = false, want true")
	}
	clock.Advance(11 * time.Second)
	if s.Update("n", func(v int) int { return v + 1 }) {
		t.Error("Update() on expired key = true, want false")
	}
}
