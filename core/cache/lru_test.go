package cache

import (
	"testing"
	"time"
)

func TestLRU_Basic(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("b", 2)

	val, ok := l.Get("a")
	if !ok || val != 1 {
		t.Errorf("expected a=1, got %v, %v", val, ok)
	}

	l.Put("c", 3) // should evict "b"

	_, ok = l.Get("b")
	if ok {
		t.Errorf("expected b to be evicted")
	}

	val, ok = l.Get("c")
	if !ok || val != 3 {
		t.Errorf("expected c=3, got %v, %v", val, ok)
	}
}

func TestLRU_Update(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("a", 2)

	val, ok := l.Get("a")
	if !ok || val != 2 {
		t.Errorf("expected a=2, got %v, %v", val, ok)
	}
}

func TestLRU_Promotion(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("b", 2)

	// Promote "a"
	l.Get("a")

	l.Put("c", 3) // should evict "b" because "a" was promoted

	_, ok := l.Get("b")
	if ok {
		t.Errorf("expected b to be evicted")
	}
	_, ok = l.Get("a")
	if !ok {
		t.Errorf("expected a to survive")
	}
}

func TestLRU_TTL(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 8})
	defer l.Close()

	l.Put("a", 1, WithTTL(10*time.Millisecond))
	l.Put("b", 2, WithTTL(time.Hour))

	<-time.After(25 * time.Millisecond)

	if _, ok := l.Get("a"); ok {
		t.Errorf("expected a to be expired")
	}
	if _, ok := l.Get("b"); !ok {
		t.Errorf("expected b to be alive")
	}
}

func TestLRU_Delete(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 8})
	defer l.Close()

	l.Put("a", 1)
	l.Delete("a")

	if _, ok := l.Get("a"); ok {
		t.Errorf("expected a to be deleted")
	}
}

func TestTyped(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 8})
	defer l.Close()

	type state struct{ N int }

	c := NewTyped[*state](l)
	c.Put("k", &state{N: 7})

	s, ok := c.Get("k")
	if !ok || s.N != 7 {
		t.Errorf("expected N=7, got %v, %v", s, ok)
	}
}

func TestLRU_CloseTwice(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Close()
	l.Close() // must not panic

	_, ok := l.Get("a")
	if ok {
		t.Errorf("expected miss after close")
	}
}

func TestLRU_CloseConcurrent(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			l.Close()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
