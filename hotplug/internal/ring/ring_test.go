package ring

import (
	"sync"
	"testing"
)

func TestPushDrainFIFO(t *testing.T) {
	b := New[int](8)
	for i := 1; i <= 5; i++ {
		if !b.TryPush(i) {
			t.Fatalf("TryPush(%d) failed below capacity", i)
		}
	}
	got := b.Drain()
	if len(got) != 5 {
		t.Fatalf("Drain returned %d elements, want 5", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Errorf("Drain[%d] = %d, want %d", i, v, i+1)
		}
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d after drain, want 0", b.Len())
	}
}

func TestPushFailsWhenFull(t *testing.T) {
	b := New[string](2)
	if !b.TryPush("a") || !b.TryPush("b") {
		t.Fatal("pushes below capacity failed")
	}
	if b.TryPush("c") {
		t.Error("TryPush succeeded on full buffer")
	}
	got := b.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Drain = %v, want [a b]", got)
	}
}

func TestWrapAround(t *testing.T) {
	b := New[int](4)
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			if !b.TryPush(round*10 + i) {
				t.Fatalf("round %d: push %d failed", round, i)
			}
		}
		got := b.Drain()
		for i, v := range got {
			if v != round*10+i {
				t.Fatalf("round %d: got %v", round, got)
			}
		}
	}
}

func TestConcurrentProducers(t *testing.T) {
	b := New[int](1024)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 128; i++ {
				b.TryPush(i)
			}
		}()
	}
	wg.Wait()
	if got := len(b.Drain()); got != 1024 {
		t.Errorf("drained %d, want 1024", got)
	}
}
