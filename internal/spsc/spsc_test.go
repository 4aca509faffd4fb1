package spsc

import (
	"sync"
	"testing"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(4)
	for _, fd := range []int{10, 11, 12} {
		if !q.Push(fd) {
			t.Fatalf("push %d failed unexpectedly", fd)
		}
	}
	for _, want := range []int{10, 11, 12} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("pop = (%d, %v), want (%d, true)", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop on empty queue should fail")
	}
}

func TestPushFailsWhenFull(t *testing.T) {
	q := New(2) // rounds up to 2
	if !q.Push(1) || !q.Push(2) {
		t.Fatal("expected first two pushes to succeed")
	}
	if q.Push(3) {
		t.Fatal("push into a full ring should fail")
	}
	if _, ok := q.Pop(); !ok {
		t.Fatal("pop should still succeed after a failed push")
	}
	if !q.Push(3) {
		t.Fatal("push should succeed again after making room")
	}
}

// TestWraparoundFIFO is property P7: pushing and popping repeatedly past
// the ring's physical length must still preserve FIFO order with no
// duplication or loss.
func TestWraparoundFIFO(t *testing.T) {
	q := New(8)
	next := 0
	expect := 0

	push := func() {
		for q.Push(next) {
			next++
		}
	}
	drain := func() {
		for {
			fd, ok := q.Pop()
			if !ok {
				return
			}
			if fd != expect {
				t.Fatalf("pop = %d, want %d (FIFO order broken)", fd, expect)
			}
			expect++
		}
	}

	for round := 0; round < 1000; round++ {
		push()
		drain()
	}
	if expect != next {
		t.Fatalf("consumed %d items, produced %d", expect, next)
	}
}

func TestConcurrentSingleProducerSingleConsumer(t *testing.T) {
	const total = 200_000
	q := New(64)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			for !q.Push(i) {
			}
		}
	}()

	go func() {
		defer wg.Done()
		expect := 0
		for expect < total {
			fd, ok := q.Pop()
			if !ok {
				continue
			}
			if fd != expect {
				t.Errorf("pop = %d, want %d", fd, expect)
				return
			}
			expect++
		}
	}()

	wg.Wait()
}
