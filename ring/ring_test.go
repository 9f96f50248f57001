package ring

import (
	"errors"
	"testing"

	"matchcore/errs"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for non-power-of-two capacity")
		}
	}()
	New[int](Config{Capacity: 3})
}

// Scenario F — ring back-pressure.
func TestBackPressureAndFIFO(t *testing.T) {
	r := New[int](Config{Capacity: 4})
	for i := 1; i <= 4; i++ {
		if err := r.Push(i); err != nil {
			t.Fatalf("push %d: unexpected error %v", i, err)
		}
	}
	if err := r.Push(5); !errors.Is(err, errs.ErrRingFull) {
		t.Fatalf("push 5 on full ring: got %v, want ErrRingFull", err)
	}

	v, err := r.Pop()
	if err != nil || v != 1 {
		t.Fatalf("pop = %d,%v want 1,nil", v, err)
	}

	if err := r.Push(5); err != nil {
		t.Fatalf("push after freeing a slot: unexpected error %v", err)
	}

	for i, want := range []int{2, 3, 4, 5} {
		v, err := r.Pop()
		if err != nil {
			t.Fatalf("pop %d: unexpected error %v", i, err)
		}
		if v != want {
			t.Fatalf("pop %d = %d, want %d", i, v, want)
		}
	}

	if _, err := r.Pop(); !errors.Is(err, errs.ErrRingEmpty) {
		t.Fatalf("pop on empty ring: got %v, want ErrRingEmpty", err)
	}
}

func TestLenTracksOccupancy(t *testing.T) {
	r := New[int](Config{Capacity: 8})
	for i := 0; i < 5; i++ {
		_ = r.Push(i)
	}
	if l := r.Len(); l != 5 {
		t.Fatalf("Len() = %d, want 5", l)
	}
	_, _ = r.Pop()
	if l := r.Len(); l != 4 {
		t.Fatalf("Len() = %d, want 4", l)
	}
}

func TestWrapAroundPreservesOrder(t *testing.T) {
	r := New[int](Config{Capacity: 4})
	// Drive the cursors well past one lap to exercise the bitmask
	// folding and the free-running (never-reset) cursor arithmetic.
	next := 0
	for lap := 0; lap < 10; lap++ {
		for i := 0; i < 4; i++ {
			if err := r.Push(next); err != nil {
				t.Fatalf("push: %v", err)
			}
			next++
		}
		for i := 0; i < 4; i++ {
			v, err := r.Pop()
			if err != nil {
				t.Fatalf("pop: %v", err)
			}
			want := lap*4 + i
			if v != want {
				t.Fatalf("pop = %d, want %d", v, want)
			}
		}
	}
}
