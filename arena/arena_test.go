package arena

import (
	"testing"

	"matchcore/command"
	"matchcore/errs"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := New(Config{Capacity: 4})
	if p.Cap() != 4 || p.Live() != 0 || p.FreeCount() != 4 {
		t.Fatalf("fresh pool: cap=%d live=%d free=%d", p.Cap(), p.Live(), p.FreeCount())
	}

	idx, err := p.Alloc(Order{ID: 1, Side: command.Bid, Price: 100, Quantity: 5})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if p.Live() != 1 || p.FreeCount() != 3 {
		t.Fatalf("after one alloc: live=%d free=%d", p.Live(), p.FreeCount())
	}
	if got := p.Get(idx).ID; got != 1 {
		t.Fatalf("Get(idx).ID = %d, want 1", got)
	}

	p.Free(idx)
	if p.Live() != 0 || p.FreeCount() != 4 {
		t.Fatalf("after free: live=%d free=%d", p.Live(), p.FreeCount())
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := New(Config{Capacity: 2})
	if _, err := p.Alloc(Order{ID: 1}); err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	if _, err := p.Alloc(Order{ID: 2}); err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if _, err := p.Alloc(Order{ID: 3}); err != errs.ErrPoolExhausted {
		t.Fatalf("Alloc 3: got %v, want ErrPoolExhausted", err)
	}
}

func TestFreeListReuseIsLIFO(t *testing.T) {
	p := New(Config{Capacity: 3})
	a, _ := p.Alloc(Order{ID: 1})
	b, _ := p.Alloc(Order{ID: 2})
	_, _ = p.Alloc(Order{ID: 3})

	p.Free(a)
	p.Free(b)

	// The free list threads through Next in LIFO order: the most
	// recently freed slot (b) is reused first.
	idx, err := p.Alloc(Order{ID: 4})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if idx != b {
		t.Fatalf("reused slot = %d, want most-recently-freed %d", idx, b)
	}
}

func TestCapacityPlusFreeInvariant(t *testing.T) {
	p := New(Config{Capacity: 8})
	var live []uint32
	for i := 0; i < 5; i++ {
		idx, err := p.Alloc(Order{ID: uint64(i)})
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		live = append(live, idx)
	}
	if p.Live()+p.FreeCount() != p.Cap() {
		t.Fatalf("live+free = %d, want cap %d", p.Live()+p.FreeCount(), p.Cap())
	}
	p.Free(live[2])
	if p.Live()+p.FreeCount() != p.Cap() {
		t.Fatalf("live+free after free = %d, want cap %d", p.Live()+p.FreeCount(), p.Cap())
	}
}
