// Package arena provides the fixed-capacity, free-list-managed storage
// of order nodes the matching core runs on. It is grounded on the
// pooling shape of infra/memory/pool.go and memory/order_pool.go in the
// reference matching-engine corpus, adapted from their sync.Pool-backed
// (unbounded, GC-visible) design to a fixed array addressed by uint32
// index: the per-level FIFO list (see package book) threads its links
// through these indices rather than through pointers, so every node
// needs a stable identity that survives being copied or relocated.
//
// No allocation happens after New returns. Alloc and Free are O(1) and
// touch only the arena's own backing array.
package arena

import (
	"unsafe"

	"matchcore/command"
	"matchcore/errs"
)

// Nil is the sentinel index meaning "no node" — end of a free chain or
// end of a FIFO list.
const Nil uint32 = ^uint32(0)

// Order is the resting-order node. It is laid out to occupy exactly
// one 64-byte cache line: the hot matching loop touches one of these
// per fill, so keeping it to a single line avoids a second cache miss
// per touch.
type Order struct {
	ID        uint64
	TraderID  uint64
	Price     int64
	Quantity  uint64
	Timestamp uint64
	Side      command.Side
	Type      command.Type
	_         [2]byte // pad Side/Type out to a 4-byte boundary before Prev
	Prev      uint32
	Next      uint32
	_         [12]byte // pad struct out to 64 bytes
}

// This assignment only typechecks if Order is exactly 64 bytes; a
// drift in the layout above is a compile error here, not a runtime
// surprise.
var _ [64]byte = [unsafe.Sizeof(Order{})]byte{}

// defaultCapacity is the arena size used when Config.Capacity is left
// at zero.
const defaultCapacity = 4096

// Config controls the arena's fixed capacity.
type Config struct {
	// Capacity is the number of order slots the arena is allocated
	// with. Defaults to 4096.
	Capacity int
}

// WithDefaults returns a copy of c with a zero Capacity replaced by
// defaultCapacity.
func (c Config) WithDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	return c
}

// Pool is the fixed-capacity arena. free_head threads through the Next
// field of vacant slots, exactly as spec'd: a slot that is free stores
// the index of the next free slot in Next, terminated by Nil.
type Pool struct {
	nodes    []Order
	freeHead uint32
	live     int
}

// New allocates the backing array once, up front, and chains every
// slot onto the free list in index order.
func New(cfg Config) *Pool {
	cfg = cfg.WithDefaults()
	capacity := cfg.Capacity
	p := &Pool{
		nodes: make([]Order, capacity),
	}
	for i := 0; i < capacity; i++ {
		if i == capacity-1 {
			p.nodes[i].Next = Nil
		} else {
			p.nodes[i].Next = uint32(i + 1)
		}
	}
	p.freeHead = 0
	return p
}

// Cap reports the total number of slots the arena was constructed
// with.
func (p *Pool) Cap() int { return len(p.nodes) }

// Live reports the number of slots currently allocated.
func (p *Pool) Live() int { return p.live }

// FreeCount reports the number of slots currently on the free list.
func (p *Pool) FreeCount() int { return len(p.nodes) - p.live }

// Alloc pops the head of the free list, writes data into it, and
// returns its index. It fails with errs.ErrPoolExhausted if the arena
// has no free slot.
func (p *Pool) Alloc(data Order) (uint32, error) {
	if p.freeHead == Nil {
		return Nil, errs.ErrPoolExhausted
	}
	idx := p.freeHead
	p.freeHead = p.nodes[idx].Next
	data.Prev = Nil
	data.Next = Nil
	p.nodes[idx] = data
	p.live++
	return idx, nil
}

// Free pushes idx back onto the free list. The caller guarantees idx
// has already been detached from any FIFO list and from the id index;
// Free does not check this.
func (p *Pool) Free(idx uint32) {
	p.nodes[idx] = Order{}
	p.nodes[idx].Next = p.freeHead
	p.freeHead = idx
	p.live--
}

// Get returns a pointer to the node at idx for in-place mutation. The
// caller is responsible for only calling this with an index it knows
// to be live.
func (p *Pool) Get(idx uint32) *Order {
	return &p.nodes[idx]
}
