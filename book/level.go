package book

import "matchcore/arena"

// PriceLevel is one price's FIFO queue of resting orders, threaded
// through arena indices rather than pointers. This mirrors the
// array-indexed intrusive list used by the zero-dependency reference
// book (orderbook.go's head/tail-by-index chunks), generalized here to
// address individual orders instead of fixed-size chunks since the
// arena already gives each order a stable slot.
type PriceLevel struct {
	Price      int64
	Head, Tail uint32
	Count      int
	TotalQty   uint64
}

// pushBack appends idx to the tail of the level's FIFO queue.
func pushBack(pool *arena.Pool, level *PriceLevel, idx uint32) {
	node := pool.Get(idx)
	node.Prev = level.Tail
	node.Next = arena.Nil
	if level.Tail == arena.Nil {
		level.Head = idx
	} else {
		pool.Get(level.Tail).Next = idx
	}
	level.Tail = idx
	level.Count++
	level.TotalQty += node.Quantity
}

// unlink detaches idx from the level's FIFO queue without freeing its
// arena slot. Used both when a taker fully consumes a maker and when
// a cancel or self-trade prevention removes a resting order.
func unlink(pool *arena.Pool, level *PriceLevel, idx uint32) {
	node := pool.Get(idx)
	level.TotalQty -= node.Quantity
	level.Count--

	if node.Prev != arena.Nil {
		pool.Get(node.Prev).Next = node.Next
	} else {
		level.Head = node.Next
	}
	if node.Next != arena.Nil {
		pool.Get(node.Next).Prev = node.Prev
	} else {
		level.Tail = node.Prev
	}
	node.Prev = arena.Nil
	node.Next = arena.Nil
}

// empty reports whether the level's FIFO queue has no resting orders.
func (level *PriceLevel) empty() bool {
	return level.Count == 0
}
