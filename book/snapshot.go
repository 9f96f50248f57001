package book

import "matchcore/arena"

// Enumerate walks every resting order in the deterministic order a
// snapshot requires: bids from highest to lowest price, then asks from
// lowest to highest, FIFO (oldest first) within each level. Two books
// with identical state always enumerate to the same byte sequence once
// serialized.
func (b *Book) Enumerate() []arena.Order {
	out := make([]arena.Order, 0, len(b.idIndex))
	b.bids.descend(func(_ int64, lvl *PriceLevel) bool {
		out = appendLevel(out, b.pool, lvl)
		return true
	})
	b.asks.ascend(func(_ int64, lvl *PriceLevel) bool {
		out = appendLevel(out, b.pool, lvl)
		return true
	})
	return out
}

func appendLevel(out []arena.Order, pool *arena.Pool, lvl *PriceLevel) []arena.Order {
	for idx := lvl.Head; idx != arena.Nil; idx = pool.Get(idx).Next {
		out = append(out, *pool.Get(idx))
	}
	return out
}

// Restore rebuilds an empty book's state directly from a previously
// enumerated order list (as loaded from a snapshot) without running
// them through the matching algorithm, recreating id_index, per-level
// totals and counts, and best_bid/best_ask. seq is set to the
// snapshot's recorded sequence number and clock to its recorded
// command clock — the latter taken from the snapshot header rather
// than re-derived from resting orders' timestamps, since a command
// that matched away without leaving a resting order still advanced
// the clock and would otherwise be lost on recovery.
//
// Restore must be called on a freshly constructed, empty Book.
func (b *Book) Restore(orders []arena.Order, seq uint64, clock uint64) error {
	for _, o := range orders {
		idx, err := b.pool.Alloc(o)
		if err != nil {
			return err
		}
		own, _ := b.sideMaps(o.Side)
		lvl, ok := own.get(o.Price)
		if !ok {
			lvl = &PriceLevel{Price: o.Price, Head: arena.Nil, Tail: arena.Nil}
			own.set(o.Price, lvl)
		}
		pushBack(b.pool, lvl, idx)
		b.idIndex[o.ID] = idx
		b.considerBest(o.Side, o.Price)
	}
	b.seq = seq
	b.clock = clock
	return nil
}
