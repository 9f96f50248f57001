package book

import "github.com/tidwall/btree"

// priceMap is the ordered price -> level index used on each side of
// the book. It is grounded on the orderbook.go usage of
// github.com/tidwall/btree's generic Map in the reference enterprise
// order book, which keeps bids and asks each in their own
// btree.Map[string, *PriceLevel]; this book keys on the raw int64
// price instead of a formatted string, since there is no client-
// facing string representation to preserve here.
//
// tidwall/btree.Map has no Min/Max convenience method in the surface
// this corpus exercises, so best-bid/best-ask is derived with a single
// Scan/Reverse call that returns after its first callback invocation.
type priceMap struct {
	m *btree.Map[int64, *PriceLevel]
}

func newPriceMap() priceMap {
	return priceMap{m: btree.NewMap[int64, *PriceLevel](32)}
}

func (p priceMap) get(price int64) (*PriceLevel, bool) {
	return p.m.Get(price)
}

func (p priceMap) set(price int64, level *PriceLevel) {
	p.m.Set(price, level)
}

func (p priceMap) delete(price int64) {
	p.m.Delete(price)
}

func (p priceMap) len() int {
	return p.m.Len()
}

// min returns the lowest-priced level, ascending order's first entry.
func (p priceMap) min() (*PriceLevel, bool) {
	var level *PriceLevel
	var ok bool
	p.m.Scan(func(_ int64, v *PriceLevel) bool {
		level, ok = v, true
		return false
	})
	return level, ok
}

// max returns the highest-priced level, descending order's first
// entry.
func (p priceMap) max() (*PriceLevel, bool) {
	var level *PriceLevel
	var ok bool
	p.m.Reverse(func(_ int64, v *PriceLevel) bool {
		level, ok = v, true
		return false
	})
	return level, ok
}

// ascend walks levels from lowest to highest price, stopping early if
// fn returns false.
func (p priceMap) ascend(fn func(price int64, level *PriceLevel) bool) {
	p.m.Scan(fn)
}

// descend walks levels from highest to lowest price, stopping early if
// fn returns false.
func (p priceMap) descend(fn func(price int64, level *PriceLevel) bool) {
	p.m.Reverse(fn)
}
