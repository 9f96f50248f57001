// Package book implements the order book data plane and the
// price-time priority matching algorithm: the arena-backed FIFO price
// levels of package arena's Order nodes, an ordered price-level map
// per side, cached best-bid/best-ask, and the two mutating commands
// (ApplyNewOrder, ApplyCancel) that are the matching core's entire
// public contract. It is grounded on the PlaceOrder/match/cancelOrder
// shape of domain/orderbook/order_book.go, generalized from the
// teacher's pointer-linked resting orders to arena-index-linked ones
// and from its hand-rolled red-black tree to tidwall/btree's Map (see
// pricemap.go), following the same substitution the enterprise
// reference order book makes for its own price ladders.
package book

import (
	"matchcore/arena"
	"matchcore/command"
	"matchcore/errs"
)

// Book owns one instrument's resting orders, price ladders, and the
// monotonic counters that drive timestamps and execution-report
// sequencing. It is the sole mutator of the arena passed to New; no
// other component may touch that pool concurrently.
type Book struct {
	pool *arena.Pool

	bids priceMap
	asks priceMap

	bestBid    int64
	haveBid    bool
	bestAsk    int64
	haveAsk    bool

	idIndex map[uint64]uint32

	seq   uint64
	clock uint64
}

// New constructs an empty book backed by pool. The caller retains
// ownership of pool's lifetime; Book never resizes it.
func New(pool *arena.Pool) *Book {
	return &Book{
		pool:    pool,
		bids:    newPriceMap(),
		asks:    newPriceMap(),
		idIndex: make(map[uint64]uint32, pool.Cap()),
	}
}

// BestBid returns the highest resting bid price, if any.
func (b *Book) BestBid() (int64, bool) { return b.bestBid, b.haveBid }

// BestAsk returns the lowest resting ask price, if any.
func (b *Book) BestAsk() (int64, bool) { return b.bestAsk, b.haveAsk }

// Seq returns the last emitted execution-report sequence number.
func (b *Book) Seq() uint64 { return b.seq }

// Clock returns the monotonic command counter.
func (b *Book) Clock() uint64 { return b.clock }

// RestingCount returns the number of resting orders, equal to the
// arena's live count and the sum of level counts on both sides.
func (b *Book) RestingCount() int { return len(b.idIndex) }

func (b *Book) sideMaps(side command.Side) (own, opp priceMap) {
	if side == command.Bid {
		return b.bids, b.asks
	}
	return b.asks, b.bids
}

// crosses reports whether a resting order at price opp on the opposite
// side would match against a taker with side/price.
func crosses(side command.Side, price int64, oppBest int64, haveOpp bool) bool {
	if !haveOpp {
		return false
	}
	if side == command.Bid {
		return oppBest <= price
	}
	return oppBest >= price
}

func (b *Book) oppositeBest(side command.Side) (int64, bool) {
	if side == command.Bid {
		return b.bestAsk, b.haveAsk
	}
	return b.bestBid, b.haveBid
}

// refreshBest recomputes the cached best price for side from its
// price map, following an empty-level removal on that side.
func (b *Book) refreshBest(side command.Side) {
	if side == command.Bid {
		if lvl, ok := b.bids.max(); ok {
			b.bestBid, b.haveBid = lvl.Price, true
		} else {
			b.haveBid = false
		}
		return
	}
	if lvl, ok := b.asks.min(); ok {
		b.bestAsk, b.haveAsk = lvl.Price, true
	} else {
		b.haveAsk = false
	}
}

// considerBest updates the cached best price for side after price
// gains a resting order, if price improves on (or establishes) the
// current best.
func (b *Book) considerBest(side command.Side, price int64) {
	if side == command.Bid {
		if !b.haveBid || price > b.bestBid {
			b.bestBid, b.haveBid = price, true
		}
		return
	}
	if !b.haveAsk || price < b.bestAsk {
		b.bestAsk, b.haveAsk = price, true
	}
}

// removeLevelIfEmpty drops lvl from side's map when it has no members
// left and refreshes that side's cached best.
func (b *Book) removeLevelIfEmpty(side command.Side, lvl *PriceLevel) {
	if !lvl.empty() {
		return
	}
	if side == command.Bid {
		b.bids.delete(lvl.Price)
	} else {
		b.asks.delete(lvl.Price)
	}
	b.refreshBest(side)
}

// freeOrder detaches idx from its level's FIFO queue, removes it from
// the id index, and returns its arena slot to the pool.
func (b *Book) freeOrder(side command.Side, lvl *PriceLevel, idx uint32) {
	id := b.pool.Get(idx).ID
	unlink(b.pool, lvl, idx)
	delete(b.idIndex, id)
	b.pool.Free(idx)
}

// ApplyNewOrder validates and applies a NewOrder command, matching it
// against the opposite side under price-time priority with self-trade
// prevention, and returning the execution reports generated in the
// order they occurred.
//
// cmd.Type selects the entry point: Limit matches then rests any
// residual (spec.md's apply_new_order exactly); Market and IOC match
// what they can and discard any residual instead of resting it (Market
// ignores cmd.Price entirely, crossing at any level); FOK simulates
// the fill first and rejects the whole order, untouched, if it cannot
// be completely filled; PostOnly rejects outright if it would take any
// liquidity, otherwise rests exactly like Limit with no crossing.
func (b *Book) ApplyNewOrder(cmd command.NewOrder) ([]command.ExecutionReport, error) {
	if cmd.Quantity == 0 {
		return nil, errs.ErrInvalidCommand
	}
	if cmd.Side > command.Ask || cmd.Type > command.PostOnly {
		return nil, errs.ErrInvalidCommand
	}
	if cmd.Type != command.Market && cmd.Price <= 0 {
		return nil, errs.ErrInvalidCommand
	}
	if _, exists := b.idIndex[cmd.ID]; exists {
		return nil, errs.ErrDuplicateOrderID
	}

	switch cmd.Type {
	case command.Market, command.IOC:
		b.clock++
		reports, _ := b.matchLoop(cmd, b.clock, cmd.Type == command.Market)
		return reports, nil
	case command.FOK:
		if !b.canFullyFill(cmd) {
			return nil, errs.ErrInvalidCommand
		}
		b.clock++
		reports, _ := b.matchLoop(cmd, b.clock, false)
		return reports, nil
	case command.PostOnly:
		if oppBest, haveOpp := b.oppositeBest(cmd.Side); crosses(cmd.Side, cmd.Price, oppBest, haveOpp) {
			return nil, errs.ErrInvalidCommand
		}
		b.clock++
		if err := b.rest(cmd, b.clock); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		b.clock++
		timestamp := b.clock
		reports, residual := b.matchLoop(cmd, timestamp, false)
		if residual > 0 {
			if err := b.rest(command.NewOrder{
				ID: cmd.ID, TraderID: cmd.TraderID, Side: cmd.Side,
				Price: cmd.Price, Quantity: residual,
			}, timestamp); err != nil {
				return reports, err
			}
		}
		return reports, nil
	}
}

// matchLoop walks the opposite side in price-time priority, cancelling
// any self-trading maker it encounters and continuing, and returns the
// reports generated plus the quantity left unmatched. unlimited skips
// the price-crossing check entirely (a Market order crosses at any
// resting price).
func (b *Book) matchLoop(cmd command.NewOrder, timestamp uint64, unlimited bool) ([]command.ExecutionReport, uint64) {
	var reports []command.ExecutionReport
	residual := cmd.Quantity
	_, opp := b.sideMaps(cmd.Side)
	oppSide := command.Ask
	if cmd.Side == command.Ask {
		oppSide = command.Bid
	}

	for residual > 0 {
		oppBest, haveOpp := b.oppositeBest(cmd.Side)
		if !haveOpp {
			break
		}
		if !unlimited && !crosses(cmd.Side, cmd.Price, oppBest, haveOpp) {
			break
		}
		lvl, ok := opp.get(oppBest)
		if !ok || lvl.empty() {
			// Defensive: best price cache and map disagree only if a
			// prior step forgot to refresh; treat as no more crossing.
			break
		}
		makerIdx := lvl.Head
		maker := b.pool.Get(makerIdx)

		if maker.TraderID == cmd.TraderID {
			b.freeOrder(oppSide, lvl, makerIdx)
			b.removeLevelIfEmpty(oppSide, lvl)
			continue
		}

		fill := residual
		if maker.Quantity < fill {
			fill = maker.Quantity
		}

		b.seq++
		reports = append(reports, command.ExecutionReport{
			Seq:       b.seq,
			TakerID:   cmd.ID,
			MakerID:   maker.ID,
			Price:     maker.Price,
			Quantity:  fill,
			Timestamp: timestamp,
		})

		residual -= fill
		maker.Quantity -= fill
		lvl.TotalQty -= fill

		if maker.Quantity == 0 {
			b.freeOrder(oppSide, lvl, makerIdx)
			b.removeLevelIfEmpty(oppSide, lvl)
		}
	}

	return reports, residual
}

// canFullyFill reports whether a FOK order's quantity can be
// completely satisfied by the current resting book, without mutating
// anything. Self-trading makers are skipped, matching the reduction
// matchLoop would apply to them.
func (b *Book) canFullyFill(cmd command.NewOrder) bool {
	_, opp := b.sideMaps(cmd.Side)
	remaining := cmd.Quantity

	visit := func(price int64, lvl *PriceLevel) bool {
		if !crosses(cmd.Side, cmd.Price, price, true) {
			return false
		}
		for idx := lvl.Head; idx != arena.Nil; {
			node := b.pool.Get(idx)
			if node.TraderID != cmd.TraderID {
				if node.Quantity >= remaining {
					remaining = 0
					return false
				}
				remaining -= node.Quantity
			}
			idx = node.Next
		}
		return remaining > 0
	}

	if cmd.Side == command.Bid {
		opp.ascend(visit)
	} else {
		opp.descend(visit)
	}
	return remaining == 0
}

// rest allocates an arena node for cmd's full quantity and links it
// onto its side's price level, updating the id index and cached best
// price. Used for a Limit order's residual and for a PostOnly order's
// entire quantity.
func (b *Book) rest(cmd command.NewOrder, timestamp uint64) error {
	idx, err := b.pool.Alloc(arena.Order{
		ID:        cmd.ID,
		TraderID:  cmd.TraderID,
		Price:     cmd.Price,
		Quantity:  cmd.Quantity,
		Timestamp: timestamp,
		Side:      cmd.Side,
		Type:      cmd.Type,
	})
	if err != nil {
		return err
	}
	own, _ := b.sideMaps(cmd.Side)
	lvl, ok := own.get(cmd.Price)
	if !ok {
		lvl = &PriceLevel{Price: cmd.Price, Head: arena.Nil, Tail: arena.Nil}
		own.set(cmd.Price, lvl)
	}
	pushBack(b.pool, lvl, idx)
	b.idIndex[cmd.ID] = idx
	b.considerBest(cmd.Side, cmd.Price)
	return nil
}

// ApplyCancel removes a resting order by id. The returned CancelAck's
// Found is false if the id was not resting, which is not an error: the
// command is idempotent.
func (b *Book) ApplyCancel(cmd command.Cancel) command.CancelAck {
	ack := command.CancelAck{OrderID: cmd.OrderID}
	idx, ok := b.idIndex[cmd.OrderID]
	if !ok {
		return ack
	}
	node := b.pool.Get(idx)
	side := node.Side
	price := node.Price

	own, _ := b.sideMaps(side)
	lvl, ok := own.get(price)
	if !ok {
		// Invariant violation guard: id_index pointed at a price with
		// no level. Should be unreachable.
		return ack
	}
	b.freeOrder(side, lvl, idx)
	b.removeLevelIfEmpty(side, lvl)
	ack.Found = true
	return ack
}
