// Package engine wires the order book, WAL, snapshotter, ring, and
// publisher into the single matcher loop the rest of the system feeds
// commands into, and implements startup recovery from the latest
// snapshot plus WAL replay.
//
// It is grounded on OrderService's wiring shape in
// service/order_service.go — "the ONLY write entry point into the
// system", coordinating domain/infra/snapshot — and on replay.go's
// ReplayFromWAL for the recovery sequencing, generalized here from the
// teacher's append-then-place-then-retire ordering and string-encoded
// WAL payload to this core's binary command encoding and explicit
// snapshot-then-replay recovery procedure.
package engine

import (
	"encoding/binary"
	"fmt"
	"log"

	"matchcore/arena"
	"matchcore/book"
	"matchcore/command"
	"matchcore/errs"
	"matchcore/publish"
	"matchcore/ring"
	"matchcore/snapshot"
	"matchcore/wal"
)

// recordKind tags a WAL/ring payload's command type, stored as the
// payload's first byte per the wire codec's convention.
type recordKind byte

const (
	recordNewOrder recordKind = 1
	recordCancel   recordKind = 2
)

// Config controls arena capacity, ring capacity, WAL placement, and
// snapshot cadence.
type Config struct {
	ArenaCapacity    int
	RingCapacity     int
	WALPath          string
	SnapshotDir      string
	SnapshotInterval uint64 // commands between snapshots; 0 disables
	// Logger receives operator-relevant events (pool exhaustion,
	// snapshot completion, recovery progress). Defaults to log.Default().
	Logger *log.Logger
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// their documented defaults: ArenaCapacity and RingCapacity to the
// arena/ring packages' own defaults, WALPath to "./data/core.wal",
// SnapshotDir to "./data/snapshots", and Logger to log.Default().
func (c Config) WithDefaults() Config {
	if c.ArenaCapacity <= 0 {
		c.ArenaCapacity = arena.Config{}.WithDefaults().Capacity
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = ring.Config{}.WithDefaults().Capacity
	}
	if c.WALPath == "" {
		c.WALPath = "./data/core.wal"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "./data/snapshots"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Engine owns the matcher's entire mutable state and is the sole
// mutator of the book, arena, WAL, and snapshot directory it wires
// together. Nothing in Engine is safe for concurrent use outside the
// matcher goroutine that calls RunOne.
type Engine struct {
	cfg Config

	pool *arena.Pool
	book *book.Book
	ring *ring.Ring[command.Command]
	wal  *wal.WAL
	pub  publish.Publisher

	sinceSnapshot      uint64
	commandCount       uint64
	poolExhaustedCount uint64

	log *log.Logger
}

// New constructs an Engine in its fresh (non-recovered) state. Callers
// that need crash recovery should call Recover instead.
func New(cfg Config, pub publish.Publisher) (*Engine, error) {
	cfg = cfg.WithDefaults()
	pool := arena.New(arena.Config{Capacity: cfg.ArenaCapacity})
	logger := cfg.Logger
	w, err := wal.Open(wal.Config{Path: cfg.WALPath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}
	return &Engine{
		cfg:  cfg,
		pool: pool,
		book: book.New(pool),
		ring: ring.New[command.Command](ring.Config{Capacity: cfg.RingCapacity}),
		wal:  w,
		pub:  pub,
		log:  logger,
	}, nil
}

// Ring exposes the ingestion ring so a producer goroutine can Push
// decoded commands into it.
func (e *Engine) Ring() *ring.Ring[command.Command] { return e.ring }

// Book exposes the order book for read-only inspection (e.g. metrics,
// admin queries). Mutating it outside Engine breaks every invariant.
func (e *Engine) Book() *book.Book { return e.book }

// PoolExhaustedCount returns the number of new-order commands rejected
// because the arena had no free slots, the operator-visible counter
// §7 requires alongside the per-rejection log line.
func (e *Engine) PoolExhaustedCount() uint64 { return e.poolExhaustedCount }

// RunOne pops at most one command from the ring and applies it,
// returning errs.ErrRingEmpty if none was queued. This is the unit the
// matcher's tight loop calls repeatedly.
func (e *Engine) RunOne() error {
	cmd, err := e.ring.Pop()
	if err != nil {
		return err
	}
	if err := e.apply(cmd); err != nil {
		return err
	}
	if e.cfg.SnapshotInterval > 0 && e.sinceSnapshot >= e.cfg.SnapshotInterval {
		if err := e.snapshotNow(); err != nil {
			return err
		}
		e.sinceSnapshot = 0
	}
	return nil
}

// apply appends cmd to the WAL, mutates the book, and publishes the
// resulting execution reports, in that order, per the
// durability-before-publish ordering §5 requires.
func (e *Engine) apply(cmd command.Command) error {
	if _, err := e.wal.Append(recordKindOf(cmd), func(buf []byte) int {
		return encodeCommandBody(cmd, buf)
	}); err != nil {
		return err
	}
	err := e.mutate(cmd, true)
	e.afterCommand()
	return err
}

// replayOne mutates the book from a command already durable in the
// WAL being scanned. It must not re-append, or recovery would
// duplicate every record it replays, and it suppresses publishing
// since these reports were already delivered in the original run.
func (e *Engine) replayOne(cmd command.Command) error {
	err := e.mutate(cmd, false)
	e.afterCommand()
	return err
}

func (e *Engine) mutate(cmd command.Command, doPublish bool) error {
	switch cmd.Kind {
	case command.KindNewOrder:
		reports, err := e.book.ApplyNewOrder(cmd.NewOrder)
		if doPublish {
			for _, r := range reports {
				e.pub.Publish(r)
			}
		}
		if err == errs.ErrPoolExhausted {
			e.poolExhaustedCount++
			e.log.Printf("[engine] order pool exhausted rejecting order id=%d", cmd.NewOrder.ID)
		}
		return err
	case command.KindCancel:
		ack := e.book.ApplyCancel(cmd.Cancel)
		if !ack.Found {
			e.log.Printf("[engine] cancel for unknown order id=%d", ack.OrderID)
		}
		return nil
	default:
		return errs.ErrInvalidCommand
	}
}

func (e *Engine) afterCommand() {
	e.commandCount++
	e.sinceSnapshot++
}

func (e *Engine) snapshotNow() error {
	if err := e.wal.Flush(); err != nil {
		return err
	}
	if err := snapshot.Write(snapshot.Config{Dir: e.cfg.SnapshotDir}, e.wal.NextIndex(), e.book); err != nil {
		return err
	}
	e.log.Printf("[engine] snapshot written at wal_record_index=%d resting=%d", e.wal.NextIndex(), e.book.RestingCount())
	return nil
}

// Recover rebuilds an Engine's state from the latest valid snapshot
// (if any) plus a suppressed-publish replay of every subsequent valid
// WAL record, then truncates the WAL logically at the first invalid
// record — which wal.Open already does on every open, since Open's
// recovery scan leaves the write offset just past the last valid
// record.
func Recover(cfg Config, pub publish.Publisher) (*Engine, error) {
	cfg = cfg.WithDefaults()
	pool := arena.New(arena.Config{Capacity: cfg.ArenaCapacity})
	b := book.New(pool)
	logger := cfg.Logger

	var fromIdx uint64
	if res, ok := snapshot.Latest(snapshot.Config{Dir: cfg.SnapshotDir}); ok {
		if err := b.Restore(res.Orders, res.Seq, res.Clock); err != nil {
			return nil, fmt.Errorf("engine: restore snapshot: %w", err)
		}
		fromIdx = res.WALRecordIndex
		logger.Printf("[engine] loaded snapshot at wal_record_index=%d resting=%d", fromIdx, len(res.Orders))
	}

	w, err := wal.Open(wal.Config{Path: cfg.WALPath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	e := &Engine{
		cfg:  cfg,
		pool: pool,
		book: b,
		ring: ring.New[command.Command](ring.Config{Capacity: cfg.RingCapacity}),
		wal:  w,
		pub:  pub,
		log:  logger,
	}

	var replayed uint64
	replayErr := w.Replay(fromIdx, func(payload []byte) error {
		cmd, err := decodeCommand(payload)
		if err != nil {
			return nil // skip: pre-dates the command framing, or padding
		}
		replayed++
		if err := e.replayOne(cmd); err != nil {
			// The original run rejected this command the same way and
			// went on; replay leaves the book exactly as that run did.
			logger.Printf("[engine] replayed command rejected again: %v", err)
		}
		return nil
	})
	if replayErr != nil {
		return nil, fmt.Errorf("engine: replay: %w", replayErr)
	}
	logger.Printf("[engine] recovery complete, replayed=%d resting=%d", replayed, b.RestingCount())
	return e, nil
}

// Close flushes and closes the WAL. The caller is responsible for
// draining the ring and taking a final snapshot first as part of
// graceful shutdown.
func (e *Engine) Close() error {
	return e.wal.Close()
}

// recordKindOf returns the one-byte tag Append writes as the record's
// first byte per §4.6.
func recordKindOf(cmd command.Command) byte {
	switch cmd.Kind {
	case command.KindNewOrder:
		return byte(recordNewOrder)
	case command.KindCancel:
		return byte(recordCancel)
	default:
		return 0
	}
}

// encodeCommandBody writes cmd's fields (everything after the kind tag
// Append has already placed at buf's preceding byte) into buf and
// returns the number of bytes written. This is the encode_fn collaborator
// of WAL.Append: it writes directly into the WAL's own scratch buffer,
// so encoding a command never allocates.
func encodeCommandBody(cmd command.Command, buf []byte) int {
	switch cmd.Kind {
	case command.KindNewOrder:
		buf[0] = byte(cmd.NewOrder.Side)
		buf[1] = byte(cmd.NewOrder.Type)
		binary.LittleEndian.PutUint64(buf[2:10], cmd.NewOrder.ID)
		binary.LittleEndian.PutUint64(buf[10:18], cmd.NewOrder.TraderID)
		binary.LittleEndian.PutUint64(buf[18:26], uint64(cmd.NewOrder.Price))
		binary.LittleEndian.PutUint64(buf[26:34], cmd.NewOrder.Quantity)
		return 34
	case command.KindCancel:
		binary.LittleEndian.PutUint64(buf[0:8], cmd.Cancel.OrderID)
		return 8
	default:
		return 0
	}
}

func decodeCommand(payload []byte) (command.Command, error) {
	if len(payload) == 0 {
		return command.Command{}, errs.ErrInvalidCommand
	}
	switch recordKind(payload[0]) {
	case recordNewOrder:
		if len(payload) < 35 {
			return command.Command{}, errs.ErrInvalidCommand
		}
		return command.Command{
			Kind: command.KindNewOrder,
			NewOrder: command.NewOrder{
				Side:     command.Side(payload[1]),
				Type:     command.Type(payload[2]),
				ID:       binary.LittleEndian.Uint64(payload[3:11]),
				TraderID: binary.LittleEndian.Uint64(payload[11:19]),
				Price:    int64(binary.LittleEndian.Uint64(payload[19:27])),
				Quantity: binary.LittleEndian.Uint64(payload[27:35]),
			},
		}, nil
	case recordCancel:
		if len(payload) < 9 {
			return command.Command{}, errs.ErrInvalidCommand
		}
		return command.Command{
			Kind:   command.KindCancel,
			Cancel: command.Cancel{OrderID: binary.LittleEndian.Uint64(payload[1:9])},
		}, nil
	default:
		return command.Command{}, errs.ErrInvalidCommand
	}
}
