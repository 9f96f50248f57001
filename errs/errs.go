// Package errs defines the stable error taxonomy shared by every core
// component (arena, book, ring, wal, snapshot). Callers should match on
// these with errors.Is — the concrete error values never change shape.
package errs

import "errors"

var (
	// ErrDuplicateOrderID is returned when a NewOrder command names an
	// id already resting in the book. The command is rejected before
	// any mutation.
	ErrDuplicateOrderID = errors.New("matchcore: duplicate order id")

	// ErrUnknownOrderID names the case of a cancel for an id that is
	// not resting. Book.ApplyCancel does not return it: it reports that
	// case as CancelAck.Found == false, an idempotent no-op.
	ErrUnknownOrderID = errors.New("matchcore: unknown order id")

	// ErrPoolExhausted is returned when the arena has no free slot for
	// a resting order. Any fills already produced by the command
	// remain valid.
	ErrPoolExhausted = errors.New("matchcore: order pool exhausted")

	// ErrInvalidCommand is returned for zero/negative quantity,
	// non-positive price, or an unrecognized side/type.
	ErrInvalidCommand = errors.New("matchcore: invalid command")

	// ErrWALIntegrity is returned by WAL replay when the requested
	// starting record lies beyond the log's valid extent. A CRC
	// mismatch or a tail truncated mid-record ends replay at that
	// record without this error.
	ErrWALIntegrity = errors.New("matchcore: wal integrity violation")

	// ErrSnapshotIntegrity is returned when a snapshot file's magic or
	// CRC does not validate.
	ErrSnapshotIntegrity = errors.New("matchcore: snapshot integrity violation")

	// ErrRingFull is a steady-state back-pressure signal, not a fault.
	ErrRingFull = errors.New("matchcore: ring buffer full")

	// ErrRingEmpty is a steady-state signal, not a fault.
	ErrRingEmpty = errors.New("matchcore: ring buffer empty")
)
