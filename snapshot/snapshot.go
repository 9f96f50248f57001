// Package snapshot captures and restores full order-book state keyed
// to a WAL position, so recovery can start from a bounded-time
// baseline instead of replaying the whole log.
//
// It is grounded on the Writer/Reader/loader shape of the reference
// matching engine's snapshot package, generalized from that package's
// gob-encoded, unversioned, no-fsync file to the binary, magic- and
// CRC-guarded, temp-file-plus-rename format this core requires for
// byte-reproducible, crash-safe snapshots.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"matchcore/arena"
	"matchcore/book"
	"matchcore/command"
	"matchcore/errs"
)

// Magic identifies a snapshot file; Version allows the on-disk layout
// to evolve.
const (
	Magic   uint32 = 0xFE110C0F
	Version uint32 = 1

	orderRecordSize = 48 // id(8) trader_id(8) side(1)+type(1)+pad(6) price(8) quantity(8) timestamp(8)
)

// FileName returns the canonical snapshot file name for a given WAL
// record index.
func FileName(walRecordIndex uint64) string {
	return fmt.Sprintf("snapshot_%010d.bin", walRecordIndex)
}

// defaultDir is the snapshot directory used when Config.Dir is left
// empty.
const defaultDir = "./snapshots"

// Config controls where snapshots are written and read from.
type Config struct {
	// Dir is the directory snapshot files live in. Defaults to
	// "./snapshots".
	Dir string
}

// WithDefaults returns a copy of c with an empty Dir replaced by
// defaultDir.
func (c Config) WithDefaults() Config {
	if c.Dir == "" {
		c.Dir = defaultDir
	}
	return c
}

// Write serializes b's resting orders in deterministic order (bids
// descending, then asks ascending; FIFO within each level) to
// cfg.Dir/snapshot_{walRecordIndex:010}.bin, via a temp file, fsync,
// and rename so a reader only ever observes a complete file or none.
func Write(cfg Config, walRecordIndex uint64, b *book.Book) error {
	cfg = cfg.WithDefaults()
	dir := cfg.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	finalPath := filepath.Join(dir, FileName(walRecordIndex))
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	var body []byte
	body = appendUint32(body, Magic)
	body = appendUint32(body, Version)
	body = appendUint64(body, walRecordIndex)
	body = appendUint32(body, uint32(b.Seq()))
	body = appendUint64(body, b.Clock())

	orders := b.Enumerate()
	body = appendUint64(body, uint64(len(orders)))
	for _, o := range orders {
		body = appendOrder(body, o)
	}

	crc := crc32.ChecksumIEEE(body)
	body = appendUint32(body, crc)

	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

// Result is the restored snapshot header plus the order list needed
// to repopulate a Book directly (without matching).
type Result struct {
	WALRecordIndex uint64
	Seq            uint64
	Clock          uint64
	Orders         []arena.Order
}

// Read loads and validates the snapshot file at path, returning
// errs.ErrSnapshotIntegrity if the magic or trailing CRC does not
// check out.
func Read(path string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	if len(raw) < 4+4+8+4+8+8+4 {
		return Result{}, errs.ErrSnapshotIntegrity
	}
	body, wantCRC := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Result{}, errs.ErrSnapshotIntegrity
	}

	r := bytesReader{b: body}
	magic := r.uint32()
	if magic != Magic {
		return Result{}, errs.ErrSnapshotIntegrity
	}
	_ = r.uint32() // version
	walIdx := r.uint64()
	seq := uint64(r.uint32())
	clock := r.uint64()
	count := r.uint64()

	orders := make([]arena.Order, 0, count)
	for i := uint64(0); i < count; i++ {
		o, err := r.order()
		if err != nil {
			return Result{}, err
		}
		orders = append(orders, o)
	}
	if r.err != nil {
		return Result{}, errs.ErrSnapshotIntegrity
	}
	return Result{WALRecordIndex: walIdx, Seq: seq, Clock: clock, Orders: orders}, nil
}

// Latest finds the highest-indexed snapshot file in cfg.Dir whose CRC
// validates, skipping any that fail integrity checks in favor of the
// next-older one. It returns ok=false if no valid snapshot exists.
func Latest(cfg Config) (Result, bool) {
	cfg = cfg.WithDefaults()
	dir := cfg.Dir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, false
	}
	var best string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".bin" {
			continue
		}
		if name > best {
			best = name
		}
	}
	for best != "" {
		res, err := Read(filepath.Join(dir, best))
		if err == nil {
			return res, true
		}
		best = previousSnapshotName(dir, best)
	}
	return Result{}, false
}

// previousSnapshotName returns the next-lower-indexed snapshot file
// name present in dir, or "" if none.
func previousSnapshotName(dir, current string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".bin" || name >= current {
			continue
		}
		if name > best {
			best = name
		}
	}
	return best
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// appendOrder encodes one resting order as
// {id(8), trader_id(8), side(1)+type(1)+reserved(6), price(8 signed),
// quantity(8), timestamp(8)}, matching the data-model's order record.
func appendOrder(b []byte, o arena.Order) []byte {
	b = appendUint64(b, o.ID)
	b = appendUint64(b, o.TraderID)
	b = append(b, byte(o.Side), byte(o.Type), 0, 0, 0, 0, 0, 0)
	b = appendUint64(b, uint64(o.Price))
	b = appendUint64(b, o.Quantity)
	b = appendUint64(b, o.Timestamp)
	return b
}

type bytesReader struct {
	b   []byte
	off int
	err error
}

func (r *bytesReader) uint32() uint32 {
	if r.err != nil || r.off+4 > len(r.b) {
		r.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *bytesReader) uint64() uint64 {
	if r.err != nil || r.off+8 > len(r.b) {
		r.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *bytesReader) order() (arena.Order, error) {
	id := r.uint64()
	traderID := r.uint64()
	if r.err != nil || r.off+8 > len(r.b) {
		return arena.Order{}, io.ErrUnexpectedEOF
	}
	side := command.Side(r.b[r.off])
	typ := command.Type(r.b[r.off+1])
	r.off += 8
	price := int64(r.uint64())
	qty := r.uint64()
	timestamp := r.uint64()
	if r.err != nil {
		return arena.Order{}, r.err
	}
	return arena.Order{ID: id, TraderID: traderID, Side: side, Type: typ, Price: price, Quantity: qty, Timestamp: timestamp}, nil
}
