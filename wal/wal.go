// Package wal implements the matching core's durable write-ahead log:
// length-prefixed, CRC-protected records appended to a memory-mapped
// file, with growth-by-doubling and a replay that stops at the first
// invalid or truncated record.
//
// It is grounded on the framing and rotation/replay shape of
// core_wal.go and record.go in the reference matching engine's wal
// package (length+CRC32 header, scan-and-truncate-on-mismatch
// recovery), generalized from that package's bufio.Writer-over-append
// file design to a mmap'd region so Append never makes a write(2)
// syscall on the hot path, following the shared-memory mapping pattern
// the corpus's mmap reference file exercises with syscall.Mmap.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"matchcore/errs"
)

// CRC32Checksum computes a standard IEEE CRC-32 checksum for data.
func CRC32Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// CRC32Validate checks if data matches the provided checksum.
func CRC32Validate(data []byte, sum uint32) bool {
	return crc32.ChecksumIEEE(data) == sum
}

const (
	headerSize     = 8 // length(4) + crc32(4)
	alignment      = 8
	initialFileSize = 64 << 20 // 64 MiB

	// scratchSize bounds the largest record Append can encode: the
	// pre-allocated buffer payloads are built into before they are
	// copied to the mapped region. The matching core's widest record
	// (a NewOrder command) is 35 bytes; this leaves ample headroom
	// without ever needing to grow the scratch buffer on the hot path.
	scratchSize = 256
)

// Config controls the WAL's on-disk placement and growth behavior.
type Config struct {
	// Path is the backing file. It is created if absent.
	Path string
	// InitialSize is the file's starting size. Defaults to 64 MiB.
	InitialSize int64
	// Logger receives operator-relevant events (integrity truncation,
	// growth). Defaults to log.Default().
	Logger *log.Logger
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// their documented defaults: InitialSize to 64 MiB, Logger to
// log.Default().
func (c Config) WithDefaults() Config {
	if c.InitialSize <= 0 {
		c.InitialSize = initialFileSize
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// WAL is an append-only, memory-mapped log of opaque, CRC-protected
// records. It is not safe for concurrent use: the matching core is its
// sole writer.
type WAL struct {
	file    *os.File
	data    []byte // mmap'd region
	size    int64  // current mapped file size
	offset  int64  // next write offset
	nextIdx uint64 // next wal_record_index to assign
	log     *log.Logger

	scratch []byte // pre-allocated payload staging buffer, reused by every Append
}

// Open creates or opens the WAL file at cfg.Path, maps it, and
// positions the write offset after the last valid record — any bytes
// past the first invalid or truncated record are logically discarded
// (the next Append overwrites them; no Truncate syscall is needed
// since the mapped region's logical length, not the file length, is
// authoritative until the next growth).
func Open(cfg Config) (*WAL, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("wal: empty path")
	}
	cfg = cfg.WithDefaults()
	size := cfg.InitialSize

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", cfg.Path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: grow %s: %w", cfg.Path, err)
		}
	} else {
		size = info.Size()
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: mmap %s: %w", cfg.Path, err)
	}

	w := &WAL{file: f, data: data, size: size, log: cfg.Logger, scratch: make([]byte, scratchSize)}
	if err := w.recover(); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return w, nil
}

// recover scans from offset 0, validating each record's CRC, and
// leaves w.offset positioned just past the last valid record with
// w.nextIdx set to the record count found.
func (w *WAL) recover() error {
	var off int64
	var count uint64
	for {
		_, next, ok := readRecordAt(w.data, off)
		if !ok {
			break
		}
		count++
		off = next
	}
	if tailLooksCorrupt(w.data, off) {
		w.log.Printf("[wal] truncating at offset %d after integrity violation, %d valid record(s) kept", off, count)
	}
	w.offset = off
	w.nextIdx = count
	return nil
}

// tailLooksCorrupt distinguishes a clean end of log (a zeroed header,
// the normal steady state of unused mapped space) from a genuine
// truncated/corrupt record (a non-zero header that still failed to
// decode), so recover only logs in the latter case.
func tailLooksCorrupt(data []byte, off int64) bool {
	if off+headerSize > int64(len(data)) {
		return false
	}
	for _, b := range data[off : off+headerSize] {
		if b != 0 {
			return true
		}
	}
	return false
}

// Append reserves the next record slot and writes it in place, with no
// heap allocation: kind tags the payload's first byte, and encode
// writes the rest of the payload into the WAL's own pre-allocated
// scratch buffer (reused across every call), returning the number of
// bytes it wrote. Append then computes the CRC over that payload and
// copies the framed [len][crc][payload] record directly into the
// mapped region at the current offset — growing and remapping first if
// the record would not fit — and returns the record's monotonic
// wal_record_index.
func (w *WAL) Append(kind byte, encode func(buf []byte) int) (uint64, error) {
	w.scratch[0] = kind
	n := 1 + encode(w.scratch[1:])
	payload := w.scratch[:n]

	padded := alignUp(headerSize+n, alignment)
	if w.offset+int64(padded) > w.size {
		if err := w.grow(w.offset + int64(padded)); err != nil {
			return 0, err
		}
	}

	rec := w.data[w.offset : w.offset+int64(padded)]
	binary.LittleEndian.PutUint32(rec[0:4], uint32(n))
	binary.LittleEndian.PutUint32(rec[4:8], CRC32Checksum(payload))
	copy(rec[headerSize:], payload)
	for i := headerSize + n; i < padded; i++ {
		rec[i] = 0
	}

	w.offset += int64(padded)
	idx := w.nextIdx
	w.nextIdx++
	return idx, nil
}

// grow doubles the backing file (repeatedly, if needed) until it can
// hold atLeast bytes, then remaps it. Rare; never called on the
// steady-state hot path once the file has settled at a working size.
func (w *WAL) grow(atLeast int64) error {
	newSize := w.size
	for newSize < atLeast {
		newSize *= 2
	}
	if err := unix.Munmap(w.data); err != nil {
		return fmt.Errorf("wal: unmap for growth: %w", err)
	}
	if err := w.file.Truncate(newSize); err != nil {
		return fmt.Errorf("wal: truncate for growth: %w", err)
	}
	data, err := unix.Mmap(int(w.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("wal: remap after growth: %w", err)
	}
	w.data = data
	w.size = newSize
	w.log.Printf("[wal] grew backing file to %d bytes", newSize)
	return nil
}

// Flush is a durability checkpoint: it msyncs the mapped region. The
// hot path does not call this on every Append; callers invoke it at
// deliberate checkpoints (e.g. before a snapshot rename).
func (w *WAL) Flush() error {
	return unix.Msync(w.data, unix.MS_SYNC)
}

// Close flushes and unmaps the WAL, closing the backing file.
func (w *WAL) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := unix.Munmap(w.data); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// NextIndex returns the wal_record_index that the next Append call
// will assign.
func (w *WAL) NextIndex() uint64 { return w.nextIdx }

// Replay invokes fn once per valid record starting at wal_record_index
// fromIdx (0-based), in order, stopping at the first invalid or
// truncated record without error — a short trailing write is expected
// after a crash, not a fault. Replay returns errs.ErrWALIntegrity only
// if fromIdx itself lies beyond the log's valid extent.
func (w *WAL) Replay(fromIdx uint64, fn func(payload []byte) error) error {
	var off int64
	var idx uint64
	for idx < fromIdx {
		_, next, ok := readRecordAt(w.data, off)
		if !ok {
			return errs.ErrWALIntegrity
		}
		off = next
		idx++
	}
	for {
		payload, next, ok := readRecordAt(w.data, off)
		if !ok {
			break
		}
		if err := fn(payload); err != nil {
			return err
		}
		off = next
		idx++
	}
	return nil
}

// readRecordAt decodes one record starting at off within data,
// returning the payload, the offset just past the (padded) record,
// and whether a valid record was found. It returns ok=false on a
// zeroed header (logical end of log), a truncated header/payload past
// the mapped region, or a CRC mismatch.
func readRecordAt(data []byte, off int64) (payload []byte, next int64, ok bool) {
	if off < 0 || off+headerSize > int64(len(data)) {
		return nil, off, false
	}
	length := binary.LittleEndian.Uint32(data[off : off+4])
	crc := binary.LittleEndian.Uint32(data[off+4 : off+8])
	if length == 0 && crc == 0 {
		return nil, off, false
	}
	payloadEnd := off + headerSize + int64(length)
	if payloadEnd > int64(len(data)) {
		return nil, off, false
	}
	p := data[off+headerSize : payloadEnd]
	if CRC32Checksum(p) != crc {
		return nil, off, false
	}
	return p, alignUp64(payloadEnd, alignment), true
}

func alignUp(n, align int) int {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

func alignUp64(n int64, align int64) int64 {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}
