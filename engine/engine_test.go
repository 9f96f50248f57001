package engine

import (
	"path/filepath"
	"reflect"
	"testing"

	"matchcore/command"
	"matchcore/publish"
)

// recordingPublisher captures every report it's handed, in order, for
// tests that need to compare what two separate runs published.
type recordingPublisher struct {
	reports []command.ExecutionReport
}

func (p *recordingPublisher) Publish(r command.ExecutionReport) {
	p.reports = append(p.reports, r)
}

func newTestEngine(t *testing.T) (*Engine, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		ArenaCapacity:    16,
		RingCapacity:     8,
		WALPath:          filepath.Join(dir, "core.wal"),
		SnapshotDir:      filepath.Join(dir, "snapshots"),
		SnapshotInterval: 0,
	}
	e, err := New(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, cfg
}

func TestRunOneAppliesNewOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Ring().Push(command.Command{
		Kind:     command.KindNewOrder,
		NewOrder: command.NewOrder{ID: 1, TraderID: 1, Side: command.Ask, Price: 100, Quantity: 5},
	}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := e.RunOne(); err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if e.Book().RestingCount() != 1 {
		t.Fatalf("resting count = %d, want 1", e.Book().RestingCount())
	}
}

func TestRunOneCrossAndPublish(t *testing.T) {
	e, _ := newTestEngine(t)
	pub := &recordingPublisher{}
	e.pub = pub
	push := func(cmd command.Command) {
		t.Helper()
		if err := e.Ring().Push(cmd); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := e.RunOne(); err != nil {
			t.Fatalf("RunOne: %v", err)
		}
	}
	push(command.Command{Kind: command.KindNewOrder, NewOrder: command.NewOrder{ID: 1, TraderID: 1, Side: command.Ask, Price: 100, Quantity: 5}})
	push(command.Command{Kind: command.KindNewOrder, NewOrder: command.NewOrder{ID: 2, TraderID: 2, Side: command.Bid, Price: 101, Quantity: 3}})

	if e.Book().Seq() != 1 {
		t.Fatalf("Seq() = %d, want 1", e.Book().Seq())
	}
	if len(pub.reports) != 1 {
		t.Fatalf("published %d reports, want 1", len(pub.reports))
	}
}

func TestSnapshotIntervalTriggersWrite(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		ArenaCapacity:    16,
		RingCapacity:     8,
		WALPath:          filepath.Join(dir, "core.wal"),
		SnapshotDir:      filepath.Join(dir, "snapshots"),
		SnapshotInterval: 2,
	}
	e, err := New(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	for i := uint64(1); i <= 2; i++ {
		if err := e.Ring().Push(command.Command{
			Kind:     command.KindNewOrder,
			NewOrder: command.NewOrder{ID: i, TraderID: i, Side: command.Ask, Price: int64(100 + i), Quantity: 1},
		}); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := e.RunOne(); err != nil {
			t.Fatalf("RunOne: %v", err)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(cfg.SnapshotDir, "snapshot_*.bin"))
	if len(matches) == 0 {
		t.Fatalf("expected at least one snapshot file after %d commands", cfg.SnapshotInterval)
	}
}

func TestRecoverFromEmptyState(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		ArenaCapacity:    16,
		RingCapacity:     8,
		WALPath:          filepath.Join(dir, "core.wal"),
		SnapshotDir:      filepath.Join(dir, "snapshots"),
		SnapshotInterval: 0,
	}
	e, err := Recover(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer e.Close()
	if e.Book().RestingCount() != 0 || e.Book().Seq() != 0 {
		t.Fatalf("fresh recovery: resting=%d seq=%d, want 0,0", e.Book().RestingCount(), e.Book().Seq())
	}
}

func TestRecoverReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		ArenaCapacity:    16,
		RingCapacity:     8,
		WALPath:          filepath.Join(dir, "core.wal"),
		SnapshotDir:      filepath.Join(dir, "snapshots"),
		SnapshotInterval: 0,
	}
	e, err := New(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []uint64{1, 2, 3} {
		if err := e.Ring().Push(command.Command{
			Kind:     command.KindNewOrder,
			NewOrder: command.NewOrder{ID: id, TraderID: id, Side: command.Ask, Price: int64(100 + id), Quantity: 1},
		}); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := e.RunOne(); err != nil {
			t.Fatalf("RunOne: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recovered, err := Recover(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer recovered.Close()
	if recovered.Book().RestingCount() != 3 {
		t.Fatalf("recovered resting count = %d, want 3", recovered.Book().RestingCount())
	}
	if recovered.Book().Seq() != 0 {
		t.Fatalf("recovered seq = %d, want 0 (no crosses among resting asks)", recovered.Book().Seq())
	}
}

// TestRecoverDoesNotDuplicateWAL guards against replay re-appending
// records it is reading: recovering twice in a row from the same WAL
// must converge to the same book state rather than growing it.
func TestRecoverDoesNotDuplicateWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		ArenaCapacity:    16,
		RingCapacity:     8,
		WALPath:          filepath.Join(dir, "core.wal"),
		SnapshotDir:      filepath.Join(dir, "snapshots"),
		SnapshotInterval: 0,
	}
	e, err := New(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []uint64{1, 2} {
		if err := e.Ring().Push(command.Command{
			Kind:     command.KindNewOrder,
			NewOrder: command.NewOrder{ID: id, TraderID: id, Side: command.Ask, Price: int64(100 + id), Quantity: 1},
		}); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := e.RunOne(); err != nil {
			t.Fatalf("RunOne: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	first, err := Recover(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("Recover (1st): %v", err)
	}
	firstNextIdx := first.wal.NextIndex()
	if err := first.Close(); err != nil {
		t.Fatalf("Close (1st): %v", err)
	}

	second, err := Recover(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("Recover (2nd): %v", err)
	}
	defer second.Close()

	if second.wal.NextIndex() != firstNextIdx {
		t.Fatalf("WAL grew across recoveries: %d != %d (replay re-appended records)", second.wal.NextIndex(), firstNextIdx)
	}
	if second.Book().RestingCount() != 2 {
		t.Fatalf("recovered resting count = %d, want 2", second.Book().RestingCount())
	}
}

func TestPoolExhaustedCountIncrements(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		ArenaCapacity: 1,
		RingCapacity:  8,
		WALPath:       filepath.Join(dir, "core.wal"),
		SnapshotDir:   filepath.Join(dir, "snapshots"),
	}
	e, err := New(cfg, publish.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	for _, id := range []uint64{1, 2, 3} {
		if err := e.Ring().Push(command.Command{
			Kind:     command.KindNewOrder,
			NewOrder: command.NewOrder{ID: id, TraderID: id, Side: command.Ask, Price: int64(100 + id), Quantity: 1},
		}); err != nil {
			t.Fatalf("Push: %v", err)
		}
		_ = e.RunOne() // the 2nd and 3rd exhaust the single-slot arena
	}
	if e.PoolExhaustedCount() != 2 {
		t.Fatalf("PoolExhaustedCount() = %d, want 2", e.PoolExhaustedCount())
	}
}

// commandBatch is a fixed sequence of commands that crosses, rests,
// and cancels orders, used to compare an uninterrupted run against one
// split by a snapshot-and-recover boundary partway through.
func commandBatch() []command.Command {
	return []command.Command{
		{Kind: command.KindNewOrder, NewOrder: command.NewOrder{ID: 1, TraderID: 1, Side: command.Ask, Price: 100, Quantity: 5}},
		{Kind: command.KindNewOrder, NewOrder: command.NewOrder{ID: 2, TraderID: 2, Side: command.Ask, Price: 101, Quantity: 3}},
		{Kind: command.KindNewOrder, NewOrder: command.NewOrder{ID: 3, TraderID: 3, Side: command.Bid, Price: 100, Quantity: 2}},
		{Kind: command.KindNewOrder, NewOrder: command.NewOrder{ID: 4, TraderID: 4, Side: command.Ask, Price: 102, Quantity: 1}},
		{Kind: command.KindNewOrder, NewOrder: command.NewOrder{ID: 5, TraderID: 5, Side: command.Bid, Price: 101, Quantity: 4}},
		{Kind: command.KindCancel, Cancel: command.Cancel{OrderID: 4}},
	}
}

// TestRecoverAfterSnapshotMatchesUninterruptedRun asserts a version of
// Scenario E: splitting a sequence of commands across a
// snapshot-then-recover boundary must produce byte-identical execution
// reports and final order timestamps to running the same sequence
// through one uninterrupted Engine. A snapshot that fails to preserve
// each resting order's true timestamp would desynchronize the clock
// counter on recovery and make every order timestamped afterward
// diverge from the uninterrupted run.
func TestRecoverAfterSnapshotMatchesUninterruptedRun(t *testing.T) {
	cmds := commandBatch()

	uninterruptedDir := t.TempDir()
	uninterruptedCfg := Config{
		ArenaCapacity: 16,
		RingCapacity:  8,
		WALPath:       filepath.Join(uninterruptedDir, "core.wal"),
		SnapshotDir:   filepath.Join(uninterruptedDir, "snapshots"),
	}
	const splitPoint = 3
	wantPub := &recordingPublisher{}
	uninterrupted, err := New(uninterruptedCfg, wantPub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var reportsBeforeSplit int
	for i, cmd := range cmds {
		if err := uninterrupted.Ring().Push(cmd); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := uninterrupted.RunOne(); err != nil {
			t.Fatalf("RunOne: %v", err)
		}
		if i == splitPoint-1 {
			reportsBeforeSplit = len(wantPub.reports)
		}
	}
	if err := uninterrupted.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Recovery never republishes the reports from commands that predate
	// the snapshot, so only the post-split reports are comparable.
	wantPostSplitReports := wantPub.reports[reportsBeforeSplit:]

	splitDir := t.TempDir()
	splitCfg := Config{
		ArenaCapacity: 16,
		RingCapacity:  8,
		WALPath:       filepath.Join(splitDir, "core.wal"),
		SnapshotDir:   filepath.Join(splitDir, "snapshots"),
	}
	gotPub := &recordingPublisher{}
	split, err := New(splitCfg, publish.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, cmd := range cmds[:splitPoint] {
		if err := split.Ring().Push(cmd); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := split.RunOne(); err != nil {
			t.Fatalf("RunOne: %v", err)
		}
	}
	if err := split.snapshotNow(); err != nil {
		t.Fatalf("snapshotNow: %v", err)
	}
	if err := split.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recovered, err := Recover(splitCfg, gotPub)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer recovered.Close()
	for _, cmd := range cmds[splitPoint:] {
		if err := recovered.Ring().Push(cmd); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := recovered.RunOne(); err != nil {
			t.Fatalf("RunOne: %v", err)
		}
	}

	if !reflect.DeepEqual(wantPostSplitReports, gotPub.reports) {
		t.Fatalf("post-recovery reports diverged from uninterrupted run:\nwant %+v\ngot  %+v", wantPostSplitReports, gotPub.reports)
	}

	wantOrders := uninterrupted.Book().Enumerate()
	gotOrders := recovered.Book().Enumerate()
	if len(wantOrders) != len(gotOrders) {
		t.Fatalf("resting order count = %d, want %d", len(gotOrders), len(wantOrders))
	}
	for i, want := range wantOrders {
		got := gotOrders[i]
		if got.ID != want.ID || got.Timestamp != want.Timestamp {
			t.Fatalf("order %d = {id:%d ts:%d}, want {id:%d ts:%d}", i, got.ID, got.Timestamp, want.ID, want.Timestamp)
		}
	}
}
