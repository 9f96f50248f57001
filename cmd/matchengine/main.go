// Command matchengine bootstraps the matching core: recovers state
// from the latest snapshot and WAL, then runs the single matcher loop
// until a shutdown signal arrives. CLI and process bootstrap sit
// outside the core's scope; this wiring mirrors cmd/server/main.go's
// construct-then-serve shape, with the gRPC/protobuf transport layer
// dropped — the pack carries no generated stubs for it — in favor of
// the UDP publisher boundary.
package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"matchcore/engine"
	"matchcore/errs"
	"matchcore/publish"
)

func main() {
	cfg := engine.Config{
		ArenaCapacity:    1 << 20,
		RingCapacity:     1 << 16,
		WALPath:          "./data/core.wal",
		SnapshotDir:      "./data/snapshots",
		SnapshotInterval: 10_000,
	}

	pub, err := publish.DialUDPPublisher(udpTargetAddr())
	if err != nil {
		log.Fatalf("matchengine: dial publisher: %v", err)
	}
	defer pub.Close()

	eng, err := engine.Recover(cfg, pub)
	if err != nil {
		log.Fatalf("matchengine: recover: %v", err)
	}
	defer eng.Close()

	log.Printf("matchengine: recovered, resting orders=%d seq=%d", eng.Book().RestingCount(), eng.Book().Seq())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go runMatcher(eng, sig, done)
	<-done
}

// runMatcher is the consumer thread's tight loop: pop, apply, repeat;
// spin briefly on an empty ring rather than blocking, favoring latency
// over throughput exactly as spec'd, and checking for a shutdown
// signal between commands, never mid-command.
func runMatcher(eng *engine.Engine, sig <-chan os.Signal, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-sig:
			log.Println("matchengine: shutdown signal received, draining ring")
			drainRing(eng)
			return
		default:
		}

		if err := eng.RunOne(); err != nil {
			// Ring empty or command rejected: go straight back to the
			// ring, busy-spinning while it stays empty.
			continue
		}
	}
}

func drainRing(eng *engine.Engine) {
	for {
		if err := eng.RunOne(); errors.Is(err, errs.ErrRingEmpty) {
			return
		}
	}
}

func udpTargetAddr() string {
	if addr := os.Getenv("MATCHENGINE_PUBLISH_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:9000"
}
