// Package publish implements the execution-report publisher boundary:
// core calls Publish once per report and is otherwise indifferent to
// how reports leave the process. A UDP multicast publisher and a
// durable Kafka outbox publisher are both provided; gap recovery for
// either is an external consumer concern, as spec'd.
package publish

import "matchcore/command"

// Publisher is the core's only outbound dependency. Implementations
// must not block the matcher thread on anything beyond a best-effort,
// non-blocking send.
type Publisher interface {
	Publish(report command.ExecutionReport)
}

// Noop discards every report. Useful for benchmarks and for recovery
// replay, which already suppresses publishing at the Engine level but
// still needs a concrete Publisher to construct with.
type Noop struct{}

func (Noop) Publish(command.ExecutionReport) {}
