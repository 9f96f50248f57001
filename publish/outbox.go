package publish

import (
	"encoding/binary"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/pebble"

	"matchcore/command"
)

// outboxState tracks an execution report's delivery lifecycle in the
// outbox database, grounded on infra/wal/exit's ExitState enum
// (NEW/SENT/ACKED/FAILED) in the reference matching engine, adapted
// from tracking order lifecycle to tracking per-report delivery.
type outboxState uint8

const (
	stateNew outboxState = iota
	stateSent
	stateAcked
	stateFailed
)

// OutboxPublisher durably records every execution report in a Pebble
// key-value store before handing it to a Kafka producer, so a crash
// between the two never silently drops a report: ScanPending can
// always find and retry anything still in stateNew, stateSent or
// stateFailed.
//
// It is grounded on infra/wal/exit/wal.go (Pebble-backed exit WAL with
// PutNew/UpdateState/ScanByState) for the durable-outbox shape and on
// jobs/broadcaster/broadcaster.go (sarama.SyncProducer, mark-sent then
// publish then mark-acked) for the delivery loop.
type OutboxPublisher struct {
	db       *pebble.DB
	producer sarama.SyncProducer
	topic    string
}

// OpenOutboxPublisher opens (or creates) the Pebble outbox at dir and
// connects a synchronous Kafka producer to brokers.
func OpenOutboxPublisher(dir string, brokers []string, topic string) (*OutboxPublisher, error) {
	db, err := pebble.Open(dir, &pebble.Options{DisableWAL: false})
	if err != nil {
		return nil, fmt.Errorf("publish: open outbox: %w", err)
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("publish: new producer: %w", err)
	}

	return &OutboxPublisher{db: db, producer: producer, topic: topic}, nil
}

// Publish records report as stateNew, then attempts immediate
// delivery; a failure here is not fatal to the caller since
// ScanPending gives the report another chance later.
func (p *OutboxPublisher) Publish(report command.ExecutionReport) {
	key := outboxKey(report.Seq)
	if err := p.db.Set(key, encodeReport(stateNew, report), pebble.Sync); err != nil {
		return
	}
	p.deliver(key, report)
}

func (p *OutboxPublisher) deliver(key []byte, report command.ExecutionReport) {
	_ = p.db.Set(key, encodeReport(stateSent, report), pebble.Sync)

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(encodeReportPayload(report)),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		_ = p.db.Set(key, encodeReport(stateFailed, report), pebble.Sync)
		return
	}
	_ = p.db.Set(key, encodeReport(stateAcked, report), pebble.Sync)
}

// ScanPending redelivers every report not yet acknowledged (left in
// stateNew, stateSent or stateFailed), for a periodic background job
// to drive — mirroring the broadcaster's ticker-driven replayOnce loop.
func (p *OutboxPublisher) ScanPending() error {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		state, report, err := decodeReport(iter.Value())
		if err != nil {
			continue
		}
		if state == stateNew || state == stateSent || state == stateFailed {
			p.deliver(append([]byte(nil), iter.Key()...), report)
		}
	}
	return iter.Error()
}

// Close closes the Kafka producer and the outbox database.
func (p *OutboxPublisher) Close() error {
	perr := p.producer.Close()
	derr := p.db.Close()
	if perr != nil {
		return perr
	}
	return derr
}

func outboxKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// encodeReport packs {state(1), report(48)} for outbox storage.
func encodeReport(state outboxState, r command.ExecutionReport) []byte {
	buf := make([]byte, 1+48)
	buf[0] = byte(state)
	copy(buf[1:], encodeReportPayload(r))
	return buf
}

func decodeReport(b []byte) (outboxState, command.ExecutionReport, error) {
	if len(b) != 1+48 {
		return 0, command.ExecutionReport{}, fmt.Errorf("publish: malformed outbox record")
	}
	state := outboxState(b[0])
	p := b[1:]
	r := command.ExecutionReport{
		Seq:       binary.LittleEndian.Uint64(p[0:8]),
		TakerID:   binary.LittleEndian.Uint64(p[8:16]),
		MakerID:   binary.LittleEndian.Uint64(p[16:24]),
		Price:     int64(binary.LittleEndian.Uint64(p[24:32])),
		Quantity:  binary.LittleEndian.Uint64(p[32:40]),
		Timestamp: binary.LittleEndian.Uint64(p[40:48]),
	}
	return state, r, nil
}

// encodeReportPayload is the 48-byte wire form shared between the
// outbox record and the Kafka message body.
func encodeReportPayload(r command.ExecutionReport) []byte {
	buf := make([]byte, 48)
	binary.LittleEndian.PutUint64(buf[0:8], r.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], r.TakerID)
	binary.LittleEndian.PutUint64(buf[16:24], r.MakerID)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(r.Price))
	binary.LittleEndian.PutUint64(buf[32:40], r.Quantity)
	binary.LittleEndian.PutUint64(buf[40:48], r.Timestamp)
	return buf
}
