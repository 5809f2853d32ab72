// Package events layers a structured event bus over the transport's
// pub/sub channels: producers broadcast JSON events, consumers receive
// them on a long-lived subscription and dispatch to per-event-code
// callbacks. Delivery is best-effort; events may be lost and no retry
// is attempted.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/baaaht/interbus/internal/logger"
	"github.com/baaaht/interbus/pkg/transport"
	"github.com/baaaht/interbus/pkg/types"
)

// Producer broadcasts structured events over a publish transport handle
type Producer struct {
	mu     sync.Mutex
	tr     transport.Transport
	handle *transport.Handle
	source string
	logger *logger.Logger
	closed bool
	sent   uint64
}

// NewProducer opens a broadcast channel for the event bus. An empty
// channel selects the process-wide default.
func NewProducer(tr transport.Transport, channel, source string, log *logger.Logger) (*Producer, error) {
	if log == nil {
		log, _ = logger.NewDefault()
	}

	h, err := tr.PubRegister(channel)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		tr:     tr,
		handle: h,
		source: source,
		logger: log.With("component", "event_producer", "source", source),
	}

	p.logger.Debug("Event producer opened", "channel", channel)
	return p, nil
}

// Emit broadcasts one event with the given code. data is marshaled to
// JSON and carried in the event's data field; nil data is allowed.
func (p *Producer) Emit(code types.EventCode, data any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "event producer is closed")
	}
	p.mu.Unlock()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "failed to encode event data", err)
		}
		raw = b
	}

	ev := types.NewEvent(code, p.source, raw)
	payload, err := json.Marshal(ev)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode event", err)
	}

	if err := p.tr.Publish(p.handle, code, payload); err != nil {
		return err
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()

	p.logger.Trace("Event emitted", "code", code, "event_id", ev.ID)
	return nil
}

// Sent returns the number of events emitted
func (p *Producer) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Close releases the broadcast handle. Idempotent.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.tr.Close(p.handle)
}

// String returns a string representation of the producer
func (p *Producer) String() string {
	return fmt.Sprintf("Producer{Source: %s, Sent: %d}", p.source, p.Sent())
}
