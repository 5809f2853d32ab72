package types

import "encoding/json"

// EventCode identifies the kind of a published event. Subscribers may
// filter on a single code or receive everything with EventCodeAll.
type EventCode int32

// EventCodeAll subscribes to every event regardless of code
const EventCodeAll EventCode = -1

// Event is the structured unit broadcast over the pub/sub transport.
// Delivery is best-effort; events are encoded as a single JSON document.
type Event struct {
	ID        ID              `json:"id"`
	Code      EventCode       `json:"code"`
	Source    string          `json:"source"`
	Timestamp Timestamp       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent creates an event with a generated ID and current timestamp
func NewEvent(code EventCode, source string, data json.RawMessage) Event {
	return Event{
		ID:        GenerateID(),
		Code:      code,
		Source:    source,
		Timestamp: NewTimestamp(),
		Data:      data,
	}
}
