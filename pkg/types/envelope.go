package types

import "fmt"

// Envelope is the fixed-shape request/response unit exchanged over IPC:
// an integer code plus an opaque payload. The wire length always reflects
// the payload's exact byte count; both are written by the transport.
type Envelope struct {
	Code    MessageCode
	Payload []byte
}

// NewEnvelope creates an envelope with the given code and payload
func NewEnvelope(code MessageCode, payload []byte) *Envelope {
	return &Envelope{Code: code, Payload: payload}
}

// Len returns the payload byte count
func (e *Envelope) Len() uint32 {
	return uint32(len(e.Payload))
}

// IsError returns true if the envelope carries an error-band code
func (e *Envelope) IsError() bool {
	return e.Code.IsError()
}

// Reset clears the envelope for reuse by a receive call
func (e *Envelope) Reset() {
	e.Code = MsgCodeSuccess
	e.Payload = nil
}

// String returns a string representation of the envelope
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{Code: %d, Len: %d}", e.Code, e.Len())
}
