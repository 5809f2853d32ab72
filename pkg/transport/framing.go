package transport

import (
	"encoding/binary"
	"io"

	"github.com/baaaht/interbus/pkg/types"
)

// Wire format, both directions, each value in network byte order:
// int32 code, uint32 payload length, then exactly that many payload bytes.
// No magic number and no version byte; both ends are assumed to run the
// same protocol revision.

const headerSize = 8

// writeEnvelope writes a full envelope to w. The header and payload are
// written as one buffer; a short write is a send error, never success.
func writeEnvelope(w io.Writer, env *types.Envelope) error {
	buf := make([]byte, headerSize+len(env.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(env.Code))
	binary.BigEndian.PutUint32(buf[4:8], env.Len())
	copy(buf[headerSize:], env.Payload)

	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// readEnvelope reads a full envelope from r into env, blocking until the
// expected byte count for each piece has arrived. A short read before
// completion is a read error, not a partial success.
func readEnvelope(r io.Reader, env *types.Envelope, maxPayload int) error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}

	code := types.MessageCode(int32(binary.BigEndian.Uint32(hdr[0:4])))
	length := binary.BigEndian.Uint32(hdr[4:8])

	if maxPayload > 0 && length > uint32(maxPayload) {
		return types.ResultError(types.ResultReadError,
			"payload length exceeds maximum")
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
	}

	env.Code = code
	env.Payload = payload
	return nil
}

// encodeEnvelope serializes an envelope into a single buffer, used where
// the backend transmits whole messages atomically
func encodeEnvelope(env *types.Envelope) []byte {
	buf := make([]byte, headerSize+len(env.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(env.Code))
	binary.BigEndian.PutUint32(buf[4:8], env.Len())
	copy(buf[headerSize:], env.Payload)
	return buf
}

// decodeEnvelope deserializes a single-buffer envelope into env
func decodeEnvelope(buf []byte, env *types.Envelope, maxPayload int) error {
	if len(buf) < headerSize {
		return types.ResultError(types.ResultReadError, "message shorter than envelope header")
	}

	code := types.MessageCode(int32(binary.BigEndian.Uint32(buf[0:4])))
	length := binary.BigEndian.Uint32(buf[4:8])

	if uint32(len(buf)-headerSize) != length {
		return types.ResultError(types.ResultReadError, "payload length mismatch")
	}
	if maxPayload > 0 && length > uint32(maxPayload) {
		return types.ResultError(types.ResultReadError, "payload length exceeds maximum")
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, buf[headerSize:])
	}

	env.Code = code
	env.Payload = payload
	return nil
}

// codePrefix returns the 4-byte big-endian prefix for an event code,
// used for subscription filtering on backends with prefix matching
func codePrefix(code types.EventCode) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(code))
	return b[:]
}
