package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/baaaht/interbus/pkg/types"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		code    types.MessageCode
		payload []byte
	}{
		{"empty payload", types.MsgCodePing, nil},
		{"small payload", types.MsgCodeUserBase, []byte("hello")},
		{"binary payload", types.MsgCodeUserBase + 7, []byte{0, 1, 2, 255, 254}},
		{"error band code", types.ErrorCode(types.ResultTimeout), []byte("late")},
		{"large payload", types.MsgCodeUserBase, bytes.Repeat([]byte("x"), 64<<10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			in := types.NewEnvelope(tt.code, tt.payload)

			if err := writeEnvelope(&buf, in); err != nil {
				t.Fatalf("writeEnvelope: %v", err)
			}
			if got := buf.Len(); got != headerSize+len(tt.payload) {
				t.Errorf("wire length = %d, want %d", got, headerSize+len(tt.payload))
			}

			var out types.Envelope
			if err := readEnvelope(&buf, &out, 0); err != nil {
				t.Fatalf("readEnvelope: %v", err)
			}

			if out.Code != tt.code {
				t.Errorf("code = %d, want %d", out.Code, tt.code)
			}
			if !bytes.Equal(out.Payload, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(out.Payload), len(tt.payload))
			}
		})
	}
}

func TestReadEnvelopeShortHeader(t *testing.T) {
	var out types.Envelope
	err := readEnvelope(bytes.NewReader([]byte{0, 0, 0}), &out, 0)
	if err == nil {
		t.Fatal("expected error on truncated header")
	}
}

func TestReadEnvelopeTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeEnvelope(&buf, types.NewEnvelope(types.MsgCodeUserBase, []byte("payload"))); err != nil {
		t.Fatalf("writeEnvelope: %v", err)
	}

	// Drop the tail of the payload; the reader must fail, not return a
	// partial envelope.
	truncated := buf.Bytes()[:buf.Len()-3]

	var out types.Envelope
	err := readEnvelope(bytes.NewReader(truncated), &out, 0)
	if err == nil {
		t.Fatal("expected error on truncated payload")
	}
	if err != io.ErrUnexpectedEOF {
		t.Logf("got %v (any error acceptable, ErrUnexpectedEOF expected)", err)
	}
}

func TestReadEnvelopeMaxPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeEnvelope(&buf, types.NewEnvelope(types.MsgCodeUserBase, bytes.Repeat([]byte("a"), 100))); err != nil {
		t.Fatalf("writeEnvelope: %v", err)
	}

	var out types.Envelope
	err := readEnvelope(&buf, &out, 50)
	if err == nil {
		t.Fatal("expected error when payload exceeds maximum")
	}
	if types.ResultOf(err) != types.ResultReadError {
		t.Errorf("result = %s, want READ_ERROR", types.ResultOf(err))
	}
}

func TestEncodeDecodeEnvelope(t *testing.T) {
	in := types.NewEnvelope(types.MsgCodeShutdown, []byte(`{"credentials":"x"}`))

	buf := encodeEnvelope(in)

	var out types.Envelope
	if err := decodeEnvelope(buf, &out, 0); err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if out.Code != in.Code || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("roundtrip mismatch: %v vs %v", out, in)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	var out types.Envelope

	t.Run("shorter than header", func(t *testing.T) {
		if err := decodeEnvelope([]byte{1, 2}, &out, 0); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		buf := encodeEnvelope(types.NewEnvelope(types.MsgCodeUserBase, []byte("abcdef")))
		if err := decodeEnvelope(buf[:len(buf)-2], &out, 0); err == nil {
			t.Fatal("expected error on declared/actual length mismatch")
		}
	})
}

func TestCodePrefix(t *testing.T) {
	p := codePrefix(types.EventCode(0x01020304))
	want := []byte{1, 2, 3, 4}
	if !bytes.Equal(p, want) {
		t.Errorf("codePrefix = %v, want %v", p, want)
	}

	if got := codePrefix(types.EventCode(5)); len(got) != 4 {
		t.Errorf("prefix length = %d, want 4", len(got))
	}
}
