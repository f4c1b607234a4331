package protocol

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
)

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 4 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Unknown map keys are dropped, keeping old peers compatible with new
	// fields. Untyped maps decode as map[string]any to match JSON typing
	// elsewhere in the system.
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// NewFrame wraps a payload struct into a frame envelope.
func NewFrame(kind FrameKind, seq uint64, payload any) (*Frame, error) {
	f := &Frame{Kind: kind, Seq: seq}
	if payload != nil {
		raw, err := encMode.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s payload: %v", domain.ErrProtocolViolation, kind, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame has no payload", domain.ErrProtocolViolation, f.Kind)
	}
	if err := decMode.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", domain.ErrProtocolViolation, f.Kind, err)
	}
	return nil
}

// Marshal encodes the frame with its uint32 big-endian length prefix.
func Marshal(f *Frame) ([]byte, error) {
	body, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", domain.ErrProtocolViolation, err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", domain.ErrProtocolViolation, len(body))
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Unmarshal decodes one length-prefixed frame from buf.
func Unmarshal(buf []byte) (*Frame, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: frame shorter than length prefix", domain.ErrProtocolViolation)
	}
	n := binary.BigEndian.Uint32(buf)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared frame size %d exceeds limit", domain.ErrProtocolViolation, n)
	}
	if uint32(len(buf)-4) != n {
		return nil, fmt.Errorf("%w: frame length mismatch", domain.ErrProtocolViolation)
	}
	f := &Frame{}
	if err := decMode.Unmarshal(buf[4:], f); err != nil {
		return nil, fmt.Errorf("%w: decode frame: %v", domain.ErrProtocolViolation, err)
	}
	if f.Kind == 0 || f.Kind > FrameGoodbye {
		return nil, fmt.Errorf("%w: unknown frame kind %d", domain.ErrProtocolViolation, f.Kind)
	}
	return f, nil
}
