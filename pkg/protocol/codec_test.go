package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := NewFrame(FrameJobAssigned, 7, &JobAssigned{
		JobID:      "job-1",
		InstanceID: "in-1",
		StepID:     "build",
		Payload:    map[string]any{"action": "build", "attempt": uint64(1)},
		TimeoutMS:  30_000,
	})
	require.NoError(t, err)

	buf, err := Marshal(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(buf)-4), binary.BigEndian.Uint32(buf))

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, FrameJobAssigned, got.Kind)
	assert.Equal(t, uint64(7), got.Seq)

	var payload JobAssigned
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "job-1", payload.JobID)
	assert.Equal(t, "in-1", payload.InstanceID)
	assert.Equal(t, "build", payload.Payload["action"])
	assert.Equal(t, int64(30_000), payload.TimeoutMS)
}

// An old peer must survive fields it does not know about.
func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw, err := cbor.Marshal(map[string]any{
		"job_id":       "job-9",
		"error":        "disk full",
		"future_field": []any{"x"},
	})
	require.NoError(t, err)

	f := &Frame{Kind: FrameJobFailed, Seq: 1, Payload: raw}
	var res JobResult
	require.NoError(t, f.Decode(&res))
	assert.Equal(t, "job-9", res.JobID)
	assert.Equal(t, "disk full", res.Error)
}

func TestUnmarshalRejectsMalformedFrames(t *testing.T) {
	_, err := Unmarshal([]byte{0, 0})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	// Declared size above the frame limit.
	big := make([]byte, 4)
	binary.BigEndian.PutUint32(big, MaxFrameSize+1)
	_, err = Unmarshal(big)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	// Prefix does not match the body length.
	frame, err := NewFrame(FrameGoodbye, 1, &Goodbye{Reason: "bye"})
	require.NoError(t, err)
	buf, err := Marshal(frame)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(buf, uint32(len(buf)))
	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	// Body is not CBOR at all.
	junk := append([]byte{0, 0, 0, 3}, "???"...)
	_, err = Unmarshal(junk)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	body, err := cbor.Marshal(&Frame{Kind: FrameGoodbye + 1, Seq: 1})
	require.NoError(t, err)
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	body, err = cbor.Marshal(&Frame{Kind: 0, Seq: 1})
	require.NoError(t, err)
	buf = make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestDecodeRequiresPayload(t *testing.T) {
	f := &Frame{Kind: FrameHeartbeat, Seq: 1}
	var hb Heartbeat
	assert.ErrorIs(t, f.Decode(&hb), domain.ErrProtocolViolation)
}

func TestMarshalRejectsOversizedFrame(t *testing.T) {
	f := &Frame{Kind: FrameJobSucceeded, Seq: 1, Payload: make([]byte, MaxFrameSize+1)}
	_, err := Marshal(f)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestJobTerminalKinds(t *testing.T) {
	terminal := []FrameKind{FrameJobSucceeded, FrameJobFailed, FrameJobTimedOut, FrameJobCancelled}
	for _, k := range terminal {
		assert.True(t, k.IsJobTerminal(), k.String())
	}
	for _, k := range []FrameKind{FrameHello, FrameHeartbeat, FrameJobAck, FrameJobProgress, FrameCancelJob} {
		assert.False(t, k.IsJobTerminal(), k.String())
	}
}
