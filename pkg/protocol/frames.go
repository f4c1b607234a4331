// Package protocol defines the binary frame protocol spoken between the
// server and its agents. Frames are CBOR-encoded with a uint32 length
// prefix; unknown fields are ignored on decode so either side can add
// fields without breaking the other.
package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

// FrameKind identifies the frame type on the wire.
type FrameKind uint8

const (
	FrameHello FrameKind = iota + 1
	FrameHelloAck
	FrameHeartbeat
	FrameResume
	FrameJobAssigned
	FrameJobAck
	FrameJobProgress
	FrameJobSucceeded
	FrameJobFailed
	FrameJobTimedOut
	FrameJobCancelled
	FrameCancelJob
	FrameGoodbye
)

func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "Hello"
	case FrameHelloAck:
		return "HelloAck"
	case FrameHeartbeat:
		return "Heartbeat"
	case FrameResume:
		return "Resume"
	case FrameJobAssigned:
		return "JobAssigned"
	case FrameJobAck:
		return "JobAck"
	case FrameJobProgress:
		return "JobProgress"
	case FrameJobSucceeded:
		return "JobSucceeded"
	case FrameJobFailed:
		return "JobFailed"
	case FrameJobTimedOut:
		return "JobTimedOut"
	case FrameJobCancelled:
		return "JobCancelled"
	case FrameCancelJob:
		return "CancelJob"
	case FrameGoodbye:
		return "Goodbye"
	}
	return "Unknown"
}

// IsJobTerminal reports whether the frame kind carries a terminal job result.
func (k FrameKind) IsJobTerminal() bool {
	switch k {
	case FrameJobSucceeded, FrameJobFailed, FrameJobTimedOut, FrameJobCancelled:
		return true
	}
	return false
}

// Frame is the envelope every message travels in. Seq is a per-direction
// monotonic counter; within one job the FIFO session ordering makes frames
// totally ordered.
type Frame struct {
	Kind    FrameKind       `cbor:"k"`
	Seq     uint64          `cbor:"s"`
	Payload cbor.RawMessage `cbor:"p,omitempty"`
}

// Hello opens a session. Exactly one of AccessToken or BootstrapToken must
// be set; a bootstrap token is exchanged for a durable access token carried
// back in HelloAck.
type Hello struct {
	AgentID        string   `cbor:"agent_id,omitempty"`
	Name           string   `cbor:"name"`
	AccessToken    string   `cbor:"access_token,omitempty"`
	BootstrapToken string   `cbor:"bootstrap_token,omitempty"`
	Tags           []string `cbor:"tags,omitempty"`
	Capabilities   []string `cbor:"capabilities,omitempty"`
	Version        string   `cbor:"version,omitempty"`
}

// HelloAck confirms authentication. AccessToken is only set on bootstrap
// enrollment and is shown exactly once.
type HelloAck struct {
	AgentID           string `cbor:"agent_id"`
	AccessToken       string `cbor:"access_token,omitempty"`
	HeartbeatInterval int64  `cbor:"heartbeat_interval_ms,omitempty"`
}

// Heartbeat carries the load metrics the dispatch selector weighs.
type Heartbeat struct {
	RunningJobs int     `cbor:"running_jobs"`
	Load        float64 `cbor:"load,omitempty"`
}

// Resume lists the job ids the agent remembers being assigned, sent after
// reconnecting so the server can reconcile.
type Resume struct {
	JobIDs []string `cbor:"job_ids"`
}

// JobAssigned dispatches a job to the agent.
type JobAssigned struct {
	JobID      string         `cbor:"job_id"`
	InstanceID string         `cbor:"instance_id"`
	StepID     string         `cbor:"step_id"`
	Payload    map[string]any `cbor:"payload,omitempty"`
	TimeoutMS  int64          `cbor:"timeout_ms,omitempty"`
}

// JobAck confirms receipt of a JobAssigned frame.
type JobAck struct {
	JobID string `cbor:"job_id"`
}

// JobProgress is an optional intermediate report.
type JobProgress struct {
	JobID   string         `cbor:"job_id"`
	Percent float64        `cbor:"percent,omitempty"`
	Message string         `cbor:"message,omitempty"`
	Data    map[string]any `cbor:"data,omitempty"`
}

// JobResult is the payload of every terminal job frame.
type JobResult struct {
	JobID  string         `cbor:"job_id"`
	Result map[string]any `cbor:"result,omitempty"`
	Error  string         `cbor:"error,omitempty"`
}

// CancelJob asks the agent to stop a running job. Best effort; an already
// terminal job stays terminal.
type CancelJob struct {
	JobID  string `cbor:"job_id"`
	Reason string `cbor:"reason,omitempty"`
}

// Goodbye closes the session with a reason.
type Goodbye struct {
	Reason string `cbor:"reason,omitempty"`
}
