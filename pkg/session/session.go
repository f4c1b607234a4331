package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/protocol"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

// sendQueueSize bounds the outbound frame queue per agent. Dispatch routes
// around agents whose queue is full instead of blocking the engine.
const sendQueueSize = 256

// Session is one authenticated agent connection. Frames are written through
// the send queue by the write pump only; reads happen on the read pump.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger

	agentID string

	send chan []byte
	seq  atomic.Uint64

	// lastRecvSeq enforces the per-direction monotonic frame counter.
	lastRecvSeq uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(hub *Hub, conn *websocket.Conn, agent *workflow.Agent) *Session {
	return &Session{
		hub:     hub,
		conn:    conn,
		logger:  hub.logger.With(slog.String("agent", agent.ID)),
		agentID: agent.ID,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Send marshals a frame with the next outbound sequence number and queues
// it. A saturated queue reports ErrAgentBusy; the session stays up and the
// caller decides whether to fail the job or pick another agent.
func (s *Session) Send(kind protocol.FrameKind, payload any) error {
	f, err := protocol.NewFrame(kind, s.seq.Add(1), payload)
	if err != nil {
		return err
	}
	buf, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case s.send <- buf:
		return nil
	case <-s.done:
		return websocket.ErrCloseSent
	default:
		return fmt.Errorf("%w: agent %s cannot drain its send queue", domain.ErrAgentBusy, s.agentID)
	}
}

// saturated reports whether the outbound queue has no room left.
func (s *Session) saturated() bool { return len(s.send) == cap(s.send) }

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes frames until the connection drops. The read deadline is
// refreshed on every frame; a silent agent times out after the liveness
// grace period.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.close()
	}()
	deadline := s.hub.cfg.HeartbeatInterval * time.Duration(s.hub.cfg.LivenessGrace)
	s.conn.SetReadLimit(protocol.MaxFrameSize + 4)
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read error", "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
		f, err := protocol.Unmarshal(data)
		if err != nil {
			s.logger.Warn("bad frame", "error", err)
			continue
		}
		if f.Seq <= s.lastRecvSeq {
			s.logger.Debug("dropping replayed frame", "seq", f.Seq)
			continue
		}
		s.lastRecvSeq = f.Seq
		s.hub.handleFrame(s, f)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case buf, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
