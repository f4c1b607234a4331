// Package agent implements the worker process that connects to an
// OrbitMesh server, executes dispatched jobs and reports results.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitmesh/orbitmesh/pkg/config"
	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/log"
	"github.com/orbitmesh/orbitmesh/pkg/protocol"
)

const (
	reconnectBase = time.Second
	reconnectMax  = time.Minute
)

// Client maintains the agent's session with the server across reconnects.
type Client struct {
	cfg    config.AgentConfig
	logger *slog.Logger

	handlers       map[string]HandlerFunc
	defaultHandler HandlerFunc

	// onAccessToken is called once when bootstrap enrollment grants a
	// durable token, so the caller can persist it.
	onAccessToken func(token string)

	mu      sync.Mutex
	conn    *websocket.Conn
	agentID string
	running map[string]*runningJob
	// pending holds terminal results not yet acknowledged by the server;
	// they are resent after every reconnect.
	pending map[string]pendingResult

	seq    atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingResult struct {
	kind    protocol.FrameKind
	payload *protocol.JobResult
}

// New creates an agent client from its configuration.
func New(cfg config.AgentConfig) *Client {
	c := &Client{
		cfg:      cfg,
		logger:   log.WithComponent("agent"),
		handlers: make(map[string]HandlerFunc),
		running:  make(map[string]*runningJob),
		pending:  make(map[string]pendingResult),
	}
	if cfg.EnableShellExecution {
		c.Handle("shell", shellHandler)
	}
	return c
}

// OnAccessToken registers the callback invoked when enrollment issues a
// durable access token.
func (c *Client) OnAccessToken(fn func(token string)) { c.onAccessToken = fn }

// Run connects and serves until ctx is cancelled, rotating across the
// configured endpoints with jittered exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	endpoints := c.cfg.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("%w: no server endpoints configured", domain.ErrInvalidDefinition)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	backoff := reconnectBase
	next := 0
	for {
		if c.ctx.Err() != nil {
			c.wg.Wait()
			return nil
		}
		endpoint := endpoints[next%len(endpoints)]
		next++

		err := c.serveConnection(endpoint)
		if c.ctx.Err() != nil {
			c.wg.Wait()
			return nil
		}
		c.logger.Warn("connection lost", "endpoint", endpoint, "error", err)

		select {
		case <-time.After(jitter(backoff)):
		case <-c.ctx.Done():
			c.wg.Wait()
			return nil
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// Stop terminates the client.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// jitter spreads reconnect attempts by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// serveConnection runs one session: dial, handshake, resume, then pump
// frames until the connection drops.
func (c *Client) serveConnection(endpoint string) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(c.ctx, endpoint, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.handshake(conn); err != nil {
		return err
	}
	c.logger.Info("connected", "endpoint", endpoint, "agent", c.agentID)

	if err := c.sendResume(); err != nil {
		return err
	}
	c.resendPending()

	hbStop := make(chan struct{})
	defer close(hbStop)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(hbStop)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("bad frame", "error", err)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) handshake(conn *websocket.Conn) error {
	hello := &protocol.Hello{
		AgentID:      c.agentID,
		Name:         c.cfg.Name,
		Tags:         c.cfg.Tags,
		Capabilities: c.capabilities(),
	}
	switch {
	case c.cfg.AccessToken != "":
		hello.AccessToken = c.cfg.AccessToken
	case c.cfg.BootstrapToken != "":
		hello.BootstrapToken = c.cfg.BootstrapToken
	default:
		return fmt.Errorf("%w: neither access_token nor bootstrap_token configured", domain.ErrAuthFailed)
	}

	f, err := protocol.NewFrame(protocol.FrameHello, c.seq.Add(1), hello)
	if err != nil {
		return err
	}
	buf, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})
	ackFrame, err := protocol.Unmarshal(data)
	if err != nil {
		return err
	}
	switch ackFrame.Kind {
	case protocol.FrameHelloAck:
	case protocol.FrameGoodbye:
		var bye protocol.Goodbye
		_ = ackFrame.Decode(&bye)
		return fmt.Errorf("%w: %s", domain.ErrAuthFailed, bye.Reason)
	default:
		return fmt.Errorf("%w: expected HelloAck, got %s", domain.ErrProtocolViolation, ackFrame.Kind)
	}
	var ack protocol.HelloAck
	if err := ackFrame.Decode(&ack); err != nil {
		return err
	}
	c.agentID = ack.AgentID
	if ack.AccessToken != "" {
		// Enrollment: switch to the durable token for future connects.
		c.cfg.AccessToken = ack.AccessToken
		c.cfg.BootstrapToken = ""
		if c.onAccessToken != nil {
			c.onAccessToken(ack.AccessToken)
		}
	}
	if ack.HeartbeatInterval > 0 {
		c.cfg.HeartbeatInterval = time.Duration(ack.HeartbeatInterval) * time.Millisecond
	}
	return nil
}

func (c *Client) sendResume() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	return c.send(protocol.FrameResume, &protocol.Resume{JobIDs: ids})
}

func (c *Client) resendPending() {
	c.mu.Lock()
	results := make([]pendingResult, 0, len(c.pending))
	for _, p := range c.pending {
		results = append(results, p)
	}
	c.mu.Unlock()
	for _, p := range results {
		if err := c.send(p.kind, p.payload); err != nil {
			return
		}
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			n := len(c.running)
			c.mu.Unlock()
			if err := c.send(protocol.FrameHeartbeat, &protocol.Heartbeat{
				RunningJobs: n,
				Load:        float64(n),
			}); err != nil {
				return
			}
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// send marshals and writes one frame under the connection lock.
func (c *Client) send(kind protocol.FrameKind, payload any) error {
	f, err := protocol.NewFrame(kind, c.seq.Add(1), payload)
	if err != nil {
		return err
	}
	buf, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (c *Client) handleFrame(f *protocol.Frame) {
	switch f.Kind {
	case protocol.FrameJobAssigned:
		var assigned protocol.JobAssigned
		if err := f.Decode(&assigned); err != nil {
			c.logger.Warn("bad assignment", "error", err)
			return
		}
		c.acceptJob(&assigned)
	case protocol.FrameCancelJob:
		var cancel protocol.CancelJob
		if err := f.Decode(&cancel); err != nil {
			return
		}
		c.cancelJob(cancel.JobID, cancel.Reason)
	case protocol.FrameJobAck:
		var ack protocol.JobAck
		if err := f.Decode(&ack); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.pending, ack.JobID)
		c.mu.Unlock()
	case protocol.FrameGoodbye:
		var bye protocol.Goodbye
		_ = f.Decode(&bye)
		c.logger.Info("server said goodbye", "reason", bye.Reason)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	default:
		c.logger.Debug("ignoring frame", "kind", f.Kind.String())
	}
}

func (c *Client) capabilities() []string {
	caps := append([]string(nil), c.cfg.Capabilities...)
	if c.cfg.EnableShellExecution && !contains(caps, "shell") {
		caps = append(caps, "shell")
	}
	return caps
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
