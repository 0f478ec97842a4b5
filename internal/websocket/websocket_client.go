package websocket

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/erblinkqikuu/smartsocket"
	"github.com/erblinkqikuu/smartsocket/internal/ack"
	"github.com/erblinkqikuu/smartsocket/internal/logging"
	"github.com/erblinkqikuu/smartsocket/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	heartbeatGrace           = 5 * time.Second
	maxHeartbeatMisses       = 3

	defaultQueueLimit = 1000
	defaultQueueTTL   = 5 * time.Minute

	maxReconnectInterval = 60 * time.Second
	backoffMultiplier    = 1.5
)

// ClientConfig collects every recognised client option.
type ClientConfig struct {
	// URL is the base WebSocket URL, e.g. "ws://host:8080".
	URL string

	// Namespace is the path the client attaches to. The effective dial URL
	// is the base URL with the namespace appended to the path, never a
	// query parameter. Default "/".
	Namespace string

	// Codec must match the server's compression and encryption options.
	Codec protocol.Options

	// AckTimeout bounds how long an emit-with-ack waits. Default 30 s.
	AckTimeout time.Duration

	// ReconnectDelay seeds the backoff: attempt n waits
	// ReconnectDelay * 1.5^n, capped at 60 s. Default 1 s.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects before the
	// client goes terminal. Default 10.
	MaxReconnectAttempts int

	// HeartbeatInterval is the liveness probe period. Default 30 s.
	HeartbeatInterval time.Duration

	// QueueLimit and QueueTTL bound the offline emit queue. Defaults 1000
	// frames, 5 minutes.
	QueueLimit int
	QueueTTL   time.Duration

	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer
}

func (cfg *ClientConfig) withDefaults() *ClientConfig {
	out := *cfg
	if out.Namespace == "" {
		out.Namespace = smartsocket.RootNamespace
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 30 * time.Second
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 10
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = defaultHeartbeatInterval
	}
	if out.QueueLimit <= 0 {
		out.QueueLimit = defaultQueueLimit
	}
	if out.QueueTTL <= 0 {
		out.QueueTTL = defaultQueueTTL
	}
	if out.Dialer == nil {
		out.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	return &out
}

// queuedEmit is one frame held while the transport is down. The ack id is
// allocated, and its timeout armed, only when the frame is actually sent.
type queuedEmit struct {
	event    string
	payload  []byte
	binary   bool
	cb       smartsocket.AckCallback
	enqueued time.Time
}

// Client is the client runtime. It implements smartsocket.Client.
type Client struct {
	cfg   *ClientConfig
	codec *protocol.Codec
	acks  *ack.Table

	state atomic.Int32

	handlersMu sync.RWMutex
	handlers   map[string]smartsocket.ClientHandler

	// connMu guards conn and epoch; writeMu serialises wire writes and
	// protects queue flush ordering.
	connMu sync.Mutex
	conn   *websocket.Conn
	epoch  uint64

	writeMu sync.Mutex
	queue   []queuedEmit

	hbAck      chan struct{}
	userClosed atomic.Bool
}

// NewClient builds a client from cfg. Codec options are validated here.
func NewClient(cfg *ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		codec:    codec,
		acks:     ack.NewTable(cfg.AckTimeout),
		handlers: make(map[string]smartsocket.ClientHandler),
		hbAck:    make(chan struct{}, 1),
	}
	c.state.Store(int32(smartsocket.ClientIdle))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() smartsocket.ClientState {
	return smartsocket.ClientState(c.state.Load())
}

// On registers a handler for an event or lifecycle event name.
func (c *Client) On(event string, handler smartsocket.ClientHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = handler
}

func (c *Client) handler(event string) (smartsocket.ClientHandler, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	h, ok := c.handlers[event]
	return h, ok
}

// dialURL joins the base URL and the namespace path.
func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	ns := c.cfg.Namespace
	if ns != smartsocket.RootNamespace {
		u.Path = strings.TrimSuffix(u.Path, "/") + ns
	} else if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Connect dials the server and attaches to the configured namespace.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == smartsocket.ClientClosed {
		return errors.New(smartsocket.ErrClientClosed)
	}
	c.state.Store(int32(smartsocket.ClientConnecting))

	if err := c.dial(ctx); err != nil {
		c.state.Store(int32(smartsocket.ClientIdle))
		return err
	}
	return nil
}

// dial establishes one transport and starts its read and heartbeat loops.
func (c *Client) dial(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := c.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.connMu.Unlock()

	// Open the gate and drain the offline queue under one writeMu hold, so
	// an emit racing the reconnect can never jump ahead of queued frames.
	c.writeMu.Lock()
	c.state.Store(int32(smartsocket.ClientOpen))
	c.flushQueueLocked()
	c.writeMu.Unlock()

	go c.readLoop(conn, epoch)
	go c.heartbeatLoop(conn, epoch)
	return nil
}

// Disconnect closes the connection for good; no reconnect follows.
func (c *Client) Disconnect() error {
	c.userClosed.Store(true)
	c.state.Store(int32(smartsocket.ClientClosed))
	c.acks.Close()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// Emit sends an event, queueing it while the transport is down.
func (c *Client) Emit(event string, data interface{}) error {
	return c.EmitWithAck(event, data, nil)
}

// EmitWithAck is Emit with an acknowledgement callback. For queued frames
// the ack timeout starts when the frame is actually sent.
func (c *Client) EmitWithAck(event string, data interface{}, cb smartsocket.AckCallback) error {
	if c.State() == smartsocket.ClientClosed {
		return errors.New(smartsocket.ErrClientClosed)
	}
	payload, binaryPayload, err := protocol.Marshal(data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != smartsocket.ClientOpen {
		c.enqueueLocked(queuedEmit{
			event:    event,
			payload:  payload,
			binary:   binaryPayload,
			cb:       cb,
			enqueued: time.Now(),
		})
		return nil
	}
	return c.writeEventLocked(event, payload, binaryPayload, cb)
}

// enqueueLocked appends to the bounded offline queue, discarding the
// oldest entry when full. Caller holds writeMu.
func (c *Client) enqueueLocked(q queuedEmit) {
	if len(c.queue) >= c.cfg.QueueLimit {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, q)
}

// flushQueueLocked drains the offline queue oldest-first. Entries past
// their TTL are discarded. Caller holds writeMu for the whole drain, which
// keeps frames emitted after reconnect behind every queued one.
func (c *Client) flushQueueLocked() {
	queue := c.queue
	c.queue = nil
	now := time.Now()
	for _, q := range queue {
		if now.Sub(q.enqueued) > c.cfg.QueueTTL {
			logging.Debug().Str("event", q.event).Msg("queued frame expired")
			continue
		}
		if err := c.writeEventLocked(q.event, q.payload, q.binary, q.cb); err != nil {
			// Transport died mid-flush; requeue the remainder in order.
			c.enqueueLocked(q)
			continue
		}
	}
}

// writeEventLocked encodes and writes one event frame. Caller holds
// writeMu.
func (c *Client) writeEventLocked(event string, payload []byte, binaryPayload bool, cb smartsocket.AckCallback) error {
	f := &protocol.Frame{
		Type:      protocol.FrameEvent,
		Namespace: c.cfg.Namespace,
		Event:     event,
		Payload:   payload,
	}
	if binaryPayload {
		f.Flags |= protocol.FlagBinary
	}
	if cb != nil {
		id, ok := c.acks.Register(cb)
		if !ok {
			return errors.New(smartsocket.ErrClientClosed)
		}
		f.Flags |= protocol.FlagAckRequested
		f.AckID = id
	}
	return c.writeFrameLocked(f)
}

func (c *Client) writeFrameLocked(f *protocol.Frame) error {
	encoded, err := c.codec.Encode(f)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.New(smartsocket.ErrConnectionClosed)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, encoded)
}

// writeFrame takes writeMu; used off the emit path (heartbeats, acks).
func (c *Client) writeFrame(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(f)
}

// readLoop consumes one transport until it dies, then hands over to the
// reconnect loop. epoch guards against a stale loop outliving its
// connection.
func (c *Client) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.transportLost(conn, epoch)
			return
		}

		frame, err := c.codec.Decode(data)
		if err != nil {
			logging.Warn().Err(err).Msg("client: undecodable frame")
			continue
		}

		switch frame.Type {
		case protocol.FrameConnect:
			c.dispatch(smartsocket.EventConnected, frame.Payload, nil)
		case protocol.FrameDisconnect:
			// Server-initiated close; treat as transport loss so the
			// reconnect policy applies.
			conn.Close()
		case protocol.FrameHeartbeat:
			c.writeFrame(&protocol.Frame{Type: protocol.FrameHeartbeatAck, Namespace: c.cfg.Namespace})
		case protocol.FrameHeartbeatAck:
			select {
			case c.hbAck <- struct{}{}:
			default:
			}
		case protocol.FrameAck:
			if !c.acks.Resolve(frame.AckID, frame.Payload) {
				logging.Debug().Uint32("ack", frame.AckID).Msg(smartsocket.CodeAckUnknownID)
			}
		case protocol.FrameError:
			c.dispatch(smartsocket.EventError, frame.Payload, nil)
		case protocol.FrameEvent:
			var ackFn smartsocket.AckFunc
			if frame.Flags&protocol.FlagAckRequested != 0 {
				ackFn = c.ackReplier(frame.AckID)
			}
			c.dispatch(frame.Event, frame.Payload, ackFn)
		}
	}
}

// dispatch invokes a registered handler, recovering panics.
func (c *Client) dispatch(event string, payload []byte, ackFn smartsocket.AckFunc) {
	handler, ok := c.handler(event)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("event", event).Msg("client handler panicked")
		}
	}()
	handler(payload, ackFn)
}

// ackReplier builds the one-shot ack function for server-initiated acks.
func (c *Client) ackReplier(id uint32) smartsocket.AckFunc {
	var once sync.Once
	return func(data interface{}) error {
		var sendErr error
		once.Do(func() {
			payload, binaryPayload, err := protocol.Marshal(data)
			if err != nil {
				sendErr = err
				return
			}
			f := &protocol.Frame{
				Type:      protocol.FrameAck,
				Namespace: c.cfg.Namespace,
				AckID:     id,
				Payload:   payload,
			}
			if binaryPayload {
				f.Flags |= protocol.FlagBinary
			}
			sendErr = c.writeFrame(f)
		})
		return sendErr
	}
}

// heartbeatLoop probes the server. Three consecutive missed answers force
// a reconnect.
func (c *Client) heartbeatLoop(conn *websocket.Conn, epoch uint64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for range ticker.C {
		if !c.currentEpoch(epoch) || c.userClosed.Load() {
			return
		}
		if err := c.writeFrame(&protocol.Frame{Type: protocol.FrameHeartbeat, Namespace: c.cfg.Namespace}); err != nil {
			return
		}
		select {
		case <-c.hbAck:
			misses = 0
		case <-time.After(heartbeatGrace):
			misses++
			logging.Warn().Int("misses", misses).Msg("heartbeat unanswered")
			if misses >= maxHeartbeatMisses {
				// Kill the transport; readLoop notices and reconnects.
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) currentEpoch(epoch uint64) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.epoch == epoch
}

// transportLost is entered by the read loop of a dying connection. It
// either finishes the client (user close, attempts exhausted) or runs the
// backoff reconnect loop.
func (c *Client) transportLost(conn *websocket.Conn, epoch uint64) {
	conn.Close()

	c.connMu.Lock()
	if c.epoch != epoch {
		c.connMu.Unlock()
		return
	}
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	if c.userClosed.Load() {
		return
	}

	c.state.Store(int32(smartsocket.ClientReconnecting))
	c.dispatch(smartsocket.EventDisconnected, nil, nil)
	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff: delay * 1.5^attempt,
// capped at 60 s, up to MaxReconnectAttempts.
func (c *Client) reconnectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectDelay
	policy.Multiplier = backoffMultiplier
	policy.RandomizationFactor = 0
	policy.MaxInterval = maxReconnectInterval
	policy.MaxElapsedTime = 0
	policy.Reset()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(policy.NextBackOff())

		if c.userClosed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			logging.Info().Int("attempt", attempt).Msg("reconnected")
			c.dispatch(smartsocket.EventReconnected, nil, nil)
			return
		}
		logging.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	c.state.Store(int32(smartsocket.ClientClosed))
	c.dispatch(smartsocket.EventMaxReconnect, nil, nil)
}
