package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/erblinkqikuu/smartsocket"
	"github.com/erblinkqikuu/smartsocket/internal/ack"
	"github.com/erblinkqikuu/smartsocket/internal/logging"
	"github.com/erblinkqikuu/smartsocket/internal/metrics"
	"github.com/erblinkqikuu/smartsocket/internal/namespace"
	"github.com/erblinkqikuu/smartsocket/internal/protocol"
	"github.com/erblinkqikuu/smartsocket/internal/ratelimit"
)

// socketState is the server-side connection lifecycle.
type socketState int32

const (
	stateConnecting socketState = iota
	stateOpen
	stateClosing
	stateClosed
)

const (
	sendQueueSize  = 256
	writeTimeout   = 10 * time.Second
	probeInterval  = 5 * time.Second
	maxProbes      = 3
	connectedEvent = smartsocket.EventConnected
)

// connectPayload is the body of the CONNECT frame the server sends after a
// successful attach.
type connectPayload struct {
	SocketID  string `json:"socketId"`
	Namespace string `json:"namespace"`
}

// Socket is one accepted connection. It implements smartsocket.Socket and
// namespace.Member. Inbound frames dispatch synchronously on the read
// loop, preserving per-sender order; outbound frames funnel through a
// buffered channel drained by a single write pump.
type Socket struct {
	id         string
	srv        *Server
	ns         *namespace.Namespace
	conn       *websocket.Conn
	remoteAddr string

	ctx    context.Context
	cancel context.CancelFunc

	state  atomic.Int32
	sendCh chan []byte

	handlersMu sync.RWMutex
	handlers   map[string]smartsocket.Handler

	data    sync.Map
	limiter *ratelimit.Limiter
	acks    *ack.Table

	lastActivity atomic.Int64 // unix nanos

	closeOnce sync.Once
	voluntary atomic.Bool
}

func newSocket(srv *Server, ns *namespace.Namespace, conn *websocket.Conn, remoteAddr string) *Socket {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Socket{
		id:         uuid.New().String(),
		srv:        srv,
		ns:         ns,
		conn:       conn,
		remoteAddr: remoteAddr,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, sendQueueSize),
		handlers:   make(map[string]smartsocket.Handler),
		acks:       ack.NewTable(srv.cfg.AckTimeout),
	}
	s.state.Store(int32(stateConnecting))
	s.touch()

	if rl := srv.cfg.RateLimit; rl != nil && rl.Enabled {
		s.limiter = ratelimit.New(
			ratelimit.Config{Window: rl.Window, MaxRequests: rl.MaxRequests},
			rl.PerEvent,
		)
	}
	return s
}

// open transitions to Open, announces the socket and starts its pumps.
func (s *Socket) open() {
	s.state.Store(int32(stateOpen))

	go s.writePump()
	go s.heartbeatLoop()

	s.sendFrame(&protocol.Frame{
		Type:      protocol.FrameConnect,
		Namespace: s.ns.Path(),
		Payload:   mustMarshal(connectPayload{SocketID: s.id, Namespace: s.ns.Path()}),
	})

	s.dispatchLifecycle(connectedEvent)
	if s.srv.cfg.OnConnect != nil {
		s.srv.cfg.OnConnect(s)
	}

	go s.readLoop()
}

// ID returns the socket's stable id.
func (s *Socket) ID() string { return s.id }

// Namespace returns the bound namespace path.
func (s *Socket) Namespace() string { return s.ns.Path() }

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() string { return s.remoteAddr }

// Context is cancelled when the socket closes.
func (s *Socket) Context() context.Context { return s.ctx }

// IsAlive reports whether the socket is still open.
func (s *Socket) IsAlive() bool {
	return socketState(s.state.Load()) == stateOpen
}

// Join adds the socket to a room in its namespace.
func (s *Socket) Join(room string) {
	s.ns.Rooms().Join(s.id, room)
}

// Leave removes the socket from a room.
func (s *Socket) Leave(room string) {
	s.ns.Rooms().Leave(s.id, room)
}

// Rooms returns a snapshot of joined rooms.
func (s *Socket) Rooms() []string {
	return s.ns.Rooms().RoomsOf(s.id)
}

// Set stores a user-data value.
func (s *Socket) Set(key string, value interface{}) {
	s.data.Store(key, value)
}

// Get reads a user-data value.
func (s *Socket) Get(key string) (interface{}, bool) {
	return s.data.Load(key)
}

// On registers a per-socket handler, consulted when the namespace has no
// handler for the event.
func (s *Socket) On(event string, handler smartsocket.Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[event] = handler
}

func (s *Socket) handler(event string) (smartsocket.Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[event]
	return h, ok
}

// Emit sends an event to this socket.
func (s *Socket) Emit(event string, data interface{}) error {
	payload, binaryPayload, err := protocol.Marshal(data)
	if err != nil {
		return err
	}
	f := &protocol.Frame{
		Type:      protocol.FrameEvent,
		Namespace: s.ns.Path(),
		Event:     event,
		Payload:   payload,
	}
	if binaryPayload {
		f.Flags |= protocol.FlagBinary
	}
	return s.sendFrame(f)
}

// EmitWithAck sends an event and routes the peer's reply, or the timeout,
// to cb.
func (s *Socket) EmitWithAck(event string, data interface{}, cb smartsocket.AckCallback) error {
	if cb == nil {
		return s.Emit(event, data)
	}
	payload, binaryPayload, err := protocol.Marshal(data)
	if err != nil {
		return err
	}

	id, ok := s.acks.Register(func(reply []byte, err error) {
		if err != nil {
			metrics.AckTimeouts.Inc()
		}
		cb(reply, err)
	})
	if !ok {
		return errors.New(smartsocket.ErrConnectionClosed)
	}

	f := &protocol.Frame{
		Type:      protocol.FrameEvent,
		Flags:     protocol.FlagAckRequested,
		Namespace: s.ns.Path(),
		Event:     event,
		AckID:     id,
		Payload:   payload,
	}
	if binaryPayload {
		f.Flags |= protocol.FlagBinary
	}
	return s.sendFrame(f)
}

// To fans out to a room excluding this socket.
func (s *Socket) To(room string) smartsocket.Emitter {
	return s.ns.ToExcluding(room, s.id)
}

// Close terminates the connection from the application side.
func (s *Socket) Close(ctx context.Context) error {
	s.voluntary.Store(true)
	s.close("closed by application")
	return nil
}

// shutdown is the server-stop path: announce, then close.
func (s *Socket) shutdown() {
	s.sendFrame(&protocol.Frame{Type: protocol.FrameDisconnect, Namespace: s.ns.Path()})
	s.voluntary.Store(true)
	s.close("server shutdown")
}

// EnqueueRaw places pre-encoded bytes on the send queue without blocking.
// Reports false when the socket is closed or the queue is full.
func (s *Socket) EnqueueRaw(data []byte) bool {
	if st := socketState(s.state.Load()); st != stateOpen && st != stateConnecting {
		return false
	}
	select {
	case s.sendCh <- data:
		return true
	default:
		return false
	}
}

func (s *Socket) sendFrame(f *protocol.Frame) error {
	encoded, err := s.srv.codec.Encode(f)
	if err != nil {
		return err
	}
	if !s.EnqueueRaw(encoded) {
		metrics.DroppedQueueFrames.Inc()
		return errors.New(smartsocket.ErrConnectionClosed)
	}
	metrics.FramesOut.WithLabelValues(f.Type.String()).Inc()
	return nil
}

func (s *Socket) sendError(code, message, event string) {
	s.sendFrame(&protocol.Frame{
		Type:      protocol.FrameError,
		Namespace: s.ns.Path(),
		Event:     event,
		Payload:   mustMarshal(smartsocket.ErrorPayload{Code: code, Message: message, Event: event}),
	})
}

func (s *Socket) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Socket) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// readLoop deframes inbound bytes and dispatches them in arrival order.
func (s *Socket) readLoop() {
	defer s.close("transport closed")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.voluntary.Store(true)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("socket", s.id).Msg("unexpected close")
			}
			return
		}
		s.touch()

		frame, err := s.srv.codec.Decode(data)
		if err != nil {
			// Frame-level failures are fatal for the connection: inform the
			// peer, then drop it.
			code := smartsocket.CodeFrameInvalid
			var fe *protocol.FrameError
			if errors.As(err, &fe) {
				code = fe.Code
			}
			metrics.FrameErrors.WithLabelValues(code).Inc()
			logging.Warn().Err(err).Str("socket", s.id).Msg("undecodable frame")
			s.sendError(code, err.Error(), "")
			return
		}
		metrics.FramesIn.WithLabelValues(frame.Type.String()).Inc()

		switch frame.Type {
		case protocol.FrameHeartbeat:
			s.sendFrame(&protocol.Frame{Type: protocol.FrameHeartbeatAck, Namespace: s.ns.Path()})
		case protocol.FrameHeartbeatAck:
			// lastActivity already touched; the probe loop sees it.
		case protocol.FrameAck:
			if !s.acks.Resolve(frame.AckID, frame.Payload) {
				logging.Debug().Str("socket", s.id).Uint32("ack", frame.AckID).Msg(smartsocket.CodeAckUnknownID)
			}
		case protocol.FrameDisconnect:
			s.voluntary.Store(true)
			return
		case protocol.FrameEvent:
			s.dispatchEvent(frame)
		default:
			// CONNECT from a peer is tolerated noise.
			logging.Debug().Str("socket", s.id).Str("type", frame.Type.String()).Msg("ignoring frame")
		}
	}
}

// dispatchEvent runs one inbound event through admission, middleware and
// handler resolution. Runs on the read loop so frames from one sender are
// handled in arrival order.
func (s *Socket) dispatchEvent(frame *protocol.Frame) {
	if s.limiter != nil {
		if allowed, retry := s.limiter.Admit(frame.Event, time.Now()); !allowed {
			metrics.RateLimitDenials.Inc()
			logging.Warn().
				Str("socket", s.id).
				Str("event", frame.Event).
				Dur("retry_after", retry).
				Msg("rate limited")
			s.sendFrame(&protocol.Frame{
				Type:      protocol.FrameEvent,
				Namespace: s.ns.Path(),
				Event:     smartsocket.EventRateLimited,
				Payload: mustMarshal(smartsocket.RateLimitPayload{
					Event:        frame.Event,
					RetryAfterMs: retry.Milliseconds(),
				}),
			})
			return
		}
	}

	if err := s.runMiddleware(frame.Event, frame.Payload); err != nil {
		code := smartsocket.CodeAuthFailed
		var coded *smartsocket.Error
		if errors.As(err, &coded) {
			code = coded.Code
		}
		s.sendError(code, err.Error(), frame.Event)
		return
	}

	handler, ok := s.resolveHandler(frame.Event)
	if !ok {
		// Unknown events are dropped, not errors.
		logging.Debug().Str("socket", s.id).Str("event", frame.Event).Msg("no handler")
		return
	}

	var ackFn smartsocket.AckFunc
	if frame.Flags&protocol.FlagAckRequested != 0 {
		ackFn = s.ackReplier(frame.AckID)
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("socket", s.id).
				Str("event", frame.Event).
				Msg("handler panicked")
		}
	}()
	handler(s, frame.Payload, ackFn)
}

// resolveHandler applies the lookup order: namespace, then socket, then
// server-level fallback.
func (s *Socket) resolveHandler(event string) (smartsocket.Handler, bool) {
	if h, ok := s.ns.Handler(event); ok {
		return h, true
	}
	if h, ok := s.handler(event); ok {
		return h, true
	}
	return s.srv.serverHandler(event)
}

// runMiddleware invokes the namespace chain in order. Each middleware must
// call next synchronously; a non-nil error short-circuits the chain.
func (s *Socket) runMiddleware(event string, payload []byte) error {
	for _, mw := range s.ns.Middleware() {
		var result error
		called := false
		mw(s, event, payload, func(err error) {
			called = true
			result = err
		})
		if !called {
			return errors.New("middleware did not call next")
		}
		if result != nil {
			return result
		}
	}
	return nil
}

// ackReplier builds the one-shot ack function handed to handlers.
func (s *Socket) ackReplier(id uint32) smartsocket.AckFunc {
	var once sync.Once
	return func(data interface{}) error {
		var sendErr error
		fired := false
		once.Do(func() {
			fired = true
			payload, binaryPayload, err := protocol.Marshal(data)
			if err != nil {
				sendErr = err
				return
			}
			f := &protocol.Frame{
				Type:      protocol.FrameAck,
				Namespace: s.ns.Path(),
				AckID:     id,
				Payload:   payload,
			}
			if binaryPayload {
				f.Flags |= protocol.FlagBinary
			}
			sendErr = s.sendFrame(f)
		})
		if !fired {
			return nil
		}
		return sendErr
	}
}

// writePump serialises all writes to the connection and owns its close: on
// shutdown it drains whatever is still queued (final ERROR frames included)
// before the close handshake.
func (s *Socket) writePump() {
	defer s.conn.Close()

	for {
		select {
		case data := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-s.ctx.Done():
			for {
				select {
				case data := <-s.sendCh:
					s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
						return
					}
				default:
					message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

// heartbeatLoop probes a silent socket. After ConnectionTimeout without
// inbound traffic it sends a heartbeat; after maxProbes unanswered probes
// the socket is closed with connection_lost.
func (s *Socket) heartbeatLoop() {
	idleTimeout := s.srv.cfg.ConnectionTimeout
	probes := 0
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			idle := s.idle()
			if idle < idleTimeout {
				probes = 0
				timer.Reset(idleTimeout - idle)
				continue
			}
			if probes >= maxProbes {
				logging.Warn().Str("socket", s.id).Msg(smartsocket.CodeConnectionLost)
				s.sendError(smartsocket.CodeConnectionLost, "no heartbeat answer", "")
				s.close(smartsocket.CodeConnectionLost)
				return
			}
			probes++
			s.sendFrame(&protocol.Frame{Type: protocol.FrameHeartbeat, Namespace: s.ns.Path()})
			timer.Reset(probeInterval)
		}
	}
}

// dispatchLifecycle delivers connected/disconnected to the namespace
// handler table.
func (s *Socket) dispatchLifecycle(event string) {
	handler, ok := s.ns.Handler(event)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("event", event).Msg("lifecycle handler panicked")
		}
	}()
	handler(s, nil, nil)
}

// close tears the socket down exactly once: lifecycle event, room and
// namespace cleanup, ack timer cancellation, transport close.
func (s *Socket) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))

		s.dispatchLifecycle(smartsocket.EventDisconnected)
		s.srv.detach(s)
		s.acks.Close()

		// The write pump drains the queue and closes the transport.
		s.cancel()

		s.state.Store(int32(stateClosed))

		if s.srv.cfg.OnDisconnect != nil {
			s.srv.cfg.OnDisconnect(s, s.voluntary.Load())
		}
		logging.Info().
			Str("socket", s.id).
			Str("namespace", s.ns.Path()).
			Str("reason", reason).
			Bool("voluntary", s.voluntary.Load()).
			Msg("socket disconnected")
	})
}

func mustMarshal(v interface{}) []byte {
	payload, _, err := protocol.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("marshal of internal payload failed")
		return nil
	}
	return payload
}
