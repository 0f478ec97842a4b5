package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/erblinkqikuu/smartsocket"
	"github.com/erblinkqikuu/smartsocket/internal/logging"
	"github.com/erblinkqikuu/smartsocket/internal/metrics"
	"github.com/erblinkqikuu/smartsocket/internal/namespace"
	"github.com/erblinkqikuu/smartsocket/internal/protocol"
	"github.com/erblinkqikuu/smartsocket/internal/ratelimit"
)

// CheckOriginFn validates the origin of an upgrade request. Return true to
// allow the connection.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn runs after a socket attaches to its namespace and before its
// read loop starts. Keep it short; it blocks the upgrade handler.
type OnConnectFn = func(socket smartsocket.Socket)

// OnDisconnectFn runs when a socket closes. voluntary is true for a
// deliberate close (a close or DISCONNECT frame from the peer, Socket.Close,
// or server shutdown) and false when the transport failed, the heartbeat
// went unanswered or a frame could not be decoded.
type OnDisconnectFn = func(socket smartsocket.Socket, voluntary bool)

// RateLimitConfig configures the per-socket sliding-window limiter.
type RateLimitConfig struct {
	// Enabled turns the limiter on.
	Enabled bool

	// Window and MaxRequests define the default per-socket window.
	Window      time.Duration
	MaxRequests int

	// PerEvent overrides (window, max) for named events. Events without an
	// entry fall through to the default window.
	PerEvent map[string]ratelimit.Config
}

// DefaultRateLimitConfig allows 100 frames per second per socket.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:     true,
		Window:      time.Second,
		MaxRequests: 100,
	}
}

// NoRateLimit disables the limiter.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{Enabled: false}
}

// ServerConfig collects every recognised server option.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080" or "10.0.0.1:8080".
	Addr string

	// MaxConnections caps concurrently open sockets; excess upgrades are
	// rejected with HTTP 503. Zero means unlimited.
	MaxConnections int

	// ConnectionTimeout is how long a socket may stay silent before the
	// server probes it with a heartbeat. Default 60 s.
	ConnectionTimeout time.Duration

	// AckTimeout bounds how long an emit-with-ack waits for the reply.
	// Default 30 s.
	AckTimeout time.Duration

	// Codec carries compression and encryption options.
	Codec protocol.Options

	// RateLimit is the per-socket limiter config. Nil means default.
	RateLimit *RateLimitConfig

	// HandshakePerSecond throttles upgrade attempts server-wide before any
	// socket state is allocated. Zero disables the throttle.
	HandshakePerSecond rate.Limit
	HandshakeBurst     int

	// CheckOrigin validates upgrade origins.
	CheckOrigin CheckOriginFn

	// OnConnect and OnDisconnect observe socket lifecycle. Either may be
	// nil.
	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn
}

func (cfg *ServerConfig) withDefaults() *ServerConfig {
	out := *cfg
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = 60 * time.Second
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 30 * time.Second
	}
	if out.RateLimit == nil {
		out.RateLimit = DefaultRateLimitConfig()
	}
	return &out
}

// Server is the broker runtime. It implements smartsocket.Server.
type Server struct {
	cfg   *ServerConfig
	codec *protocol.Codec

	registry *namespace.Registry
	sockets  sync.Map // socket id -> *Socket
	conns    atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[string]smartsocket.Handler // server-level fallbacks

	server    *http.Server
	handshake *rate.Limiter
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	running bool
}

// New builds a server from cfg. The codec options are validated here so a
// bad key or compression level fails at bootstrap, not at the first frame.
func New(cfg *ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()

	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		codec:    codec,
		registry: namespace.NewRegistry(codec),
		handlers: make(map[string]smartsocket.Handler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	if cfg.HandshakePerSecond > 0 {
		burst := cfg.HandshakeBurst
		if burst <= 0 {
			burst = int(cfg.HandshakePerSecond)
		}
		s.handshake = rate.NewLimiter(cfg.HandshakePerSecond, burst)
	}
	return s, nil
}

// Namespace returns the namespace at path, creating it when absent.
// Register all namespaces before Start.
func (s *Server) Namespace(path string) smartsocket.Namespace {
	return s.registry.GetOrCreate(path)
}

// On registers a server-level fallback handler, consulted only when
// neither the namespace nor the socket handles the event.
func (s *Server) On(event string, handler smartsocket.Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[event] = handler
}

func (s *Server) serverHandler(event string) (smartsocket.Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[event]
	return h, ok
}

// Socket returns the connected socket with the given id.
func (s *Server) Socket(id string) (smartsocket.Socket, bool) {
	if v, ok := s.sockets.Load(id); ok {
		return v.(*Socket), true
	}
	return nil, false
}

// To addresses exactly one connected socket. Emitting to a departed id is
// a silent no-op.
func (s *Server) To(socketID string) smartsocket.Emitter {
	return &socketEmitter{srv: s, id: socketID}
}

type socketEmitter struct {
	srv *Server
	id  string
}

func (e *socketEmitter) Emit(event string, data interface{}) error {
	v, ok := e.srv.sockets.Load(e.id)
	if !ok {
		logging.Warn().Str("socket", e.id).Str("event", event).Msg("emit to unknown socket")
		return nil
	}
	metrics.Broadcasts.WithLabelValues("socket").Inc()
	return v.(*Socket).Emit(event, data)
}

// Handler returns the HTTP handler accepting WebSocket upgrades. The URL
// path, stripped of any query, selects the namespace. Exposed so a daemon
// can mount it next to other endpoints (e.g. /metrics).
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Start begins listening and returns after a 100 ms startup wait, or
// earlier with the listen error. A context cancelled during that wait stops
// the server; after Start has returned the context is no longer watched and
// the server keeps running until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(smartsocket.ErrServerAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())

	s.server = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		logging.Info().Str("addr", s.cfg.Addr).Msg("server listening")
		return nil
	}
}

// Stop closes every socket with a DISCONNECT frame and shuts the HTTP
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.sockets.Range(func(_, value interface{}) bool {
		value.(*Socket).shutdown()
		return true
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleUpgrade admits one WebSocket upgrade: handshake throttle, then
// namespace lookup by path, then the connection cap, and only then the
// actual upgrade and socket allocation.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.handshake != nil && !s.handshake.Allow() {
		metrics.ConnectionsRejected.WithLabelValues("handshake_rate").Inc()
		http.Error(w, smartsocket.CodeRateLimited, http.StatusTooManyRequests)
		return
	}

	// The path, stripped of query, names the namespace.
	ns, ok := s.registry.Get(r.URL.Path)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues("unknown_namespace").Inc()
		logging.Warn().Str("path", r.URL.Path).Msg("upgrade to unknown namespace")
		http.Error(w, smartsocket.CodeUnknownNamespace, http.StatusNotFound)
		return
	}

	if s.cfg.MaxConnections > 0 {
		if s.conns.Add(1) > int64(s.cfg.MaxConnections) {
			s.conns.Add(-1)
			metrics.ConnectionsRejected.WithLabelValues("max_connections").Inc()
			http.Error(w, smartsocket.CodeMaxConnections, http.StatusServiceUnavailable)
			return
		}
	} else {
		s.conns.Add(1)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.conns.Add(-1)
		metrics.ConnectionsRejected.WithLabelValues("handshake_failed").Inc()
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	sock := newSocket(s, ns, conn, r.RemoteAddr)
	s.sockets.Store(sock.ID(), sock)
	ns.Attach(sock)

	metrics.ConnectionsAccepted.Inc()
	metrics.ConnectionsCurrent.Inc()
	logging.Info().
		Str("socket", sock.ID()).
		Str("namespace", ns.Path()).
		Str("remote", sock.RemoteAddr()).
		Msg("socket connected")

	sock.open()
}

// detach removes the socket from the server index and its namespace.
func (s *Server) detach(sock *Socket) {
	sock.ns.Detach(sock.ID())
	s.sockets.Delete(sock.ID())
	s.conns.Add(-1)
	metrics.ConnectionsCurrent.Dec()
}
