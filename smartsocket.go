package smartsocket

import "context"

// Handler processes an application event dispatched on a namespace.
//
// The first argument is always the socket the frame arrived on. The payload
// is the raw decoded bytes (JSON text unless the sender set the binary flag);
// handlers unmarshal and validate it themselves.
//
// When the sender requested an acknowledgement, ack is non-nil and may be
// called at most once to reply; later calls are no-ops. Handlers that never
// call ack simply let the sender's timeout fire, which is not an error.
//
// Example:
//
//	ns.On("say", func(socket smartsocket.Socket, data []byte, ack smartsocket.AckFunc) {
//	    var msg ChatMessage
//	    if err := json.Unmarshal(data, &msg); err != nil {
//	        return
//	    }
//	    ns.To(msg.Room).Emit("said", msg)
//	})
type Handler func(socket Socket, data []byte, ack AckFunc)

// AckFunc sends the acknowledgement reply for a frame that requested one.
// The value is serialised the same way as any emit payload. One-shot.
type AckFunc func(data interface{}) error

// AckCallback receives the outcome of an emit that requested an
// acknowledgement: either the decoded reply payload, or an error carrying
// the code ERR_ACK_001 when the peer did not answer within the ack timeout.
// Exactly one of the two happens, exactly once.
type AckCallback func(data []byte, err error)

// Middleware runs before any handler on its namespace. It may mutate the
// socket's user data (for example mark it authenticated) and must call next
// exactly once. Passing a non-nil error to next rejects the event: the
// handler is not invoked and the sender receives an ERROR frame naming the
// offending event.
type Middleware func(socket Socket, event string, data []byte, next func(error))

// Emitter is a fan-out target produced by the To selectors on Server,
// Namespace and Socket. Emitting to a missing or empty room is a silent
// no-op, never an error.
type Emitter interface {
	// Emit serialises data and enqueues the resulting frame to every socket
	// the emitter addresses. A []byte value is sent verbatim with the binary
	// flag set; anything else is marshalled to compact JSON.
	Emit(event string, data interface{}) error
}

// Server is a realtime messaging broker accepting WebSocket connections and
// routing application events between them by namespace and room.
//
// Namespaces must be registered before Start; the upgrade URL path selects
// the namespace and unknown paths are rejected.
//
// Example usage:
//
//	import "github.com/erblinkqikuu/smartsocket/ws"
//
//	server, err := ws.New(ws.DefaultConfig(":8080"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	chat := server.Namespace("/chat")
//	chat.On("join", func(socket smartsocket.Socket, data []byte, ack smartsocket.AckFunc) {
//	    socket.Join(string(data))
//	})
//	server.Start(ctx)
type Server interface {
	// Start begins listening for WebSocket upgrades and returns once the
	// listener is up. Cancelling the context while Start is still waiting
	// for the listener stops the server; after Start has returned the
	// context is no longer watched and the server runs until Stop is called.
	//
	// Returns an error if the server is already running or the listen
	// address cannot be bound.
	Start(ctx context.Context) error

	// Stop gracefully shuts the server down, closing every connected socket
	// with a DISCONNECT frame before the HTTP listener terminates.
	Stop(ctx context.Context) error

	// Namespace returns the namespace registered at path, creating it when
	// absent. The root namespace "/" always exists. Registration after Start
	// is not supported; wire all namespaces during bootstrap.
	Namespace(path string) Namespace

	// On registers a server-level fallback handler. It is consulted only
	// when neither the socket's namespace nor the socket itself has a
	// handler for the event.
	On(event string, handler Handler)

	// To addresses exactly one connected socket by id. Emitting to an id
	// that is no longer connected is a silent no-op.
	To(socketID string) Emitter

	// Socket returns the connected socket with the given id.
	Socket(id string) (Socket, bool)
}

// Namespace is a routing scope identified by a path beginning with "/".
// It owns its handler table, its ordered middleware chain and its room
// index; rooms in different namespaces are independent even when they
// share an id.
type Namespace interface {
	// Path returns the namespace path, e.g. "/chat".
	Path() string

	// On registers the handler for an event name. Reserved event names
	// ("connected", "disconnected", "error", rate-limit and heartbeat
	// events) may be observed via On but must not be emitted by
	// applications.
	On(event string, handler Handler)

	// Use appends a middleware to the chain. Middleware run in registration
	// order before every handler dispatch on this namespace.
	Use(mw Middleware)

	// Emit fans out to every socket attached to the namespace, including
	// the sender when called from inside a handler.
	Emit(event string, data interface{}) error

	// To scopes a fan-out to one room. The sender is included when it is a
	// member; use Socket.To for the sender-excluding variant.
	To(room string) Emitter
}

// Socket is one accepted connection, bound to exactly one namespace for its
// whole lifetime. All mutation happens on the server's per-socket worker;
// the accessors are safe to call from handlers and middleware.
type Socket interface {
	// ID returns the socket's stable id, unique for the process lifetime.
	ID() string

	// Namespace returns the path of the namespace the socket is bound to.
	Namespace() string

	// RemoteAddr returns the peer's network address, e.g. "10.0.0.7:52114".
	RemoteAddr() string

	// Context is cancelled when the connection closes. Use it to tie
	// per-connection goroutines to the socket lifetime:
	//
	//	go func() {
	//	    <-socket.Context().Done()
	//	    log.Printf("socket %s gone", socket.ID())
	//	}()
	Context() context.Context

	// Join adds the socket to a room in its namespace. Joining a room the
	// socket is already in is idempotent.
	Join(room string)

	// Leave removes the socket from a room. Leaving a room the socket is
	// not in is a silent no-op.
	Leave(room string)

	// Rooms returns a snapshot of the rooms the socket has joined.
	Rooms() []string

	// Set stores a value in the socket's user-data scratchpad. Typical use
	// is middleware recording authentication state.
	Set(key string, value interface{})

	// Get reads a value from the user-data scratchpad.
	Get(key string) (interface{}, bool)

	// On registers a per-socket handler, consulted when the namespace has
	// no handler for the event.
	On(event string, handler Handler)

	// Emit sends an event to this socket only.
	Emit(event string, data interface{}) error

	// EmitWithAck sends an event and invokes cb with the peer's reply, or
	// with an ack-timeout error when no reply arrives in time.
	EmitWithAck(event string, data interface{}, cb AckCallback) error

	// To fans out to every member of the room except this socket.
	To(room string) Emitter

	// Close terminates the connection. Room membership, namespace
	// membership and pending ack timers owned by this socket are released.
	Close(ctx context.Context) error

	// IsAlive reports whether the connection is still open.
	IsAlive() bool
}

// ClientHandler processes an event delivered to a client. When the server
// requested an acknowledgement, ack is non-nil and one-shot.
type ClientHandler func(data []byte, ack AckFunc)

// ClientState is the client connection lifecycle.
type ClientState int32

const (
	ClientIdle ClientState = iota
	ClientConnecting
	ClientOpen
	ClientReconnecting
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientConnecting:
		return "connecting"
	case ClientOpen:
		return "open"
	case ClientReconnecting:
		return "reconnecting"
	case ClientClosed:
		return "closed"
	}
	return "unknown"
}

// Client is a WebSocket client speaking the same wire protocol as the
// server, with automatic reconnection, heartbeat liveness probing and a
// bounded offline queue for emits made while the transport is down.
//
// Lifecycle events are delivered through On under the reserved names
// "connected", "disconnected", "reconnected" and "max_reconnect_reached".
type Client interface {
	// Connect dials the server and attaches to the configured namespace.
	// The namespace is part of the URL path, never a query parameter.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and disables reconnection. The
	// client moves to ClientClosed and cannot be reused.
	Disconnect() error

	// On registers a handler for an event name or a lifecycle event.
	On(event string, handler ClientHandler)

	// Emit sends an event. While the client is not open the frame is
	// appended to the offline queue and flushed, oldest first, after the
	// next successful reconnect.
	Emit(event string, data interface{}) error

	// EmitWithAck is Emit with an acknowledgement callback. For queued
	// frames the ack timeout starts only when the frame is actually sent.
	EmitWithAck(event string, data interface{}, cb AckCallback) error

	// State returns the current lifecycle state.
	State() ClientState
}
