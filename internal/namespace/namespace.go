// Package namespace implements the routing scopes of the broker: the
// registry of named namespaces, each with its handler table, ordered
// middleware chain, membership set and room index.
package namespace

import (
	"strings"
	"sync"

	"github.com/erblinkqikuu/smartsocket"
	"github.com/erblinkqikuu/smartsocket/internal/logging"
	"github.com/erblinkqikuu/smartsocket/internal/metrics"
	"github.com/erblinkqikuu/smartsocket/internal/protocol"
)

// Member is the slice of a connected socket the namespace needs for
// fan-out: an identity and a non-blocking enqueue of pre-encoded bytes.
type Member interface {
	ID() string
	EnqueueRaw(data []byte) bool
}

// Registry holds every namespace of a server. Namespaces are registered
// during bootstrap; the root namespace "/" always exists.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
	codec      *protocol.Codec
}

// NewRegistry builds a registry containing the root namespace.
func NewRegistry(codec *protocol.Codec) *Registry {
	r := &Registry{
		namespaces: make(map[string]*Namespace),
		codec:      codec,
	}
	r.GetOrCreate(smartsocket.RootNamespace)
	return r
}

// Get looks a namespace up by path.
func (r *Registry) Get(path string) (*Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[path]
	return ns, ok
}

// GetOrCreate returns the namespace at path, creating it when absent.
// Paths not beginning with "/" are normalised.
func (r *Registry) GetOrCreate(path string) *Namespace {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ns, ok := r.namespaces[path]; ok {
		return ns
	}
	ns := &Namespace{
		path:     path,
		codec:    r.codec,
		handlers: make(map[string]smartsocket.Handler),
		members:  make(map[string]Member),
		rooms:    NewRoomIndex(),
	}
	r.namespaces[path] = ns
	return ns
}

// Root returns the root namespace.
func (r *Registry) Root() *Namespace {
	ns, _ := r.Get(smartsocket.RootNamespace)
	return ns
}

// Namespace is one routing scope. It implements smartsocket.Namespace.
type Namespace struct {
	path  string
	codec *protocol.Codec

	mu         sync.RWMutex
	handlers   map[string]smartsocket.Handler
	middleware []smartsocket.Middleware
	members    map[string]Member

	rooms *RoomIndex
}

// Path returns the namespace path.
func (n *Namespace) Path() string { return n.path }

// On registers the handler for an event name, replacing any previous one.
func (n *Namespace) On(event string, handler smartsocket.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[event] = handler
}

// Use appends a middleware to the chain.
func (n *Namespace) Use(mw smartsocket.Middleware) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.middleware = append(n.middleware, mw)
}

// Handler looks up the handler registered for event.
func (n *Namespace) Handler(event string) (smartsocket.Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[event]
	return h, ok
}

// Middleware returns a snapshot of the chain in registration order.
func (n *Namespace) Middleware() []smartsocket.Middleware {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]smartsocket.Middleware, len(n.middleware))
	copy(out, n.middleware)
	return out
}

// Attach adds a socket to the membership set.
func (n *Namespace) Attach(m Member) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members[m.ID()] = m
}

// Detach removes the socket from the membership set and from every room it
// had joined.
func (n *Namespace) Detach(socketID string) {
	n.rooms.CleanupOnDisconnect(socketID)

	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.members, socketID)
}

// Member looks a member up by socket id.
func (n *Namespace) Member(socketID string) (Member, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	m, ok := n.members[socketID]
	return m, ok
}

// Members returns a snapshot of the membership set.
func (n *Namespace) Members() []Member {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Member, 0, len(n.members))
	for _, m := range n.members {
		out = append(out, m)
	}
	return out
}

// Rooms exposes the room index.
func (n *Namespace) Rooms() *RoomIndex { return n.rooms }

// Emit fans out to every socket in the namespace, sender included.
func (n *Namespace) Emit(event string, data interface{}) error {
	encoded, err := n.encodeEvent(event, data)
	if err != nil {
		return err
	}
	metrics.Broadcasts.WithLabelValues("namespace").Inc()
	for _, m := range n.Members() {
		n.deliver(m, encoded)
	}
	return nil
}

// To scopes a fan-out to one room, sender included.
func (n *Namespace) To(room string) smartsocket.Emitter {
	return &roomEmitter{ns: n, room: room}
}

// ToExcluding scopes a fan-out to one room minus a socket. Backs the
// Socket.To broadcast variant.
func (n *Namespace) ToExcluding(room, socketID string) smartsocket.Emitter {
	return &roomEmitter{ns: n, room: room, exclude: socketID}
}

// emitToRoom encodes once and delivers to the members captured in the room
// snapshot. An empty or missing room is a no-op, logged at warn.
func (n *Namespace) emitToRoom(room, exclude, event string, data interface{}) error {
	ids := n.rooms.Members(room)
	if len(ids) == 0 {
		logging.Warn().
			Str("namespace", n.path).
			Str("room", room).
			Str("event", event).
			Msg("broadcast to empty room")
		return nil
	}

	encoded, err := n.encodeEvent(event, data)
	if err != nil {
		return err
	}
	metrics.Broadcasts.WithLabelValues("room").Inc()
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if m, ok := n.Member(id); ok {
			n.deliver(m, encoded)
		}
	}
	return nil
}

func (n *Namespace) encodeEvent(event string, data interface{}) ([]byte, error) {
	payload, binaryPayload, err := protocol.Marshal(data)
	if err != nil {
		return nil, err
	}
	f := protocol.Frame{
		Type:      protocol.FrameEvent,
		Namespace: n.path,
		Event:     event,
		Payload:   payload,
	}
	if binaryPayload {
		f.Flags |= protocol.FlagBinary
	}
	return n.codec.Encode(&f)
}

func (n *Namespace) deliver(m Member, encoded []byte) {
	if !m.EnqueueRaw(encoded) {
		metrics.DroppedQueueFrames.Inc()
		logging.Warn().
			Str("namespace", n.path).
			Str("socket", m.ID()).
			Msg("send queue full, frame dropped")
		return
	}
	metrics.FramesOut.WithLabelValues("event").Inc()
}

type roomEmitter struct {
	ns      *Namespace
	room    string
	exclude string
}

func (e *roomEmitter) Emit(event string, data interface{}) error {
	return e.ns.emitToRoom(e.room, e.exclude, event, data)
}
