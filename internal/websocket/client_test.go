package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/erblinkqikuu/smartsocket"
)

func newTestClient(t *testing.T, ts *testServer, ns string, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := &ClientConfig{
		URL:            ts.url,
		Namespace:      ns,
		AckTimeout:     2 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

// TestDialURLJoin: the namespace is appended to the URL path, never a
// query parameter.
func TestDialURLJoin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		base      string
		namespace string
		want      string
	}{
		{"root namespace", "ws://host:1234", "/", "ws://host:1234/"},
		{"plain namespace", "ws://host:1234", "/chat", "ws://host:1234/chat"},
		{"base with trailing slash", "ws://host:1234/", "/chat", "ws://host:1234/chat"},
		{"base with prefix path", "ws://host:1234/broker", "/chat", "ws://host:1234/broker/chat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := NewClient(&ClientConfig{URL: tt.base, Namespace: tt.namespace})
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			got, err := c.dialURL()
			if err != nil {
				t.Fatalf("dialURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("dialURL = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestClientConnectAndEmit: the happy path end to end through the client
// runtime.
func TestClientConnectAndEmit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ns := ts.srv.Namespace("/chat")

	ns.On("echo", func(socket smartsocket.Socket, data []byte, _ smartsocket.AckFunc) {
		socket.Emit("echoed", json.RawMessage(data))
	})

	c := newTestClient(t, ts, "/chat", nil)

	connected := make(chan struct{}, 1)
	received := make(chan []byte, 1)
	c.On(smartsocket.EventConnected, func(data []byte, _ smartsocket.AckFunc) {
		connected <- struct{}{}
	})
	c.On("echoed", func(data []byte, _ smartsocket.AckFunc) {
		received <- data
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != smartsocket.ClientOpen {
		t.Errorf("state = %v, want open", c.State())
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connected event never fired")
	}

	if err := c.Emit("echo", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case data := <-received:
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if m["text"] != "hi" {
			t.Errorf("payload = %v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("echo never returned")
	}
}

// TestAckRoundTrip: the handler acks, the callback sees the reply, the
// outstanding table empties.
func TestAckRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ns := ts.srv.Namespace("/")
	ns.On("save", func(_ smartsocket.Socket, data []byte, ack smartsocket.AckFunc) {
		if ack == nil {
			t.Error("ack func missing for ack-requested frame")
			return
		}
		ack(map[string]interface{}{"ok": true, "id": 42})
	})

	c := newTestClient(t, ts, "/", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan []byte, 1)
	err := c.EmitWithAck("save", map[string]int{"k": 1}, func(data []byte, err error) {
		if err != nil {
			t.Errorf("ack error = %v", err)
		}
		done <- data
	})
	if err != nil {
		t.Fatalf("EmitWithAck: %v", err)
	}

	select {
	case data := <-done:
		var reply struct {
			OK bool `json:"ok"`
			ID int  `json:"id"`
		}
		if err := json.Unmarshal(data, &reply); err != nil {
			t.Fatalf("reply: %v", err)
		}
		if !reply.OK || reply.ID != 42 {
			t.Errorf("reply = %+v, want ok=true id=42", reply)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ack callback never fired")
	}

	if n := c.acks.Outstanding(); n != 0 {
		t.Errorf("outstanding acks = %d, want 0", n)
	}
}

// TestAckTimeout: a handler that never acks leaves the timeout to fire
// with the stable error code, and the id is freed.
func TestAckTimeout(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.srv.Namespace("/").On("slow", func(smartsocket.Socket, []byte, smartsocket.AckFunc) {
		// Deliberately no ack.
	})

	c := newTestClient(t, ts, "/", func(cfg *ClientConfig) {
		cfg.AckTimeout = 200 * time.Millisecond
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	if err := c.EmitWithAck("slow", nil, func(_ []byte, err error) { done <- err }); err != nil {
		t.Fatalf("EmitWithAck: %v", err)
	}

	select {
	case err := <-done:
		var ackErr *smartsocket.AckError
		if !errors.As(err, &ackErr) {
			t.Fatalf("error = %v, want *AckError", err)
		}
		if ackErr.Code != smartsocket.ErrCodeAckTimeout {
			t.Errorf("code = %q, want %q", ackErr.Code, smartsocket.ErrCodeAckTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	if n := c.acks.Outstanding(); n != 0 {
		t.Errorf("outstanding acks = %d, want 0", n)
	}
}

// TestOfflineQueueFlushOrder: emits made before the transport opens arrive
// in order, ahead of anything emitted after.
func TestOfflineQueueFlushOrder(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	var mu sync.Mutex
	var order []int
	arrived := make(chan struct{}, 16)
	ts.srv.Namespace("/").On("seq", func(_ smartsocket.Socket, data []byte, _ smartsocket.AckFunc) {
		var m struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		mu.Lock()
		order = append(order, m.N)
		mu.Unlock()
		arrived <- struct{}{}
	})

	c := newTestClient(t, ts, "/", nil)

	// Queue three emits while idle.
	for i := 1; i <= 3; i++ {
		if err := c.Emit("seq", map[string]int{"n": i}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Emitted after the flush.
	if err := c.Emit("seq", map[string]int{"n": 4}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for i := 0; i < 4; i++ {
		select {
		case <-arrived:
		case <-deadline:
			t.Fatalf("only %d events arrived", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i+1 {
			t.Fatalf("arrival order = %v, want [1 2 3 4]", order)
		}
	}
}

// TestQueueDropsOldestWhenFull: the bounded queue discards from the front.
func TestQueueDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	c, err := NewClient(&ClientConfig{URL: "ws://unreachable", QueueLimit: 3})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	for i := 1; i <= 5; i++ {
		c.Emit("seq", map[string]int{"n": i})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if len(c.queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(c.queue))
	}
	var first struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(c.queue[0].payload, &first); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if first.N != 3 {
		t.Errorf("oldest surviving entry = %d, want 3", first.N)
	}
}

// TestReconnectAfterServerClose: when the server drops the socket, the
// client reconnects and fires the reconnected event.
func TestReconnectAfterServerClose(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ns := ts.srv.Namespace("/")

	kick := make(chan smartsocket.Socket, 1)
	ns.On("kickme", func(socket smartsocket.Socket, _ []byte, _ smartsocket.AckFunc) {
		kick <- socket
	})

	c := newTestClient(t, ts, "/", nil)

	reconnected := make(chan struct{}, 1)
	c.On(smartsocket.EventReconnected, func([]byte, smartsocket.AckFunc) {
		reconnected <- struct{}{}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Emit("kickme", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case socket := <-kick:
		socket.Close(context.Background())
	case <-time.After(2 * time.Second):
		t.Fatal("kickme never dispatched")
	}

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected")
	}
	if c.State() != smartsocket.ClientOpen {
		t.Errorf("state = %v, want open", c.State())
	}
}

// TestMaxReconnectReached: with the server gone for good the client goes
// terminal after its attempts.
func TestMaxReconnectReached(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	c := newTestClient(t, ts, "/", func(cfg *ClientConfig) {
		cfg.MaxReconnectAttempts = 2
		cfg.ReconnectDelay = 20 * time.Millisecond
	})

	terminal := make(chan struct{}, 1)
	c.On(smartsocket.EventMaxReconnect, func([]byte, smartsocket.AckFunc) {
		terminal <- struct{}{}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Take the server away entirely. Upgraded connections are hijacked, so
	// httptest no longer tracks them; close the server sockets explicitly.
	ts.http.CloseClientConnections()
	ts.http.Close()
	ts.srv.sockets.Range(func(_, v interface{}) bool {
		v.(*Socket).Close(context.Background())
		return true
	})

	select {
	case <-terminal:
	case <-time.After(10 * time.Second):
		t.Fatal("max_reconnect_reached never fired")
	}
	if c.State() != smartsocket.ClientClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
}

// TestServerInitiatedAck: the server emits with an ack, the client handler
// answers, second ack call is a no-op.
func TestServerInitiatedAck(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ns := ts.srv.Namespace("/")

	sockets := make(chan smartsocket.Socket, 1)
	ns.On(smartsocket.EventConnected, func(socket smartsocket.Socket, _ []byte, _ smartsocket.AckFunc) {
		sockets <- socket
	})

	c := newTestClient(t, ts, "/", nil)
	c.On("query", func(data []byte, ack smartsocket.AckFunc) {
		if ack == nil {
			t.Error("ack func missing")
			return
		}
		ack(map[string]string{"answer": "first"})
		ack(map[string]string{"answer": "second"}) // one-shot: ignored
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var socket smartsocket.Socket
	select {
	case socket = <-sockets:
	case <-time.After(2 * time.Second):
		t.Fatal("connected handler never fired")
	}

	replies := make(chan []byte, 2)
	if err := socket.EmitWithAck("query", nil, func(data []byte, err error) {
		if err != nil {
			t.Errorf("ack error = %v", err)
		}
		replies <- data
	}); err != nil {
		t.Fatalf("EmitWithAck: %v", err)
	}

	select {
	case data := <-replies:
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("reply: %v", err)
		}
		if m["answer"] != "first" {
			t.Errorf("answer = %q, want first", m["answer"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ack never arrived")
	}

	select {
	case <-replies:
		t.Fatal("second ack reply arrived; ack func is not one-shot")
	case <-time.After(300 * time.Millisecond):
	}
}

// TestEmitAfterDisconnectFails: a closed client refuses emits.
func TestEmitAfterDisconnectFails(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	c := newTestClient(t, ts, "/", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Emit("e", nil); err == nil {
		t.Fatal("Emit succeeded on a closed client")
	}
	if c.State() != smartsocket.ClientClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
}
