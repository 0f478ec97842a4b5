package ws

import (
	"net/http"
	"time"

	"github.com/erblinkqikuu/smartsocket"
	"github.com/erblinkqikuu/smartsocket/internal/protocol"
	"github.com/erblinkqikuu/smartsocket/internal/websocket"
)

type ServerConfig = *websocket.ServerConfig
type ClientConfig = websocket.ClientConfig
type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn

// New creates a broker server.
//
// Example:
//
//	server, err := ws.New(ws.DefaultConfig(":8080"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	chat := server.Namespace("/chat")
//	chat.On("say", func(socket smartsocket.Socket, data []byte, ack smartsocket.AckFunc) {
//	    chat.To("lobby").Emit("said", data)
//	})
//	server.Start(ctx)
func New(cfg ServerConfig) (smartsocket.Server, error) {
	return websocket.New(cfg)
}

// NewClient creates a broker client.
//
// Example:
//
//	client, err := ws.NewClient(&ws.ClientConfig{URL: "ws://localhost:8080", Namespace: "/chat"})
func NewClient(cfg *ClientConfig) (smartsocket.Client, error) {
	return websocket.NewClient(cfg)
}

// DefaultConfig returns a server configuration with sensible defaults:
// default codec (compress above 1 KiB, no encryption), default rate
// limiting, 60 s idle timeout, 30 s ack timeout.
func DefaultConfig(addr string) ServerConfig {
	return &websocket.ServerConfig{
		Addr:              addr,
		Codec:             protocol.DefaultOptions(),
		ConnectionTimeout: 60 * time.Second,
		AckTimeout:        30 * time.Second,
		RateLimit:         DefaultRateLimitConfig(),
	}
}

// AllOrigins returns a CheckOrigin function that allows every origin.
// Development only; never use it in production.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig allows 100 frames per second per socket.
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit disables the per-socket limiter.
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
