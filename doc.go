// Package smartsocket is a bidirectional realtime messaging broker built on
// the WebSocket transport. A single server process accepts many long-lived
// connections, multiplexes them by namespace and room, and routes
// application events between clients with optional per-frame
// acknowledgements.
//
// # Architecture
//
// Connections bind to a namespace selected by the upgrade URL path. Each
// namespace owns a handler table, an ordered middleware chain and a room
// index; handlers fan events back out with namespace-, room- or
// socket-scoped emits. The wire format is a compact binary frame with
// optional DEFLATE compression and optional AES-256-CBC encryption of the
// payload.
//
// # Quick Start
//
//	import (
//	    "github.com/erblinkqikuu/smartsocket"
//	    "github.com/erblinkqikuu/smartsocket/ws"
//	)
//
//	server, err := ws.New(ws.DefaultConfig(":8080"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chat := server.Namespace("/chat")
//	chat.On("say", func(socket smartsocket.Socket, data []byte, ack smartsocket.AckFunc) {
//	    chat.To("lobby").Emit("said", data)
//	})
//
//	server.Start(ctx)
//
// # Wire Protocol
//
// Every frame carries a one-byte version, a frame type, a flag byte
// (compressed, encrypted, ack-requested, binary payload), the namespace
// path, the event name, an optional 32-bit ack id and the payload:
//
//	[ver:1][type:1][flags:1][ns_len:2][ns][evt_len:2][evt][ack_id:4]?[payload_len:4][payload]
//
// Payloads above the compression threshold (default 1 KiB) are DEFLATE
// compressed; when encryption is enabled the payload is enciphered after
// compression with a fresh IV per frame. Decompressed payloads are capped
// at 16 MiB.
//
// # Acknowledgements
//
// An emit may carry a callback. The runtime allocates a monotonically
// increasing 32-bit id, arms a timer (default 30 s) and routes the matching
// ACK frame, or the timeout, to the callback: exactly one of the two
// happens, exactly once. Receiver-side ack functions are one-shot.
//
// # Rate Limiting
//
// Each socket has a sliding-window limiter plus optional per-event
// overrides. Denied frames are dropped and answered with a __rate-limited__
// event naming the offending event and the retry delay; denials never close
// the connection.
//
// # Client
//
// The client half mirrors the codec and adds reconnection with exponential
// backoff (factor 1.5, capped at 60 s), a bounded offline queue flushed
// oldest-first after reconnect, and a 30-second heartbeat that forces a
// reconnect after three missed answers.
//
// # Important
//
//   - Register namespaces before Start; the upgrade path selects them and
//     unknown paths are rejected.
//   - Handlers run synchronously on the socket's reader: frames from one
//     sender are dispatched in arrival order. Keep handlers short.
//   - DO NOT emit reserved event names ("connected", "disconnected",
//     "error", "__rate-limited__").
//   - Configure CheckOrigin in production (never ws.AllOrigins()).
package smartsocket
