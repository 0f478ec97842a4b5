// Command smartsocketd runs a standalone broker: namespaces from the
// config file, generic room operations (room:join, room:leave, room:emit)
// on every namespace, and a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erblinkqikuu/smartsocket"
	"github.com/erblinkqikuu/smartsocket/internal/config"
	"github.com/erblinkqikuu/smartsocket/internal/logging"
	"github.com/erblinkqikuu/smartsocket/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search smartsocket.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error().Err(err).Msg("configuration failed")
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	srv, err := websocket.New(cfg.ServerConfig())
	if err != nil {
		logging.Error().Err(err).Msg("server setup failed")
		os.Exit(1)
	}

	registerRoomOps(srv.Namespace(smartsocket.RootNamespace))
	for _, path := range cfg.Namespaces {
		registerRoomOps(srv.Namespace(path))
		logging.Info().Str("namespace", path).Msg("namespace registered")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr)
	}

	if err := srv.Start(ctx); err != nil {
		logging.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}

	<-ctx.Done()
	logging.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown failed")
		os.Exit(1)
	}
}

// roomRequest is the payload of the generic room operations.
type roomRequest struct {
	Room  string          `json:"room"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// registerRoomOps wires the built-in room management events so the daemon
// is a usable relay broker without embedding application code:
//
//	room:join  {room}              join the room
//	room:leave {room}              leave the room
//	room:emit  {room, event, data} relay to the room, sender excluded
func registerRoomOps(ns smartsocket.Namespace) {
	ns.On("room:join", func(socket smartsocket.Socket, data []byte, ack smartsocket.AckFunc) {
		var req roomRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
			return
		}
		socket.Join(req.Room)
		if ack != nil {
			ack(map[string]bool{"ok": true})
		}
	})

	ns.On("room:leave", func(socket smartsocket.Socket, data []byte, ack smartsocket.AckFunc) {
		var req roomRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
			return
		}
		socket.Leave(req.Room)
		if ack != nil {
			ack(map[string]bool{"ok": true})
		}
	})

	ns.On("room:emit", func(socket smartsocket.Socket, data []byte, ack smartsocket.AckFunc) {
		var req roomRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Room == "" || req.Event == "" {
			return
		}
		err := socket.To(req.Room).Emit(req.Event, req.Data)
		if ack != nil {
			ack(map[string]bool{"ok": err == nil})
		}
	})
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logging.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error().Err(err).Msg("metrics server failed")
	}
}
