package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// wsCommand is what a /metrics/stream client may send: metric section
// filters or a plain ping. "sections" is accepted as an alias of
// "metrics".
type wsCommand struct {
	Action   string   `json:"action"`
	Metrics  []string `json:"metrics,omitempty"`
	Sections []string `json:"sections,omitempty"`
}

func (c *wsCommand) filterSet() []string {
	if len(c.Metrics) > 0 {
		return c.Metrics
	}
	return c.Sections
}

// handleMetricsStream upgrades to WebSocket and pushes metric snapshots on
// the configured cadence. Clients can narrow the payload with
// {"action":"subscribe","metrics":["requests","kv_cache"]} and reset the
// filter with {"action":"unsubscribe"}.
func (s *Server) handleMetricsStream(ctx *fasthttp.RequestCtx) {
	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		defer conn.Close()

		filter := make(chan []string, 4)
		pings := make(chan struct{}, 1)
		done := make(chan struct{})

		// Reader goroutine: the push loop below is the only writer.
		go func() {
			defer close(done)
			for {
				var cmd wsCommand
				if err := conn.ReadJSON(&cmd); err != nil {
					return
				}
				switch cmd.Action {
				case "subscribe":
					filter <- cmd.filterSet()
				case "unsubscribe":
					filter <- nil
				case "ping":
					select {
					case pings <- struct{}{}:
					default:
					}
				}
			}
		}()

		interval := time.Duration(s.cfg.Metrics.WSPushIntervalSeconds) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var sections []string
		for {
			select {
			case <-done:
				return
			case sections = <-filter:
			case <-pings:
				if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
					return
				}
			case <-ticker.C:
				payload, err := s.metricsPayload(sections)
				if err != nil {
					s.log.Error("metrics_stream_marshal", slog.String("error", err.Error()))
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	})
	if err != nil {
		s.log.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
	}
}

// metricsPayload renders the aggregate snapshot, optionally reduced to the
// requested top-level sections.
func (s *Server) metricsPayload(sections []string) ([]byte, error) {
	snap := s.agg.Snapshot(false)
	if len(sections) == 0 {
		return json.Marshal(snap)
	}
	full, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(full, &doc); err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{"timestamp": doc["timestamp"]}
	for _, name := range sections {
		if v, ok := doc[name]; ok {
			out[name] = v
		}
	}
	return json.Marshal(out)
}
