package server

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialMetricsStream(t *testing.T) *websocket.Conn {
	t.Helper()
	ln := startAPI(t, serverOpts{})
	d := websocket.Dialer{
		NetDial: func(string, string) (net.Conn, error) { return ln.Dial() },
	}
	conn, _, err := d.Dial("ws://test/metrics/stream", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMetricsStream_SubscribeFilters(t *testing.T) {
	conn := dialMetricsStream(t)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":  "subscribe",
		"metrics": []string{"requests"},
	}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Contains(t, doc, "requests")
	assert.Contains(t, doc, "timestamp")
	assert.NotContains(t, doc, "streaming")
}

func TestMetricsStream_Ping(t *testing.T) {
	conn := dialMetricsStream(t)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg map[string]string
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg["type"])
}

func TestWSCommandSectionAlias(t *testing.T) {
	var cmd wsCommand
	require.NoError(t, json.Unmarshal([]byte(`{"action":"subscribe","metrics":["requests"]}`), &cmd))
	assert.Equal(t, []string{"requests"}, cmd.filterSet())

	cmd = wsCommand{}
	require.NoError(t, json.Unmarshal([]byte(`{"action":"subscribe","sections":["errors"]}`), &cmd))
	assert.Equal(t, []string{"errors"}, cmd.filterSet())

	cmd = wsCommand{}
	require.NoError(t, json.Unmarshal([]byte(`{"action":"unsubscribe"}`), &cmd))
	assert.Empty(t, cmd.filterSet())
}
