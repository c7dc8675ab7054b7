package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T) (*WebSocketHub, *websocket.Conn) {
	t.Helper()
	return dialHubQuery(t, "")
}

func dialHubQuery(t *testing.T, query string) (*WebSocketHub, *websocket.Conn) {
	t.Helper()
	hub := NewWebSocketHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := httptest.NewServer(hub.Handler())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return hub, conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func TestWebSocketHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewWebSocketHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	hub.Broadcast(Event{Type: "test", Data: map[string]interface{}{"message": "hello"}})
	assert.Zero(t, hub.GetClientCount())
}

func TestWebSocketHub_PDEvent(t *testing.T) {
	hub, conn := dialHub(t)

	hub.BroadcastPDEvent(0, pd.Event{
		Address: 101,
		Kind:    pd.EventKeypad,
		Reply:   protocol.Keypad{Reader: 0, Keys: []byte("1")},
		Time:    time.Now(),
	})

	ev := readEvent(t, conn)
	assert.Equal(t, "pd_event", ev["type"])
	data := ev["data"].(map[string]interface{})
	assert.EqualValues(t, 101, data["address"])
	assert.Equal(t, "keypad", data["kind"])
	assert.Equal(t, protocol.ReplyName(protocol.ReplyKeypad), data["reply"])
}

func TestWebSocketHub_StateChange(t *testing.T) {
	hub, conn := dialHub(t)

	hub.BroadcastStateChange(1, pd.Transition{
		Address: 5,
		From:    pd.StateOnline,
		To:      pd.StateOfflineCommFailed,
		Reason:  errors.New("no reply"),
	})

	ev := readEvent(t, conn)
	assert.Equal(t, "pd_state", ev["type"])
	data := ev["data"].(map[string]interface{})
	assert.Equal(t, "ONLINE", data["from"])
	assert.Equal(t, "OFFLINE_COMM_FAILED", data["to"])
	assert.Equal(t, "no reply", data["reason"])
}

func TestWebSocketHub_ClientDisconnect(t *testing.T) {
	hub, conn := dialHub(t)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEvent_Marshal(t *testing.T) {
	event := Event{
		Type:      "pd_state",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"address": 101},
	}
	data, err := event.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"pd_state"`)
}

func TestWebSocketHub_AddressFilter(t *testing.T) {
	hub, conn := dialHubQuery(t, "?address=5")

	hub.BroadcastPDEvent(0, pd.Event{Address: 101, Kind: pd.EventCardRead, Time: time.Now()})
	hub.BroadcastStateChange(1, pd.Transition{Address: 5, From: pd.StateCapCheck, To: pd.StateOnline})
	hub.BroadcastStatusUpdate(nil)

	ev := readEvent(t, conn)
	assert.Equal(t, "pd_state", ev["type"])
	assert.EqualValues(t, 5, ev["data"].(map[string]interface{})["address"])
	assert.Equal(t, "status_update", readEvent(t, conn)["type"])
}

func TestWebSocketHub_RejectsBadAddress(t *testing.T) {
	hub := NewWebSocketHub(nil)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "?address=300")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
