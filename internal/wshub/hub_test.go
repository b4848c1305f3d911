package wshub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHub_SendsInitialStateThenBroadcast(t *testing.T) {
	hub := NewHub(func() interface{} {
		return map[string]string{"hello": "world"}
	})
	go hub.Run()
	defer close(hub.broadcast)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var initial Message
	require.NoError(t, conn.ReadJSON(&initial))
	require.Equal(t, "initialState", initial.Type)

	time.Sleep(20 * time.Millisecond)
	hub.BroadcastUsage(map[string]int{"pct": 42})

	var update Message
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, "usageUpdated", update.Type)
}

func TestHub_ClientCountTracksConnections(t *testing.T) {
	hub := NewHub(func() interface{} { return nil })
	go hub.Run()
	defer close(hub.broadcast)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, hub.ClientCount())

	conn.Close()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, hub.ClientCount())
}
