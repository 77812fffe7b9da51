package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefloor/internal/auth"
	"tradefloor/internal/models"
)

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func TestPublishReachesSessionClients(t *testing.T) {
	authService := auth.NewService("test-secret")
	hub := NewHub(authService)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	token, err := authService.IssueToken("u1", "session-1", models.RolePlayer)
	require.NoError(t, err)
	conn := dial(t, srv, token)

	// The connection registers asynchronously; wait for the room to exist.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.rooms["session-1"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish("session-1", "price-updated", map[string]any{"price": 42.0})

	ev := readEvent(t, conn)
	assert.Equal(t, "price-updated", ev.Event)
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.0, data["price"])
}

func TestPublishScopedToSession(t *testing.T) {
	authService := auth.NewService("test-secret")
	hub := NewHub(authService)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	tokenA, err := authService.IssueToken("u1", "session-a", models.RolePlayer)
	require.NoError(t, err)
	tokenB, err := authService.IssueToken("u2", "session-b", models.RolePlayer)
	require.NoError(t, err)
	connA := dial(t, srv, tokenA)
	connB := dial(t, srv, tokenB)

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.rooms["session-a"]) == 1 && len(hub.rooms["session-b"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish("session-a", "round-started", nil)

	ev := readEvent(t, connA)
	assert.Equal(t, "round-started", ev.Event)

	// The other session's client sees nothing.
	require.NoError(t, connB.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = connB.ReadMessage()
	assert.Error(t, err)
}

func TestServeHTTP_RejectsBadToken(t *testing.T) {
	hub := NewHub(auth.NewService("test-secret"))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestPublishToEmptyRoom(t *testing.T) {
	hub := NewHub(auth.NewService("test-secret"))
	// No clients attached; publishing is a no-op, not a panic.
	hub.Publish("nobody-home", "session-updated", nil)
}
