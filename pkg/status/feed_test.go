package status

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fluxorio/ekc/pkg/coordinator"
)

func dialFeed(t *testing.T, f *Feed) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestFeed_BroadcastsEvents(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	a := dialFeed(t, f)
	b := dialFeed(t, f)
	require.Eventually(t, func() bool { return f.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	f.ObserveCoordinator(coordinator.Event{
		Kind:     coordinator.EventCompleted,
		WorkerID: "w-1",
		Index:    4,
		Progress: coordinator.Progress{Total: 10, Dispatched: 5, Completed: 5},
	})

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, "completed", got["kind"])
		require.Equal(t, "w-1", got["worker_id"])
		require.EqualValues(t, 4, got["index"])
	}
}

func TestFeed_ClientDisconnect(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	conn := dialFeed(t, f)
	require.Eventually(t, func() bool { return f.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	// No clients left; must not block or panic.
	f.ObserveCoordinator(coordinator.Event{Kind: coordinator.EventFinished})
}

func TestFeed_CloseDisconnectsClients(t *testing.T) {
	f := NewFeed(nil)
	conn := dialFeed(t, f)
	require.Eventually(t, func() bool { return f.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.Close()
	require.Equal(t, 0, f.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
