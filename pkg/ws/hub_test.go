package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair opens a loopback WebSocket and returns both ends.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never arrived")
	}
	t.Cleanup(func() { server.Close() })
	return client, server
}

// register wires a fresh loopback connection into the hub and starts its
// write pump. The returned client end observes everything the hub sends.
func register(t *testing.T, hub *Hub, playerID string) (*websocket.Conn, *Connection) {
	t.Helper()
	clientEnd, serverEnd := wsPair(t)
	conn := NewConnection(serverEnd, zerolog.Nop())
	hub.RegisterConnection(playerID, conn)
	go conn.WritePump()
	return clientEnd, conn
}

func readWireMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// assertNoMessage must be the last read on its socket: the expired deadline
// poisons the connection.
func assertNoMessage(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var msg Message
	err := conn.ReadJSON(&msg)
	assert.Error(t, err, "unexpected message %q", msg.Type)
}

func TestSendToPlayer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	clientEnd, _ := register(t, hub, "p1")

	msg, err := NewMessage(TypeScoreUpdate, ScoreUpdatePayload{PlayerID: "p1", Score: 3})
	require.NoError(t, err)
	require.NoError(t, hub.SendToPlayer("p1", msg))

	got := readWireMessage(t, clientEnd)
	assert.Equal(t, TypeScoreUpdate, got.Type)

	assert.ErrorIs(t, hub.SendToPlayer("ghost", msg), ErrConnectionNotFound)
}

func TestBroadcastToRoom(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client1, _ := register(t, hub, "p1")
	client2, _ := register(t, hub, "p2")
	client3, _ := register(t, hub, "p3")

	hub.JoinRoom("room-1", "p1")
	hub.JoinRoom("room-1", "p2")
	hub.JoinRoom("room-1", "p1") // duplicate join must not double deliveries

	msg, err := NewMessage(TypeGameStart, GameStartPayload{StartTime: 12345})
	require.NoError(t, err)
	require.NoError(t, hub.BroadcastToRoom("room-1", msg))

	assert.Equal(t, TypeGameStart, readWireMessage(t, client1).Type)
	assert.Equal(t, TypeGameStart, readWireMessage(t, client2).Type)

	// Outsiders and duplicate joins get nothing further.
	assertNoMessage(t, client3)
	assertNoMessage(t, client1)
}

func TestBroadcastToClosedRoom(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client1, _ := register(t, hub, "p1")

	hub.JoinRoom("room-1", "p1")
	hub.CloseRoom("room-1")

	msg, _ := NewMessage(TypeGameEnd, nil)
	require.NoError(t, hub.BroadcastToRoom("room-1", msg), "a closed room has nobody to fail on")
	assertNoMessage(t, client1)
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, conn1 := register(t, hub, "p1")
	_, conn2 := register(t, hub, "p1")

	assert.Equal(t, 1, hub.ConnectionCount())
	assert.True(t, hub.IsConnected("p1"))

	msg, _ := NewMessage(TypeError, ErrorPayload{Message: "x"})
	assert.ErrorIs(t, conn1.Send(msg), ErrConnectionClosed, "the replaced socket is closed")
	assert.NoError(t, conn2.Send(msg))
}

func TestUnregisterIgnoresStaleConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, conn1 := register(t, hub, "p1")
	_, conn2 := register(t, hub, "p1")

	// The replaced socket's teardown must not evict the live replacement.
	assert.False(t, hub.UnregisterConnection("p1", conn1))
	assert.True(t, hub.IsConnected("p1"))

	assert.True(t, hub.UnregisterConnection("p1", conn2))
	assert.False(t, hub.IsConnected("p1"))
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestUnregisterClearsRoomMembership(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, conn := register(t, hub, "p1")
	client2, _ := register(t, hub, "p2")

	hub.JoinRoom("room-1", "p1")
	hub.JoinRoom("room-1", "p2")
	require.True(t, hub.UnregisterConnection("p1", conn))

	msg, _ := NewMessage(TypeOpponentDisconnect, nil)
	require.NoError(t, hub.BroadcastToRoom("room-1", msg),
		"the departed player is out of the room, so nothing fails")
	assert.Equal(t, TypeOpponentDisconnect, readWireMessage(t, client2).Type)
}

func TestConnectionSendAfterClose(t *testing.T) {
	_, serverEnd := wsPair(t)
	conn := NewConnection(serverEnd, zerolog.Nop())

	conn.Close()
	conn.Close() // idempotent

	msg, _ := NewMessage(TypeError, ErrorPayload{Message: "x"})
	assert.ErrorIs(t, conn.Send(msg), ErrConnectionClosed)
}

func TestConnectionSendQueueFull(t *testing.T) {
	_, serverEnd := wsPair(t)
	conn := NewConnection(serverEnd, zerolog.Nop())
	// No write pump: the queue only fills.

	msg, _ := NewMessage(TypeScoreUpdate, ScoreUpdatePayload{PlayerID: "p", Score: 1})
	for i := 0; i < 256; i++ {
		require.NoError(t, conn.Send(msg))
	}
	assert.ErrorIs(t, conn.Send(msg), ErrSendQueueFull)
}

func TestReadPumpDeliversToHandler(t *testing.T) {
	clientEnd, serverEnd := wsPair(t)
	conn := NewConnection(serverEnd, zerolog.Nop())

	received := make(chan Message, 4)
	done := make(chan struct{})
	go func() {
		conn.ReadPump(func(msg Message) error {
			received <- msg
			return nil
		})
		close(done)
	}()

	msg, err := NewMessage(TypeJoinMatchmaking, JoinMatchmakingPayload{Difficulty: DifficultyEasy})
	require.NoError(t, err)
	require.NoError(t, clientEnd.WriteJSON(msg))

	select {
	case got := <-received:
		assert.Equal(t, TypeJoinMatchmaking, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("the handler never saw the message")
	}

	// The pump exits when the peer hangs up.
	clientEnd.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump never exited")
	}
}
