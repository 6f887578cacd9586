package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planningpoker/protocol"
)

// startHub runs a hub behind an httptest server and returns it with the
// websocket URL to dial.
func startHub(t *testing.T, env *testEnv, relay Relay) (*Hub, string) {
	t.Helper()

	hub := NewHub(env.presence, relay, env.clock, DefaultHubConfig())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWS(w, r); err != nil {
			t.Logf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(func() {
		cancel()
		<-stopped
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, typ protocol.Type, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func expectFrame(t *testing.T, conn *websocket.Conn, typ protocol.Type) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, typ, msg.Type, string(data))
	return msg
}

// seedSession stores an empty session so realtime joins are accepted.
func seedSession(t *testing.T, env *testEnv, id string) {
	t.Helper()
	sess := newSession(id)
	sess.Participants = nil
	require.NoError(t, env.store.Create(context.Background(), sess))
}

func joinHub(t *testing.T, conn *websocket.Conn, sessionID, participantID, username string) protocol.JoinConfirmed {
	t.Helper()
	sendFrame(t, conn, protocol.TypeJoin, protocol.Join{SessionID: sessionID, ParticipantID: participantID, Username: username})
	var confirmed protocol.JoinConfirmed
	require.NoError(t, expectFrame(t, conn, protocol.TypeJoinConfirmed).Into(&confirmed))
	return confirmed
}

func TestHub_JoinSignalLeave(t *testing.T) {
	env := newTestEnv(t, nil)
	seedSession(t, env, "g1")
	hub, url := startHub(t, env, nil)

	alice := dialHub(t, url)
	bob := dialHub(t, url)

	confirmed := joinHub(t, alice, "g1", "p1", "Alice")
	assert.Equal(t, 1, confirmed.ActiveCount)

	confirmed = joinHub(t, bob, "g1", "p2", "Bob")
	assert.Equal(t, 2, confirmed.ActiveCount)

	var joined protocol.ParticipantJoined
	require.NoError(t, expectFrame(t, alice, protocol.TypeParticipantJoined).Into(&joined))
	assert.Equal(t, "p2", joined.Participant.ID)
	assert.Equal(t, "Bob", joined.Participant.Username)
	assert.Equal(t, 2, joined.ActiveCount)
	assert.Equal(t, 2, hub.ConnectionCount("g1"))

	// A change signal reaches the others but is not echoed to the sender.
	sendFrame(t, alice, protocol.TypeStateChanged, protocol.StateChanged{SessionID: "g1"})
	var changed protocol.StateChanged
	require.NoError(t, expectFrame(t, bob, protocol.TypeStateChanged).Into(&changed))
	assert.Equal(t, "g1", changed.SessionID)

	sendFrame(t, alice, protocol.TypeHeartbeat, protocol.Heartbeat{SessionID: "g1", ParticipantID: "p1", Username: "Alice"})
	var ack protocol.HeartbeatAck
	require.NoError(t, expectFrame(t, alice, protocol.TypeHeartbeatAck).Into(&ack))
	assert.Equal(t, testEpoch.UnixMilli(), ack.Timestamp)

	// Server side notifications skip every connection of the writer.
	hub.NotifyStateChanged(context.Background(), "g1", "p2")
	expectFrame(t, alice, protocol.TypeStateChanged)
	sendFrame(t, bob, protocol.TypeHeartbeat, protocol.Heartbeat{SessionID: "g1", ParticipantID: "p2", Username: "Bob"})
	expectFrame(t, bob, protocol.TypeHeartbeatAck)

	require.NoError(t, bob.Close())
	var left protocol.ParticipantLeft
	require.NoError(t, expectFrame(t, alice, protocol.TypeParticipantLeft).Into(&left))
	assert.Equal(t, "p2", left.ParticipantID)
	assert.Equal(t, 1, left.ActiveCount)

	assert.Eventually(t, func() bool { return hub.ConnectionCount("g1") == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestHub_SecondConnectionKeepsPresence(t *testing.T) {
	env := newTestEnv(t, nil)
	seedSession(t, env, "g1")
	_, url := startHub(t, env, nil)
	ctx := context.Background()

	watcher := dialHub(t, url)
	tab1 := dialHub(t, url)
	tab2 := dialHub(t, url)

	joinHub(t, watcher, "g1", "p1", "Alice")
	joinHub(t, tab1, "g1", "p2", "Bob")
	expectFrame(t, watcher, protocol.TypeParticipantJoined)
	joinHub(t, tab2, "g1", "p2", "Bob")
	expectFrame(t, watcher, protocol.TypeParticipantJoined)

	sendFrame(t, tab1, protocol.TypeLeave, protocol.Leave{SessionID: "g1", ParticipantID: "p2"})
	expectFrame(t, watcher, protocol.TypeParticipantLeft)

	active, err := env.presence.ListActive(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, tab2.Close())
	var left protocol.ParticipantLeft
	require.NoError(t, expectFrame(t, watcher, protocol.TypeParticipantLeft).Into(&left))
	assert.Equal(t, 1, left.ActiveCount)
}

func TestHub_RejectsBadFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	seedSession(t, env, "g1")
	_, url := startHub(t, env, nil)

	conn := dialHub(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	expectFrame(t, conn, protocol.TypeError)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	expectFrame(t, conn, protocol.TypeError)

	sendFrame(t, conn, protocol.TypeStateChanged, protocol.StateChanged{SessionID: "g1"})
	expectFrame(t, conn, protocol.TypeError)

	sendFrame(t, conn, protocol.TypeJoin, protocol.Join{SessionID: "g1"})
	expectFrame(t, conn, protocol.TypeError)

	// The connection survives all of the above.
	joinHub(t, conn, "g1", "p1", "Alice")
}

func TestHub_UnknownSessionIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	hub, url := startHub(t, env, nil)
	ctx := context.Background()

	conn := dialHub(t, url)
	sendFrame(t, conn, protocol.TypeJoin, protocol.Join{SessionID: "ghost", ParticipantID: "p1", Username: "Alice"})
	var e protocol.Error
	require.NoError(t, expectFrame(t, conn, protocol.TypeError).Into(&e))
	assert.Contains(t, e.Message, ErrNotFound.Error())

	sendFrame(t, conn, protocol.TypeHeartbeat, protocol.Heartbeat{SessionID: "ghost", ParticipantID: "p1", Username: "Alice"})
	expectFrame(t, conn, protocol.TypeError)

	assert.Zero(t, hub.ConnectionCount("ghost"))
	all, err := env.presence.ListAll(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestHub_JoinWithTakenUsername(t *testing.T) {
	env := newTestEnv(t, nil)
	seedSession(t, env, "g1")
	_, url := startHub(t, env, nil)

	first := dialHub(t, url)
	second := dialHub(t, url)

	joinHub(t, first, "g1", "p1", "Alice")
	sendFrame(t, second, protocol.TypeJoin, protocol.Join{SessionID: "g1", ParticipantID: "p2", Username: "ALICE"})

	var e protocol.Error
	require.NoError(t, expectFrame(t, second, protocol.TypeError).Into(&e))
	assert.Equal(t, ErrUsernameTaken.Error(), e.Message)
}

func TestHub_RelaysAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	env := newTestEnv(t, nil)
	seedSession(t, env, "g1")

	hubA, _ := startHub(t, env, NewRedisRelay(client))
	_, urlB := startHub(t, env, NewRedisRelay(client))

	conn := dialHub(t, urlB)
	joinHub(t, conn, "g1", "p1", "Alice")

	hubA.NotifyStateChanged(context.Background(), "g1", "p9")
	var changed protocol.StateChanged
	require.NoError(t, expectFrame(t, conn, protocol.TypeStateChanged).Into(&changed))
	assert.Equal(t, "g1", changed.SessionID)

	// Exclusions travel with the relayed signal.
	hubA.NotifyStateChanged(context.Background(), "g1", "p1")
	sendFrame(t, conn, protocol.TypeHeartbeat, protocol.Heartbeat{SessionID: "g1", ParticipantID: "p1", Username: "Alice"})
	expectFrame(t, conn, protocol.TypeHeartbeatAck)
}
