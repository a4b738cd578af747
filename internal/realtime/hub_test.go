package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/classpulse/backend/internal/protocol"
)

type recordingDispatcher struct {
	mu           sync.Mutex
	handled      map[string][]protocol.Inbound
	disconnected []string
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{handled: make(map[string][]protocol.Inbound)}
}

func (d *recordingDispatcher) Handle(connID string, msg protocol.Inbound) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handled[connID] = append(d.handled[connID], msg)
}

func (d *recordingDispatcher) Disconnect(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, connID)
}

// connIDFor returns the connection id that sent a join with the given name.
func (d *recordingDispatcher) connIDFor(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, msgs := range d.handled {
		for _, m := range msgs {
			if j, ok := m.(protocol.JoinAsParticipant); ok && j.Name == name {
				return id
			}
		}
	}
	return ""
}

func (d *recordingDispatcher) disconnects() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.disconnected...)
}

func setupHub(t *testing.T) (*Hub, *recordingDispatcher, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	d := newRecordingDispatcher()
	hub.SetDispatcher(d)

	router := gin.New()
	router.GET("/ws", ServeWs(hub, NewUpgrader("*"), hub.logger))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return hub, d, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func join(t *testing.T, conn *websocket.Conn, d *recordingDispatcher, name string) string {
	t.Helper()
	data, _ := json.Marshal(protocol.JoinAsParticipant{Name: name})
	if err := conn.WriteJSON(protocol.Envelope{Event: protocol.EventJoinAsParticipant, Data: data}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var id string
	eventually(t, "join dispatched", func() bool {
		id = d.connIDFor(name)
		return id != ""
	})
	return id
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return env
}

// expectNext asserts the next envelope on conn carries event. Sending a marker
// with SendTo right after a message a connection must not get, then expecting
// the marker, checks absence without a read timeout breaking the conn.
func expectNext(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Event != event {
		t.Fatalf("Expected %s, got %s", event, env.Event)
	}
	return env
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHubDispatchesDecodedMessages(t *testing.T) {
	_, d, url := setupHub(t)
	conn := dial(t, url)

	id := join(t, conn, d, "Alice")
	if id == "" {
		t.Fatal("Expected a connection id")
	}

	if err := conn.WriteJSON(protocol.Envelope{Event: "not_a_real_event"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := conn.WriteJSON(protocol.Envelope{Event: protocol.EventJoinAsPresenter}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	eventually(t, "presenter join", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.handled[id]) == 2
	})

	d.mu.Lock()
	_, ok := d.handled[id][1].(protocol.JoinAsPresenter)
	d.mu.Unlock()
	if !ok {
		t.Error("Expected unknown event to be skipped and presenter join dispatched")
	}
}

func TestHubSendAndBroadcast(t *testing.T) {
	hub, d, url := setupHub(t)
	alice := dial(t, url)
	bob := dial(t, url)
	aliceID := join(t, alice, d, "Alice")
	bobID := join(t, bob, d, "Bob")
	eventually(t, "two connections", func() bool { return hub.ConnectionCount() == 2 })

	hub.SendTo(aliceID, protocol.Kicked{})
	hub.SendTo(bobID, protocol.TimeUp{})
	expectNext(t, alice, protocol.EventKicked)
	expectNext(t, bob, protocol.EventTimeUp)

	hub.Broadcast(protocol.RemainingTimeUpdate{RemainingSeconds: 7})
	for _, conn := range []*websocket.Conn{alice, bob} {
		env := expectNext(t, conn, protocol.EventRemainingTimeUpdate)
		var upd protocol.RemainingTimeUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil || upd.RemainingSeconds != 7 {
			t.Errorf("Unexpected payload %s (%v)", env.Data, err)
		}
	}

	hub.Broadcast(protocol.RosterUpdate{}, aliceID)
	hub.SendTo(aliceID, protocol.TimeUp{})
	expectNext(t, bob, protocol.EventRosterUpdate)
	expectNext(t, alice, protocol.EventTimeUp)

	hub.SendTo("unknown", protocol.Kicked{})
	hub.Broadcast(protocol.RemainingTimeUpdate{RemainingSeconds: 6})
	expectNext(t, alice, protocol.EventRemainingTimeUpdate)
	expectNext(t, bob, protocol.EventRemainingTimeUpdate)
}

func TestHubDisconnect(t *testing.T) {
	hub, d, url := setupHub(t)
	conn := dial(t, url)
	id := join(t, conn, d, "Alice")

	conn.Close()
	eventually(t, "disconnect", func() bool {
		for _, got := range d.disconnects() {
			if got == id {
				return true
			}
		}
		return false
	})
	eventually(t, "unregister", func() bool { return hub.ConnectionCount() == 0 })

	hub.Broadcast(protocol.TimeUp{})
}

func TestUpgraderOrigins(t *testing.T) {
	up := NewUpgrader("http://localhost:3000, http://localhost:3001")

	testCases := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://localhost:3001", true},
		{"http://evil.example", false},
		{"", true},
	}
	for _, tc := range testCases {
		req := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		if got := up.CheckOrigin(req); got != tc.want {
			t.Errorf("CheckOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}

	if !NewUpgrader("*").CheckOrigin(httptest.NewRequest("GET", "/ws", nil)) {
		t.Error("Expected wildcard to allow any origin")
	}
}
