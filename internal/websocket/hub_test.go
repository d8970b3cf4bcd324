package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canopyhq/canopy/internal/auth"
)

func TestRoomsFor(t *testing.T) {
	tests := []struct {
		name    string
		subject auth.Subject
		want    []string
	}{
		{
			name:    "volunteer joins private room",
			subject: auth.Subject{ID: "v1", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer},
			want:    []string{"global", "volunteer:v1"},
		},
		{
			name:    "admin joins admin room",
			subject: auth.Subject{ID: "a1", Role: auth.RoleAdmin, Type: auth.TypeUser},
			want:    []string{"global", "admins"},
		},
		{
			name:    "plain user only global",
			subject: auth.Subject{ID: "u1", Role: auth.RoleUser, Type: auth.TypeUser},
			want:    []string{"global"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := roomsFor(tc.subject)
			if len(got) != len(tc.want) {
				t.Fatalf("rooms = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("rooms = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := bearerToken(r); got != "abc123" {
		t.Fatalf("header token = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws?token=qp456", nil)
	if got := bearerToken(r); got != "qp456" {
		t.Fatalf("query token = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if got := bearerToken(r); got != "" {
		t.Fatalf("empty token = %q", got)
	}
}

type hubFixture struct {
	hub      *Hub
	verifier *auth.Verifier
	server   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	verifier := auth.NewVerifier("hub-test-secret", time.Hour)
	hub := NewHub(verifier, "")
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)
	return &hubFixture{hub: hub, verifier: verifier, server: server}
}

func (f *hubFixture) dial(t *testing.T, subject auth.Subject) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.Mint(subject, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no event, got %s", raw)
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRejectsMissingCredential(t *testing.T) {
	f := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestTargetedVolunteerDelivery(t *testing.T) {
	f := newHubFixture(t)

	v1 := f.dial(t, auth.Subject{ID: "v1", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer})
	v2 := f.dial(t, auth.Subject{ID: "v2", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer})
	waitForClients(t, f.hub, 2)

	f.hub.ToVolunteer("v1", "new_alert", map[string]string{"alertId": "a1"})

	msg := readEvent(t, v1)
	if msg.Event != "new_alert" {
		t.Fatalf("event = %q", msg.Event)
	}
	expectNoEvent(t, v2)
}

func TestAdminAndGlobalDelivery(t *testing.T) {
	f := newHubFixture(t)

	admin := f.dial(t, auth.Subject{ID: "a1", Role: auth.RoleAdmin, Type: auth.TypeUser})
	volunteer := f.dial(t, auth.Subject{ID: "v1", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer})
	waitForClients(t, f.hub, 2)

	f.hub.ToAdmins("alert_cancelled", map[string]string{"alertId": "a1"})
	msg := readEvent(t, admin)
	if msg.Event != "alert_cancelled" {
		t.Fatalf("event = %q", msg.Event)
	}
	expectNoEvent(t, volunteer)

	f.hub.ToGlobal("alert_resolved", map[string]string{"alertId": "a1"})
	if msg := readEvent(t, admin); msg.Event != "alert_resolved" {
		t.Fatalf("admin global event = %q", msg.Event)
	}
	if msg := readEvent(t, volunteer); msg.Event != "alert_resolved" {
		t.Fatalf("volunteer global event = %q", msg.Event)
	}
}

func TestToVolunteersFansOut(t *testing.T) {
	f := newHubFixture(t)

	v1 := f.dial(t, auth.Subject{ID: "v1", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer})
	v2 := f.dial(t, auth.Subject{ID: "v2", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer})
	v3 := f.dial(t, auth.Subject{ID: "v3", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer})
	waitForClients(t, f.hub, 3)

	f.hub.ToVolunteers([]string{"v1", "v2"}, "alert_accepted", map[string]string{"alertId": "a1"})

	if msg := readEvent(t, v1); msg.Event != "alert_accepted" {
		t.Fatalf("v1 event = %q", msg.Event)
	}
	if msg := readEvent(t, v2); msg.Event != "alert_accepted" {
		t.Fatalf("v2 event = %q", msg.Event)
	}
	expectNoEvent(t, v3)
}

func TestEmitToEmptyRoomIsSilent(t *testing.T) {
	f := newHubFixture(t)
	// Nobody connected; must not panic or block.
	f.hub.ToVolunteer("ghost", "new_alert", map[string]string{"alertId": "a1"})
	f.hub.ToAdmins("alert_cancelled", nil)
	f.hub.ToGlobal("alert_resolved", nil)
}

func TestDeliverDuringDisconnectDoesNotPanic(t *testing.T) {
	verifier := auth.NewVerifier("hub-test-secret", time.Hour)
	hub := NewHub(verifier, "")

	subject := auth.Subject{ID: "v1", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer}
	clients := make([]*Client, 2000)
	for i := range clients {
		clients[i] = &Client{
			hub:     hub,
			send:    make(chan []byte, sendBufferSize),
			done:    make(chan struct{}),
			id:      fmt.Sprintf("c%d", i),
			subject: subject,
			rooms:   roomsFor(subject),
		}
		hub.register(clients[i])
	}

	// An emission racing the disconnects must never send on a closed channel.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, c := range clients {
			hub.unregister(c)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			hub.ToVolunteer("v1", "new_alert", map[string]string{"alertId": "a1"})
		}
	}()
	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("client count after disconnects = %d", got)
	}
}

func TestDisconnectLeavesRooms(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t, auth.Subject{ID: "v1", Role: auth.RoleVolunteer, Type: auth.TypeVolunteer})
	waitForClients(t, f.hub, 1)

	conn.Close()
	waitForClients(t, f.hub, 0)

	f.hub.mu.RLock()
	defer f.hub.mu.RUnlock()
	if len(f.hub.rooms) != 0 {
		t.Fatalf("rooms not cleaned up: %v", f.hub.rooms)
	}
}
