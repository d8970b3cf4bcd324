// Package websocket implements the push bus over gorilla/websocket. Subjects
// authenticate with the same bearer credential as the request surface; on
// connect, volunteers join their private room and admins join the shared
// admin room. Delivery is at-most-once per connected subscriber; there is no
// replay, the store remains the system of record.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/canopyhq/canopy/internal/auth"
)

const (
	roomAdmins = "admins"
	roomGlobal = "global"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBufferSize = 256
)

func roomVolunteer(id string) string {
	return "volunteer:" + id
}

// Message is the wire envelope for every push event.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client is one connected subscriber. send is never closed; done signals
// writePump shutdown so that a concurrent deliver can never hit a closed
// channel.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	id      string
	subject auth.Subject
	rooms   []string
}

// Hub maintains connected clients and their room membership.
type Hub struct {
	verifier *auth.Verifier
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	onClientCount func(int)
}

// NewHub builds a hub that authenticates connections with the verifier.
// allowedOrigin restricts browser connections; empty allows all.
func NewHub(verifier *auth.Verifier, allowedOrigin string) *Hub {
	h := &Hub{
		verifier: verifier,
		clients:  make(map[*Client]bool),
		rooms:    make(map[string]map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}
	return h
}

// SetClientCountCallback registers a hook invoked with the client count after
// every connect and disconnect. Used for the connected-clients gauge.
func (h *Hub) SetClientCountCallback(cb func(int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClientCount = cb
}

// HandleWebSocket upgrades the connection after validating the bearer
// credential carried in the Authorization header or the token query param.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	subject, err := h.verifier.Verify(token)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket credential rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		id:      uuid.NewString(),
		subject: subject,
		rooms:   roomsFor(subject),
	}
	h.register(client)

	log.Info().
		Str("client", client.id).
		Str("subject", subject.ID).
		Str("role", subject.Role).
		Msg("WebSocket client connected")

	go client.writePump()
	go client.readPump()
}

// roomsFor derives room membership from the credential subject. Everyone is
// in the global room; volunteers additionally join their private room and
// admins the shared admin room.
func roomsFor(subject auth.Subject) []string {
	rooms := []string{roomGlobal}
	if subject.IsVolunteer() {
		rooms = append(rooms, roomVolunteer(subject.ID))
	}
	if subject.IsAdmin() {
		rooms = append(rooms, roomAdmins)
	}
	return rooms
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if len(header) > len(prefix) && header[:len(prefix)] == prefix {
			return header[len(prefix):]
		}
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	for _, room := range client.rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]bool)
		}
		h.rooms[room][client] = true
	}
	count := len(h.clients)
	cb := h.onClientCount
	h.mu.Unlock()

	if cb != nil {
		cb(count)
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for _, room := range client.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(client.done)
	count := len(h.clients)
	cb := h.onClientCount
	h.mu.Unlock()

	log.Info().Str("client", client.id).Str("subject", client.subject.ID).Msg("WebSocket client disconnected")
	if cb != nil {
		cb(count)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ToVolunteer emits to one volunteer's private room.
func (h *Hub) ToVolunteer(volunteerID, event string, payload any) {
	h.emit(roomVolunteer(volunteerID), event, payload)
}

// ToVolunteers emits to several volunteers' private rooms.
func (h *Hub) ToVolunteers(volunteerIDs []string, event string, payload any) {
	data, ok := marshalMessage(event, payload)
	if !ok {
		return
	}
	for _, id := range volunteerIDs {
		h.deliver(roomVolunteer(id), event, data)
	}
}

// ToAdmins emits to the shared admin room.
func (h *Hub) ToAdmins(event string, payload any) {
	h.emit(roomAdmins, event, payload)
}

// ToGlobal emits to every connected subject.
func (h *Hub) ToGlobal(event string, payload any) {
	h.emit(roomGlobal, event, payload)
}

func (h *Hub) emit(room, event string, payload any) {
	data, ok := marshalMessage(event, payload)
	if !ok {
		return
	}
	h.deliver(room, event, data)
}

// deliver fans a pre-marshaled message out to a room. Unsubscribed rooms are
// skipped silently; a client with a full send buffer is dropped rather than
// allowed to stall the rest of the room.
func (h *Hub) deliver(room, event string, data []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		select {
		case <-client.done:
		case client.send <- data:
		default:
			log.Warn().
				Str("client", client.id).
				Str("event", event).
				Msg("WebSocket send buffer full, dropping client")
			h.unregister(client)
			client.conn.Close()
		}
	}
}

func marshalMessage(event string, payload any) ([]byte, bool) {
	data, err := json.Marshal(Message{Event: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal push message")
		return nil, false
	}
	return data, true
}

// readPump consumes client frames until the connection drops. Inbound
// payloads other than pings are ignored; state changes arrive over the
// request surface, not the socket.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket message")
			continue
		}
		if msg.Event == "ping" {
			if data, ok := marshalMessage("pong", map[string]int64{"timestamp": time.Now().Unix()}); ok {
				select {
				case c.send <- data:
				default:
				}
			}
		}
	}
}

// writePump flushes outbound messages and keeps the connection alive with
// protocol pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Drain anything queued behind the first message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case queued := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
