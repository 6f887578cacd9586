package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"planningpoker/protocol"
)

// HubConfig holds connection limits and timeouts for realtime clients.
type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	OpTimeout       time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		OpTimeout:       5 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Hub fans realtime signals out to every connection joined to a session.
// It is built once at startup and shared by the websocket route and the
// game service.
type Hub struct {
	presence   *PresenceTracker
	relay      Relay
	clock      clockwork.Clock
	config     HubConfig
	upgrader   websocket.Upgrader
	instanceID string

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	mutex   sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	done       chan struct{}
	closeOnce  sync.Once
}

// delivery is one frame bound for a room, or for a single client when target is set.
type delivery struct {
	sessionID          string
	data               []byte
	exclude            *Client
	excludeParticipant string
	target             *Client
}

// NewHub builds a hub. relay may be nil, in which case signals stay inside
// this process.
func NewHub(presence *PresenceTracker, relay Relay, clock clockwork.Clock, config HubConfig) *Hub {
	return &Hub{
		presence: presence,
		relay:    relay,
		clock:    clock,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		instanceID: uuid.NewString(),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery, 1024),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	if h.relay != nil {
		if err := h.relay.Subscribe(ctx, h.onRelay); err != nil {
			log.Error().Err(err).Msg("relay subscription failed, signals stay local")
		}
	}

	log.Info().Str("instance_id", h.instanceID).Msg("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("realtime hub shutting down")
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()
			log.Debug().Str("connection_id", client.id).Int("total_clients", total).Msg("client registered")

			// Pumps start only once the client is known, so a join frame always
			// finds it registered.
			go client.writePump()
			go client.readPump()

		case client := <-h.unregister:
			h.drop(client)

		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	h.mutex.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.mutex.Unlock()
}

// ServeWS upgrades the request and starts the connection's pumps. The
// connection joins a session only once it sends a join message.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{
		hub:    h,
		id:     uuid.NewString(),
		socket: conn,
		send:   make(chan []byte, h.config.SendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return errors.New("hub is not running")
	}

	log.Info().Str("connection_id", client.id).Str("remote_addr", r.RemoteAddr).Msg("websocket connection established")
	return nil
}

// deliver writes a frame to its targets. Sends happen under the read lock so
// they cannot race the close in drop; slow clients are dropped afterwards.
func (h *Hub) deliver(d delivery) {
	var slow []*Client

	h.mutex.RLock()
	if d.target != nil {
		if h.clients[d.target] {
			if !trySend(d.target, d.data) {
				slow = append(slow, d.target)
			}
		}
	} else {
		for client := range h.rooms[d.sessionID] {
			if client == d.exclude {
				continue
			}
			if d.excludeParticipant != "" && client.participantID == d.excludeParticipant {
				continue
			}
			if !trySend(client, d.data) {
				slow = append(slow, client)
			}
		}
	}
	h.mutex.RUnlock()

	for _, client := range slow {
		log.Warn().Str("connection_id", client.id).Msg("client send buffer full, closing connection")
		h.drop(client)
	}
}

func trySend(client *Client, data []byte) bool {
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// drop removes the client from the hub and closes its send channel, which
// makes the write pump close the socket.
func (h *Hub) drop(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	h.leaveRoomLocked(client)
	close(client.send)
}

func (h *Hub) leaveRoomLocked(client *Client) {
	room, ok := h.rooms[client.sessionID]
	if !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.sessionID)
	}
}

// enqueue hands a delivery to the run loop.
func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.done:
	default:
		log.Warn().Str("session_id", d.sessionID).Msg("broadcast channel full, dropping message")
	}
}

// Broadcast sends a message to every connection in the session except
// exclude, and publishes it to other hub instances through the relay.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, t protocol.Type, payload interface{}, exclude *Client) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode broadcast")
		return
	}

	h.enqueue(delivery{sessionID: sessionID, data: data, exclude: exclude})
	h.publish(ctx, RelayMessage{SessionID: sessionID, Data: data})

	log.Debug().Str("session_id", sessionID).Str("type", string(t)).Msg("message broadcast")
}

// NotifyStateChanged signals the session that its document changed. Every
// connection of excludeParticipantID is skipped so writers are not echoed.
func (h *Hub) NotifyStateChanged(ctx context.Context, sessionID, excludeParticipantID string) {
	payload := protocol.StateChanged{SessionID: sessionID, Timestamp: h.clock.Now().UnixMilli()}
	data, err := protocol.Encode(protocol.TypeStateChanged, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode state change")
		return
	}

	h.enqueue(delivery{sessionID: sessionID, data: data, excludeParticipant: excludeParticipantID})
	h.publish(ctx, RelayMessage{SessionID: sessionID, ExcludeParticipant: excludeParticipantID, Data: data})
}

func (h *Hub) publish(ctx context.Context, msg RelayMessage) {
	if h.relay == nil {
		return
	}
	msg.Origin = h.instanceID
	if err := h.relay.Publish(ctx, msg); err != nil {
		log.Warn().Err(err).Str("session_id", msg.SessionID).Msg("relay publish failed")
	}
}

// sendTo delivers a message to one client only.
func (h *Hub) sendTo(client *Client, t protocol.Type, payload interface{}) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode message")
		return
	}
	h.enqueue(delivery{target: client, data: data})
}

func (h *Hub) sendError(client *Client, message string) {
	h.sendTo(client, protocol.TypeError, protocol.Error{Message: message})
}

// onRelay delivers frames published by other hub instances to local rooms.
func (h *Hub) onRelay(msg RelayMessage) {
	if msg.Origin == h.instanceID {
		return
	}
	h.enqueue(delivery{sessionID: msg.SessionID, data: msg.Data, excludeParticipant: msg.ExcludeParticipant})
}

// ConnectionCount returns the number of live connections in a session.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.config.OpTimeout)
}

func (h *Hub) requireSession(ctx context.Context, sessionID string) error {
	ok, err := h.presence.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

// Join binds the connection to a session, records presence and announces the
// participant to the others.
func (h *Hub) Join(ctx context.Context, client *Client, info protocol.Join) error {
	if info.SessionID == "" || info.ParticipantID == "" || info.Username == "" {
		return errors.New("sessionId, participantId and username are required")
	}
	if err := h.requireSession(ctx, info.SessionID); err != nil {
		return err
	}

	if err := h.presence.Heartbeat(ctx, info.ParticipantID, info.SessionID, info.Username, info.IsAdmin); err != nil {
		return err
	}

	h.mutex.Lock()
	if client.sessionID != "" && client.sessionID != info.SessionID {
		h.leaveRoomLocked(client)
	}
	client.sessionID = info.SessionID
	client.participantID = info.ParticipantID
	client.username = info.Username
	client.isAdmin = info.IsAdmin
	if h.rooms[info.SessionID] == nil {
		h.rooms[info.SessionID] = make(map[*Client]bool)
	}
	if h.clients[client] {
		h.rooms[info.SessionID][client] = true
	}
	h.mutex.Unlock()

	active := h.activeCount(ctx, info.SessionID)

	h.sendTo(client, protocol.TypeJoinConfirmed, protocol.JoinConfirmed{
		SessionID:     info.SessionID,
		ParticipantID: info.ParticipantID,
		ActiveCount:   active,
	})
	h.Broadcast(ctx, info.SessionID, protocol.TypeParticipantJoined, protocol.ParticipantJoined{
		Participant: protocol.Participant{
			ID:       info.ParticipantID,
			Username: info.Username,
			IsAdmin:  info.IsAdmin,
		},
		ActiveCount: active,
	}, client)

	log.Info().
		Str("connection_id", client.id).
		Str("session_id", info.SessionID).
		Str("participant_id", info.ParticipantID).
		Int("active", active).
		Msg("participant joined via websocket")
	return nil
}

// Leave removes the participant's presence and tells the rest of the session.
// The connection stays open but is no longer bound to the session.
func (h *Hub) Leave(ctx context.Context, client *Client) {
	h.mutex.Lock()
	sessionID, participantID := client.sessionID, client.participantID
	if sessionID == "" {
		h.mutex.Unlock()
		return
	}
	h.leaveRoomLocked(client)
	client.sessionID = ""
	client.participantID = ""

	// Another tab of the same participant keeps it present.
	stillConnected := false
	for other := range h.rooms[sessionID] {
		if other.participantID == participantID {
			stillConnected = true
			break
		}
	}
	h.mutex.Unlock()

	if !stillConnected {
		if err := h.presence.Remove(ctx, participantID, sessionID); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Str("participant_id", participantID).Msg("failed to remove presence")
		}
	}

	active := h.activeCount(ctx, sessionID)
	h.Broadcast(ctx, sessionID, protocol.TypeParticipantLeft, protocol.ParticipantLeft{
		ParticipantID: participantID,
		ActiveCount:   active,
	}, nil)

	log.Info().
		Str("connection_id", client.id).
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Int("active", active).
		Msg("participant left session")
}

// Heartbeat refreshes presence for the connection and acknowledges it.
func (h *Hub) Heartbeat(ctx context.Context, client *Client, info protocol.Heartbeat) error {
	if info.SessionID == "" || info.ParticipantID == "" {
		return errors.New("sessionId and participantId are required")
	}
	if err := h.requireSession(ctx, info.SessionID); err != nil {
		return err
	}
	if err := h.presence.Heartbeat(ctx, info.ParticipantID, info.SessionID, info.Username, info.IsAdmin); err != nil {
		return err
	}

	h.sendTo(client, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
		Timestamp:     h.clock.Now().UnixMilli(),
		SessionID:     info.SessionID,
		ParticipantID: info.ParticipantID,
	})
	return nil
}

func (h *Hub) activeCount(ctx context.Context, sessionID string) int {
	active, err := h.presence.ListActive(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to count active participants")
		return 0
	}
	return len(active)
}
