package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/gastric-adci/collab-signaling/internal/redis"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256
	storeTimeout   = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// RoomStore persists room registrations and membership outside the process.
type RoomStore interface {
	SaveRoom(ctx context.Context, room models.RoomMetadata) error
	LookupRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, room models.RoomMetadata) error
	AddPeer(ctx context.Context, roomID, peerID string, metadata models.PeerMetadata) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
}

// Hub tracks every signaling connection and the rooms they have joined, and
// relays negotiation messages between them.
type Hub struct {
	store  RoomStore
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	status  string

	pumps sync.WaitGroup
}

// Client represents a WebSocket client connection. Room and metadata fields
// are guarded by Hub.mu.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	roomID      string
	metadata    models.PeerMetadata
	connectedAt time.Time
	lastSeen    time.Time
}

func NewHub(store RoomStore, logger zerolog.Logger) *Hub {
	return &Hub{
		store:   store,
		logger:  logger.With().Str("component", "hub").Logger(),
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		status:  "active",
	}
}

// HandleSignaling upgrades the request and serves one peer connection.
func (h *Hub) HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	now := time.Now().UTC()
	client := &Client{
		ID:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		hub:         h,
		connectedAt: now,
		lastSeen:    now,
	}

	h.mu.Lock()
	if h.status != "active" {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.logger.Info().Str("peer_id", client.ID).Msg("peer connected")

	h.sendTo(client.ID, &models.ConnectionEstablished{
		PeerID:    client.ID,
		Timestamp: timestamp(),
	})

	h.pumps.Add(1)
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Str("peer_id", c.ID).Msg("websocket error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := models.Decode(data)
		if err != nil {
			c.hub.logger.Debug().Err(err).Str("peer_id", c.ID).Msg("malformed message")
			c.hub.sendError(c.ID, "Invalid JSON message")
			continue
		}

		c.hub.route(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.pumps.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug().Err(err).Str("peer_id", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route dispatches one inbound message from c.
func (h *Hub) route(c *Client, msg models.Message) {
	h.mu.Lock()
	c.lastSeen = time.Now().UTC()
	h.mu.Unlock()

	switch m := msg.(type) {
	case *models.JoinRoom:
		h.handleJoinRoom(c, m)
	case *models.LeaveRoom:
		h.handleLeaveRoom(c, m)
	case *models.Offer:
		if m.TargetPeerID == "" || m.Offer.SDP == "" {
			h.sendError(c.ID, "Target peer ID and offer required")
			return
		}
		h.relay(c, m.TargetPeerID, &models.Offer{
			FromPeerID: c.ID,
			Offer:      m.Offer,
			Timestamp:  timestamp(),
		})
	case *models.Answer:
		if m.TargetPeerID == "" || m.Answer.SDP == "" {
			h.sendError(c.ID, "Target peer ID and answer required")
			return
		}
		h.relay(c, m.TargetPeerID, &models.Answer{
			FromPeerID: c.ID,
			Answer:     m.Answer,
			Timestamp:  timestamp(),
		})
	case *models.ICECandidate:
		if m.TargetPeerID == "" {
			h.sendError(c.ID, "Target peer ID required")
			return
		}
		// Candidates can trail a peer's disconnect; drop them quietly.
		if !h.sendTo(m.TargetPeerID, &models.ICECandidate{
			FromPeerID: c.ID,
			Candidate:  m.Candidate,
			Timestamp:  timestamp(),
		}) {
			h.logger.Debug().Str("target_peer_id", m.TargetPeerID).Msg("ICE candidate for disconnected peer")
		}
	case *models.DataSync:
		h.handleDataSync(c, m)
	case *models.Heartbeat:
		h.sendTo(c.ID, &models.HeartbeatAck{Timestamp: timestamp()})
	default:
		h.sendError(c.ID, "Unknown message type: "+string(msg.MessageType()))
	}
}

func (h *Hub) handleJoinRoom(c *Client, m *models.JoinRoom) {
	if m.RoomID == "" {
		h.sendError(c.ID, "Room ID required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	roomID := m.RoomID
	capacity, storedCount := 0, 0
	room, err := h.store.LookupRoom(ctx, m.RoomID)
	switch {
	case err == nil:
		roomID = room.ID
		capacity = room.MaxPeers
		storedCount = room.PeerCount
	case errors.Is(err, redis.ErrRoomNotFound):
		// Unregistered rooms are created on first join.
	default:
		h.logger.Warn().Err(err).Str("room_id", m.RoomID).Msg("room lookup failed, treating room as unregistered")
	}

	metadata := m.Metadata.Normalize()

	h.mu.Lock()
	previousRoom := ""
	if c.roomID != "" && c.roomID != roomID {
		previousRoom = h.leaveRoomLocked(c, models.TypePeerLeft)
	}

	members := h.rooms[roomID]
	_, alreadyMember := members[c.ID]
	if !alreadyMember && capacity > 0 && max(len(members), storedCount) >= capacity {
		h.mu.Unlock()
		h.removeFromStore(previousRoom, c.ID)
		h.sendError(c.ID, "Room is full")
		return
	}

	if members == nil {
		members = make(map[string]*Client)
		h.rooms[roomID] = members
		h.logger.Info().Str("room_id", roomID).Msg("created new room")
	}
	members[c.ID] = c
	c.roomID = roomID
	c.metadata = metadata
	count := len(members)

	h.enqueueLocked(c, &models.RoomJoined{RoomID: roomID, PeerCount: count})
	if !alreadyMember {
		h.broadcastLocked(roomID, c.ID, &models.PeerJoined{
			PeerID:    c.ID,
			Metadata:  &metadata,
			PeerCount: count,
		})
	}
	h.mu.Unlock()

	h.removeFromStore(previousRoom, c.ID)
	if err := h.store.AddPeer(ctx, roomID, c.ID, metadata); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to record peer in store")
	}

	h.logger.Info().
		Str("peer_id", c.ID).
		Str("room_id", roomID).
		Str("user_id", metadata.UserID).
		Int("peer_count", count).
		Msg("peer joined room")
}

func (h *Hub) handleLeaveRoom(c *Client, m *models.LeaveRoom) {
	h.mu.Lock()
	if m.RoomID == "" || c.roomID != m.RoomID {
		h.mu.Unlock()
		return
	}
	roomID := h.leaveRoomLocked(c, models.TypePeerLeft)
	h.mu.Unlock()

	h.removeFromStore(roomID, c.ID)
	h.logger.Info().Str("peer_id", c.ID).Str("room_id", roomID).Msg("peer left room")
}

func (h *Hub) handleDataSync(c *Client, m *models.DataSync) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if c.roomID == "" {
		h.enqueueLocked(c, &models.ErrorMessage{Error: "Not in a room", Timestamp: timestamp()})
		return
	}
	h.broadcastLocked(c.roomID, c.ID, &models.DataSync{
		FromPeerID: c.ID,
		Data:       m.Data,
		SyncType:   m.SyncType,
		Timestamp:  timestamp(),
	})
}

// relay forwards msg to target, replying with an error to c when the target
// is not connected.
func (h *Hub) relay(c *Client, target string, msg models.Message) {
	if !h.sendTo(target, msg) {
		h.sendError(c.ID, "Target peer not found")
		return
	}
	h.logger.Debug().
		Str("type", string(msg.MessageType())).
		Str("from_peer_id", c.ID).
		Str("target_peer_id", target).
		Msg("relayed negotiation message")
}

// leaveRoomLocked removes c from its room and notifies the remaining members
// with a message of type notify. Callers must hold h.mu for writing.
func (h *Hub) leaveRoomLocked(c *Client, notify models.MessageType) string {
	roomID := c.roomID
	if roomID == "" {
		return ""
	}
	c.roomID = ""

	members := h.rooms[roomID]
	if _, ok := members[c.ID]; !ok {
		return roomID
	}
	delete(members, c.ID)
	count := len(members)
	if count == 0 {
		delete(h.rooms, roomID)
		h.logger.Info().Str("room_id", roomID).Msg("removed empty room")
		return roomID
	}

	var msg models.Message = &models.PeerLeft{PeerID: c.ID, PeerCount: count}
	if notify == models.TypePeerDisconnected {
		msg = &models.PeerDisconnected{PeerID: c.ID, PeerCount: count}
	}
	h.broadcastLocked(roomID, c.ID, msg)
	return roomID
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if current, ok := h.clients[c.ID]; !ok || current != c {
		h.mu.Unlock()
		return
	}
	roomID := h.leaveRoomLocked(c, models.TypePeerDisconnected)
	delete(h.clients, c.ID)
	close(c.send)
	h.mu.Unlock()

	h.removeFromStore(roomID, c.ID)
	h.logger.Info().Str("peer_id", c.ID).Msg("cleaned up peer")
}

func (h *Hub) removeFromStore(roomID, peerID string) {
	if roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.RemovePeer(ctx, roomID, peerID); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to remove peer from store")
	}
}

// sendTo queues msg for peerID and reports whether the peer is connected.
func (h *Hub) sendTo(peerID string, msg models.Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[peerID]
	if !ok {
		return false
	}
	return h.enqueueLocked(client, msg)
}

func (h *Hub) sendError(peerID, text string) {
	h.sendTo(peerID, &models.ErrorMessage{Error: text, Timestamp: timestamp()})
}

// enqueueLocked requires h.mu held (read or write) so that the send channel
// cannot be closed concurrently.
func (h *Hub) enqueueLocked(c *Client, msg models.Message) bool {
	data, err := models.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal message")
		return false
	}
	return h.enqueueRawLocked(c, data)
}

func (h *Hub) enqueueRawLocked(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		h.logger.Warn().Str("peer_id", c.ID).Msg("failed to send message to peer, buffer full")
		return false
	}
}

// broadcastLocked sends msg to every member of roomID except excludePeerID
// and returns the number of peers it was queued for.
func (h *Hub) broadcastLocked(roomID, excludePeerID string, msg models.Message) int {
	data, err := models.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal message")
		return 0
	}
	return h.broadcastRawLocked(roomID, excludePeerID, data)
}

func (h *Hub) broadcastRawLocked(roomID, excludePeerID string, data []byte) int {
	notified := 0
	for peerID, client := range h.rooms[roomID] {
		if peerID == excludePeerID {
			continue
		}
		if h.enqueueRawLocked(client, data) {
			notified++
		}
	}
	return notified
}

// Shutdown notifies every peer that the server is going away, closes their
// connections and waits for the write pumps to flush.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.status = "stopped"
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		h.enqueueLocked(client, &models.ServerShutdown{
			Message:   "P2P signaling server is shutting down",
			Timestamp: timestamp(),
		})
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.unregister(client)
	}

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Int("peers", len(clients)).Msg("signaling hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
