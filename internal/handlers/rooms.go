package handlers

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/middleware"
	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/gastric-adci/collab-signaling/internal/redis"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultMaxPeers = 8
	codeChars       = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom registers a room with a join code and a capacity (requires authentication)
func (h *Hub) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if req.MaxPeers == 0 {
		req.MaxPeers = defaultMaxPeers
	}

	room := models.RoomMetadata{
		ID:        uuid.New().String(),
		Code:      generateRoomCode(),
		CreatorID: userID,
		CreatedAt: time.Now().UTC(),
		MaxPeers:  req.MaxPeers,
	}

	if err := h.store.SaveRoom(c.Request.Context(), room); err != nil {
		h.logger.Error().Err(err).Msg("failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.logger.Info().
		Str("room_id", room.ID).
		Str("code", room.Code).
		Str("user_id", userID).
		Msg("room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *Hub) GetRoom(c *gin.Context) {
	room, err := h.store.LookupRoom(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *Hub) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, err := h.store.LookupRoom(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.store.DeleteRoom(c.Request.Context(), *room); err != nil {
		h.logger.Error().Err(err).Msg("failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.logger.Info().Str("room_id", room.ID).Str("user_id", userID).Msg("room deleted")

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// ListPeers reports every connected peer and the size of every active room.
func (h *Hub) ListPeers(c *gin.Context) {
	h.mu.RLock()
	rooms := make(map[string]int, len(h.rooms))
	for roomID, members := range h.rooms {
		rooms[roomID] = len(members)
	}
	peers := make(map[string]models.PeerInfo, len(h.clients))
	for peerID, client := range h.clients {
		peers[peerID] = models.PeerInfo{
			UserID:      client.metadata.UserID,
			UserName:    client.metadata.UserName,
			Room:        client.roomID,
			ConnectedAt: client.connectedAt,
			LastSeen:    client.lastSeen,
		}
	}
	h.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"active_peers":  len(peers),
			"rooms":         rooms,
			"peer_metadata": peers,
		},
	})
}

// BroadcastToRoom relays a JSON message body to every peer in an active
// room (requires authentication).
func (h *Hub) BroadcastToRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Message must be a JSON object"})
		return
	}
	if _, ok := body["type"]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Message type required"})
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	h.mu.RLock()
	_, exists := h.rooms[roomID]
	notified := 0
	if exists {
		notified = h.broadcastRawLocked(roomID, "", data)
	}
	h.mu.RUnlock()

	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Room not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"peers_notified": notified},
	})
}

// Status reports hub-level counters.
func (h *Hub) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.snapshot())
}

func (h *Hub) snapshot() models.ServerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	inRooms := 0
	for _, members := range h.rooms {
		inRooms += len(members)
	}
	return models.ServerStatus{
		Status:            h.status,
		ActiveConnections: len(h.clients),
		ActiveRooms:       len(h.rooms),
		TotalPeersInRooms: inRooms,
	}
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, redis.RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
