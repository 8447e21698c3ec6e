package models

import "time"

// RoomMetadata stores information about a registered room. Rooms that are
// joined without being registered have no metadata and no capacity limit.
type RoomMetadata struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	CreatorID string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt time.Time `json:"createdAt"`
	MaxPeers  int       `json:"maxPeers"`
	PeerCount int       `json:"peerCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxPeers int `json:"maxPeers" binding:"omitempty,min=2,max=32"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// PeerInfo is the public view of a connected peer.
type PeerInfo struct {
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	Room        string    `json:"room,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// ServerStatus summarises the signaling hub.
type ServerStatus struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"active_connections"`
	ActiveRooms       int    `json:"active_rooms"`
	TotalPeersInRooms int    `json:"total_peers_in_rooms"`
}
