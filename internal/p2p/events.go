package p2p

import (
	"encoding/json"

	"github.com/gastric-adci/collab-signaling/internal/models"
)

// EventName identifies a connector lifecycle event.
type EventName string

const (
	EventSignalingConnected    EventName = "signaling_connected"
	EventSignalingDisconnected EventName = "signaling_disconnected"
	EventServerShutdown        EventName = "server_shutdown"
	EventError                 EventName = "error"
	EventLocalPeerAssigned     EventName = "local_peer_assigned"

	EventRoomJoined EventName = "room_joined"
	EventRoomLeft   EventName = "room_left"
	EventPeerJoined EventName = "peer_joined"
	EventPeerLeft   EventName = "peer_left"

	EventPeerConnected    EventName = "peer_connected"
	EventPeerDisconnected EventName = "peer_disconnected"
	EventConnectionFailed EventName = "connection_failed"

	EventDataChannelOpen   EventName = "data_channel_open"
	EventDataChannelClosed EventName = "data_channel_closed"
	EventPeerData          EventName = "peer_data"
	EventDataSync          EventName = "data_sync"
)

// Event is the payload delivered to subscribers. Only the fields relevant to
// Name are set.
type Event struct {
	Name     EventName
	PeerID   string
	RoomID   string
	Payload  json.RawMessage
	SyncType string
	Metadata *models.PeerMetadata
	Message  string
	Err      error
}
