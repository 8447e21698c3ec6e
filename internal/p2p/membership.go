package p2p

import (
	"fmt"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/models"
)

// MemberState is the local view of a remote room member.
type MemberState string

const (
	MemberJoined       MemberState = "joined"
	MemberConnecting   MemberState = "connecting"
	MemberConnected    MemberState = "connected"
	MemberDisconnected MemberState = "disconnected"
)

type remotePeer struct {
	peerID   string
	metadata *models.PeerMetadata
	state    MemberState
	joinedAt time.Time
}

// JoinRoom asks the signaling server to add the local peer to roomID,
// leaving the current room first. The room is recorded once the server
// confirms with room_joined.
func (c *Connector) JoinRoom(roomID string, metadata models.PeerMetadata) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	if !c.link.Connected() {
		return fmt.Errorf("join room %s: %w", roomID, ErrNotConnected)
	}

	c.mu.Lock()
	current := c.roomID
	c.mu.Unlock()
	if current != "" && current != roomID {
		c.LeaveRoom()
	}

	metadata = metadata.Normalize()

	c.mu.Lock()
	c.desiredRoom = roomID
	c.desiredMetadata = metadata
	c.joinCancelled = false
	c.mu.Unlock()

	if !c.link.Send(&models.JoinRoom{RoomID: roomID, Metadata: metadata}) {
		return fmt.Errorf("join room %s: %w", roomID, ErrNotConnected)
	}

	c.logger.Info().Str("room_id", roomID).Str("user_id", metadata.UserID).Msg("joining room")
	return nil
}

// LeaveRoom closes every peer connection, tells the server and forgets the
// room. A join still awaiting room_joined is cancelled; otherwise it does
// nothing when no room is joined.
func (c *Connector) LeaveRoom() {
	c.mu.Lock()
	roomID := c.roomID
	if roomID == "" {
		if c.desiredRoom != "" {
			c.joinCancelled = true
		}
		c.desiredRoom = ""
		c.mu.Unlock()
		return
	}
	c.desiredRoom = ""
	sessions := c.takeSessionsLocked()
	c.peers = make(map[string]*remotePeer)
	c.roomID = ""
	c.mu.Unlock()

	for _, session := range sessions {
		c.closeSession(session)
	}
	c.link.Send(&models.LeaveRoom{RoomID: roomID})

	c.logger.Info().Str("room_id", roomID).Int("closed_connections", len(sessions)).Msg("left room")
	c.emit(Event{Name: EventRoomLeft, RoomID: roomID})
}

func (c *Connector) handleRoomJoined(m *models.RoomJoined) {
	c.mu.Lock()
	if c.joinCancelled {
		c.joinCancelled = false
		c.mu.Unlock()
		c.logger.Info().Str("room_id", m.RoomID).Msg("leaving room joined after LeaveRoom")
		c.link.Send(&models.LeaveRoom{RoomID: m.RoomID})
		return
	}
	c.roomID = m.RoomID
	if c.desiredRoom != "" {
		c.desiredRoom = m.RoomID
	}
	c.mu.Unlock()

	c.logger.Info().Str("room_id", m.RoomID).Int("peer_count", m.PeerCount).Msg("joined room")
	c.emit(Event{Name: EventRoomJoined, RoomID: m.RoomID})
}

// handlePeerJoined records the newcomer and dials it. Only members already
// in the room are told about a newcomer, so exactly one side offers. A
// repeated peer_joined only refreshes metadata and redials a peer whose
// session has gone.
func (c *Connector) handlePeerJoined(m *models.PeerJoined) {
	if m.PeerID == "" {
		return
	}

	c.mu.Lock()
	if c.roomID == "" || m.PeerID == c.localPeerID {
		c.mu.Unlock()
		c.logger.Debug().Str("peer_id", m.PeerID).Msg("ignoring peer_joined outside a room")
		return
	}
	existing, known := c.peers[m.PeerID]
	if known {
		existing.metadata = m.Metadata
	} else {
		c.peers[m.PeerID] = &remotePeer{
			peerID:   m.PeerID,
			metadata: m.Metadata,
			state:    MemberJoined,
			joinedAt: time.Now(),
		}
	}
	roomID := c.roomID
	c.mu.Unlock()

	if !known {
		c.logger.Info().Str("peer_id", m.PeerID).Int("peer_count", m.PeerCount).Msg("peer joined")
		c.emit(Event{Name: EventPeerJoined, PeerID: m.PeerID, RoomID: roomID, Metadata: m.Metadata})
	}

	if err := c.initiateConnection(m.PeerID); err != nil {
		c.logger.Warn().Err(err).Str("peer_id", m.PeerID).Msg("failed to initiate connection")
	}
}

// handlePeerGone handles both peer_left and peer_disconnected.
func (c *Connector) handlePeerGone(peerID string) {
	c.mu.Lock()
	_, known := c.peers[peerID]
	delete(c.peers, peerID)
	session := c.detachSessionLocked(peerID, StateClosed)
	roomID := c.roomID
	c.mu.Unlock()

	if session != nil {
		c.closeSession(session)
	}
	if known {
		c.logger.Info().Str("peer_id", peerID).Msg("peer left")
		c.emit(Event{Name: EventPeerLeft, PeerID: peerID, RoomID: roomID})
	}
}

// registerOffererLocked makes an offering peer known when the local peer
// joined after it: the joiner is never sent peer_joined for existing
// members. Callers must hold c.mu.
func (c *Connector) registerOffererLocked(peerID string) bool {
	if _, ok := c.peers[peerID]; ok {
		return false
	}
	c.peers[peerID] = &remotePeer{
		peerID:   peerID,
		state:    MemberJoined,
		joinedAt: time.Now(),
	}
	return true
}

func (c *Connector) setMemberStateLocked(peerID string, state MemberState) {
	if peer, ok := c.peers[peerID]; ok {
		peer.state = state
	}
}
