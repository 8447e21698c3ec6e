package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/models"
)

// SendToPeer delivers payload as JSON over the peer's data channel. It
// returns false when the channel is missing or not open; the peer may become
// reachable again later.
func (c *Connector) SendToPeer(peerID string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("peer_id", peerID).Msg("failed to marshal payload")
		return false
	}
	return c.sendRaw(peerID, data)
}

// Broadcast sends payload to every known peer and returns how many it was
// delivered to.
func (c *Connector) Broadcast(payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal payload")
		return 0
	}

	c.mu.Lock()
	peerIDs := make([]string, 0, len(c.peers))
	for peerID := range c.peers {
		peerIDs = append(peerIDs, peerID)
	}
	c.mu.Unlock()

	delivered := 0
	for _, peerID := range peerIDs {
		if c.sendRaw(peerID, data) {
			delivered++
		}
	}
	return delivered
}

// SyncData sends payload to the rest of the room through the signaling
// server, which is reachable before any data channel has opened.
func (c *Connector) SyncData(payload any, syncType string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sync payload: %w", err)
	}

	c.mu.Lock()
	inRoom := c.roomID != ""
	c.mu.Unlock()
	if !inRoom {
		return ErrNotInRoom
	}

	msg := &models.DataSync{
		Data:      data,
		SyncType:  syncType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !c.link.Send(msg) {
		return fmt.Errorf("sync %s: %w", syncType, ErrNotConnected)
	}
	return nil
}

func (c *Connector) sendRaw(peerID string, data []byte) bool {
	c.mu.Lock()
	var channel DataChannel
	if session := c.sessions[peerID]; session != nil {
		channel = session.channel
	}
	c.mu.Unlock()

	if channel == nil || channel.State() != ChannelOpen {
		return false
	}
	if err := channel.SendText(string(data)); err != nil {
		c.logger.Debug().Err(err).Str("peer_id", peerID).Msg("data channel send failed")
		return false
	}
	return true
}

func (c *Connector) handleChannelData(peerID string, data []byte) {
	if !json.Valid(data) {
		c.logger.Warn().Str("peer_id", peerID).Int("bytes", len(data)).Msg("dropping non-JSON data channel message")
		return
	}
	payload := append(json.RawMessage(nil), data...)
	c.emit(Event{Name: EventPeerData, PeerID: peerID, Payload: payload})
}

func (c *Connector) handleDataSync(m *models.DataSync) {
	c.emit(Event{
		Name:     EventDataSync,
		PeerID:   m.FromPeerID,
		Payload:  m.Data,
		SyncType: m.SyncType,
	})
}
