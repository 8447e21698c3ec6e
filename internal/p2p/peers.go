package p2p

import (
	"fmt"
	"sync"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/pion/webrtc/v4"
)

// NegotiationState is the offer/answer progress of one peer session.
type NegotiationState string

const (
	StateNew            NegotiationState = "new"
	StateOfferCreated   NegotiationState = "offer_created"
	StateOfferReceived  NegotiationState = "offer_received"
	StateAnswerCreated  NegotiationState = "answer_created"
	StateAnswerReceived NegotiationState = "answer_received"
	StateICENegotiating NegotiationState = "ice_negotiating"
	StateConnected      NegotiationState = "connected"
	StateClosed         NegotiationState = "closed"
	StateFailed         NegotiationState = "failed"
)

func (s NegotiationState) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// peerSession is the connection and data channel to one remote peer. All
// fields except conn and closeOnce are guarded by Connector.mu.
type peerSession struct {
	peerID    string
	conn      PeerConn
	channel   DataChannel
	state     NegotiationState
	initiator bool
	timer     *time.Timer

	// Local candidates are held back until the offer or answer they belong
	// to has been sent.
	descriptionSent bool
	outbound        []webrtc.ICECandidateInit

	closeOnce sync.Once
}

// initiateConnection creates the session for a known peer, opens its data
// channel and sends an offer.
func (c *Connector) initiateConnection(peerID string) error {
	c.mu.Lock()
	if _, ok := c.peers[peerID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("initiate connection to %s: %w", peerID, ErrUnknownPeer)
	}
	if _, exists := c.sessions[peerID]; exists {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.factory.NewPeerConn()
	if err != nil {
		c.emitConnectionFailed(peerID, err)
		return err
	}

	session := &peerSession{peerID: peerID, conn: conn, state: StateNew, initiator: true}
	c.watchSession(session)

	channel, err := conn.CreateDataChannel(dataChannelLabel)
	if err != nil {
		conn.Close()
		c.emitConnectionFailed(peerID, err)
		return err
	}
	session.channel = channel
	c.watchChannel(session, channel)

	if err := c.register(session); err != nil {
		c.closeSession(session)
		return err
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		c.failSession(session, err)
		return err
	}
	c.setState(session, StateOfferCreated)

	if !c.link.Send(&models.Offer{TargetPeerID: peerID, Offer: offer}) {
		err := fmt.Errorf("send offer to %s: %w", peerID, ErrNotConnected)
		c.failSession(session, err)
		return err
	}
	c.descriptionSent(session)

	c.logger.Debug().Str("peer_id", peerID).Msg("offer sent")
	return nil
}

// handleOffer answers an offer. Offers are only accepted inside a room; an
// unknown offerer is registered first. When both sides offered at once the
// peer with the smaller id stays the offerer.
func (c *Connector) handleOffer(m *models.Offer) {
	from := m.FromPeerID
	if from == "" {
		c.logger.Warn().Msg("offer without sender")
		return
	}

	c.mu.Lock()
	if c.roomID == "" {
		c.mu.Unlock()
		c.logger.Warn().Str("peer_id", from).Msg("rejecting offer received outside a room")
		return
	}
	if existing := c.sessions[from]; existing != nil &&
		existing.initiator && existing.state != StateConnected && c.localPeerID < from {
		c.mu.Unlock()
		c.logger.Debug().Str("peer_id", from).Msg("ignoring offer, local peer is the offerer")
		return
	}
	registered := c.registerOffererLocked(from)
	replaced := c.detachSessionLocked(from, StateClosed)
	roomID := c.roomID
	c.mu.Unlock()

	if replaced != nil {
		c.logger.Debug().Str("peer_id", from).Msg("replacing existing session with remote offer")
		c.closeSession(replaced)
	}
	if registered {
		c.emit(Event{Name: EventPeerJoined, PeerID: from, RoomID: roomID})
	}

	conn, err := c.factory.NewPeerConn()
	if err != nil {
		c.emitConnectionFailed(from, err)
		return
	}
	session := &peerSession{peerID: from, conn: conn, state: StateOfferReceived}
	c.watchSession(session)

	if err := c.register(session); err != nil {
		c.closeSession(session)
		return
	}

	if err := conn.SetRemoteDescription(m.Offer); err != nil {
		c.failSession(session, err)
		return
	}
	answer, err := conn.CreateAnswer()
	if err != nil {
		c.failSession(session, err)
		return
	}
	c.setState(session, StateAnswerCreated)

	if !c.link.Send(&models.Answer{TargetPeerID: from, Answer: answer}) {
		c.failSession(session, fmt.Errorf("send answer to %s: %w", from, ErrNotConnected))
		return
	}
	c.descriptionSent(session)

	c.logger.Debug().Str("peer_id", from).Msg("answer sent")
}

func (c *Connector) handleAnswer(m *models.Answer) {
	c.mu.Lock()
	session := c.sessions[m.FromPeerID]
	c.mu.Unlock()

	if session == nil || !session.initiator {
		c.logger.Debug().Str("peer_id", m.FromPeerID).Msg("answer without a pending offer")
		return
	}

	if err := session.conn.SetRemoteDescription(m.Answer); err != nil {
		c.failSession(session, err)
		return
	}
	c.setState(session, StateAnswerReceived)
}

func (c *Connector) handleICECandidate(m *models.ICECandidate) {
	c.mu.Lock()
	session := c.sessions[m.FromPeerID]
	c.mu.Unlock()

	if session == nil {
		c.logger.Debug().Str("peer_id", m.FromPeerID).Msg("ICE candidate without a session")
		return
	}
	if err := session.conn.AddICECandidate(m.Candidate); err != nil {
		c.logger.Warn().Err(err).Str("peer_id", m.FromPeerID).Msg("failed to add ICE candidate")
	}
}

// closeConnection closes the session for peerID, if any. It is idempotent.
func (c *Connector) closeConnection(peerID string) {
	c.mu.Lock()
	session := c.detachSessionLocked(peerID, StateClosed)
	c.mu.Unlock()

	if session != nil {
		c.closeSession(session)
	}
}

// register stores session unless the peer left, or another session was
// stored, while session was being built.
func (c *Connector) register(session *peerSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.peers[session.peerID]; !ok {
		return fmt.Errorf("register session for %s: %w", session.peerID, ErrUnknownPeer)
	}
	if _, exists := c.sessions[session.peerID]; exists {
		return fmt.Errorf("session for %s already exists", session.peerID)
	}

	c.sessions[session.peerID] = session
	c.setMemberStateLocked(session.peerID, MemberConnecting)
	if timeout := c.opts.NegotiationTimeout; timeout > 0 {
		session.timer = time.AfterFunc(timeout, func() { c.negotiationTimedOut(session) })
	}
	return nil
}

func (c *Connector) watchSession(session *peerSession) {
	session.conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		c.sendCandidate(session, candidate)
	})
	session.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.handleConnectionState(session, state)
	})
	session.conn.OnDataChannel(func(channel DataChannel) {
		c.adoptChannel(session, channel)
	})
}

func (c *Connector) sendCandidate(session *peerSession, candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.sessions[session.peerID] != session {
		c.mu.Unlock()
		return
	}
	if !session.descriptionSent {
		session.outbound = append(session.outbound, candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.link.Send(&models.ICECandidate{TargetPeerID: session.peerID, Candidate: candidate})
}

// descriptionSent releases the candidates gathered before the offer or
// answer went out.
func (c *Connector) descriptionSent(session *peerSession) {
	c.mu.Lock()
	session.descriptionSent = true
	queued := session.outbound
	session.outbound = nil
	c.mu.Unlock()

	for _, candidate := range queued {
		c.link.Send(&models.ICECandidate{TargetPeerID: session.peerID, Candidate: candidate})
	}
}

func (c *Connector) handleConnectionState(session *peerSession, state webrtc.PeerConnectionState) {
	c.logger.Debug().Str("peer_id", session.peerID).Str("state", state.String()).Msg("peer connection state change")

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		c.mu.Lock()
		if c.sessions[session.peerID] == session && session.state != StateConnected {
			session.state = StateICENegotiating
		}
		c.mu.Unlock()

	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if c.sessions[session.peerID] != session {
			c.mu.Unlock()
			return
		}
		session.state = StateConnected
		if session.timer != nil {
			session.timer.Stop()
		}
		c.setMemberStateLocked(session.peerID, MemberConnected)
		c.mu.Unlock()

		c.logger.Info().Str("peer_id", session.peerID).Msg("peer connected")
		c.emit(Event{Name: EventPeerConnected, PeerID: session.peerID})

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		c.mu.Lock()
		if c.sessions[session.peerID] != session {
			c.mu.Unlock()
			return
		}
		terminal := StateClosed
		if state == webrtc.PeerConnectionStateFailed {
			terminal = StateFailed
		}
		c.detachSessionLocked(session.peerID, terminal)
		c.setMemberStateLocked(session.peerID, MemberDisconnected)
		c.mu.Unlock()

		c.closeSession(session)
		c.logger.Info().Str("peer_id", session.peerID).Str("state", state.String()).Msg("peer connection lost")
		c.emit(Event{Name: EventPeerDisconnected, PeerID: session.peerID})
	}
}

// adoptChannel takes the data channel opened by the offering side.
func (c *Connector) adoptChannel(session *peerSession, channel DataChannel) {
	c.mu.Lock()
	if c.sessions[session.peerID] != session || session.channel != nil {
		c.mu.Unlock()
		channel.Close()
		return
	}
	session.channel = channel
	c.mu.Unlock()

	c.watchChannel(session, channel)
}

func (c *Connector) watchChannel(session *peerSession, channel DataChannel) {
	peerID := session.peerID
	channel.OnOpen(func() {
		c.logger.Debug().Str("peer_id", peerID).Str("label", channel.Label()).Msg("data channel open")
		c.emit(Event{Name: EventDataChannelOpen, PeerID: peerID})
	})
	channel.OnClose(func() {
		c.logger.Debug().Str("peer_id", peerID).Str("label", channel.Label()).Msg("data channel closed")
		c.emit(Event{Name: EventDataChannelClosed, PeerID: peerID})
	})
	channel.OnMessage(func(data []byte) {
		c.handleChannelData(peerID, data)
	})
}

func (c *Connector) negotiationTimedOut(session *peerSession) {
	c.mu.Lock()
	pending := c.sessions[session.peerID] == session && session.state != StateConnected
	c.mu.Unlock()

	if pending {
		c.failSession(session, fmt.Errorf("peer %s: %w", session.peerID, ErrNegotiationTimeout))
	}
}

// failSession closes session and reports connection_failed if it is still
// the current session for its peer.
func (c *Connector) failSession(session *peerSession, err error) {
	c.mu.Lock()
	current := c.sessions[session.peerID] == session
	if current {
		c.detachSessionLocked(session.peerID, StateFailed)
		c.setMemberStateLocked(session.peerID, MemberDisconnected)
	}
	c.mu.Unlock()

	c.closeSession(session)
	if current {
		c.emitConnectionFailed(session.peerID, err)
	}
}

func (c *Connector) emitConnectionFailed(peerID string, err error) {
	c.logger.Warn().Err(err).Str("peer_id", peerID).Msg("peer connection failed")
	c.emit(Event{Name: EventConnectionFailed, PeerID: peerID, Err: err})
}

func (c *Connector) setState(session *peerSession, state NegotiationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[session.peerID] == session && !session.state.terminal() && session.state != StateConnected {
		session.state = state
	}
}

// detachSessionLocked removes the session for peerID from the map and marks
// it with state. Callers must hold c.mu and close the returned session after
// unlocking.
func (c *Connector) detachSessionLocked(peerID string, state NegotiationState) *peerSession {
	session, ok := c.sessions[peerID]
	if !ok {
		return nil
	}
	delete(c.sessions, peerID)
	session.state = state
	if session.timer != nil {
		session.timer.Stop()
	}
	return session
}

// takeSessionsLocked detaches every session. Callers must hold c.mu.
func (c *Connector) takeSessionsLocked() []*peerSession {
	sessions := make([]*peerSession, 0, len(c.sessions))
	for peerID := range c.sessions {
		sessions = append(sessions, c.detachSessionLocked(peerID, StateClosed))
	}
	return sessions
}

// closeSession closes the data channel and then the connection. Only the
// first call has an effect.
func (c *Connector) closeSession(session *peerSession) {
	session.closeOnce.Do(func() {
		c.mu.Lock()
		channel := session.channel
		c.mu.Unlock()

		if channel != nil {
			if err := channel.Close(); err != nil {
				c.logger.Debug().Err(err).Str("peer_id", session.peerID).Msg("closing data channel")
			}
		}
		if err := session.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Str("peer_id", session.peerID).Msg("closing peer connection")
		}
	})
}
