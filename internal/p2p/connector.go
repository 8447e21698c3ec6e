// Package p2p connects a peer to the signaling server, tracks the members of
// its room and keeps one WebRTC data channel open to each of them.
package p2p

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gastric-adci/collab-signaling/config"
	"github.com/gastric-adci/collab-signaling/internal/eventbus"
	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected       = errors.New("signaling not connected")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrNotInRoom          = errors.New("not in a room")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrEmptyRoomID        = errors.New("room id required")
)

// signalingLink is the part of the transport the connector sends through.
type signalingLink interface {
	Send(msg models.Message) bool
	Connected() bool
	State() SignalingState
}

// Options tunes connector behaviour that does not concern the transport.
type Options struct {
	// NegotiationTimeout fails sessions that are not connected in time.
	// Zero waits forever.
	NegotiationTimeout time.Duration
	// RejoinOnReconnect joins the last requested room again after the
	// signaling connection is re-established.
	RejoinOnReconnect bool
}

// Status is a snapshot of the connector.
type Status struct {
	PeerID          string         `json:"peer_id"`
	RoomID          string         `json:"room_id"`
	SignalingState  SignalingState `json:"signaling_state"`
	ActivePeers     []string       `json:"active_peers"`
	ConnectedPeers  []string       `json:"connected_peers"`
	ConnectionCount int            `json:"connection_count"`
	ChannelCount    int            `json:"channel_count"`
}

// Connector is the client side of the P2P layer. Create one with New and
// share it with whatever needs to send or observe peer traffic.
type Connector struct {
	link      signalingLink
	transport *Transport
	factory   PeerConnFactory
	bus       *eventbus.Bus[Event]
	opts      Options
	logger    zerolog.Logger

	mu              sync.Mutex
	localPeerID     string
	roomID          string
	desiredRoom     string
	desiredMetadata models.PeerMetadata
	// joinCancelled is set when LeaveRoom runs before room_joined arrives.
	joinCancelled bool
	signalingUp   bool
	peers         map[string]*remotePeer
	sessions      map[string]*peerSession
}

// New builds a connector that signals over a WebSocket to cfg.SignalingURL
// and negotiates pion peer connections. token, when set, is sent as a
// bearer token.
func New(cfg config.PeerConfig, token string, logger zerolog.Logger) *Connector {
	c := newConnector(nil, NewPionFactory(cfg.STUNServers, cfg.IncludeLoopback), Options{
		NegotiationTimeout: cfg.NegotiationTimeout,
		RejoinOnReconnect:  cfg.RejoinOnReconnect,
	}, logger)

	c.transport = NewTransport(TransportConfig{
		URL:                 cfg.SignalingURL,
		Token:               token,
		ReconnectDelay:      cfg.ReconnectDelay,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
	}, c, logger)
	c.link = c.transport
	return c
}

func newConnector(link signalingLink, factory PeerConnFactory, opts Options, logger zerolog.Logger) *Connector {
	return &Connector{
		link:     link,
		factory:  factory,
		bus:      eventbus.New[Event](logger),
		opts:     opts,
		logger:   logger.With().Str("component", "p2p").Logger(),
		peers:    make(map[string]*remotePeer),
		sessions: make(map[string]*peerSession),
	}
}

// Connect opens the signaling connection and waits until it is up or ctx
// is done. Reconnection continues in the background until Disconnect.
func (c *Connector) Connect(ctx context.Context) error {
	if c.transport == nil {
		return ErrNotConnected
	}
	return c.transport.Connect(ctx)
}

// Disconnect closes every peer connection and the signaling connection.
// It is safe to call more than once.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.desiredRoom = ""
	c.mu.Unlock()

	if c.transport != nil {
		c.transport.Close()
	}
	c.reset(nil)
}

// On subscribes handler to name.
func (c *Connector) On(name EventName, handler func(Event)) eventbus.Subscription {
	return c.bus.On(string(name), handler)
}

// Off removes a subscription made with On.
func (c *Connector) Off(name EventName, sub eventbus.Subscription) bool {
	return c.bus.Off(string(name), sub)
}

// Status returns a snapshot of the local peer, its room and its sessions.
// Peer lists are sorted.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		PeerID:          c.localPeerID,
		RoomID:          c.roomID,
		SignalingState:  c.link.State(),
		ActivePeers:     make([]string, 0, len(c.peers)),
		ConnectedPeers:  []string{},
		ConnectionCount: len(c.sessions),
	}
	for peerID := range c.peers {
		status.ActivePeers = append(status.ActivePeers, peerID)
	}
	for peerID, session := range c.sessions {
		if session.state == StateConnected {
			status.ConnectedPeers = append(status.ConnectedPeers, peerID)
		}
		if session.channel != nil {
			status.ChannelCount++
		}
	}
	sort.Strings(status.ActivePeers)
	sort.Strings(status.ConnectedPeers)
	return status
}

// HandleConnected implements Handler.
func (c *Connector) HandleConnected() {
	c.mu.Lock()
	c.signalingUp = true
	c.mu.Unlock()

	c.emit(Event{Name: EventSignalingConnected})
}

// HandleDisconnected implements Handler.
func (c *Connector) HandleDisconnected(err error) {
	c.reset(err)
}

// HandleMessage implements Handler. Messages arrive one at a time in server
// order.
func (c *Connector) HandleMessage(msg models.Message) {
	switch m := msg.(type) {
	case *models.ConnectionEstablished:
		c.handleConnectionEstablished(m)
	case *models.RoomJoined:
		c.handleRoomJoined(m)
	case *models.PeerJoined:
		c.handlePeerJoined(m)
	case *models.PeerLeft:
		c.handlePeerGone(m.PeerID)
	case *models.PeerDisconnected:
		c.handlePeerGone(m.PeerID)
	case *models.Offer:
		c.handleOffer(m)
	case *models.Answer:
		c.handleAnswer(m)
	case *models.ICECandidate:
		c.handleICECandidate(m)
	case *models.DataSync:
		c.handleDataSync(m)
	case *models.HeartbeatAck:
	case *models.ErrorMessage:
		c.logger.Warn().Str("error", m.Error).Msg("signaling server error")
		c.emit(Event{Name: EventError, Message: m.Error})
	case *models.ServerShutdown:
		c.logger.Warn().Str("message", m.Message).Msg("signaling server shutting down")
		c.emit(Event{Name: EventServerShutdown, Message: m.Message})
	default:
		c.logger.Debug().Str("type", string(msg.MessageType())).Msg("ignoring unhandled signaling message")
	}
}

func (c *Connector) handleConnectionEstablished(m *models.ConnectionEstablished) {
	c.mu.Lock()
	c.localPeerID = m.PeerID
	room, metadata := c.desiredRoom, c.desiredMetadata
	rejoin := c.opts.RejoinOnReconnect && room != ""
	c.mu.Unlock()

	c.logger.Info().Str("peer_id", m.PeerID).Msg("local peer id assigned")
	c.emit(Event{Name: EventLocalPeerAssigned, PeerID: m.PeerID})

	if rejoin {
		c.logger.Info().Str("room_id", room).Msg("rejoining room after reconnect")
		c.link.Send(&models.JoinRoom{RoomID: room, Metadata: metadata})
	}
}

// reset drops all session and membership state after the signaling
// connection is lost or closed.
func (c *Connector) reset(err error) {
	c.mu.Lock()
	wasUp := c.signalingUp
	c.signalingUp = false
	c.localPeerID = ""
	c.roomID = ""
	c.joinCancelled = false
	if !c.opts.RejoinOnReconnect {
		c.desiredRoom = ""
	}
	sessions := c.takeSessionsLocked()
	peerIDs := make([]string, 0, len(c.peers))
	for peerID := range c.peers {
		peerIDs = append(peerIDs, peerID)
	}
	c.peers = make(map[string]*remotePeer)
	c.mu.Unlock()

	for _, session := range sessions {
		c.closeSession(session)
	}
	sort.Strings(peerIDs)
	for _, peerID := range peerIDs {
		c.emit(Event{Name: EventPeerDisconnected, PeerID: peerID})
	}
	if wasUp {
		c.emit(Event{Name: EventSignalingDisconnected, Err: err})
	}
}

func (c *Connector) emit(event Event) {
	c.bus.Emit(string(event.Name), event)
}
