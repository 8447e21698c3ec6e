package p2p

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// dataChannelLabel is the label of the single channel opened per peer.
const dataChannelLabel = "gastric-adci-data"

// ChannelState is the lifecycle of a data channel.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosed     ChannelState = "closed"
)

// DataChannel is the part of a WebRTC data channel the connector uses.
type DataChannel interface {
	Label() string
	State() ChannelState
	SendText(text string) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func(data []byte))
	Close() error
}

// PeerConn is a negotiated transport to one remote peer. CreateOffer and
// CreateAnswer also apply the description they return as the local one.
type PeerConn interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnDataChannel(func(DataChannel))
	Close() error
}

// PeerConnFactory creates peer connections.
type PeerConnFactory interface {
	NewPeerConn() (PeerConn, error)
}

type pionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory returns a factory backed by pion. Loopback candidates are
// needed when both peers run on one host, which is the case in tests.
func NewPionFactory(stunServers []string, includeLoopback bool) PeerConnFactory {
	settingEngine := webrtc.SettingEngine{}
	if includeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	return &pionFactory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: config,
	}
}

func (f *pionFactory) NewPeerConn() (PeerConn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	return &pionPeerConn{pc: pc}, nil
}

// pionPeerConn buffers remote ICE candidates until the remote description
// has been applied.
type pionPeerConn struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (p *pionPeerConn) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionPeerConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return offer, nil
}

func (p *pionPeerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return answer, nil
}

func (p *pionPeerConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("adding buffered ICE candidate: %w", err)
		}
	}
	return nil
}

func (p *pionPeerConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (p *pionPeerConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (p *pionPeerConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConn) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionDataChannel{dc: dc})
	})
}

func (p *pionPeerConn) Close() error {
	return p.pc.Close()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string { return d.dc.Label() }

func (d *pionDataChannel) State() ChannelState {
	switch d.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return ChannelClosed
	default:
		return ChannelConnecting
	}
}

func (d *pionDataChannel) SendText(text string) error { return d.dc.SendText(text) }

func (d *pionDataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *pionDataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *pionDataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *pionDataChannel) Close() error { return d.dc.Close() }
