package p2p

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type fakeLink struct {
	mu        sync.Mutex
	connected bool
	sent      []models.Message
}

func (l *fakeLink) Send(msg models.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return false
	}
	l.sent = append(l.sent, msg)
	return true
}

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) State() SignalingState {
	if l.Connected() {
		return SignalingConnected
	}
	return SignalingDisconnected
}

func (l *fakeLink) setConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}

func (l *fakeLink) messages() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Message(nil), l.sent...)
}

func (l *fakeLink) ofType(typ models.MessageType) []models.Message {
	var out []models.Message
	for _, msg := range l.messages() {
		if msg.MessageType() == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (l *fakeLink) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = nil
}

// fakeFactory records every connection it hands out and the order in which
// channels and connections are closed.
type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakePeerConn
	log   []string
	err   error

	// gathered is handed to every new connection.
	gathered []webrtc.ICECandidateInit
}

func (f *fakeFactory) NewPeerConn() (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	conn := &fakePeerConn{factory: f, id: len(f.conns), gathered: f.gathered}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) record(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, entry)
}

func (f *fakeFactory) closeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeFactory) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakePeerConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type fakePeerConn struct {
	factory *fakeFactory
	id      int

	mu         sync.Mutex
	channels   []*fakeChannel
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closes     int

	// gathered is reported through OnICECandidate while the offer or
	// answer is created, as pion does once gathering starts.
	gathered []webrtc.ICECandidateInit

	onICE         func(webrtc.ICECandidateInit)
	onState       func(webrtc.PeerConnectionState)
	onDataChannel func(DataChannel)
}

func (p *fakePeerConn) CreateDataChannel(label string) (DataChannel, error) {
	ch := &fakeChannel{factory: p.factory, label: label, state: ChannelConnecting}
	p.mu.Lock()
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	return ch, nil
}

func (p *fakePeerConn) CreateOffer() (webrtc.SessionDescription, error) {
	p.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (p *fakePeerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	p.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (p *fakePeerConn) gather() {
	p.mu.Lock()
	onICE, gathered := p.onICE, p.gathered
	p.mu.Unlock()
	for _, candidate := range gathered {
		onICE(candidate)
	}
}

func (p *fakePeerConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeerConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeerConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePeerConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeerConn) OnDataChannel(fn func(DataChannel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDataChannel = fn
}

func (p *fakePeerConn) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.factory.record("conn")
	return nil
}

func (p *fakePeerConn) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(state)
}

func (p *fakePeerConn) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeerConn) channel() *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[0]
}

type fakeChannel struct {
	factory *fakeFactory
	label   string

	mu        sync.Mutex
	state     ChannelState
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func (ch *fakeChannel) Label() string { return ch.label }

func (ch *fakeChannel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *fakeChannel) SendText(text string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelOpen {
		return errors.New("channel not open")
	}
	ch.sent = append(ch.sent, text)
	return nil
}

func (ch *fakeChannel) OnOpen(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onOpen = fn
}

func (ch *fakeChannel) OnClose(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onClose = fn
}

func (ch *fakeChannel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onMessage = fn
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	ch.state = ChannelClosed
	ch.mu.Unlock()
	ch.factory.record("channel")
	return nil
}

func (ch *fakeChannel) open() {
	ch.mu.Lock()
	ch.state = ChannelOpen
	fn := ch.onOpen
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (ch *fakeChannel) receive(data string) {
	ch.mu.Lock()
	fn := ch.onMessage
	ch.mu.Unlock()
	fn([]byte(data))
}

func (ch *fakeChannel) sentMessages() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.sent...)
}

// recorder captures every event a connector emits.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

var allEvents = []EventName{
	EventSignalingConnected, EventSignalingDisconnected, EventServerShutdown,
	EventError, EventLocalPeerAssigned, EventRoomJoined, EventRoomLeft,
	EventPeerJoined, EventPeerLeft, EventPeerConnected, EventPeerDisconnected,
	EventConnectionFailed, EventDataChannelOpen, EventDataChannelClosed,
	EventPeerData, EventDataSync,
}

func record(c *Connector) *recorder {
	r := &recorder{}
	for _, name := range allEvents {
		c.On(name, func(e Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
		})
	}
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) named(name EventName) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) waitFor(t *testing.T, name EventName, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if events := r.named(name); len(events) > 0 {
			return events[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", name)
	return Event{}
}

func newTestConnector(t *testing.T, opts Options) (*Connector, *fakeLink, *fakeFactory, *recorder) {
	t.Helper()
	link := &fakeLink{connected: true}
	factory := &fakeFactory{}
	c := newConnector(link, factory, opts, zerolog.Nop())
	return c, link, factory, record(c)
}

// enterRoom assigns the local id and confirms membership of roomID.
func enterRoom(c *Connector, localID, roomID string) {
	c.HandleMessage(&models.ConnectionEstablished{PeerID: localID})
	c.HandleMessage(&models.RoomJoined{RoomID: roomID, PeerCount: 1})
}
