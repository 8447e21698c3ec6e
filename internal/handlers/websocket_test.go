package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gastric-adci/collab-signaling/config"
	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/gastric-adci/collab-signaling/internal/redis"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

type testServer struct {
	hub    *Hub
	store  *redis.Store
	redis  *miniredis.Miniredis
	server *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := redis.NewStore(client, time.Hour)
	hub := NewHub(store, zerolog.Nop())
	cfg := &config.Config{
		Port:           "0",
		AllowedOrigins: []string{"http://localhost:3000"},
		JWTSecret:      testSecret,
	}

	server := httptest.NewServer(NewRouter(cfg, hub, zerolog.Nop()))
	t.Cleanup(server.Close)

	return &testServer{hub: hub, store: store, redis: mr, server: server}
}

type testPeer struct {
	t    *testing.T
	id   string
	conn *websocket.Conn
}

func (s *testServer) dial(t *testing.T) *testPeer {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/p2p/ws/peer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	peer := &testPeer{t: t, conn: conn}
	established := peer.expect(models.TypeConnectionEstablished).(*models.ConnectionEstablished)
	if established.PeerID == "" {
		t.Fatal("connection_established carried no peer id")
	}
	peer.id = established.PeerID
	return peer
}

func (p *testPeer) send(msg models.Message) {
	p.t.Helper()
	data, err := models.Encode(msg)
	if err != nil {
		p.t.Fatalf("encode: %v", err)
	}
	p.sendRaw(data)
}

func (p *testPeer) sendRaw(data []byte) {
	p.t.Helper()
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) next() models.Message {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	msg, err := models.Decode(data)
	if err != nil {
		p.t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func (p *testPeer) expect(typ models.MessageType) models.Message {
	p.t.Helper()
	msg := p.next()
	if msg.MessageType() != typ {
		p.t.Fatalf("expected %s, got %s (%+v)", typ, msg.MessageType(), msg)
	}
	return msg
}

func (p *testPeer) expectError(text string) {
	p.t.Helper()
	msg := p.expect(models.TypeError).(*models.ErrorMessage)
	if msg.Error != text {
		p.t.Fatalf("error = %q, want %q", msg.Error, text)
	}
}

// flush proves that nothing else is queued for p: the heartbeat reply is
// the next message on the connection.
func (p *testPeer) flush() {
	p.t.Helper()
	p.send(&models.Heartbeat{})
	p.expect(models.TypeHeartbeatAck)
}

func (p *testPeer) join(roomID string, meta models.PeerMetadata) *models.RoomJoined {
	p.t.Helper()
	p.send(&models.JoinRoom{RoomID: roomID, Metadata: meta})
	return p.expect(models.TypeRoomJoined).(*models.RoomJoined)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_JoinRoomNotifiesExistingMembers(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t)
	b := s.dial(t)

	joined := a.join("R1", models.PeerMetadata{UserID: "u-a", UserName: "Dr. A"})
	if joined.RoomID != "R1" || joined.PeerCount != 1 {
		t.Fatalf("unexpected room_joined %+v", joined)
	}

	joined = b.join("R1", models.PeerMetadata{})
	if joined.PeerCount != 2 {
		t.Fatalf("peer_count = %d, want 2", joined.PeerCount)
	}

	notice := a.expect(models.TypePeerJoined).(*models.PeerJoined)
	if notice.PeerID != b.id {
		t.Errorf("peer_joined for %q, want %q", notice.PeerID, b.id)
	}
	if notice.Metadata == nil || notice.Metadata.UserName != models.DefaultUserName {
		t.Errorf("metadata not normalized: %+v", notice.Metadata)
	}

	// The joiner is not told about existing members.
	b.flush()

	members, err := s.redis.Members("room:R1:peers")
	if err != nil {
		t.Fatalf("redis members: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 peers recorded in redis, got %v", members)
	}
}

func TestHub_RelaysNegotiation(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t)
	b := s.dial(t)
	a.join("R1", models.PeerMetadata{})
	b.join("R1", models.PeerMetadata{})
	a.expect(models.TypePeerJoined)

	a.send(&models.Offer{TargetPeerID: b.id, Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}})
	offer := b.expect(models.TypeOffer).(*models.Offer)
	if offer.FromPeerID != a.id || offer.Offer.SDP != "offer-sdp" {
		t.Fatalf("unexpected relayed offer %+v", offer)
	}

	b.send(&models.Answer{TargetPeerID: a.id, Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}})
	answer := a.expect(models.TypeAnswer).(*models.Answer)
	if answer.FromPeerID != b.id || answer.Answer.SDP != "answer-sdp" {
		t.Fatalf("unexpected relayed answer %+v", answer)
	}

	mid := "0"
	a.send(&models.ICECandidate{TargetPeerID: b.id, Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}})
	ice := b.expect(models.TypeICECandidate).(*models.ICECandidate)
	if ice.FromPeerID != a.id || ice.Candidate.Candidate != "candidate:1" {
		t.Fatalf("unexpected relayed candidate %+v", ice)
	}
}

func TestHub_NegotiationErrors(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t)

	a.send(&models.Offer{TargetPeerID: "nobody", Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}})
	a.expectError("Target peer not found")

	a.sendRaw([]byte(`{"type":"offer","target_peer_id":"nobody"}`))
	a.expectError("Target peer ID and offer required")

	a.sendRaw([]byte(`{"type":"answer"}`))
	a.expectError("Target peer ID and answer required")

	a.send(&models.ICECandidate{})
	a.expectError("Target peer ID required")

	// Candidates for departed peers are dropped without an error.
	a.send(&models.ICECandidate{TargetPeerID: "gone"})
	a.flush()
}

func TestHub_DataSync(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t)
	b := s.dial(t)

	a.send(&models.DataSync{Data: json.RawMessage(`{"case":1}`), SyncType: "case_update"})
	a.expectError("Not in a room")

	a.join("R1", models.PeerMetadata{})
	b.join("R1", models.PeerMetadata{})
	a.expect(models.TypePeerJoined)

	a.send(&models.DataSync{Data: json.RawMessage(`{"case":1}`), SyncType: "case_update"})
	sync := b.expect(models.TypeDataSync).(*models.DataSync)
	if sync.FromPeerID != a.id || sync.SyncType != "case_update" || string(sync.Data) != `{"case":1}` {
		t.Fatalf("unexpected data_sync %+v", sync)
	}

	// The sender does not receive its own sync.
	a.flush()
}

func TestHub_UnknownAndMalformedMessages(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t)

	a.sendRaw([]byte(`{"type":"bogus"}`))
	a.expectError("Unknown message type: bogus")

	a.sendRaw([]byte(`not json`))
	a.expectError("Invalid JSON message")

	// Server-originated types are not accepted from peers.
	a.send(&models.RoomJoined{RoomID: "R1"})
	a.expectError("Unknown message type: room_joined")
}

func TestHub_LeaveAndDisconnect(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t)
	b := s.dial(t)
	c := s.dial(t)
	a.join("R1", models.PeerMetadata{})
	b.join("R1", models.PeerMetadata{})
	a.expect(models.TypePeerJoined)
	c.join("R1", models.PeerMetadata{})
	a.expect(models.TypePeerJoined)
	b.expect(models.TypePeerJoined)

	c.send(&models.LeaveRoom{RoomID: "R1"})
	left := a.expect(models.TypePeerLeft).(*models.PeerLeft)
	if left.PeerID != c.id || left.PeerCount != 2 {
		t.Fatalf("unexpected peer_left %+v", left)
	}
	b.expect(models.TypePeerLeft)

	b.conn.Close()
	gone := a.expect(models.TypePeerDisconnected).(*models.PeerDisconnected)
	if gone.PeerID != b.id || gone.PeerCount != 1 {
		t.Fatalf("unexpected peer_disconnected %+v", gone)
	}

	waitFor(t, "redis peer set cleanup", func() bool {
		ok, _ := s.redis.SIsMember("room:R1:peers", b.id)
		return !ok
	})
}

func TestHub_RegisteredRoomCapacity(t *testing.T) {
	s := newTestServer(t)
	room := models.RoomMetadata{ID: "registered-room", Code: "WARD22", CreatorID: "dr-a", MaxPeers: 2}
	if err := s.store.SaveRoom(context.Background(), room); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}

	a := s.dial(t)
	b := s.dial(t)
	c := s.dial(t)

	if joined := a.join("WARD22", models.PeerMetadata{}); joined.RoomID != "registered-room" {
		t.Fatalf("code not resolved, room_id = %q", joined.RoomID)
	}
	b.join("registered-room", models.PeerMetadata{})

	c.send(&models.JoinRoom{RoomID: "WARD22"})
	c.expectError("Room is full")
}

func TestHub_ShutdownNotifiesPeers(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t)
	a.join("R1", models.PeerMetadata{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.hub.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	a.expect(models.TypeServerShutdown)
	a.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := a.conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after shutdown")
	}
	if status := s.hub.snapshot(); status.Status != "stopped" || status.ActiveConnections != 0 {
		t.Errorf("unexpected status after shutdown %+v", status)
	}
}
