package p2p

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gastric-adci/collab-signaling/config"
	"github.com/gastric-adci/collab-signaling/internal/handlers"
	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/gastric-adci/collab-signaling/internal/redis"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func startSignalingServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	hub := handlers.NewHub(redis.NewStore(client, time.Hour), zerolog.Nop())
	cfg := &config.Config{Port: "0", JWTSecret: "test-secret"}
	server := httptest.NewServer(handlers.NewRouter(cfg, hub, zerolog.Nop()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		server.Close()
	})

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/p2p/ws/peer"
}

func newLoopbackConnector(t *testing.T, url string) (*Connector, *recorder) {
	t.Helper()
	cfg := config.DefaultPeerConfig()
	cfg.SignalingURL = url
	cfg.STUNServers = nil
	cfg.IncludeLoopback = true
	cfg.ReconnectDelay = 100 * time.Millisecond
	cfg.NegotiationTimeout = 15 * time.Second

	c := New(cfg, "", zerolog.Nop())
	t.Cleanup(c.Disconnect)
	rec := record(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, EventLocalPeerAssigned, 5*time.Second)
	return c, rec
}

func TestConnectors_NegotiateAndExchangeData(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real WebRTC connections")
	}
	url := startSignalingServer(t)

	alice, aliceEvents := newLoopbackConnector(t, url)
	bob, bobEvents := newLoopbackConnector(t, url)

	if err := alice.JoinRoom("ward-7", models.PeerMetadata{UserID: "alice", UserName: "Dr. Alice"}); err != nil {
		t.Fatalf("alice JoinRoom: %v", err)
	}
	aliceEvents.waitFor(t, EventRoomJoined, 5*time.Second)

	if err := bob.JoinRoom("ward-7", models.PeerMetadata{UserID: "bob", UserName: "Dr. Bob"}); err != nil {
		t.Fatalf("bob JoinRoom: %v", err)
	}
	bobEvents.waitFor(t, EventRoomJoined, 5*time.Second)

	joined := aliceEvents.waitFor(t, EventPeerJoined, 5*time.Second)
	if joined.PeerID != bob.Status().PeerID {
		t.Fatalf("alice saw %q join, want bob %q", joined.PeerID, bob.Status().PeerID)
	}
	if joined.Metadata == nil || joined.Metadata.UserName != "Dr. Bob" {
		t.Errorf("unexpected metadata %+v", joined.Metadata)
	}

	aliceEvents.waitFor(t, EventPeerConnected, 20*time.Second)
	bobEvents.waitFor(t, EventPeerConnected, 20*time.Second)
	aliceEvents.waitFor(t, EventDataChannelOpen, 10*time.Second)
	bobEvents.waitFor(t, EventDataChannelOpen, 10*time.Second)

	bobID := bob.Status().PeerID
	payload := map[string]any{"case_id": "C-42", "note": "MDT at 14:00"}
	if !alice.SendToPeer(bobID, payload) {
		t.Fatal("alice could not send to bob")
	}

	data := bobEvents.waitFor(t, EventPeerData, 5*time.Second)
	var got map[string]any
	if err := json.Unmarshal(data.Payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["case_id"] != "C-42" || got["note"] != "MDT at 14:00" {
		t.Errorf("bob received %v", got)
	}

	if err := bob.SyncData(map[string]string{"status": "reviewed"}, "case_update"); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
	sync := aliceEvents.waitFor(t, EventDataSync, 5*time.Second)
	if sync.PeerID != bobID || sync.SyncType != "case_update" {
		t.Errorf("unexpected data_sync %+v", sync)
	}

	status := alice.Status()
	if status.RoomID != "ward-7" || len(status.ConnectedPeers) != 1 || status.ChannelCount != 1 {
		t.Errorf("unexpected alice status %+v", status)
	}

	bob.LeaveRoom()
	left := aliceEvents.waitFor(t, EventPeerLeft, 5*time.Second)
	if left.PeerID != bobID {
		t.Errorf("peer_left for %q, want %q", left.PeerID, bobID)
	}
}
