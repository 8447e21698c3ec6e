package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// RoomCodeLength is the length of the short, shareable room codes.
const RoomCodeLength = 6

// ErrRoomNotFound is returned when a room id or code is not registered.
var ErrRoomNotFound = errors.New("room not found")

// Store keeps room registrations and room membership in Redis so that
// several signaling instances can answer room queries consistently.
//
// Keys:
//
//	room:<id>          JSON RoomMetadata
//	code:<code>        room id
//	room:<id>:peers    set of peer ids
//	peer:<id>          hash of peer metadata
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func roomKey(roomID string) string  { return "room:" + roomID }
func codeKey(code string) string    { return "code:" + code }
func peersKey(roomID string) string { return "room:" + roomID + ":peers" }
func peerKey(peerID string) string  { return "peer:" + peerID }

// SaveRoom registers a room and its code.
func (s *Store) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room %s: %w", room.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, s.ttl)
	pipe.Set(ctx, codeKey(room.Code), room.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store room %s: %w", room.ID, err)
	}
	return nil
}

// LookupRoom resolves a room by code (RoomCodeLength characters) or by id
// and fills in the live peer count.
func (s *Store) LookupRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier

	if len(identifier) == RoomCodeLength {
		id, err := s.client.Get(ctx, codeKey(identifier)).Result()
		if err == nil {
			roomID = id
		} else if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("resolve room code: %w", err)
		}
	}

	data, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("parse room %s: %w", roomID, err)
	}

	count, err := s.PeerCount(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.PeerCount = count
	return &room, nil
}

// DeleteRoom removes a room registration, its code and its peer set.
func (s *Store) DeleteRoom(ctx context.Context, room models.RoomMetadata) error {
	if err := s.client.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID)).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", room.ID, err)
	}
	return nil
}

// AddPeer records peerID as a member of roomID.
func (s *Store) AddPeer(ctx context.Context, roomID, peerID string, metadata models.PeerMetadata) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), s.ttl)
	pipe.HSet(ctx, peerKey(peerID),
		"room", roomID,
		"user_id", metadata.UserID,
		"user_name", metadata.UserName,
		"joined_at", time.Now().UTC().Format(time.RFC3339),
	)
	pipe.Expire(ctx, peerKey(peerID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add peer %s to room %s: %w", peerID, roomID, err)
	}
	return nil
}

// RemovePeer removes peerID from roomID.
func (s *Store) RemovePeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, peersKey(roomID), peerID)
	pipe.Del(ctx, peerKey(peerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove peer %s from room %s: %w", peerID, roomID, err)
	}
	return nil
}

// PeerCount returns the number of peers recorded in roomID.
func (s *Store) PeerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count peers in room %s: %w", roomID, err)
	}
	return int(n), nil
}

// RoomPeers returns the peer ids recorded in roomID.
func (s *Store) RoomPeers(ctx context.Context, roomID string) ([]string, error) {
	peers, err := s.client.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list peers in room %s: %w", roomID, err)
	}
	return peers, nil
}
