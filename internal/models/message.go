package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType is the "type" discriminator of a signaling message.
type MessageType string

const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypeJoinRoom              MessageType = "join_room"
	TypeLeaveRoom             MessageType = "leave_room"
	TypeRoomJoined            MessageType = "room_joined"
	TypePeerJoined            MessageType = "peer_joined"
	TypePeerLeft              MessageType = "peer_left"
	TypePeerDisconnected      MessageType = "peer_disconnected"
	TypeOffer                 MessageType = "offer"
	TypeAnswer                MessageType = "answer"
	TypeICECandidate          MessageType = "ice_candidate"
	TypeDataSync              MessageType = "data_sync"
	TypeHeartbeat             MessageType = "heartbeat"
	TypeHeartbeatAck          MessageType = "heartbeat_ack"
	TypeError                 MessageType = "error"
	TypeServerShutdown        MessageType = "server_shutdown"
)

// Message is implemented by every signaling message. The set of
// implementations is closed: Decode returns one of the types in this file,
// or *Unknown for a type it does not recognise.
type Message interface {
	MessageType() MessageType
}

// ConnectionEstablished assigns the receiving connection its peer id.
type ConnectionEstablished struct {
	PeerID    string `json:"peer_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

type JoinRoom struct {
	RoomID   string       `json:"room_id"`
	Metadata PeerMetadata `json:"metadata"`
}

type LeaveRoom struct {
	RoomID string `json:"room_id"`
}

type RoomJoined struct {
	RoomID    string `json:"room_id"`
	PeerCount int    `json:"peer_count,omitempty"`
}

type PeerJoined struct {
	PeerID    string        `json:"peer_id"`
	Metadata  *PeerMetadata `json:"metadata,omitempty"`
	PeerCount int           `json:"peer_count,omitempty"`
}

type PeerLeft struct {
	PeerID    string `json:"peer_id"`
	PeerCount int    `json:"peer_count,omitempty"`
}

type PeerDisconnected struct {
	PeerID    string `json:"peer_id"`
	PeerCount int    `json:"peer_count,omitempty"`
}

// Offer carries an SDP offer. Senders set TargetPeerID; the server sets
// FromPeerID on delivery.
type Offer struct {
	TargetPeerID string                    `json:"target_peer_id,omitempty"`
	FromPeerID   string                    `json:"from_peer_id,omitempty"`
	Offer        webrtc.SessionDescription `json:"offer"`
	Timestamp    string                    `json:"timestamp,omitempty"`
}

type Answer struct {
	TargetPeerID string                    `json:"target_peer_id,omitempty"`
	FromPeerID   string                    `json:"from_peer_id,omitempty"`
	Answer       webrtc.SessionDescription `json:"answer"`
	Timestamp    string                    `json:"timestamp,omitempty"`
}

type ICECandidate struct {
	TargetPeerID string                  `json:"target_peer_id,omitempty"`
	FromPeerID   string                  `json:"from_peer_id,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	Timestamp    string                  `json:"timestamp,omitempty"`
}

// DataSync is relayed verbatim to every other member of the sender's room.
type DataSync struct {
	FromPeerID string          `json:"from_peer_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	SyncType   string          `json:"sync_type,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

type Heartbeat struct {
	Timestamp string `json:"timestamp,omitempty"`
}

type HeartbeatAck struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// ErrorMessage is a server-initiated error report.
type ErrorMessage struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
}

type ServerShutdown struct {
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Unknown holds a message whose type is not part of the protocol.
type Unknown struct {
	Type MessageType     `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (ConnectionEstablished) MessageType() MessageType { return TypeConnectionEstablished }
func (JoinRoom) MessageType() MessageType              { return TypeJoinRoom }
func (LeaveRoom) MessageType() MessageType             { return TypeLeaveRoom }
func (RoomJoined) MessageType() MessageType            { return TypeRoomJoined }
func (PeerJoined) MessageType() MessageType            { return TypePeerJoined }
func (PeerLeft) MessageType() MessageType              { return TypePeerLeft }
func (PeerDisconnected) MessageType() MessageType      { return TypePeerDisconnected }
func (Offer) MessageType() MessageType                 { return TypeOffer }
func (Answer) MessageType() MessageType                { return TypeAnswer }
func (ICECandidate) MessageType() MessageType          { return TypeICECandidate }
func (DataSync) MessageType() MessageType              { return TypeDataSync }
func (Heartbeat) MessageType() MessageType             { return TypeHeartbeat }
func (HeartbeatAck) MessageType() MessageType          { return TypeHeartbeatAck }
func (ErrorMessage) MessageType() MessageType          { return TypeError }
func (ServerShutdown) MessageType() MessageType        { return TypeServerShutdown }
func (u Unknown) MessageType() MessageType             { return u.Type }

// Decode parses one signaling message. The envelope is read first and the
// body is then decoded into the struct for its type.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	var msg Message
	switch envelope.Type {
	case TypeConnectionEstablished:
		msg = &ConnectionEstablished{}
	case TypeJoinRoom:
		msg = &JoinRoom{}
	case TypeLeaveRoom:
		msg = &LeaveRoom{}
	case TypeRoomJoined:
		msg = &RoomJoined{}
	case TypePeerJoined:
		msg = &PeerJoined{}
	case TypePeerLeft:
		msg = &PeerLeft{}
	case TypePeerDisconnected:
		msg = &PeerDisconnected{}
	case TypeOffer:
		msg = &Offer{}
	case TypeAnswer:
		msg = &Answer{}
	case TypeICECandidate:
		msg = &ICECandidate{}
	case TypeDataSync:
		msg = &DataSync{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeHeartbeatAck:
		msg = &HeartbeatAck{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeServerShutdown:
		msg = &ServerShutdown{}
	default:
		return &Unknown{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s message: %w", envelope.Type, err)
	}
	return msg, nil
}

// Encode serializes msg with its "type" field first.
func Encode(msg Message) ([]byte, error) {
	if u, ok := msg.(*Unknown); ok && len(u.Raw) > 0 {
		return u.Raw, nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", msg.MessageType(), err)
	}
	typ, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
