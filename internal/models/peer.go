package models

const (
	DefaultUserID   = "anonymous"
	DefaultUserName = "Anonymous User"
)

// PeerMetadata describes the user behind a peer. It is sent with join_room
// and forwarded to the other room members in peer_joined.
type PeerMetadata struct {
	UserID     string            `json:"user_id"`
	UserName   string            `json:"user_name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Normalize fills in the anonymous defaults for missing identity fields.
func (m PeerMetadata) Normalize() PeerMetadata {
	if m.UserID == "" {
		m.UserID = DefaultUserID
	}
	if m.UserName == "" {
		m.UserName = DefaultUserName
	}
	return m
}
