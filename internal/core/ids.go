package core

import "github.com/google/uuid"

// SessionID identifies one meeting room. Opaque, chosen by clients.
type SessionID string

// PeerID identifies one connected participant within a session.
type PeerID string

// RecordingID identifies a recording of a session.
type RecordingID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func NewRecordingID() RecordingID {
	return RecordingID(uuid.NewString())
}

func (id SessionID) String() string   { return string(id) }
func (id PeerID) String() string      { return string(id) }
func (id RecordingID) String() string { return string(id) }
