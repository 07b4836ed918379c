package rooms

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/isqad/livemeet-sfu/internal/core"
)

var ErrPeerNotFound = errors.New("peer not found")

// Session groups the peers of one meeting room.
type Session struct {
	ID        core.SessionID
	CreatedAt time.Time

	peers map[core.PeerID]*Peer
}

// Registry is the in-memory session membership bookkeeping. It does no I/O
// and never calls into the media layer: the signaling gateway sequences both.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*Session
	index    map[core.PeerID]core.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*Session),
		index:    make(map[core.PeerID]core.SessionID),
	}
}

// Join adds a new peer to the session, creating the session on first
// reference. The returned roster holds the peers that were already present,
// not the joiner.
func (r *Registry) Join(sessionID core.SessionID, name string) (*Peer, []*Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		session = &Session{
			ID:        sessionID,
			CreatedAt: time.Now().UTC(),
			peers:     make(map[core.PeerID]*Peer),
		}
		r.sessions[sessionID] = session
	}

	roster := sortedPeers(session)

	peer := &Peer{
		ID:       core.NewPeerID(),
		Name:     name,
		JoinedAt: time.Now().UTC(),
	}
	session.peers[peer.ID] = peer
	r.index[peer.ID] = sessionID

	return peer.clone(), roster
}

// Leave removes the peer and, with it gone, an emptied session. Unknown and
// already-removed peers are a no-op: network disconnects race with explicit
// leave messages.
func (r *Registry) Leave(peerID core.PeerID) (core.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.index[peerID]
	if !ok {
		return "", false
	}

	delete(r.index, peerID)

	session, ok := r.sessions[sessionID]
	if !ok {
		return sessionID, true
	}

	delete(session.peers, peerID)
	if len(session.peers) == 0 {
		delete(r.sessions, sessionID)
	}

	return sessionID, true
}

func (r *Registry) ListPeers(sessionID core.SessionID) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}

	return sortedPeers(session)
}

// IsEmpty reports whether the session has no peers. An unknown session is
// empty.
func (r *Registry) IsEmpty(sessionID core.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return true
	}

	return len(session.peers) == 0
}

func (r *Registry) Get(peerID core.PeerID) (*Peer, core.SessionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, ok := r.index[peerID]
	if !ok {
		return nil, "", ErrPeerNotFound
	}

	peer := r.sessions[sessionID].peers[peerID]

	return peer.clone(), sessionID, nil
}

// SetMediaFlag flips one of the peer's media states and returns the updated
// snapshot for fan-out.
func (r *Registry) SetMediaFlag(peerID core.PeerID, flag MediaFlag, enabled bool) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.index[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}

	peer := r.sessions[sessionID].peers[peerID]

	switch flag {
	case AudioFlag:
		peer.Audio = enabled
	case VideoFlag:
		peer.Video = enabled
	case ScreenFlag:
		peer.Screen = enabled
	default:
		return nil, fmt.Errorf("unknown media flag: %q", flag)
	}

	return peer.clone(), nil
}

func (r *Registry) SessionsCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

func (r *Registry) PeersCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.index)
}

func sortedPeers(session *Session) []*Peer {
	peers := make([]*Peer, 0, len(session.peers))
	for _, p := range session.peers {
		peers = append(peers, p.clone())
	}

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})

	return peers
}
