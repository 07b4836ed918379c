package rooms

import (
	"time"

	"github.com/isqad/livemeet-sfu/internal/core"
)

// MediaFlag names one of the toggleable media states of a peer.
type MediaFlag string

const (
	AudioFlag  MediaFlag = "audio"
	VideoFlag  MediaFlag = "video"
	ScreenFlag MediaFlag = "screen"
)

// Peer is one participant of a session. The registry hands out copies,
// the canonical state is mutated only under the registry lock.
type Peer struct {
	ID       core.PeerID `json:"id"`
	Name     string      `json:"name"`
	Audio    bool        `json:"audio"`
	Video    bool        `json:"video"`
	Screen   bool        `json:"screen"`
	JoinedAt time.Time   `json:"joinedAt"`
}

func (p *Peer) clone() *Peer {
	c := *p
	return &c
}
