package rtc

import (
	"encoding/json"

	"github.com/isqad/livemeet-sfu/internal/core"
)

type RouterID string
type TransportID string
type ProducerID string
type ConsumerID string
type EndpointID string

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Engine is the media-forwarding engine boundary. The orchestrator drives it
// through these interfaces only; connection material (ICE/DTLS, RTP
// parameters, capabilities) passes through as opaque JSON.
type Engine interface {
	CreateRouter() (Router, error)
}

// Router is one per-session routing context.
type Router interface {
	ID() RouterID
	Capabilities() json.RawMessage
	CreateTransport(direction TransportDirection) (Transport, error)
	// CreateListenEndpoint binds a loopback endpoint that learns the remote
	// address from the first received packet and forwards consumed media
	// there.
	CreateListenEndpoint(kind MediaKind) (ListenEndpoint, error)
	CanConsume(producerID ProducerID, caps json.RawMessage) bool
	Close() error
}

type Transport interface {
	ID() TransportID
	ConnectionInfo() json.RawMessage
	Connect(dtls json.RawMessage) error
	Produce(kind MediaKind, rtpParams json.RawMessage) (Producer, error)
	Consume(producerID ProducerID, caps json.RawMessage) (Consumer, error)
	// Close releases the transport and every producer and consumer created
	// through it.
	Close() error
}

type Producer interface {
	ID() ProducerID
	Kind() MediaKind
	Close() error
}

// Consumer starts paused, the owner resumes it after signaling readiness.
type Consumer interface {
	ID() ConsumerID
	ProducerID() ProducerID
	Kind() MediaKind
	RTPParameters() json.RawMessage
	Resume() error
	Close() error
}

type ListenEndpoint interface {
	ID() EndpointID
	Kind() MediaKind
	Port() int
	Consume(producerID ProducerID) (Consumer, error)
	Close() error
}

// TransportInfo is what a client needs to connect its side of a transport.
type TransportInfo struct {
	ID         TransportID        `json:"id"`
	Direction  TransportDirection `json:"direction"`
	Connection json.RawMessage    `json:"connection"`
}

// ConsumerData is the answer to a successful consume request.
type ConsumerData struct {
	ID            ConsumerID      `json:"id"`
	ProducerID    ProducerID      `json:"producerId"`
	Kind          MediaKind       `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// ProducerSummary describes one live producer to late joiners and to the
// capture controller.
type ProducerSummary struct {
	ID     ProducerID  `json:"id"`
	Kind   MediaKind   `json:"kind"`
	Screen bool        `json:"screen"`
	Owner  core.PeerID `json:"ownerId"`
}

// CaptureHook is how the orchestrator reaches the capture controller without
// depending on it. Set once during wiring, before any peer is served.
type CaptureHook interface {
	// OnNewProducer runs synchronously inside a successful produce call, so
	// a recording in flight never misses a producer.
	OnNewProducer(sessionID core.SessionID, producer ProducerSummary) error
	// OnSessionClosed runs before the session's routing context is torn
	// down.
	OnSessionClosed(sessionID core.SessionID)
}
