package rtc

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/isqad/livemeet-sfu/internal/config"
	"github.com/rs/zerolog/log"
)

// WebRTCEngine is the pion-backed media engine. Connection material crossing
// the Engine boundary is plain SDP wrapped in JSON, and the server side is
// always the offerer, so no renegotiation round-trips are needed.
type WebRTCEngine struct {
	rtcConf *config.WebRTCConfig
	codecs  []config.CodecSpec
	ports   *PortsAllocator
}

func NewWebRTCEngine(rtcConf *config.WebRTCConfig, codecs []config.CodecSpec, ports *PortsAllocator) *WebRTCEngine {
	return &WebRTCEngine{
		rtcConf: rtcConf,
		codecs:  codecs,
		ports:   ports,
	}
}

func (e *WebRTCEngine) CreateRouter() (Router, error) {
	caps, err := json.Marshal(routerCapabilities{Codecs: e.codecs})
	if err != nil {
		return nil, err
	}

	r := &webrtcRouter{
		id:         RouterID(uuid.NewString()),
		engine:     e,
		caps:       caps,
		transports: make(map[TransportID]*webrtcTransport),
		endpoints:  make(map[EndpointID]*udpEndpoint),
		producers:  make(map[ProducerID]*webrtcProducer),
	}

	log.Debug().Str("service", "rtc").Str("routerID", string(r.id)).Msg("created router")

	return r, nil
}

type routerCapabilities struct {
	Codecs []config.CodecSpec `json:"codecs"`
}

// consumerCapabilities is the only part of the opaque client capabilities
// the router inspects: the mime types the client can decode.
type consumerCapabilities struct {
	Codecs []struct {
		MimeType string `json:"mimeType"`
	} `json:"codecs"`
}

type webrtcRouter struct {
	id     RouterID
	engine *WebRTCEngine
	caps   json.RawMessage

	mu         sync.Mutex
	closed     bool
	transports map[TransportID]*webrtcTransport
	endpoints  map[EndpointID]*udpEndpoint
	producers  map[ProducerID]*webrtcProducer
}

func (r *webrtcRouter) ID() RouterID {
	return r.id
}

func (r *webrtcRouter) Capabilities() json.RawMessage {
	return r.caps
}

func (r *webrtcRouter) CreateTransport(direction TransportDirection) (Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.mu.Unlock()

	t, err := newWebRTCTransport(r, direction)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()

	return t, nil
}

func (r *webrtcRouter) CreateListenEndpoint(kind MediaKind) (ListenEndpoint, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.mu.Unlock()

	ep, err := newUDPEndpoint(r, kind)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.endpoints[ep.id] = ep
	r.mu.Unlock()

	return ep, nil
}

func (r *webrtcRouter) CanConsume(producerID ProducerID, caps json.RawMessage) bool {
	producer := r.producer(producerID)
	if producer == nil {
		return false
	}

	parsed := consumerCapabilities{}
	if err := json.Unmarshal(caps, &parsed); err != nil {
		return false
	}

	prefix := "audio/"
	if producer.kind == KindVideo {
		prefix = "video/"
	}

	for _, codec := range parsed.Codecs {
		if strings.HasPrefix(strings.ToLower(codec.MimeType), prefix) {
			return true
		}
	}

	return false
}

func (r *webrtcRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	transports := make([]*webrtcTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	endpoints := make([]*udpEndpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		endpoints = append(endpoints, ep)
	}
	r.transports = make(map[TransportID]*webrtcTransport)
	r.endpoints = make(map[EndpointID]*udpEndpoint)
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, ep := range endpoints {
		ep.Close()
	}

	r.mu.Lock()
	r.producers = make(map[ProducerID]*webrtcProducer)
	r.mu.Unlock()

	log.Debug().Str("service", "rtc").Str("routerID", string(r.id)).Msg("router closed")

	return nil
}

func (r *webrtcRouter) registerProducer(p *webrtcProducer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *webrtcRouter) unregisterProducer(id ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *webrtcRouter) producer(id ProducerID) *webrtcProducer {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.producers[id]
}

func (r *webrtcRouter) forgetTransport(id TransportID) {
	r.mu.Lock()
	if !r.closed {
		delete(r.transports, id)
	}
	r.mu.Unlock()
}

func (r *webrtcRouter) forgetEndpoint(id EndpointID) {
	r.mu.Lock()
	if !r.closed {
		delete(r.endpoints, id)
	}
	r.mu.Unlock()
}
