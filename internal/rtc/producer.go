package rtc

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isqad/livemeet-sfu/internal/buffer"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

const pendingPacketsLimit = 128

// producerSink receives the RTP stream of one producer. Implementations must
// tolerate writes after their own close.
type producerSink interface {
	writeRTP(pkt *rtp.Packet) error
	// closeFromProducer severs the sink when its source producer goes away.
	closeFromProducer()
}

type webrtcProducer struct {
	id        ProducerID
	kind      MediaKind
	rtpParams json.RawMessage
	transport *webrtcTransport

	mu      sync.Mutex
	closed  bool
	track   *webrtc.TrackRemote
	pending *buffer.Buffer
	sinks   map[ConsumerID]producerSink

	stopPLI chan struct{}
}

func newWebRTCProducer(t *webrtcTransport, kind MediaKind, rtpParams json.RawMessage) *webrtcProducer {
	return &webrtcProducer{
		id:        ProducerID(uuid.NewString()),
		kind:      kind,
		rtpParams: rtpParams,
		transport: t,
		sinks:     make(map[ConsumerID]producerSink),
		stopPLI:   make(chan struct{}),
	}
}

func (p *webrtcProducer) ID() ProducerID {
	return p.id
}

func (p *webrtcProducer) Kind() MediaKind {
	return p.kind
}

// attach binds the incoming track once OnTrack fires for the matching
// produce request.
func (p *webrtcProducer) attach(track *webrtc.TrackRemote) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.track = track
	p.pending = buffer.NewBuffer(uint32(track.SSRC()), pendingPacketsLimit)
	p.mu.Unlock()

	log.Debug().Str("service", "rtc").Str("producerID", string(p.id)).Str("kind", string(p.kind)).Uint32("ssrc", uint32(track.SSRC())).Msg("track attached")

	if p.kind == KindVideo {
		// Send a PLI on an interval so that the publisher is pushing a
		// keyframe every rtcpPLIInterval
		go p.sendPLI(track)
	}
	go p.forwardRTP(track)
}

func (p *webrtcProducer) currentTrack() *webrtc.TrackRemote {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.track
}

func (p *webrtcProducer) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopPLI:
			return
		case <-ticker.C:
			if rtcpErr := p.transport.pc.WriteRTCP(
				[]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}},
			); rtcpErr != nil {
				log.Error().Err(rtcpErr).Str("service", "rtc").Str("producerID", string(p.id)).Msg("")
				return
			}
		}
	}
}

func (p *webrtcProducer) forwardRTP(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			// io.EOF when the publisher stops or the transport closes
			return
		}

		p.write(pkt)
	}
}

// write distributes a packet to the attached sinks. Until the first sink
// binds, packets go to the pending stash.
func (p *webrtcProducer) write(pkt *rtp.Packet) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	if len(p.sinks) == 0 {
		if raw, err := pkt.Marshal(); err == nil {
			p.pending.Push(raw)
		}
		p.mu.Unlock()
		return
	}

	sinks := make([]producerSink, 0, len(p.sinks))
	for _, sink := range p.sinks {
		sinks = append(sinks, sink)
	}
	p.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.writeRTP(pkt); err != nil {
			log.Debug().Err(err).Str("service", "rtc").Str("producerID", string(p.id)).Msg("drop packet")
		}
	}
}

func (p *webrtcProducer) subscribe(id ConsumerID, sink producerSink) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	first := len(p.sinks) == 0
	p.sinks[id] = sink
	pending := p.pending
	p.mu.Unlock()

	if !first || pending == nil {
		return
	}

	// replay what arrived before anyone was listening
	for _, raw := range pending.Bind() {
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(raw); err != nil {
			continue
		}
		_ = sink.writeRTP(pkt)
	}
}

func (p *webrtcProducer) unsubscribe(id ConsumerID) {
	p.mu.Lock()
	delete(p.sinks, id)
	p.mu.Unlock()
}

func (p *webrtcProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sinks := p.sinks
	p.sinks = make(map[ConsumerID]producerSink)
	pending := p.pending
	p.mu.Unlock()

	close(p.stopPLI)
	if pending != nil {
		pending.Close()
	}

	// consumers built on this producer go down with it
	for _, sink := range sinks {
		sink.closeFromProducer()
	}

	p.transport.forgetProducer(p)
	p.transport.router.unregisterProducer(p.id)

	log.Debug().Str("service", "rtc").Str("producerID", string(p.id)).Msg("producer closed")

	return nil
}
