package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isqad/livemeet-sfu/internal/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

const (
	rtcpPLIInterval            = time.Second * 3
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 10 * time.Second // compatible for ice-lite with firefox client
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default

	// per transport: one audio slot, two video slots (camera plus screen)
	videoSlots = 2
)

var errWrongDirection = errors.New("operation not allowed for this transport direction")

// connectionInfo is the SDP payload exchanged with clients. The transport
// hands out a fully gathered offer, Connect takes the answer.
type connectionInfo struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type webrtcTransport struct {
	id         TransportID
	direction  TransportDirection
	router     *webrtcRouter
	pc         *webrtc.PeerConnection
	connection json.RawMessage

	mu            sync.Mutex
	closed        bool
	producers     map[ProducerID]*webrtcProducer
	consumers     map[ConsumerID]*webrtcConsumer
	awaitingTrack map[MediaKind][]*webrtcProducer
	freeSenders   map[MediaKind][]*webrtc.RTPTransceiver
}

func newWebRTCTransport(router *webrtcRouter, direction TransportDirection) (*webrtcTransport, error) {
	conf := router.engine.rtcConf

	dirConf := conf.Publisher
	if direction == DirectionRecv {
		dirConf = conf.Subscriber
	}

	me, registry, err := createMediaEngine(router.engine.codecs, dirConf)
	if err != nil {
		return nil, err
	}

	se := conf.SettingEngine
	se.DisableMediaEngineCopy(true)
	se.DisableSRTPReplayProtection(true)
	se.DisableSRTCPReplayProtection(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetReceiveMTU(mtu)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(conf.Configuration)
	if err != nil {
		return nil, err
	}

	t := &webrtcTransport{
		id:            TransportID(uuid.NewString()),
		direction:     direction,
		router:        router,
		pc:            pc,
		producers:     make(map[ProducerID]*webrtcProducer),
		consumers:     make(map[ConsumerID]*webrtcConsumer),
		awaitingTrack: make(map[MediaKind][]*webrtcProducer),
		freeSenders:   make(map[MediaKind][]*webrtc.RTPTransceiver),
	}

	if direction == DirectionSend {
		err = t.addRecvSlots()
	} else {
		err = t.addSendSlots()
	}
	if err != nil {
		pc.Close()
		return nil, err
	}

	if direction == DirectionSend {
		pc.OnTrack(t.onTrack)
	}
	pc.OnConnectionStateChange(t.onConnectionStateChange)

	if err := t.createOffer(); err != nil {
		pc.Close()
		return nil, err
	}

	log.Debug().Str("service", "rtc").Str("transportID", string(t.id)).Str("direction", string(direction)).Msg("created transport")

	return t, nil
}

// addRecvSlots prepares a send transport for client media: the client
// publishes into these recvonly transceivers.
func (t *webrtcTransport) addRecvSlots() error {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}

	if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init); err != nil {
		return err
	}
	for i := 0; i < videoSlots; i++ {
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
			return err
		}
	}

	return nil
}

// addSendSlots pre-warms sendonly transceivers on a recv transport. Consume
// swaps its track into a free slot, so no renegotiation is needed.
func (t *webrtcTransport) addSendSlots() error {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}

	tr, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init)
	if err != nil {
		return err
	}
	t.freeSenders[KindAudio] = append(t.freeSenders[KindAudio], tr)

	for i := 0; i < videoSlots; i++ {
		tr, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init)
		if err != nil {
			return err
		}
		t.freeSenders[KindVideo] = append(t.freeSenders[KindVideo], tr)
	}

	return nil
}

func (t *webrtcTransport) createOffer() error {
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	// non-trickle: wait until the offer carries all host candidates
	<-gatherComplete

	local := t.pc.LocalDescription()
	info, err := json.Marshal(connectionInfo{Type: local.Type.String(), SDP: local.SDP})
	if err != nil {
		return err
	}
	t.connection = info

	return nil
}

func (t *webrtcTransport) onConnectionStateChange(state webrtc.PeerConnectionState) {
	log.Debug().Str("service", "rtc").Str("transportID", string(t.id)).Str("state", state.String()).Msg("connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "success", "").Add(1)
	case webrtc.PeerConnectionStateFailed:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "error", "state_failed").Add(1)
	}
}

func (t *webrtcTransport) ID() TransportID {
	return t.id
}

func (t *webrtcTransport) ConnectionInfo() json.RawMessage {
	return t.connection
}

func (t *webrtcTransport) Connect(dtls json.RawMessage) error {
	answer := connectionInfo{}
	if err := json.Unmarshal(dtls, &answer); err != nil {
		return fmt.Errorf("malformed connect parameters: %w", err)
	}

	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(answer.Type),
		SDP:  answer.SDP,
	})
}

func (t *webrtcTransport) Produce(kind MediaKind, rtpParams json.RawMessage) (Producer, error) {
	if t.direction != DirectionSend {
		return nil, errWrongDirection
	}
	if kind != KindAudio && kind != KindVideo {
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportNotFound
	}
	p := newWebRTCProducer(t, kind, rtpParams)
	t.producers[p.id] = p
	t.awaitingTrack[kind] = append(t.awaitingTrack[kind], p)
	t.mu.Unlock()

	t.router.registerProducer(p)

	log.Debug().Str("service", "rtc").Str("transportID", string(t.id)).Str("producerID", string(p.id)).Str("kind", string(kind)).Msg("produce")

	return p, nil
}

// onTrack matches an incoming track to the oldest produce request of the
// same kind.
func (t *webrtcTransport) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}

	t.mu.Lock()
	var producer *webrtcProducer
	if waiting := t.awaitingTrack[kind]; len(waiting) > 0 {
		producer = waiting[0]
		t.awaitingTrack[kind] = waiting[1:]
	}
	t.mu.Unlock()

	if producer == nil {
		log.Error().Str("service", "rtc").Str("transportID", string(t.id)).Str("kind", string(kind)).Msg("incoming track without a produce request")
		return
	}

	producer.attach(track)
}

func (t *webrtcTransport) Consume(producerID ProducerID, caps json.RawMessage) (Consumer, error) {
	if t.direction != DirectionRecv {
		return nil, errWrongDirection
	}

	producer := t.router.producer(producerID)
	if producer == nil {
		return nil, ErrProducerNotFound
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportNotFound
	}
	free := t.freeSenders[producer.kind]
	if len(free) == 0 {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s has no free %s slot", t.id, producer.kind)
	}
	tr := free[0]
	t.freeSenders[producer.kind] = free[1:]
	t.mu.Unlock()

	consumer, err := newWebRTCConsumer(t, tr, producer)
	if err != nil {
		t.mu.Lock()
		t.freeSenders[producer.kind] = append(t.freeSenders[producer.kind], tr)
		t.mu.Unlock()
		return nil, err
	}

	t.mu.Lock()
	t.consumers[consumer.id] = consumer
	t.mu.Unlock()

	log.Debug().Str("service", "rtc").Str("transportID", string(t.id)).Str("consumerID", string(consumer.id)).Str("producerID", string(producerID)).Msg("consume")

	return consumer, nil
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	producers := make([]*webrtcProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*webrtcConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[ProducerID]*webrtcProducer)
	t.consumers = make(map[ConsumerID]*webrtcConsumer)
	t.awaitingTrack = make(map[MediaKind][]*webrtcProducer)
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}

	t.router.forgetTransport(t.id)

	// Close peer connections without blocking transport close. If peer
	// connections are gathering candidates Close will block.
	go func() {
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("service", "rtc").Str("transportID", string(t.id)).Msg("close peer connection")
		}
	}()

	log.Debug().Str("service", "rtc").Str("transportID", string(t.id)).Msg("transport closed")

	return nil
}

func (t *webrtcTransport) forgetProducer(p *webrtcProducer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	delete(t.producers, p.id)

	waiting := t.awaitingTrack[p.kind]
	for i, w := range waiting {
		if w.id == p.id {
			t.awaitingTrack[p.kind] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
}

func (t *webrtcTransport) forgetConsumer(c *webrtcConsumer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	delete(t.consumers, c.id)
	t.freeSenders[c.kind] = append(t.freeSenders[c.kind], c.transceiver)
}
