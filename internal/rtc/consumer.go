package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// consumerRTPParameters is what the consuming client needs to decode the
// forwarded track.
type consumerRTPParameters struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
	TrackID   string `json:"trackId"`
}

func consumerParamsFor(producer *webrtcProducer) (json.RawMessage, webrtc.RTPCodecCapability, error) {
	capability := defaultCodecCapability(producer.kind)
	if track := producer.currentTrack(); track != nil {
		capability = track.Codec().RTPCodecCapability
	}

	params, err := json.Marshal(consumerRTPParameters{
		MimeType:  capability.MimeType,
		ClockRate: capability.ClockRate,
		Channels:  capability.Channels,
		TrackID:   string(producer.id),
	})
	if err != nil {
		return nil, capability, err
	}

	return params, capability, nil
}

// defaultCodecCapability mirrors the primary codecs registered in the media
// engine, for producers whose track has not arrived yet.
func defaultCodecCapability(kind MediaKind) webrtc.RTPCodecCapability {
	if kind == KindAudio {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
	}

	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
}

type webrtcConsumer struct {
	id          ConsumerID
	kind        MediaKind
	transport   *webrtcTransport
	producer    *webrtcProducer
	transceiver *webrtc.RTPTransceiver
	local       *webrtc.TrackLocalStaticRTP
	rtpParams   json.RawMessage

	resumed atomic.Bool
	closed  atomic.Bool
}

func newWebRTCConsumer(t *webrtcTransport, tr *webrtc.RTPTransceiver, producer *webrtcProducer) (*webrtcConsumer, error) {
	params, capability, err := consumerParamsFor(producer)
	if err != nil {
		return nil, err
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, string(producer.id), "livemeet")
	if err != nil {
		return nil, err
	}

	if err := tr.Sender().ReplaceTrack(local); err != nil {
		return nil, fmt.Errorf("attach consumer track: %w", err)
	}

	return &webrtcConsumer{
		id:          ConsumerID(uuid.NewString()),
		kind:        producer.kind,
		transport:   t,
		producer:    producer,
		transceiver: tr,
		local:       local,
		rtpParams:   params,
	}, nil
}

func (c *webrtcConsumer) ID() ConsumerID {
	return c.id
}

func (c *webrtcConsumer) ProducerID() ProducerID {
	return c.producer.id
}

func (c *webrtcConsumer) Kind() MediaKind {
	return c.kind
}

func (c *webrtcConsumer) RTPParameters() json.RawMessage {
	return c.rtpParams
}

// Resume starts the flow. The first call binds the consumer to its
// producer, repeated calls are no-ops.
func (c *webrtcConsumer) Resume() error {
	if c.closed.Load() {
		return ErrConsumerNotFound
	}

	if c.resumed.CAS(false, true) {
		c.producer.subscribe(c.id, c)
	}

	return nil
}

func (c *webrtcConsumer) writeRTP(pkt *rtp.Packet) error {
	if !c.resumed.Load() || c.closed.Load() {
		return nil
	}

	return c.local.WriteRTP(pkt)
}

func (c *webrtcConsumer) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}

	c.producer.unsubscribe(c.id)
	c.release()

	return nil
}

func (c *webrtcConsumer) closeFromProducer() {
	if !c.closed.CAS(false, true) {
		return
	}

	c.release()
}

// release puts the sendonly slot back for the next consumer on this
// transport.
func (c *webrtcConsumer) release() {
	if err := c.transceiver.Sender().ReplaceTrack(nil); err != nil {
		log.Error().Err(err).Str("service", "rtc").Str("consumerID", string(c.id)).Msg("detach consumer track")
	}

	c.transport.forgetConsumer(c)

	log.Debug().Str("service", "rtc").Str("consumerID", string(c.id)).Msg("consumer closed")
}
