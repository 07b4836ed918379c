package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/eventbus"
	"github.com/isqad/livemeet-sfu/internal/rooms"
	"github.com/isqad/livemeet-sfu/internal/rtc"
	"github.com/isqad/livemeet-sfu/internal/signal/rpc"
	"github.com/isqad/livemeet-sfu/internal/telemetry"
)

const (
	wsSubscriptionSessionKey = "subscription"
	wsPeerIDSessionKey       = "peerId"
	wsSessionIDSessionKey    = "sessionId"
)

var (
	errNotJoined     = errors.New("join the session first")
	errAlreadyJoined = errors.New("connection already joined a session")
)

// MediaOrchestrator is the slice of the media layer the gateway drives. The
// concrete implementation lives in the rtc package.
type MediaOrchestrator interface {
	AddPeer(sessionID core.SessionID, peerID core.PeerID)
	EnsureRouter(sessionID core.SessionID) (rtc.Router, error)
	CreateTransport(sessionID core.SessionID, peerID core.PeerID, direction rtc.TransportDirection) (*rtc.TransportInfo, error)
	ConnectTransport(peerID core.PeerID, transportID rtc.TransportID, dtls json.RawMessage) error
	Produce(peerID core.PeerID, transportID rtc.TransportID, kind rtc.MediaKind, screen bool, rtpParams json.RawMessage) (rtc.ProducerID, error)
	Consume(peerID core.PeerID, producerID rtc.ProducerID, caps json.RawMessage) (*rtc.ConsumerData, error)
	ResumeConsumer(peerID core.PeerID, consumerID rtc.ConsumerID) error
	RemovePeer(peerID core.PeerID) error
	SessionProducers(sessionID core.SessionID, except core.PeerID) []rtc.ProducerSummary
}

// Recorder starts and stops session captures on behalf of peers.
type Recorder interface {
	StartCapture(sessionID core.SessionID, participants []string) (*core.Recording, error)
	StopCapture(sessionID core.SessionID) (*core.Recording, error)
}

type GatewayOptions struct {
	Registry   *rooms.Registry
	Media      MediaOrchestrator
	Recorder   Recorder
	Publisher  eventbus.Publisher
	Subscriber eventbus.Subscriber
}

// Gateway terminates websocket connections and translates signaling messages
// into registry and media operations. Replies and notifications travel through
// the eventbus: every peer has its own channel and the pump goroutine of its
// connection delivers whatever lands there.
type Gateway struct {
	GatewayOptions

	websocket *melody.Melody
}

func NewGateway(websocket *melody.Melody, options GatewayOptions) *Gateway {
	g := &Gateway{
		GatewayOptions: options,
		websocket:      websocket,
	}

	g.websocket.HandleMessage(g.handleMessage)
	g.websocket.HandleDisconnect(g.handleDisconnect)
	g.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "signal").Msg("error in websocket session")
	})

	return g
}

// WebsocketsHandler upgrades the HTTP request. Unlike authenticated setups the
// peer has no identity yet: it is assigned at join, so the session starts with
// empty keys.
func (g *Gateway) WebsocketsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.websocket.HandleRequestWithKeys(w, r, make(map[string]interface{})); err != nil {
			log.Error().Err(err).Str("service", "signal").Msg("can't handle websocket request")
		}
	}
}

func (g *Gateway) handleMessage(s *melody.Session, msg []byte) {
	parsed, err := rpc.RpcFromReader(bytes.NewReader(msg))
	if err != nil {
		log.Debug().Err(err).Str("service", "signal").Msg("rpc parse error")
		g.replyError(s, err)
		return
	}

	if join, ok := parsed.(*rpc.JoinRpc); ok {
		g.handleJoin(s, join)
		return
	}

	peerID, sessionID, err := peerFromSession(s)
	if err != nil {
		g.replyError(s, errNotJoined)
		return
	}

	switch m := parsed.(type) {
	case *rpc.RtpCapabilitiesRpc:
		g.handleRtpCapabilities(s, peerID, sessionID)
	case *rpc.CreateTransportRpc:
		g.handleCreateTransport(s, peerID, sessionID, m)
	case *rpc.ConnectTransportRpc:
		g.handleConnectTransport(s, peerID, m)
	case *rpc.ProduceRpc:
		g.handleProduce(s, peerID, m)
	case *rpc.ConsumeRpc:
		g.handleConsume(s, peerID, m)
	case *rpc.ResumeConsumerRpc:
		g.handleResumeConsumer(s, peerID, m)
	case *rpc.ToggleRpc:
		g.handleToggle(s, peerID, sessionID, m)
	case *rpc.StartRecordingRpc:
		g.handleStartRecording(s, sessionID)
	case *rpc.StopRecordingRpc:
		g.handleStopRecording(s, sessionID)
	case *rpc.LeaveRpc:
		g.leavePeer(peerID)
	default:
		g.replyError(s, fmt.Errorf("unsupported method %q", parsed.GetMethod()))
	}
}

func (g *Gateway) handleJoin(s *melody.Session, join *rpc.JoinRpc) {
	if _, ok := s.Keys[wsPeerIDSessionKey]; ok {
		g.replyError(s, errAlreadyJoined)
		return
	}
	if join.Params.SessionID == "" || join.Params.Name == "" {
		g.replyError(s, errors.New("join needs sessionId and name"))
		return
	}

	sessionID := core.SessionID(join.Params.SessionID)
	peer, roster := g.Registry.Join(sessionID, join.Params.Name)

	subscription, err := g.Subscriber.Subscribe(peer.ID)
	if err != nil {
		g.Registry.Leave(peer.ID)
		log.Error().Err(err).Str("service", "signal").Msg("can't subscribe the peer to signaling channel")
		g.replyError(s, err)
		return
	}

	g.Media.AddPeer(sessionID, peer.ID)

	s.Keys[wsPeerIDSessionKey] = peer.ID
	s.Keys[wsSessionIDSessionKey] = sessionID
	s.Keys[wsSubscriptionSessionKey] = subscription

	// Pump the peer's channel into the websocket. Closing the subscription
	// at disconnect ends the range and the goroutine with it.
	ready := make(chan struct{})
	go func() {
		ch := subscription.Channel()
		close(ready)

		for msg := range ch {
			if err := s.Write([]byte(msg.Payload)); err != nil {
				log.Debug().Err(err).Str("service", "signal").Msg("write to closed websocket session")
				return
			}
		}
	}()
	<-ready

	telemetry.PeerJoined()
	if len(roster) == 0 {
		telemetry.SessionStarted()
	}

	log.Debug().
		Str("service", "signal").
		Str("session_id", string(sessionID)).
		Str("peer_id", string(peer.ID)).
		Msg("peer joined")

	g.publish(peer.ID, rpc.NewJoinedRpc(string(sessionID), peer, roster))

	joined := rpc.NewPeerJoinedRpc(peer)
	for _, other := range roster {
		g.publish(other.ID, joined)
	}
}

func (g *Gateway) handleRtpCapabilities(s *melody.Session, peerID core.PeerID, sessionID core.SessionID) {
	router, err := g.Media.EnsureRouter(sessionID)
	if err != nil {
		g.replyError(s, err)
		return
	}

	producers := g.Media.SessionProducers(sessionID, peerID)
	infos := make([]rpc.ProducerInfo, 0, len(producers))
	for _, producer := range producers {
		infos = append(infos, rpc.ProducerInfo{
			ID:      string(producer.ID),
			Kind:    string(producer.Kind),
			Screen:  producer.Screen,
			OwnerID: string(producer.Owner),
		})
	}

	g.publish(peerID, rpc.NewRtpCapabilitiesRpc(router.Capabilities(), infos))
}

func (g *Gateway) handleCreateTransport(s *melody.Session, peerID core.PeerID, sessionID core.SessionID, m *rpc.CreateTransportRpc) {
	var direction rtc.TransportDirection
	switch m.Params.Direction {
	case string(rtc.DirectionSend):
		direction = rtc.DirectionSend
	case string(rtc.DirectionRecv):
		direction = rtc.DirectionRecv
	default:
		g.replyError(s, fmt.Errorf("unknown transport direction %q", m.Params.Direction))
		return
	}

	info, err := g.Media.CreateTransport(sessionID, peerID, direction)
	if err != nil {
		g.replyError(s, err)
		return
	}

	g.publish(peerID, rpc.NewTransportCreatedRpc(string(info.ID), string(info.Direction), info.Connection))
}

func (g *Gateway) handleConnectTransport(s *melody.Session, peerID core.PeerID, m *rpc.ConnectTransportRpc) {
	transportID := rtc.TransportID(m.Params.TransportID)

	if err := g.Media.ConnectTransport(peerID, transportID, m.Params.DTLS); err != nil {
		g.replyError(s, err)
		return
	}

	g.publish(peerID, rpc.NewTransportConnectedRpc(string(transportID)))
}

func (g *Gateway) handleProduce(s *melody.Session, peerID core.PeerID, m *rpc.ProduceRpc) {
	var kind rtc.MediaKind
	switch m.Params.Kind {
	case string(rtc.KindAudio):
		kind = rtc.KindAudio
	case string(rtc.KindVideo):
		kind = rtc.KindVideo
	default:
		g.replyError(s, fmt.Errorf("unknown media kind %q", m.Params.Kind))
		return
	}

	producerID, err := g.Media.Produce(peerID, rtc.TransportID(m.Params.TransportID), kind, m.Params.Screen, m.Params.RTPParameters)
	if err != nil {
		g.replyError(s, err)
		return
	}

	g.publish(peerID, rpc.NewProducerCreatedRpc(string(producerID)))
}

func (g *Gateway) handleConsume(s *melody.Session, peerID core.PeerID, m *rpc.ConsumeRpc) {
	data, err := g.Media.Consume(peerID, rtc.ProducerID(m.Params.ProducerID), m.Params.RTPCapabilities)
	if err != nil {
		g.replyError(s, err)
		return
	}

	// A nil result means the capability check refused the pairing. The client
	// learns it from the null params, not from an error.
	var consumer *rpc.ConsumerParams
	if data != nil {
		consumer = &rpc.ConsumerParams{
			ID:            string(data.ID),
			ProducerID:    string(data.ProducerID),
			Kind:          string(data.Kind),
			RTPParameters: data.RTPParameters,
		}
	}

	g.publish(peerID, rpc.NewConsumerCreatedRpc(consumer))
}

func (g *Gateway) handleResumeConsumer(s *melody.Session, peerID core.PeerID, m *rpc.ResumeConsumerRpc) {
	consumerID := rtc.ConsumerID(m.Params.ConsumerID)

	if err := g.Media.ResumeConsumer(peerID, consumerID); err != nil {
		g.replyError(s, err)
		return
	}

	g.publish(peerID, rpc.NewConsumerResumedRpc(string(consumerID)))
}

func (g *Gateway) handleToggle(s *melody.Session, peerID core.PeerID, sessionID core.SessionID, m *rpc.ToggleRpc) {
	var flag rooms.MediaFlag
	switch m.GetMethod() {
	case rpc.ToggleAudioMethod:
		flag = rooms.AudioFlag
	case rpc.ToggleVideoMethod:
		flag = rooms.VideoFlag
	case rpc.ToggleScreenMethod:
		flag = rooms.ScreenFlag
	}

	if _, err := g.Registry.SetMediaFlag(peerID, flag, m.Params.Enabled); err != nil {
		g.replyError(s, err)
		return
	}

	toggled := rpc.NewPeerToggledRpc(string(peerID), string(flag), m.Params.Enabled)
	for _, peer := range g.Registry.ListPeers(sessionID) {
		g.publish(peer.ID, toggled)
	}
}

func (g *Gateway) handleStartRecording(s *melody.Session, sessionID core.SessionID) {
	peers := g.Registry.ListPeers(sessionID)
	participants := make([]string, 0, len(peers))
	for _, peer := range peers {
		participants = append(participants, peer.Name)
	}

	recording, err := g.Recorder.StartCapture(sessionID, participants)
	if err != nil {
		g.replyError(s, err)
		return
	}

	started := rpc.NewRecordingStartedRpc(string(recording.ID), recording.StartedAt)
	for _, peer := range peers {
		g.publish(peer.ID, started)
	}
}

func (g *Gateway) handleStopRecording(s *melody.Session, sessionID core.SessionID) {
	recording, err := g.Recorder.StopCapture(sessionID)
	if err != nil {
		g.replyError(s, err)
		return
	}

	endedAt := time.Now().UTC()
	if recording.EndedAt != nil {
		endedAt = *recording.EndedAt
	}

	stopped := rpc.NewRecordingStoppedRpc(string(recording.ID), endedAt)
	for _, peer := range g.Registry.ListPeers(sessionID) {
		g.publish(peer.ID, stopped)
	}
}

func (g *Gateway) handleDisconnect(s *melody.Session) {
	if subscription, err := sessionSubscription(s); err == nil {
		defer func() {
			if err := subscription.Close(); err != nil {
				log.Error().Err(err).Str("service", "signal").Msg("close subscription error")
			}
		}()
	}

	peerID, _, err := peerFromSession(s)
	if err != nil {
		return
	}

	g.leavePeer(peerID)
}

// leavePeer runs the teardown shared by the leave message and the transport
// disconnect. The two race for real clients, so everything here is idempotent.
func (g *Gateway) leavePeer(peerID core.PeerID) {
	if err := g.Media.RemovePeer(peerID); err != nil {
		log.Error().Err(err).Str("service", "signal").Str("peer_id", string(peerID)).Msg("can't remove peer from media layer")
	}

	sessionID, ok := g.Registry.Leave(peerID)
	if !ok {
		return
	}

	telemetry.PeerLeft()

	remaining := g.Registry.ListPeers(sessionID)
	if len(remaining) == 0 {
		telemetry.SessionStopped()
	}

	log.Debug().
		Str("service", "signal").
		Str("session_id", string(sessionID)).
		Str("peer_id", string(peerID)).
		Msg("peer left")

	left := rpc.NewPeerLeftRpc(string(peerID))
	for _, peer := range remaining {
		g.publish(peer.ID, left)
	}
}

func (g *Gateway) publish(peerID core.PeerID, message rpc.Rpc) {
	if err := g.Publisher.Publish(peerID, message); err != nil {
		log.Error().Err(err).
			Str("service", "signal").
			Str("peer_id", string(peerID)).
			Str("method", string(message.GetMethod())).
			Msg("can't publish rpc")
	}
}

// replyError writes straight to the socket: before join the peer has no
// eventbus channel, and a failing operation should not depend on one either.
func (g *Gateway) replyError(s *melody.Session, cause error) {
	payload, err := rpc.NewErrorRpc(cause.Error()).ToJSON()
	if err != nil {
		log.Error().Err(err).Str("service", "signal").Msg("can't marshal error rpc")
		return
	}
	if err := s.Write(payload); err != nil {
		log.Debug().Err(err).Str("service", "signal").Msg("write to closed websocket session")
	}
}

func peerFromSession(s *melody.Session) (core.PeerID, core.SessionID, error) {
	rawPeer, ok := s.Keys[wsPeerIDSessionKey]
	if !ok {
		return "", "", fmt.Errorf("no peer for given session")
	}
	peerID, ok := rawPeer.(core.PeerID)
	if !ok {
		return "", "", fmt.Errorf("can't convert peerID: %+v", rawPeer)
	}

	rawSession, ok := s.Keys[wsSessionIDSessionKey]
	if !ok {
		return "", "", fmt.Errorf("no session for given peer")
	}
	sessionID, ok := rawSession.(core.SessionID)
	if !ok {
		return "", "", fmt.Errorf("can't convert sessionID: %+v", rawSession)
	}

	return peerID, sessionID, nil
}

func sessionSubscription(s *melody.Session) (eventbus.Bus, error) {
	rawSub, ok := s.Keys[wsSubscriptionSessionKey]
	if !ok {
		return nil, fmt.Errorf("no sub for given session")
	}
	subscription, ok := rawSub.(eventbus.Bus)
	if !ok {
		return nil, fmt.Errorf("can't convert subscription: %+v", rawSub)
	}
	return subscription, nil
}
