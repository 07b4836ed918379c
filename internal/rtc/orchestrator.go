package rtc

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/eventbus"
	"github.com/isqad/livemeet-sfu/internal/signal/rpc"
	"github.com/isqad/livemeet-sfu/internal/telemetry"
)

// Orchestrator owns one routing context per session and the per-peer
// transport, producer and consumer handles. All engine calls for one session
// run under that session's lock, different sessions never contend.
type Orchestrator struct {
	engine Engine
	sink   eventbus.Publisher

	mu       sync.Mutex
	sessions map[core.SessionID]*sessionContext
	index    map[core.PeerID]core.SessionID

	hook CaptureHook
}

type sessionContext struct {
	id core.SessionID

	mu        sync.Mutex
	router    Router
	tornDown  bool
	peers     map[core.PeerID]*peerState
	producers map[ProducerID]*producerEntry
}

type peerState struct {
	transports map[TransportID]*transportEntry
	producers  map[ProducerID]*producerEntry
	consumers  map[ConsumerID]Consumer
}

type transportEntry struct {
	transport Transport
	direction TransportDirection
}

type producerEntry struct {
	producer Producer
	owner    core.PeerID
	screen   bool
}

func NewOrchestrator(engine Engine, sink eventbus.Publisher) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		sink:     sink,
		sessions: make(map[core.SessionID]*sessionContext),
		index:    make(map[core.PeerID]core.SessionID),
	}
}

// SetCaptureHook wires the capture controller in. Must be called during
// bootstrap, before the first peer is served.
func (o *Orchestrator) SetCaptureHook(hook CaptureHook) {
	o.hook = hook
}

// AddPeer registers the peer with its session so emptiness tracking matches
// the roster even for peers that never create a transport. The routing
// context itself is created lazily by EnsureRouter.
func (o *Orchestrator) AddPeer(sessionID core.SessionID, peerID core.PeerID) {
	ctx := o.lockSession(sessionID, true)
	defer ctx.mu.Unlock()

	if _, ok := ctx.peers[peerID]; ok {
		return
	}

	ctx.peers[peerID] = &peerState{
		transports: make(map[TransportID]*transportEntry),
		producers:  make(map[ProducerID]*producerEntry),
		consumers:  make(map[ConsumerID]Consumer),
	}

	o.mu.Lock()
	o.index[peerID] = sessionID
	o.mu.Unlock()
}

// EnsureRouter creates the session's routing context on first call.
// Concurrent callers for the same session serialize on the session lock, the
// second caller observes the first's router.
func (o *Orchestrator) EnsureRouter(sessionID core.SessionID) (Router, error) {
	ctx := o.lockSession(sessionID, true)
	defer ctx.mu.Unlock()

	if ctx.router != nil {
		return ctx.router, nil
	}

	router, err := o.engine.CreateRouter()
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("create_router", "error", "engine").Add(1)
		return nil, err
	}

	log.Debug().Str("service", "orchestrator").Str("sessionID", string(sessionID)).Str("routerID", string(router.ID())).Msg("routing context created")
	telemetry.ServiceOperationCounter.WithLabelValues("create_router", "success", "").Add(1)

	ctx.router = router

	return router, nil
}

func (o *Orchestrator) CreateTransport(sessionID core.SessionID, peerID core.PeerID, direction TransportDirection) (*TransportInfo, error) {
	ctx := o.lockSession(sessionID, false)
	if ctx == nil {
		return nil, ErrSessionNotFound
	}
	defer ctx.mu.Unlock()

	if ctx.router == nil {
		return nil, ErrRouterNotFound
	}

	ps, ok := ctx.peers[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}

	transport, err := ctx.router.CreateTransport(direction)
	if err != nil {
		return nil, err
	}

	ps.transports[transport.ID()] = &transportEntry{
		transport: transport,
		direction: direction,
	}

	log.Debug().Str("service", "orchestrator").Str("peerID", string(peerID)).Str("transportID", string(transport.ID())).Str("direction", string(direction)).Msg("transport created")

	return &TransportInfo{
		ID:         transport.ID(),
		Direction:  direction,
		Connection: transport.ConnectionInfo(),
	}, nil
}

func (o *Orchestrator) ConnectTransport(peerID core.PeerID, transportID TransportID, dtls json.RawMessage) error {
	ctx, ps := o.lockPeer(peerID)
	if ctx == nil {
		return ErrPeerNotFound
	}
	defer ctx.mu.Unlock()

	entry, ok := ps.transports[transportID]
	if !ok {
		return ErrTransportNotFound
	}

	return entry.transport.Connect(dtls)
}

// Produce registers the peer's outbound track. If the session has a
// recording in flight the new producer is handed to the capture hook before
// the call returns, so the capture never misses it. Other peers learn about
// the producer through a newProducer push.
func (o *Orchestrator) Produce(peerID core.PeerID, transportID TransportID, kind MediaKind, screen bool, rtpParams json.RawMessage) (ProducerID, error) {
	ctx, ps := o.lockPeer(peerID)
	if ctx == nil {
		return "", ErrPeerNotFound
	}

	entry, ok := ps.transports[transportID]
	if !ok {
		ctx.mu.Unlock()
		return "", ErrTransportNotFound
	}

	producer, err := entry.transport.Produce(kind, rtpParams)
	if err != nil {
		ctx.mu.Unlock()
		telemetry.ServiceOperationCounter.WithLabelValues("produce", "error", "engine").Add(1)
		return "", err
	}

	pe := &producerEntry{
		producer: producer,
		owner:    peerID,
		screen:   screen,
	}
	ps.producers[producer.ID()] = pe
	ctx.producers[producer.ID()] = pe

	sessionID := ctx.id
	targets := make([]core.PeerID, 0, len(ctx.peers))
	for pid := range ctx.peers {
		if pid != peerID {
			targets = append(targets, pid)
		}
	}
	ctx.mu.Unlock()

	log.Debug().Str("service", "orchestrator").Str("peerID", string(peerID)).Str("producerID", string(producer.ID())).Str("kind", string(kind)).Msg("producer registered")
	telemetry.ServiceOperationCounter.WithLabelValues("produce", "success", "").Add(1)

	summary := ProducerSummary{
		ID:     producer.ID(),
		Kind:   kind,
		Screen: screen,
		Owner:  peerID,
	}

	// The hook runs outside the session lock: the capture controller calls
	// back into the orchestrator. A failed capture attach must not fail the
	// produce itself.
	if o.hook != nil {
		if err := o.hook.OnNewProducer(sessionID, summary); err != nil {
			log.Error().Err(err).Str("service", "orchestrator").Str("sessionID", string(sessionID)).Str("producerID", string(producer.ID())).Msg("capture attach failed")
		}
	}

	notification := rpc.NewProducerRpc(string(producer.ID()), string(kind), screen, string(peerID))
	for _, pid := range targets {
		if err := o.sink.Publish(pid, notification); err != nil {
			log.Error().Err(err).Str("service", "orchestrator").Str("peerID", string(pid)).Msg("error on send newProducer")
		}
	}

	return producer.ID(), nil
}

// Consume attaches the peer onto a remote producer. A capability mismatch is
// an expected negotiation outcome and returns (nil, nil), not an error. The
// consumer starts paused.
func (o *Orchestrator) Consume(peerID core.PeerID, producerID ProducerID, caps json.RawMessage) (*ConsumerData, error) {
	ctx, ps := o.lockPeer(peerID)
	if ctx == nil {
		return nil, ErrPeerNotFound
	}
	defer ctx.mu.Unlock()

	if ctx.router == nil {
		return nil, ErrRouterNotFound
	}

	if _, ok := ctx.producers[producerID]; !ok {
		return nil, ErrProducerNotFound
	}

	if !ctx.router.CanConsume(producerID, caps) {
		log.Debug().Str("service", "orchestrator").Str("peerID", string(peerID)).Str("producerID", string(producerID)).Msg("consume rejected by capability check")
		return nil, nil
	}

	var recv *transportEntry
	for _, entry := range ps.transports {
		if entry.direction == DirectionRecv {
			recv = entry
			break
		}
	}
	if recv == nil {
		return nil, ErrTransportNotFound
	}

	consumer, err := recv.transport.Consume(producerID, caps)
	if err != nil {
		return nil, err
	}

	ps.consumers[consumer.ID()] = consumer

	return &ConsumerData{
		ID:            consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

func (o *Orchestrator) ResumeConsumer(peerID core.PeerID, consumerID ConsumerID) error {
	ctx, ps := o.lockPeer(peerID)
	if ctx == nil {
		return ErrPeerNotFound
	}
	defer ctx.mu.Unlock()

	consumer, ok := ps.consumers[consumerID]
	if !ok {
		return ErrConsumerNotFound
	}

	return consumer.Resume()
}

// RemovePeer closes all of the peer's transports, which transitively closes
// its producers and consumers, and drops consumers other peers hold onto the
// departed peer's producers. The last peer's departure stops any recording in
// flight first and tears the routing context down after.
func (o *Orchestrator) RemovePeer(peerID core.PeerID) error {
	ctx, ps := o.lockPeer(peerID)
	if ctx == nil {
		return nil
	}

	log.Debug().Str("service", "orchestrator").Str("peerID", string(peerID)).Str("sessionID", string(ctx.id)).Msg("remove peer")

	for _, entry := range ps.transports {
		if err := entry.transport.Close(); err != nil {
			log.Error().Err(err).Str("service", "orchestrator").Str("peerID", string(peerID)).Msg("error on close transport")
		}
	}

	for producerID := range ps.producers {
		delete(ctx.producers, producerID)

		for pid, other := range ctx.peers {
			if pid == peerID {
				continue
			}
			for consumerID, consumer := range other.consumers {
				if consumer.ProducerID() != producerID {
					continue
				}
				if err := consumer.Close(); err != nil {
					log.Error().Err(err).Str("service", "orchestrator").Str("consumerID", string(consumerID)).Msg("error on close consumer")
				}
				delete(other.consumers, consumerID)
			}
		}
	}

	ps.transports = make(map[TransportID]*transportEntry)
	ps.producers = make(map[ProducerID]*producerEntry)
	ps.consumers = make(map[ConsumerID]Consumer)
	delete(ctx.peers, peerID)

	o.mu.Lock()
	delete(o.index, peerID)
	o.mu.Unlock()

	if len(ctx.peers) > 0 {
		ctx.mu.Unlock()
		return nil
	}

	// Claim the teardown while still holding the lock, then run it outside:
	// the capture hook calls back into the orchestrator. Late lockSession
	// callers retry until the context is gone from the sessions map.
	ctx.tornDown = true
	router := ctx.router
	ctx.router = nil
	ctx.mu.Unlock()

	// recording first, routing context after
	if o.hook != nil {
		o.hook.OnSessionClosed(ctx.id)
	}

	if router != nil {
		if err := router.Close(); err != nil {
			log.Error().Err(err).Str("service", "orchestrator").Str("sessionID", string(ctx.id)).Msg("error on close routing context")
		}
	}

	o.mu.Lock()
	delete(o.sessions, ctx.id)
	o.mu.Unlock()

	log.Debug().Str("service", "orchestrator").Str("sessionID", string(ctx.id)).Msg("session torn down")

	return nil
}

// SessionProducers snapshots the session's live producers, skipping those
// owned by except when it is set.
func (o *Orchestrator) SessionProducers(sessionID core.SessionID, except core.PeerID) []ProducerSummary {
	ctx := o.lockSession(sessionID, false)
	if ctx == nil {
		return nil
	}
	defer ctx.mu.Unlock()

	producers := make([]ProducerSummary, 0, len(ctx.producers))
	for id, entry := range ctx.producers {
		if except != "" && entry.owner == except {
			continue
		}
		producers = append(producers, ProducerSummary{
			ID:     id,
			Kind:   entry.producer.Kind(),
			Screen: entry.screen,
			Owner:  entry.owner,
		})
	}

	return producers
}

// lockSession returns the session's context with its lock held, or nil when
// the session is unknown and create is false. A context observed mid-teardown
// is retried, a fresh context under the same id is only handed out after the
// old one is fully gone.
func (o *Orchestrator) lockSession(sessionID core.SessionID, create bool) *sessionContext {
	for {
		o.mu.Lock()
		ctx, ok := o.sessions[sessionID]
		if !ok {
			if !create {
				o.mu.Unlock()
				return nil
			}
			ctx = &sessionContext{
				id:        sessionID,
				peers:     make(map[core.PeerID]*peerState),
				producers: make(map[ProducerID]*producerEntry),
			}
			o.sessions[sessionID] = ctx
		}
		o.mu.Unlock()

		ctx.mu.Lock()
		if ctx.tornDown {
			ctx.mu.Unlock()
			continue
		}
		return ctx
	}
}

// lockPeer resolves the peer's session and returns both with the session
// lock held.
func (o *Orchestrator) lockPeer(peerID core.PeerID) (*sessionContext, *peerState) {
	o.mu.Lock()
	sessionID, ok := o.index[peerID]
	o.mu.Unlock()
	if !ok {
		return nil, nil
	}

	ctx := o.lockSession(sessionID, false)
	if ctx == nil {
		return nil, nil
	}

	ps, ok := ctx.peers[peerID]
	if !ok {
		ctx.mu.Unlock()
		return nil, nil
	}

	return ctx, ps
}
