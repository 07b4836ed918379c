package rtc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// udpEndpoint is a loopback RTP drain for one media kind. It stays silent
// until the far side sends a probe packet, then forwards consumed media to
// the learned address.
type udpEndpoint struct {
	id     EndpointID
	kind   MediaKind
	router *webrtcRouter
	port   int
	conn   *net.UDPConn

	mu        sync.Mutex
	closed    bool
	remote    *net.UDPAddr
	consumers map[ConsumerID]*endpointConsumer
}

func newUDPEndpoint(router *webrtcRouter, kind MediaKind) (*udpEndpoint, error) {
	port, err := router.engine.ports.Allocate()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		router.engine.ports.Deallocate(port)
		return nil, fmt.Errorf("bind listen endpoint: %w", err)
	}

	ep := &udpEndpoint{
		id:        EndpointID(uuid.NewString()),
		kind:      kind,
		router:    router,
		port:      port,
		conn:      conn,
		consumers: make(map[ConsumerID]*endpointConsumer),
	}

	go ep.learnRemote()

	log.Debug().Str("service", "rtc").Str("endpointID", string(ep.id)).Str("kind", string(kind)).Int("port", port).Msg("listen endpoint bound")

	return ep, nil
}

func (ep *udpEndpoint) ID() EndpointID {
	return ep.id
}

func (ep *udpEndpoint) Kind() MediaKind {
	return ep.kind
}

func (ep *udpEndpoint) Port() int {
	return ep.port
}

// learnRemote remembers the source address of the first received packet.
// Everything received afterwards is discarded.
func (ep *udpEndpoint) learnRemote() {
	buf := make([]byte, 1500)

	for {
		_, addr, err := ep.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		ep.mu.Lock()
		if ep.remote == nil {
			ep.remote = addr
			log.Debug().Str("service", "rtc").Str("endpointID", string(ep.id)).Str("remote", addr.String()).Msg("listen endpoint learned remote")
		}
		ep.mu.Unlock()
	}
}

func (ep *udpEndpoint) remoteAddr() *net.UDPAddr {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return ep.remote
}

func (ep *udpEndpoint) Consume(producerID ProducerID) (Consumer, error) {
	producer := ep.router.producer(producerID)
	if producer == nil {
		return nil, ErrProducerNotFound
	}
	if producer.kind != ep.kind {
		return nil, fmt.Errorf("endpoint accepts %s, producer %s is %s", ep.kind, producerID, producer.kind)
	}

	params, _, err := consumerParamsFor(producer)
	if err != nil {
		return nil, err
	}

	c := &endpointConsumer{
		id:       ConsumerID(uuid.NewString()),
		endpoint: ep,
		producer: producer,
		params:   params,
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil, ErrRouterClosed
	}
	ep.consumers[c.id] = c
	ep.mu.Unlock()

	log.Debug().Str("service", "rtc").Str("endpointID", string(ep.id)).Str("consumerID", string(c.id)).Str("producerID", string(producerID)).Msg("endpoint consume")

	return c, nil
}

func (ep *udpEndpoint) forgetConsumer(id ConsumerID) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return
	}

	delete(ep.consumers, id)
}

func (ep *udpEndpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true

	consumers := make([]*endpointConsumer, 0, len(ep.consumers))
	for _, c := range ep.consumers {
		consumers = append(consumers, c)
	}
	ep.consumers = make(map[ConsumerID]*endpointConsumer)
	ep.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}

	err := ep.conn.Close()
	ep.router.engine.ports.Deallocate(ep.port)
	ep.router.forgetEndpoint(ep.id)

	log.Debug().Str("service", "rtc").Str("endpointID", string(ep.id)).Msg("listen endpoint closed")

	return err
}

// endpointConsumer pipes one producer into the endpoint's UDP socket.
type endpointConsumer struct {
	id       ConsumerID
	endpoint *udpEndpoint
	producer *webrtcProducer
	params   json.RawMessage

	resumed atomic.Bool
	closed  atomic.Bool
}

func (c *endpointConsumer) ID() ConsumerID {
	return c.id
}

func (c *endpointConsumer) ProducerID() ProducerID {
	return c.producer.id
}

func (c *endpointConsumer) Kind() MediaKind {
	return c.producer.kind
}

func (c *endpointConsumer) RTPParameters() json.RawMessage {
	return c.params
}

func (c *endpointConsumer) Resume() error {
	if c.closed.Load() {
		return ErrConsumerNotFound
	}

	if c.resumed.CAS(false, true) {
		c.producer.subscribe(c.id, c)
	}

	return nil
}

func (c *endpointConsumer) writeRTP(pkt *rtp.Packet) error {
	if !c.resumed.Load() || c.closed.Load() {
		return nil
	}

	remote := c.endpoint.remoteAddr()
	if remote == nil {
		// nobody on the far side yet
		return nil
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}

	_, err = c.endpoint.conn.WriteToUDP(raw, remote)

	return err
}

func (c *endpointConsumer) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}

	c.producer.unsubscribe(c.id)
	c.endpoint.forgetConsumer(c.id)

	return nil
}

func (c *endpointConsumer) closeFromProducer() {
	if !c.closed.CAS(false, true) {
		return
	}

	c.endpoint.forgetConsumer(c.id)
}
