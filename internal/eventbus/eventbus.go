package eventbus

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/signal/rpc"
)

type Channel string

const SignalMessages Channel = "signal"

func (c Channel) buildChannel(peerID core.PeerID) string {
	return string(c) + ":" + string(peerID)
}

// Publisher pushes server-to-client messages onto a peer's signal channel.
// Any gateway instance subscribed to that peer delivers them, so publishers
// do not need to know which instance holds the websocket.
type Publisher interface {
	Publish(peerID core.PeerID, rpc rpc.Rpc) error
}

// Bus is the read side of one peer subscription.
type Bus interface {
	Channel() <-chan *redis.Message
	Close() error
}

type Subscriber interface {
	Subscribe(peerID core.PeerID) (Bus, error)
}

type Subscription struct {
	pubsub *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

type Eventbus struct {
	rdb *redis.Client
}

// RedisPubSub is factory for building Eventbus based on redis pubsub
func RedisPubSub(rdb *redis.Client) *Eventbus {
	return &Eventbus{rdb: rdb}
}

func (e *Eventbus) Publish(peerID core.PeerID, rpc rpc.Rpc) error {
	msg, err := rpc.ToJSON()
	if err != nil {
		return err
	}

	return e.rdb.Publish(context.Background(), SignalMessages.buildChannel(peerID), msg).Err()
}

func (e *Eventbus) Subscribe(peerID core.PeerID) (Bus, error) {
	ctx := context.Background()

	pubsub := e.rdb.Subscribe(ctx, SignalMessages.buildChannel(peerID))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	return &Subscription{pubsub: pubsub}, nil
}
