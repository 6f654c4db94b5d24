// Package bus fans events out across gateway replicas over store pub/sub. Each replica holds a single multiplexed
// subscription; local consumers attach per-topic through refcounted Subscriptions so that topics are subscribed on
// the wire only while at least one local consumer wants them.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Topic prefixes. User topics carry account-level events (logout, role_changed); session topics carry events scoped
// to one session (session_updated, session_closed, relayed messages).
const (
	userTopicPrefix    = "user:"
	sessionTopicPrefix = "session:"
)

// UserTopic returns the pub/sub topic for account-level events of a user.
func UserTopic(username string) string { return userTopicPrefix + username }

// SessionTopic returns the pub/sub topic for events scoped to a session.
func SessionTopic(sid string) string { return sessionTopicPrefix + sid }

// subscriptionBuffer is the per-subscription channel depth. Slow consumers drop events rather than stall the
// dispatch loop.
const subscriptionBuffer = 64

// Event is one message received from a topic. Payload is the raw JSON published by the sender.
type Event struct {
	Topic   string
	Payload []byte
}

// Subscription is one consumer's attachment to a topic. Events arrive on C until Close is called.
type Subscription struct {
	bus   *Bus
	topic string
	ch    chan Event

	closed bool
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string { return s.topic }

// Close detaches the subscription. When the last local subscription for a topic closes, the topic is unsubscribed
// on the wire.
func (s *Subscription) Close() {
	s.bus.release(s)
}

// Bus multiplexes all of this replica's topic subscriptions over one store pub/sub connection.
type Bus struct {
	rdb    *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	topics map[string]map[*Subscription]struct{}
}

// New creates a Bus over an established store client.
func New(rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		rdb:    rdb,
		logger: logger.With().Str("component", "bus").Logger(),
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Run receives from the multiplexed subscription and dispatches to local subscribers. It blocks until the context is
// cancelled or the subscription fails.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.pubsub == nil {
		b.pubsub = b.rdb.Subscribe(ctx)
	}
	pubsub := b.pubsub
	b.mu.Unlock()

	defer func() { _ = pubsub.Close() }()

	b.logger.Info().Msg("Bus subscribed to store pub/sub")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Publish marshals v and publishes it on the topic immediately, bypassing any write batching.
func (b *Bus) Publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe attaches a new consumer to the topic, subscribing on the wire if this is the first local consumer.
func (b *Bus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sub := &Subscription{bus: b, topic: topic, ch: make(chan Event, subscriptionBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil {
		b.pubsub = b.rdb.Subscribe(ctx)
	}

	set, ok := b.topics[topic]
	if !ok {
		if err := b.pubsub.Subscribe(ctx, topic); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		set = make(map[*Subscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}

	return sub, nil
}

func (b *Bus) release(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	set, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.topics, sub.topic)
		if b.pubsub != nil {
			if err := b.pubsub.Unsubscribe(context.Background(), sub.topic); err != nil {
				b.logger.Warn().Err(err).Str("topic", sub.topic).Msg("Failed to unsubscribe topic")
			}
		}
	}
}

// dispatch delivers one wire message to every local subscriber of its topic. Sends are non-blocking; a full
// subscriber buffer drops the event.
func (b *Bus) dispatch(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.topics[topic]
	if !ok {
		return
	}

	for sub := range set {
		select {
		case sub.ch <- Event{Topic: topic, Payload: payload}:
		default:
			b.logger.Warn().Str("topic", topic).Msg("Subscriber buffer full, dropping event")
		}
	}
}

// TopicCount returns the number of topics with at least one local subscriber.
func (b *Bus) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
