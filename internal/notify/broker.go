package notify

import (
	"context"
	"strings"
	"sync"

	"imageflow/realtime/internal/metrics"
	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/utils"
)

const (
	notificationsPrefix = "notifications_"
	activityPrefix      = "activity_"
)

func NotificationsTopic(userID string) string { return notificationsPrefix + userID }
func ActivityTopic(userID string) string      { return activityPrefix + userID }

// EventType maps a topic to the outbound event kind its subscribers receive.
func EventType(topic string) (string, bool) {
	switch {
	case strings.HasPrefix(topic, notificationsPrefix):
		return models.EvtNotification, true
	case strings.HasPrefix(topic, activityPrefix):
		return models.EvtActivityUpdate, true
	}
	return "", false
}

// Subscriber is anything that accepts outbound frames without blocking.
type Subscriber interface {
	Send(frame models.WSFrame) bool
}

// Relay forwards a published event to other instances.
type Relay interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Broker holds per-user topic subscriptions for this process. Delivery is best-effort
// and at-most-once: a subscriber that is gone or saturated misses the event.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[Subscriber]struct{}
	relay  Relay
	log    *utils.Logger
}

func NewBroker(log *utils.Logger) *Broker {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &Broker{topics: make(map[string]map[Subscriber]struct{}), log: log}
}

// SetRelay installs the cross-instance relay used by Publish.
func (b *Broker) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Subscribe is idempotent; it reports whether sub was newly added.
func (b *Broker) Subscribe(topic string, sub Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[Subscriber]struct{})
		b.topics[topic] = subs
	}
	if _, ok := subs[sub]; ok {
		return false
	}
	subs[sub] = struct{}{}
	return true
}

func (b *Broker) Unsubscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(topic, sub)
}

// UnsubscribeAll drops sub from every topic and returns how many it left.
func (b *Broker) UnsubscribeAll(sub Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for topic, subs := range b.topics {
		if _, ok := subs[sub]; ok {
			b.unsubscribeLocked(topic, sub)
			n++
		}
	}
	return n
}

func (b *Broker) unsubscribeLocked(topic string, sub Subscriber) {
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Deliver sends payload to the local subscribers of topic and returns the number of
// frames accepted.
func (b *Broker) Deliver(topic string, payload any) int {
	kind, ok := EventType(topic)
	if !ok {
		b.log.Warn("deliver to unknown topic kind", "topic", topic)
		return 0
	}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	frame := models.WSFrame{Type: kind, Data: payload}
	delivered := 0
	for _, sub := range subs {
		if sub.Send(frame) {
			delivered++
		}
	}
	metrics.TopicDeliveries.WithLabelValues(kind).Add(float64(delivered))
	return delivered
}

// Publish delivers locally and then hands the event to the relay, if any.
func (b *Broker) Publish(ctx context.Context, topic string, payload any) error {
	if _, ok := EventType(topic); !ok {
		return models.ErrInvalidMessage
	}
	b.Deliver(topic, payload)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay == nil {
		return nil
	}
	return relay.Publish(ctx, topic, payload)
}
