package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"imageflow/realtime/internal/utils"
)

// envelope is what travels between instances on the redis channel.
type envelope struct {
	InstanceID string          `json:"instanceId"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RedisBridge mirrors topic events across instances through redis pub/sub. Each
// instance delivers its own publishes locally and ignores their echo.
type RedisBridge struct {
	rdb        *redis.Client
	broker     *Broker
	prefix     string
	instanceID string
	log        *utils.Logger
	ready      chan struct{}
}

func NewRedisBridge(rdb *redis.Client, broker *Broker, prefix string, log *utils.Logger) *RedisBridge {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &RedisBridge{
		rdb:        rdb,
		broker:     broker,
		prefix:     prefix,
		instanceID: uuid.New().String(),
		log:        log,
		ready:      make(chan struct{}),
	}
}

func (rb *RedisBridge) InstanceID() string { return rb.instanceID }

// Ready is closed once Run's subscription is confirmed.
func (rb *RedisBridge) Ready() <-chan struct{} { return rb.ready }

func (rb *RedisBridge) channel(topic string) string { return rb.prefix + topic }

func (rb *RedisBridge) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal topic payload: %w", err)
	}
	data, err := json.Marshal(envelope{
		InstanceID: rb.instanceID,
		Topic:      topic,
		Payload:    raw,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal topic envelope: %w", err)
	}
	return rb.rdb.Publish(ctx, rb.channel(topic), data).Err()
}

// Run subscribes to every per-user channel and delivers remote events to local
// subscribers until ctx is cancelled.
func (rb *RedisBridge) Run(ctx context.Context) error {
	pubsub := rb.rdb.PSubscribe(ctx,
		rb.channel(notificationsPrefix+"*"),
		rb.channel(activityPrefix+"*"),
	)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	close(rb.ready)

	ch := pubsub.Channel()
	rb.log.Info("subscribed to topic channels", "instance", rb.instanceID, "prefix", rb.prefix)

	for {
		select {
		case <-ctx.Done():
			rb.log.Info("stopping topic subscriber", "instance", rb.instanceID)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rb.handle(msg)
		}
	}
}

func (rb *RedisBridge) handle(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		rb.log.Warn("failed to unmarshal topic envelope", "channel", msg.Channel, "error", err)
		return
	}
	if env.InstanceID == rb.instanceID {
		return
	}
	topic := env.Topic
	if topic == "" {
		topic = strings.TrimPrefix(msg.Channel, rb.prefix)
	}
	n := rb.broker.Deliver(topic, env.Payload)
	rb.log.Debug("delivered remote topic event", "topic", topic, "from", env.InstanceID, "subscribers", n)
}
