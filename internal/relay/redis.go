// Package relay carries published messages between dispatch board
// instances over Redis pub/sub. Each instance delivers relayed messages to
// its local subscribers only; nothing is relayed twice.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deliverer hands an encoded message to local subscribers of a topic.
type Deliverer interface {
	Deliver(topic string, data []byte) int
}

type envelope struct {
	Origin string          `json:"origin"`
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data"`
}

// Relay implements hub.Forwarder on top of a Redis channel.
type Relay struct {
	rc       *redis.Client
	channel  string
	instance string
	local    Deliverer

	outbound  chan envelope
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a relay publishing on channel. The relay owns rc and closes
// it in Close. Start must be called before messages flow.
func New(rc *redis.Client, channel string, local Deliverer) *Relay {
	return &Relay{
		rc:       rc,
		channel:  channel,
		instance: uuid.NewString(),
		local:    local,
		outbound: make(chan envelope, 256),
	}
}

// Instance returns the id stamped on messages from this process.
func (r *Relay) Instance() string { return r.instance }

// Forward queues data for publication. It never blocks: when the queue is
// full the message is dropped and only local subscribers see it.
func (r *Relay) Forward(topic string, data []byte) {
	select {
	case r.outbound <- envelope{Origin: r.instance, Topic: topic, Data: data}:
	default:
		slog.Warn("relay queue full, message not relayed", "topic", topic)
	}
}

// Start subscribes to the channel and runs the publish and receive loops
// until ctx ends or Close is called.
func (r *Relay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sub := r.rc.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.cancel = cancel

	slog.Info("relay started",
		"channel", r.channel,
		"instance", r.instance)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.publishLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		defer func() { _ = sub.Close() }()
		r.receiveLoop(ctx, sub.Channel())
	}()
	return nil
}

// Close stops both loops, waits for them and closes the Redis client.
// It is safe to call more than once.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		if err := r.rc.Close(); err != nil {
			slog.Warn("closing redis client", "error", err)
		}
	})
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbound:
			payload, err := json.Marshal(env)
			if err != nil {
				slog.Error("encoding relay envelope", "topic", env.Topic, "error", err)
				continue
			}
			if err := r.rc.Publish(ctx, r.channel, payload).Err(); err != nil {
				slog.Warn("relay publish failed", "topic", env.Topic, "error", err)
			}
		}
	}
}

func (r *Relay) receiveLoop(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Error("relay subscription channel closed")
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("unable to parse relayed message", "error", err)
				continue
			}
			if env.Origin == r.instance || env.Topic == "" {
				continue
			}
			n := r.local.Deliver(env.Topic, env.Data)
			slog.Debug("relayed message delivered",
				"topic", env.Topic,
				"origin", env.Origin,
				"subscribers", n)
		}
	}
}
