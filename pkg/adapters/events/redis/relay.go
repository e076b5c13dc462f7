package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "agentpipe:runs:"

// envelope is the wire format published on a run channel
type envelope struct {
	Origin string          `json:"origin"`
	RunID  string          `json:"run_id"`
	Event  domain.RunEvent `json:"event"`
}

// Relay bridges a process-local event bus over Redis Pub/Sub so that
// executors and stream gateways running in different processes observe
// the same run events. Delivery stays at-most-once.
type Relay struct {
	client *redis.Client
	local  ports.EventBus
	origin string
	logger *zap.Logger

	outbox chan envelope
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay creates a relay around local. origin must be unique per process.
func NewRelay(client *redis.Client, local ports.EventBus, origin string, logger *zap.Logger) *Relay {
	return &Relay{
		client: client,
		local:  local,
		origin: origin,
		logger: logger,
		outbox: make(chan envelope, 1024),
	}
}

// Start subscribes to all run channels and starts the send and receive loops
func (r *Relay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.pubsub = r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := r.pubsub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to run channels: %w", err)
	}

	r.logger.Info("event relay subscribed",
		zap.String("pattern", channelPrefix+"*"),
		zap.String("origin", r.origin))

	r.wg.Add(2)
	go r.sendLoop(ctx)
	go r.receiveLoop(ctx)

	return nil
}

// Publish delivers the event locally and queues it for other processes
func (r *Relay) Publish(runID string, event domain.RunEvent) {
	r.local.Publish(runID, event)

	select {
	case r.outbox <- envelope{Origin: r.origin, RunID: runID, Event: event}:
	default:
		r.logger.Warn("event relay outbox full, dropping event",
			zap.String("run_id", runID),
			zap.String("type", string(event.Type)))
	}
}

// Subscribe registers on the local bus
func (r *Relay) Subscribe(runID string, handler ports.EventHandler) ports.Subscription {
	return r.local.Subscribe(runID, handler)
}

// Unsubscribe removes a local subscription
func (r *Relay) Unsubscribe(sub ports.Subscription) {
	r.local.Unsubscribe(sub)
}

// Close stops the relay loops and waits for them to exit. The Redis client
// is closed by the caller.
func (r *Relay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	var err error
	if r.pubsub != nil {
		if cerr := r.pubsub.Close(); cerr != nil {
			err = fmt.Errorf("failed to close pubsub: %w", cerr)
		}
	}
	r.wg.Wait()
	return err
}

func (r *Relay) sendLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbox:
			data, err := json.Marshal(env)
			if err != nil {
				r.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = r.client.Publish(pubCtx, getChannelKey(env.RunID), data).Err()
			cancel()
			if err != nil {
				r.logger.Error("failed to publish event",
					zap.String("run_id", env.RunID),
					zap.String("type", string(env.Event.Type)),
					zap.Error(err))
			}
		}
	}
}

func (r *Relay) receiveLoop(ctx context.Context) {
	defer r.wg.Done()
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Error("invalid relayed event",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			if env.RunID == "" {
				env.RunID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			r.local.Publish(env.RunID, env.Event)
		}
	}
}

// getChannelKey returns the Pub/Sub channel for a run
func getChannelKey(runID string) string {
	return channelPrefix + runID
}
