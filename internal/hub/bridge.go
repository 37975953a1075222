package hub

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/statorhq/stator/internal/platform/id"
)

const bridgeRetryDelay = time.Second

// Bridge links hubs across server instances through Redis pub/sub. Writes
// on one instance announce an invalidation; the others pass it to their
// local subscribers, and each session re-reads canonical state. Messages
// carry only the origin instance id, never state, so instances joining
// late or dropping messages stay correct: the store is the single source
// of truth.
type Bridge struct {
	rdb      *redis.Client
	hub      *Hub
	channel  string
	instance string
}

// NewBridge wires a bridge over the given Redis channel.
func NewBridge(rdb *redis.Client, h *Hub, channel string) *Bridge {
	return &Bridge{
		rdb:      rdb,
		hub:      h,
		channel:  channel,
		instance: id.New(),
	}
}

// Announce publishes a cross-instance invalidation after a local write.
// Nil-safe so sessions run unchanged when no bridge is configured; failures
// are logged and dropped because peers converge from the store on their
// next announce.
func (b *Bridge) Announce(ctx context.Context) {
	if b == nil || b.rdb == nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, b.instance).Err(); err != nil {
		log.Printf("hub bridge announce failed: %v", err)
	}
}

// Run consumes invalidations until the context ends. Subscription failures
// retry with a fixed delay.
func (b *Bridge) Run(ctx context.Context) error {
	if b == nil || b.rdb == nil {
		return nil
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := b.consume(ctx); err != nil {
			log.Printf("hub bridge subscription failed: %v", err)
		}
		if !sleepRetry(ctx, bridgeRetryDelay) {
			return nil
		}
	}
}

func (b *Bridge) consume(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer func() {
		_ = pubsub.Close()
	}()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == b.instance {
				continue
			}
			// The write happened on another instance, so no local
			// subscriber is the origin.
			b.hub.Publish("")
		}
	}
}

func sleepRetry(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
