// Package invalidation fans out "org changed" notices to every gate cache, in this
// process directly and in other processes over Redis pub/sub.
package invalidation

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultChannel is the Redis channel invalidations are published on.
const DefaultChannel = "entitlements:invalidate"

// Invalidator is implemented by anything that must forget cached state for an org.
type Invalidator interface {
	InvalidateOrg(ctx context.Context, orgID string)
}

// Bus delivers invalidations to local subscribers and, when a Redis client is set,
// to every other process sharing the channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers []func(orgID string)

	client   redis.UniversalClient
	channel  string
	instance string
}

// NewBus creates a Bus. client may be nil for a single-process deployment.
func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client, channel: DefaultChannel, instance: uuid.NewString()}
}

// Subscribe registers fn for every invalidation, local or remote.
func (b *Bus) Subscribe(fn func(orgID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *Bus) deliver(orgID string) {
	b.mu.RLock()
	subs := append([]func(string){}, b.subscribers...)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(orgID)
	}
}

// InvalidateOrg implements Invalidator. Local subscribers run synchronously; the
// Redis publish is best effort since remote caches expire on their own TTL.
func (b *Bus) InvalidateOrg(ctx context.Context, orgID string) {
	if orgID == "" {
		return
	}
	b.deliver(orgID)
	if b.client == nil {
		return
	}
	if err := b.client.Publish(ctx, b.channel, b.instance+"|"+orgID).Err(); err != nil {
		log.Warn().Err(err).Str("org_id", orgID).Msg("invalidation: publish failed")
	}
}

// Run relays invalidations published by other processes until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	if b.client == nil {
		<-ctx.Done()
		return nil
	}
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			instance, orgID, found := strings.Cut(msg.Payload, "|")
			if !found || instance == b.instance {
				continue
			}
			b.deliver(orgID)
		}
	}
}
