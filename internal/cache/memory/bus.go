// Package memory provides an in-process SignalBus for single-node runs
// without Redis.
package memory

import (
	"context"
	"path"
	"sync"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

const subscriberBuffer = 128

type subscriber struct {
	pattern string
	ch      chan []byte
}

// Bus fans published payloads out to every matching subscriber. A slow
// subscriber whose buffer is full misses the payload rather than blocking
// the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers payload to subscribers of channel. Channels may be
// subscribed with glob patterns.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel closed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{pattern: channel, ch: ch}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	})
	return ch, nil
}

var _ domain.SignalBus = (*Bus)(nil)
