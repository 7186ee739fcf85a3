package feed

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// Subscription is the consumer handle for one instrument. It implements
// domain.FeedSubscription.
type Subscription struct {
	id         string
	instrument string
	conn       *Connection

	out       chan domain.FeedMessage
	done      chan struct{}
	closeOnce sync.Once

	// Guarded by conn.mu.
	subscribed   bool
	needsReset   bool
	resetPending bool
}

func newSubscription(c *Connection, instrument string, buffer int) *Subscription {
	return &Subscription{
		id:         uuid.NewString(),
		instrument: instrument,
		conn:       c,
		out:        make(chan domain.FeedMessage, buffer),
		done:       make(chan struct{}),
	}
}

func (s *Subscription) ID() string         { return s.id }
func (s *Subscription) Instrument() string { return s.instrument }

// Messages yields decoded messages until the subscription is closed. Each
// message is checked against the close signal after it is received, so
// nothing buffered before Close is yielded afterwards.
func (s *Subscription) Messages() iter.Seq[domain.FeedMessage] {
	return func(yield func(domain.FeedMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.out:
				select {
				case <-s.done:
					return
				default:
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Close stops delivery immediately and unsubscribes on the wire when this
// is still the active subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.markClosed()
	return s.conn.release(s)
}

// Done is closed once the subscription has been closed or replaced.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) markClosed() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) deliver(ctx context.Context, msg domain.FeedMessage) {
	select {
	case <-s.done:
	case <-ctx.Done():
	case s.out <- msg:
	}
}
