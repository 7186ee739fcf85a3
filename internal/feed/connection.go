// Package feed owns the shared streaming connection to the market-data feed
// and hands out one active per-instrument subscription at a time.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/depthbook/internal/domain"
	"github.com/alanyoungcy/depthbook/internal/metrics"
	"github.com/alanyoungcy/depthbook/internal/platform/coinbase"
)

// Config controls the transport and its reconnect policy.
type Config struct {
	WSURL             string
	Channels          []string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// UnavailableAfter is the number of consecutive failed connection
	// attempts after which the active subscription receives a
	// KindUnavailable message. A dial error and a session dropped before its
	// first frame both count as failed.
	UnavailableAfter int
	// BufferSize is the per-subscription message buffer.
	BufferSize int
}

func (c *Config) setDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = max(60*time.Second, c.ReconnectDelay)
	}
	if c.UnavailableAfter <= 0 {
		c.UnavailableAfter = 5
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
}

// Connection multiplexes subscribe and unsubscribe intents onto a single
// WebSocket session and reconnects it when it drops. Run drives the
// transport; Open may be called before or after Run starts.
type Connection struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context, url string, channels []string) (*coinbase.Session, error)

	mu     sync.Mutex
	sess   *coinbase.Session
	active *Subscription

	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a Connection. Nothing is dialed until Run is called.
func NewConnection(cfg Config, logger *slog.Logger) *Connection {
	cfg.setDefaults()
	return &Connection{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "feed")),
		dial:   coinbase.Dial,
		closed: make(chan struct{}),
	}
}

// Close ends the active subscription and stops Run. It is safe to call more
// than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		sub := c.active
		c.mu.Unlock()
		if sub != nil {
			err = sub.Close()
		}
		close(c.closed)
	})
	return err
}

// Open makes instrument the active subscription. Any previous subscription
// is closed and, when connected, unsubscribed on the wire before the new
// subscribe command is sent.
func (c *Connection) Open(ctx context.Context, instrument string) (domain.FeedSubscription, error) {
	if instrument == "" {
		return nil, fmt.Errorf("feed: open: %w", domain.ErrUnknownInstrument)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("feed: open %s: %w", instrument, err)
	}
	select {
	case <-c.closed:
		return nil, fmt.Errorf("feed: open %s: %w", instrument, domain.ErrClosed)
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old := c.active; old != nil {
		old.markClosed()
		c.active = nil
		if c.sess != nil && old.subscribed {
			if err := c.sess.Unsubscribe(old.instrument); err != nil {
				c.logger.Warn("unsubscribe failed", slog.String("instrument", old.instrument), slog.String("error", err.Error()))
			}
		}
	}

	sub := newSubscription(c, instrument, c.cfg.BufferSize)
	c.active = sub

	if c.sess != nil {
		if err := c.sess.Subscribe(instrument); err != nil {
			// The read loop will notice the broken session and resubscribe
			// after reconnecting.
			c.logger.Warn("subscribe failed", slog.String("instrument", instrument), slog.String("error", err.Error()))
		} else {
			sub.subscribed = true
			sub.needsReset = true
		}
	}

	c.logger.Info("subscription opened", slog.String("instrument", instrument), slog.String("subscription", sub.id))
	return sub, nil
}

// Connected reports whether a session is currently attached.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Run dials the feed and keeps it connected until ctx is cancelled or Close
// is called.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := c.cfg.ReconnectDelay
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		healthy, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// Only a session that delivered data ends an outage. Sessions that are
		// accepted and dropped before any frame count as failed attempts.
		if healthy {
			failures = 0
			delay = c.cfg.ReconnectDelay
		} else {
			failures++
		}
		metrics.ReconnectsTotal.Inc()
		c.logger.Warn("feed connection lost, reconnecting",
			slog.Int("failures", failures),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)
		if failures == c.cfg.UnavailableAfter {
			c.signalUnavailable(ctx, err)
		}
		if !sleep(ctx, delay) {
			return nil
		}
		delay = nextDelay(delay, c.cfg.MaxReconnectDelay)
	}
}

// connect dials once and serves the session until it fails. The bool
// reports whether the session decoded at least one frame.
func (c *Connection) connect(ctx context.Context) (bool, error) {
	sess, err := c.dial(ctx, c.cfg.WSURL, c.cfg.Channels)
	if err != nil {
		return false, fmt.Errorf("feed: dial: %w", err)
	}
	c.logger.Info("feed connected", slog.String("url", c.cfg.WSURL))
	return c.serve(ctx, sess)
}

// serve attaches sess, pumps frames until it fails and detaches it again.
func (c *Connection) serve(ctx context.Context, sess *coinbase.Session) (bool, error) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, func() { _ = sess.Close() })
	defer stop()

	metrics.FeedConnected.Set(1)
	defer metrics.FeedConnected.Set(0)

	if err := c.attach(sess); err != nil {
		c.detach(sess)
		_ = sess.Close()
		return false, fmt.Errorf("feed: subscribe: %w", err)
	}
	go sess.KeepAlive(sessCtx)

	healthy, err := c.readLoop(sessCtx, sess)
	c.detach(sess)
	_ = sess.Close()
	return healthy, err
}

// attach installs sess and resubscribes the active instrument. A
// subscription that was live on an earlier session owes its consumer a
// KindReset, delivered before the first frame of the new session.
func (c *Connection) attach(sess *coinbase.Session) error {
	c.mu.Lock()
	c.sess = sess
	sub := c.active
	if sub == nil {
		c.mu.Unlock()
		return nil
	}
	if err := sess.Subscribe(sub.instrument); err != nil {
		c.mu.Unlock()
		return err
	}
	sub.subscribed = true
	if sub.needsReset {
		sub.resetPending = true
	}
	sub.needsReset = true
	c.mu.Unlock()

	c.logger.Info("subscribed", slog.String("instrument", sub.instrument))
	return nil
}

// flushReset delivers the KindReset owed by attach, if any.
func (c *Connection) flushReset(ctx context.Context) {
	c.mu.Lock()
	sub := c.active
	if sub == nil || !sub.resetPending {
		c.mu.Unlock()
		return
	}
	sub.resetPending = false
	c.mu.Unlock()

	c.logger.Info("resubscribed after reconnect", slog.String("instrument", sub.instrument))
	sub.deliver(ctx, domain.FeedMessage{Kind: domain.KindReset, Instrument: sub.instrument, Time: time.Now().UTC()})
}

func (c *Connection) detach(sess *coinbase.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return
	}
	c.sess = nil
	if c.active != nil {
		c.active.subscribed = false
	}
}

func (c *Connection) readLoop(ctx context.Context, sess *coinbase.Session) (bool, error) {
	healthy := false
	for {
		raw, err := sess.ReadFrame()
		if err != nil {
			return healthy, fmt.Errorf("feed: read: %w", err)
		}

		msg, err := coinbase.DecodeFrame(raw)
		if err != nil && !errors.Is(err, domain.ErrUnknownMessage) {
			metrics.MalformedFramesTotal.Inc()
			c.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		if !healthy {
			healthy = true
			c.flushReset(ctx)
		}
		if err != nil {
			continue
		}
		metrics.FramesTotal.WithLabelValues(msg.Kind.String()).Inc()
		c.dispatch(ctx, msg)
	}
}

// dispatch hands msg to the active subscription. Messages tagged with another
// instrument belong to a subscription that has already been replaced.
func (c *Connection) dispatch(ctx context.Context, msg domain.FeedMessage) {
	c.mu.Lock()
	sub := c.active
	c.mu.Unlock()

	if sub == nil {
		return
	}
	if msg.Instrument != "" && msg.Instrument != sub.instrument {
		metrics.StaleMessagesTotal.Inc()
		c.logger.Debug("dropping stale message",
			slog.String("instrument", msg.Instrument),
			slog.String("active", sub.instrument),
			slog.String("kind", msg.Kind.String()),
		)
		return
	}
	sub.deliver(ctx, msg)
}

func (c *Connection) signalUnavailable(ctx context.Context, cause error) {
	c.mu.Lock()
	sub := c.active
	if sub != nil {
		sub.needsReset = true
	}
	c.mu.Unlock()

	if sub == nil {
		return
	}
	c.logger.Error("feed unavailable", slog.String("instrument", sub.instrument), slog.String("error", cause.Error()))
	sub.deliver(ctx, domain.FeedMessage{
		Kind:       domain.KindUnavailable,
		Instrument: sub.instrument,
		Time:       time.Now().UTC(),
		Error: domain.FeedError{
			Message: "Feed unavailable",
			Reason:  cause.Error(),
		},
	})
}

// release drops sub if it is still active, unsubscribing it on the wire.
func (c *Connection) release(sub *Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != sub {
		return nil
	}
	c.active = nil
	if c.sess == nil || !sub.subscribed {
		return nil
	}
	sub.subscribed = false
	if err := c.sess.Unsubscribe(sub.instrument); err != nil {
		return fmt.Errorf("feed: close %s: %w", sub.instrument, err)
	}
	c.logger.Info("subscription closed", slog.String("instrument", sub.instrument), slog.String("subscription", sub.id))
	return nil
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
