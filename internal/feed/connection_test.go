package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/depthbook/internal/domain"
	"github.com/alanyoungcy/depthbook/internal/platform/coinbase"
)

const waitTimeout = 5 * time.Second

// fakeExchange is a WebSocket server that records client commands and lets
// the test push frames to the most recent connection.
type fakeExchange struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	commands chan coinbase.Command
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	fx := &fakeExchange{
		conns:    make(chan *websocket.Conn, 8),
		commands: make(chan coinbase.Command, 64),
	}
	upgrader := websocket.Upgrader{}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fx.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd coinbase.Command
			if json.Unmarshal(data, &cmd) == nil {
				fx.commands <- cmd
			}
		}
	}))
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(fx.srv.URL, "http")
}

func (fx *fakeExchange) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fx.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("no client connection")
		return nil
	}
}

func (fx *fakeExchange) expectCommand(t *testing.T, typ, instrument string) {
	t.Helper()
	select {
	case cmd := <-fx.commands:
		if cmd.Type != typ || len(cmd.ProductIDs) != 1 || cmd.ProductIDs[0] != instrument {
			t.Fatalf("got command %s %v, want %s %s", cmd.Type, cmd.ProductIDs, typ, instrument)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s %s", typ, instrument)
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func collect(sub domain.FeedSubscription) <-chan domain.FeedMessage {
	ch := make(chan domain.FeedMessage, 64)
	go func() {
		defer close(ch)
		for msg := range sub.Messages() {
			ch <- msg
		}
	}()
	return ch
}

func nextMessage(t *testing.T, ch <-chan domain.FeedMessage) domain.FeedMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("message stream ended")
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for message")
		return domain.FeedMessage{}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startConnection(t *testing.T, url string, cfg Config) *Connection {
	t.Helper()
	cfg.WSURL = url
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
		cfg.MaxReconnectDelay = 50 * time.Millisecond
	}
	c := NewConnection(cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestOpenUnsubscribesPreviousInstrumentFirst(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnection(t, fx.url(), Config{})
	fx.nextConn(t)

	if _, err := c.Open(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fx.expectCommand(t, "subscribe", "BTC-USD")

	if _, err := c.Open(context.Background(), "ETH-USD"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fx.expectCommand(t, "unsubscribe", "BTC-USD")
	fx.expectCommand(t, "subscribe", "ETH-USD")
}

func TestMessagesForOtherInstrumentsAreDropped(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnection(t, fx.url(), Config{})
	server := fx.nextConn(t)

	sub, err := c.Open(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fx.expectCommand(t, "subscribe", "BTC-USD")
	msgs := collect(sub)

	send(t, server, `{"type":"l2update","product_id":"ETH-USD","changes":[["buy","1","1"]]}`)
	send(t, server, `garbage`)
	send(t, server, `{"type":"heartbeat"}`)
	send(t, server, `{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100","5"]]}`)

	msg := nextMessage(t, msgs)
	if msg.Kind != domain.KindUpdate || msg.Instrument != "BTC-USD" {
		t.Fatalf("expected BTC-USD update first, got %v %s", msg.Kind, msg.Instrument)
	}
}

func TestErrorMessagesReachActiveSubscription(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnection(t, fx.url(), Config{})
	server := fx.nextConn(t)

	sub, _ := c.Open(context.Background(), "BTC-USD")
	fx.expectCommand(t, "subscribe", "BTC-USD")
	msgs := collect(sub)

	send(t, server, `{"type":"error","message":"Failed to subscribe","reason":"bad product"}`)
	msg := nextMessage(t, msgs)
	if msg.Kind != domain.KindError || msg.Error.Reason != "bad product" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestReconnectResubscribesAndResets(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnection(t, fx.url(), Config{})
	first := fx.nextConn(t)

	sub, _ := c.Open(context.Background(), "BTC-USD")
	fx.expectCommand(t, "subscribe", "BTC-USD")
	msgs := collect(sub)

	_ = first.Close()

	second := fx.nextConn(t)
	fx.expectCommand(t, "subscribe", "BTC-USD")

	send(t, second, `{"type":"l2update","product_id":"BTC-USD","changes":[["sell","101","2"]]}`)
	msg := nextMessage(t, msgs)
	if msg.Kind != domain.KindReset || msg.Instrument != "BTC-USD" {
		t.Fatalf("expected reset after reconnect, got %v", msg.Kind)
	}
	if msg := nextMessage(t, msgs); msg.Kind != domain.KindUpdate {
		t.Fatalf("expected update after reset, got %v", msg.Kind)
	}
}

func TestNothingDeliveredAfterClose(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnection(t, fx.url(), Config{})
	server := fx.nextConn(t)

	sub, _ := c.Open(context.Background(), "BTC-USD")
	fx.expectCommand(t, "subscribe", "BTC-USD")

	send(t, server, `{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100","5"]]}`)
	time.Sleep(50 * time.Millisecond)

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fx.expectCommand(t, "unsubscribe", "BTC-USD")

	for msg := range sub.Messages() {
		t.Fatalf("received %v after close", msg.Kind)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReplacedSubscriptionStopsYielding(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnection(t, fx.url(), Config{})
	fx.nextConn(t)

	old, _ := c.Open(context.Background(), "BTC-USD")
	fx.expectCommand(t, "subscribe", "BTC-USD")
	oldMsgs := collect(old)

	if _, err := c.Open(context.Background(), "ETH-USD"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	select {
	case _, ok := <-oldMsgs:
		if ok {
			t.Fatalf("replaced subscription yielded a message")
		}
	case <-time.After(waitTimeout):
		t.Fatalf("replaced subscription never finished")
	}
}

func TestUnavailableAfterRepeatedDialFailures(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	c := NewConnection(Config{
		WSURL:             url,
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 5 * time.Millisecond,
		UnavailableAfter:  3,
	}, testLogger())

	sub, err := c.Open(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	msgs := collect(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	msg := nextMessage(t, msgs)
	if msg.Kind != domain.KindUnavailable || msg.Error.Reason == "" {
		t.Fatalf("expected unavailable message, got %+v", msg)
	}
	if c.Connected() {
		t.Fatalf("connection should not report connected")
	}
}

func TestSessionsDroppedBeforeDataCountAsFailures(t *testing.T) {
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		_ = conn.Close()
	}))
	defer srv.Close()

	c := NewConnection(Config{
		WSURL:             "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 5 * time.Millisecond,
		UnavailableAfter:  3,
	}, testLogger())

	sub, err := c.Open(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	msgs := collect(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	msg := nextMessage(t, msgs)
	if msg.Kind != domain.KindUnavailable {
		t.Fatalf("expected unavailable before any reset, got %v", msg.Kind)
	}
	if n := accepted.Load(); n < 3 {
		t.Fatalf("accepted %d sessions, want at least 3", n)
	}
}

func TestReconnectBackoffGrowsWhileSessionsFail(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		_ = conn.Close()
	}))
	defer srv.Close()

	startConnection(t, "ws"+strings.TrimPrefix(srv.URL, "http"), Config{
		ReconnectDelay:    20 * time.Millisecond,
		MaxReconnectDelay: 10 * time.Second,
	})

	deadline := time.Now().Add(waitTimeout)
	for {
		mu.Lock()
		n := len(times)
		mu.Unlock()
		if n >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d sessions accepted", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	// Delays run 20ms, 40ms, 80ms. A fixed base delay would leave every gap
	// near 20ms.
	if gap := times[3].Sub(times[2]); gap < 60*time.Millisecond {
		t.Fatalf("third retry after %v, backoff did not grow", gap)
	}
}

func TestDefaultMaxDelayNeverBelowBase(t *testing.T) {
	c := NewConnection(Config{WSURL: "ws://unused", ReconnectDelay: 90 * time.Second}, testLogger())
	if c.cfg.MaxReconnectDelay != 90*time.Second {
		t.Fatalf("MaxReconnectDelay = %v, want 90s", c.cfg.MaxReconnectDelay)
	}
	c = NewConnection(Config{WSURL: "ws://unused"}, testLogger())
	if c.cfg.MaxReconnectDelay != 60*time.Second {
		t.Fatalf("MaxReconnectDelay = %v, want 60s", c.cfg.MaxReconnectDelay)
	}
}

func TestOpenRejectsEmptyInstrument(t *testing.T) {
	c := NewConnection(Config{WSURL: "ws://unused"}, testLogger())
	if _, err := c.Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty instrument")
	}
}

func TestCloseStopsRunAndRejectsOpen(t *testing.T) {
	c := NewConnection(Config{WSURL: "ws://127.0.0.1:1", ReconnectDelay: 10 * time.Millisecond}, testLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(context.Background())
	}()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Close")
	}
	if _, err := c.Open(context.Background(), "BTC-USD"); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("Open after Close: got %v, want ErrClosed", err)
	}
}
