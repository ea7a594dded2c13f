package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom_live/native/internal/domain"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// serveRelay starts a websocket server that hands every accepted
// connection to handle and returns its ws:// base URL.
func serveRelay(t *testing.T, handle func(n int, conn *websocket.Conn)) string {
	t.Helper()
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(int(atomic.AddInt32(&count, 1)), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func readFrame(conn *websocket.Conn) domain.Frame {
	var f domain.Frame
	_ = conn.ReadJSON(&f)
	return f
}

func instantAfter(delays *[]time.Duration, mu *sync.Mutex) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestClient_BackoffDoublesThenFails(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
		dials  int32
	)
	c := NewClient(Options{
		URL:         "ws://relay.invalid/ws",
		SessionID:   "s1",
		Token:       "tok",
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Dial: func(context.Context, string) (Conn, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("connection refused")
		},
		After: instantAfter(&delays, &mu),
	}, nil)

	failed := make(chan Event, 1)
	var reconnecting []int
	c.Router().On(EventReconnecting, func(ev Event) { reconnecting = append(reconnecting, ev.Attempt) })
	c.Router().On(EventError, func(ev Event) { failed <- ev })

	require.NoError(t, c.Connect(context.Background()))
	ev := waitEvent(t, failed)

	assert.True(t, errors.Is(ev.Err, ErrReconnectExhausted))
	assert.Equal(t, StateFailed, c.State())
	assert.EqualValues(t, 6, atomic.LoadInt32(&dials))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, reconnecting)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)
}

func TestClient_AuthIsFirstFrame(t *testing.T) {
	received := make(chan domain.Frame, 4)
	url := serveRelay(t, func(_ int, conn *websocket.Conn) {
		first := readFrame(conn)
		received <- first
		_ = conn.WriteJSON(domain.Frame{Type: domain.TypeAuthSuccess})
		for {
			var f domain.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != domain.TypePing {
				received <- f
			}
		}
	})

	c := NewClient(Options{URL: url, SessionID: "room-1", Token: "secret"}, nil)
	t.Cleanup(c.Disconnect)

	connected := make(chan Event, 1)
	c.Router().On(EventConnected, func(ev Event) { connected <- ev })

	require.NoError(t, c.Connect(context.Background()))
	auth := <-received
	assert.Equal(t, domain.TypeAuth, auth.Type)
	assert.Equal(t, "secret", auth.Token)

	waitEvent(t, connected)
	assert.Equal(t, StateAuthenticated, c.State())

	c.Send(domain.ChatFrame("u1", "hello", "2024-01-01T00:00:00Z"))
	select {
	case f := <-received:
		assert.Equal(t, domain.TypeChatMessage, f.Type)
		assert.Equal(t, "hello", f.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("relay never received chat frame")
	}
}

func TestClient_SendBeforeAuthIsDropped(t *testing.T) {
	c := NewClient(Options{URL: "ws://relay.invalid/ws", SessionID: "s1"}, nil)

	var errs []error
	c.Router().On(EventError, func(ev Event) { errs = append(errs, ev.Err) })

	c.Send(domain.WhiteboardClear("p1"))

	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrNotAuthenticated))
	assert.Equal(t, StateIdle, c.State())
}

func TestClient_AuthErrorFailsWithoutRetry(t *testing.T) {
	url := serveRelay(t, func(_ int, conn *websocket.Conn) {
		readFrame(conn)
		_ = conn.WriteJSON(domain.Frame{Type: domain.TypeAuthError, Error: "invalid token"})
		_, _, _ = conn.ReadMessage()
	})

	var dials int32
	c := NewClient(Options{
		URL:       url,
		SessionID: "s1",
		Token:     "expired",
		Dial: func(ctx context.Context, u string) (Conn, error) {
			atomic.AddInt32(&dials, 1)
			return DialWebsocket(ctx, u)
		},
	}, nil)
	t.Cleanup(c.Disconnect)

	failed := make(chan Event, 1)
	var frames []string
	c.Router().On(domain.TypeAuthError, func(ev Event) { frames = append(frames, ev.Frame.Error) })
	c.Router().On(EventError, func(ev Event) { failed <- ev })

	require.NoError(t, c.Connect(context.Background()))
	ev := waitEvent(t, failed)

	assert.True(t, errors.Is(ev.Err, ErrAuthRejected))
	assert.Equal(t, []string{"invalid token"}, frames)
	assert.Equal(t, StateFailed, c.State())

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestClient_SuccessfulAuthResetsAttempts(t *testing.T) {
	url := serveRelay(t, func(n int, conn *websocket.Conn) {
		readFrame(conn)
		_ = conn.WriteJSON(domain.Frame{Type: domain.TypeAuthSuccess})
		if n <= 2 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	c := NewClient(Options{
		URL:       url,
		SessionID: "s1",
		Token:     "tok",
		BaseDelay: 10 * time.Millisecond,
		After:     instantAfter(&delays, &mu),
	}, nil)
	t.Cleanup(c.Disconnect)

	connected := make(chan Event, 3)
	c.Router().On(EventConnected, func(ev Event) { connected <- ev })

	require.NoError(t, c.Connect(context.Background()))
	for i := 0; i < 3; i++ {
		waitEvent(t, connected)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, delays)
}

func TestClient_DisconnectIsIdempotentAndClearsHandlers(t *testing.T) {
	url := serveRelay(t, func(_ int, conn *websocket.Conn) {
		readFrame(conn)
		_ = conn.WriteJSON(domain.Frame{Type: domain.TypeAuthSuccess})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(Options{URL: url, SessionID: "s1", Token: "tok"}, nil)
	connected := make(chan Event, 1)
	c.Router().On(EventConnected, func(ev Event) { connected <- ev })

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, connected)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	c.Router().Emit(Event{Type: EventConnected})
	assert.Empty(t, connected)
	assert.Error(t, c.Connect(context.Background()))
}

func TestClient_RejectsBadURL(t *testing.T) {
	c := NewClient(Options{URL: "http://relay/ws", SessionID: "s1"}, nil)
	assert.Error(t, c.Connect(context.Background()))

	c = NewClient(Options{URL: "ws://relay/ws"}, nil)
	assert.Error(t, c.Connect(context.Background()))
}

func TestClient_PingsOnlyWhileAuthenticated(t *testing.T) {
	var (
		authed atomic.Bool
		early  atomic.Int32
	)
	pinged := make(chan struct{}, 1)
	url := serveRelay(t, func(_ int, conn *websocket.Conn) {
		readFrame(conn)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var f domain.Frame
				if err := conn.ReadJSON(&f); err != nil {
					return
				}
				if !authed.Load() {
					early.Add(1)
					continue
				}
				if f.Type == domain.TypePing {
					select {
					case pinged <- struct{}{}:
					default:
					}
				}
			}
		}()

		time.Sleep(150 * time.Millisecond)
		authed.Store(true)
		_ = conn.WriteJSON(domain.Frame{Type: domain.TypeAuthSuccess})
		<-done
	})

	c := NewClient(Options{URL: url, SessionID: "s1", Token: "tok", PingInterval: 20 * time.Millisecond}, nil)
	t.Cleanup(c.Disconnect)
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("no ping after auth_success")
	}
	assert.Zero(t, early.Load())
}

// stalledConn accepts the auth frame, then holds every other text write
// until release is closed.
type stalledConn struct {
	reads     chan []byte
	written   chan string
	release   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newStalledConn() *stalledConn {
	return &stalledConn{
		reads:   make(chan []byte, 4),
		written: make(chan string, 16),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (s *stalledConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.reads:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *stalledConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	typ := peekType(data)
	if typ != domain.TypeAuth && !s.released() {
		select {
		case <-s.release:
		case <-s.closed:
			return errors.New("use of closed connection")
		}
	}
	s.written <- typ
	return nil
}

func (s *stalledConn) released() bool {
	select {
	case <-s.release:
		return true
	default:
		return false
	}
}

func (s *stalledConn) SetReadDeadline(time.Time) error  { return nil }
func (s *stalledConn) SetWriteDeadline(time.Time) error { return nil }

func (s *stalledConn) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *stalledConn) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case typ := <-s.written:
		return typ
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a write")
		return ""
	}
}

func TestClient_SendDoesNotWaitForSocket(t *testing.T) {
	conn := newStalledConn()
	c := NewClient(Options{
		URL:          "ws://relay.invalid/ws",
		SessionID:    "s1",
		Token:        "tok",
		PingInterval: time.Hour,
		Dial:         func(context.Context, string) (Conn, error) { return conn, nil },
	}, nil)
	t.Cleanup(c.Disconnect)

	connected := make(chan Event, 1)
	c.Router().On(EventConnected, func(ev Event) { connected <- ev })
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, domain.TypeAuth, conn.nextWrite(t))
	conn.reads <- []byte(`{"type":"auth_success"}`)
	waitEvent(t, connected)

	start := time.Now()
	c.Send(domain.WhiteboardClear("p1"))
	c.Send(domain.ChatFrame("u1", "hi", ""))
	assert.Less(t, time.Since(start), time.Second)

	close(conn.release)
	assert.Equal(t, domain.TypeWhiteboardClear, conn.nextWrite(t))
	assert.Equal(t, domain.TypeChatMessage, conn.nextWrite(t))
}

func TestClient_DisconnectFlushesQueuedFrames(t *testing.T) {
	conn := newStalledConn()
	close(conn.release)
	c := NewClient(Options{
		URL:          "ws://relay.invalid/ws",
		SessionID:    "s1",
		Token:        "tok",
		PingInterval: time.Hour,
		Dial:         func(context.Context, string) (Conn, error) { return conn, nil },
	}, nil)

	connected := make(chan Event, 1)
	c.Router().On(EventConnected, func(ev Event) { connected <- ev })
	require.NoError(t, c.Connect(context.Background()))
	conn.nextWrite(t)
	conn.reads <- []byte(`{"type":"auth_success"}`)
	waitEvent(t, connected)

	c.Send(domain.ClassroomLeave("room1", "p1"))
	c.Disconnect()
	assert.Equal(t, domain.TypeClassroomLeave, conn.nextWrite(t))
}

func TestClient_AuthReplyTimeoutCountsAsAttempt(t *testing.T) {
	var dials atomic.Int32
	url := serveRelay(t, func(n int, conn *websocket.Conn) {
		dials.Store(int32(n))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	c := NewClient(Options{
		URL:         url,
		SessionID:   "s1",
		Token:       "tok",
		MaxAttempts: 1,
		AuthTimeout: 50 * time.Millisecond,
		After:       instantAfter(&delays, &mu),
	}, nil)
	t.Cleanup(c.Disconnect)

	failed := make(chan Event, 1)
	c.Router().On(EventError, func(ev Event) {
		if ev.State == StateFailed {
			failed <- ev
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	ev := waitEvent(t, failed)
	assert.True(t, errors.Is(ev.Err, ErrReconnectExhausted))
	assert.EqualValues(t, 2, dials.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second}, delays)
}
