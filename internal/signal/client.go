package signal

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/logging"
)

var log = logging.For("signal")

var (
	// ErrNotAuthenticated is reported when a frame is sent before auth_success.
	ErrNotAuthenticated = errors.New("signal channel not authenticated")
	// ErrReconnectExhausted is reported once the channel gives up reconnecting.
	ErrReconnectExhausted = errors.New("signal channel reconnect attempts exhausted")
	// ErrAuthRejected is reported when the server answers auth with auth_error.
	ErrAuthRejected = errors.New("signal channel authentication rejected")
	// ErrSendBufferFull is reported when frames are sent faster than the
	// connection drains them.
	ErrSendBufferFull = errors.New("signal channel send buffer full")
)

const sendBuffer = 256

// State is the lifecycle state of a Client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateClosing
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialWebsocket dials with the default gorilla dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	return conn, nil
}

// Options configures a Client. Zero values fall back to the defaults used
// in production: 5 attempts, 1s base delay, 25s pings.
type Options struct {
	URL          string
	SessionID    string
	Token        string
	MaxAttempts  int
	BaseDelay    time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	// AuthTimeout bounds the wait for auth_success or auth_error; expiry
	// counts as a failed attempt.
	AuthTimeout time.Duration

	Dial DialFunc
	// After is the reconnect timer; tests replace it to observe delays.
	After func(time.Duration) <-chan time.Time
	// Deliver hands inbound frames and local events to the owning loop.
	// When nil they are dispatched on the read goroutine.
	Deliver func(func()) bool
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.Dial == nil {
		o.Dial = DialWebsocket
	}
	if o.After == nil {
		o.After = time.After
	}
}

// Client owns one signaling connection for a session: it authenticates with
// an auth frame, reconnects with exponential backoff and feeds inbound
// frames to a Router.
type Client struct {
	opts   Options
	router *Router

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     Conn
	out      chan []byte
	state    State
	attempt  int
	started  bool
	closed   bool
	rejected bool
	done     chan struct{}
}

// NewClient creates a client that dispatches into router.
func NewClient(opts Options, router *Router) *Client {
	opts.setDefaults()
	if router == nil {
		router = NewRouter()
	}
	return &Client{
		opts:   opts,
		router: router,
		done:   make(chan struct{}),
	}
}

// Router returns the router fed by this client.
func (c *Client) Router() *Router {
	return c.router
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting in the background. Progress is reported through
// the router: "connected" after auth_success, "reconnecting" before each
// retry and "error" when the channel fails for good.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("signal client is closed")
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("signal client already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.maintain(ctx, endpoint)
	return nil
}

// Send queues f for the connection's write pump if the channel is
// authenticated. Otherwise the frame is dropped with a warning and an
// "error" event. Send never blocks on the socket.
func (c *Client) Send(f domain.Frame) {
	c.mu.Lock()
	out, state := c.out, c.state
	c.mu.Unlock()

	if state != StateAuthenticated || out == nil {
		log.Warnf("dropping %s frame: channel is %s", f.Type, state)
		c.emit(Event{Type: EventError, State: state, Err: errors.Wrapf(ErrNotAuthenticated, "send %s", f.Type)})
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		log.Warnf("send %s: %v", f.Type, err)
		return
	}
	select {
	case out <- data:
	default:
		log.Warnf("dropping %s frame: send buffer full", f.Type)
		c.emit(Event{Type: EventError, State: state, Err: errors.Wrapf(ErrSendBufferFull, "send %s", f.Type)})
	}
}

// Disconnect closes the connection, stops reconnecting and clears every
// router registration. It is safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn, out := c.conn, c.out
	c.conn = nil
	c.out = nil
	if c.state != StateFailed {
		c.state = StateClosing
	}
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		c.flush(conn, out)
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.router.Clear()

	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	log.Infof("disconnected")
}

func (c *Client) endpoint() (string, error) {
	if c.opts.SessionID == "" {
		return "", errors.New("session id is required")
	}
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", errors.Wrap(err, "parse signal url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.Errorf("signal url must be ws:// or wss://, got %q", c.opts.URL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + c.opts.SessionID
	return u.String(), nil
}

func (c *Client) maintain(ctx context.Context, endpoint string) {
	for {
		c.setState(StateConnecting)
		log.Infof("connecting to %s", endpoint)

		conn, err := c.opts.Dial(ctx, endpoint)
		if err != nil {
			log.Warnf("dial: %v", err)
		} else if !c.serve(ctx, conn) {
			return
		}
		if c.stopped(ctx) {
			return
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if attempt > c.opts.MaxAttempts {
			c.setState(StateFailed)
			log.Errorf("giving up after %d reconnect attempts", c.opts.MaxAttempts)
			c.emit(Event{Type: EventError, State: StateFailed, Err: ErrReconnectExhausted, Attempt: c.opts.MaxAttempts})
			return
		}

		delay := c.opts.BaseDelay * time.Duration(1<<(attempt-1))
		c.setState(StateDisconnected)
		log.Infof("reconnecting in %s (attempt %d/%d)", delay, attempt, c.opts.MaxAttempts)
		c.emit(Event{Type: EventReconnecting, State: StateDisconnected, Attempt: attempt, Delay: delay})

		select {
		case <-c.opts.After(delay):
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// serve runs one connection until it drops. It reports whether the client
// should try to reconnect.
func (c *Client) serve(ctx context.Context, conn Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	out := make(chan []byte, sendBuffer)
	c.conn = conn
	c.out = out
	c.state = StateAuthenticating
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := c.write(conn, domain.Auth(c.opts.Token)); err != nil {
		log.Warnf("send auth: %v", err)
		return !c.dropConn(conn) && ctx.Err() == nil
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.AuthTimeout))
	go c.writePump(conn, out, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			authenticating := c.State() == StateAuthenticating
			if c.dropConn(conn) || ctx.Err() != nil {
				return false
			}
			if authenticating {
				log.Warnf("no auth reply: %v", err)
			} else {
				log.Warnf("read error: %v", err)
			}
			c.emit(Event{Type: EventDisconnected, State: StateDisconnected, Err: err})
			return true
		}
		log.Debugf("<<< %s", truncate(data))

		switch peekType(data) {
		case domain.TypeAuthSuccess:
			_ = conn.SetReadDeadline(time.Time{})
			c.mu.Lock()
			if c.conn == conn {
				c.state = StateAuthenticated
				c.attempt = 0
			}
			c.mu.Unlock()
			log.Infof("authenticated")
			c.dispatch(data)
			c.emit(Event{Type: EventConnected, State: StateAuthenticated})
			continue

		case domain.TypeAuthError:
			log.Errorf("authentication rejected: %s", truncate(data))
			c.mu.Lock()
			c.rejected = true
			c.state = StateFailed
			c.mu.Unlock()
			c.dispatch(data)
			c.emit(Event{Type: EventError, State: StateFailed, Err: ErrAuthRejected})
			c.dropConn(conn)
			return false
		}
		c.dispatch(data)
	}
}

// dropConn detaches conn and closes it. It reports whether the client must
// not reconnect (explicit disconnect or rejected credential).
func (c *Client) dropConn(conn Conn) bool {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.out = nil
	}
	terminal := c.closed || c.rejected
	if !terminal {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	conn.Close()
	return terminal
}

func (c *Client) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.rejected
}

// writePump owns writes on conn after the auth frame: queued frames in
// order, and a ping every PingInterval while authenticated. A failed write
// closes conn so the read loop reconnects.
func (c *Client) writePump(conn Conn, out <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case data := <-out:
			log.Debugf(">>> %s", truncate(data))
			if err := c.writeData(conn, data); err != nil {
				log.Warnf("write: %v", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			live := c.conn == conn && c.state == StateAuthenticated
			c.mu.Unlock()
			if !live {
				continue
			}
			if err := c.write(conn, domain.Ping()); err != nil {
				log.Warnf("ping: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// flush writes frames still queued for conn, such as a final leave.
func (c *Client) flush(conn Conn, out chan []byte) {
	for {
		select {
		case data := <-out:
			if err := c.writeData(conn, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(conn Conn, f domain.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	if f.Type == domain.TypeAuth {
		log.Debugf(">>> {\"type\":\"auth\"}")
	} else {
		log.Debugf(">>> %s", truncate(data))
	}
	return c.writeData(conn, data)
}

func (c *Client) writeData(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return errors.Wrap(conn.WriteMessage(websocket.TextMessage, data), "write frame")
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateFailed {
		return
	}
	c.state = s
}

func (c *Client) dispatch(data []byte) {
	c.deliver(func() { c.router.Dispatch(data) })
}

func (c *Client) emit(ev Event) {
	c.deliver(func() { c.router.Emit(ev) })
}

func (c *Client) deliver(fn func()) {
	if c.opts.Deliver == nil {
		fn()
		return
	}
	c.opts.Deliver(fn)
}

func peekType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}
