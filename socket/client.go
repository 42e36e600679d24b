package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/kleeedolinux/gobansocket/debug"
	"github.com/kleeedolinux/gobansocket/socket/transport"
)

const (
	commandPing         = "net/ping"
	commandAuthenticate = "authenticate"
	eventPong           = "net/pong"
)

var ErrQueueFull = errors.New("send queue full")

type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

type TransportFactory func(url string) Transport

// Client is the game socket itself: one websocket connection to a
// termination server, kept alive with net/ping and re-established with
// exponential backoff until Disconnect is called.
type Client struct {
	Emitter

	mu        sync.Mutex
	url       string
	options   Options
	conn      Transport
	connected bool
	closed    bool

	auth    any
	hasAuth bool

	queue    [][]byte
	maxQueue int

	nextRequestID int64
	pending       map[int64]ResponseFunc

	latency    float64
	clockDrift float64
	pongTimer  *time.Timer

	newTransport      TransportFactory
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	logger            *slog.Logger
	now               func() time.Time

	optionsChanged chan struct{}
	ctx            context.Context
	cancelFunc     context.CancelFunc
	done           chan struct{}
}

type ClientOption func(*Client)

func WithTransportFactory(f TransportFactory) ClientOption {
	return func(c *Client) {
		c.newTransport = f
	}
}

func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

func WithMaxReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxReconnectDelay = d
	}
}

func WithMaxQueue(n int) ClientOption {
	return func(c *Client) {
		c.maxQueue = n
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithEventHook registers a catch-all event hook before the connection
// starts, so it observes the very first connect.
func WithEventHook(h AnyHandler) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.OnAny(h)
		}
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient validates rawURL and starts connecting in the background.
func NewClient(rawURL string, options Options, opts ...ClientOption) (*Client, error) {
	wsURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	c := newClient(wsURL, options, opts...)
	go c.run()

	return c, nil
}

func newClient(wsURL string, options Options, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		url:               wsURL,
		options:           options,
		pending:           make(map[int64]ResponseFunc),
		maxQueue:          1000,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		logger:            slog.Default(),
		now:               time.Now,
		optionsChanged:    make(chan struct{}, 1),
		ctx:               ctx,
		cancelFunc:        cancel,
		done:              make(chan struct{}),
	}
	c.newTransport = func(u string) Transport {
		return transport.NewWebSocketTransport(u)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	return u.String(), nil
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) run() {
	defer close(c.done)

	delay := c.reconnectDelay
	sessions := 0

	for {
		if c.ctx.Err() != nil {
			return
		}

		t := c.newTransport(c.url)
		if err := t.Connect(c.ctx); err != nil {
			c.logger.Warn("socket connect failed", "url", c.url, "error", err, "retry_in", delay)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > c.maxReconnectDelay {
				delay = c.maxReconnectDelay
			}
			continue
		}

		delay = c.reconnectDelay
		sessions++
		c.session(t, sessions > 1)
	}
}

func (c *Client) session(t Transport, reconnected bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return
	}
	c.conn = t
	auth, hasAuth := c.auth, c.hasAuth
	c.mu.Unlock()

	if hasAuth {
		if frame, err := EncodeRequest(commandAuthenticate, auth, 0); err == nil {
			if err := t.Send(frame); err != nil {
				c.logger.Warn("socket authenticate failed", "error", err)
			}
		}
	}

	c.flushQueue(t)

	debug.Printf("Client %s: connected", c.url)
	if reconnected {
		c.EmitValues(EventReconnect)
	}
	c.EmitValues(EventConnect)

	done := make(chan struct{})
	go c.pingLoop(done)

	for {
		data, err := t.Receive()
		if err != nil {
			debug.Printf("Client %s: receive ended: %v", c.url, err)
			break
		}
		c.handleFrame(data)
	}

	close(done)
	c.dropConnection(t)
}

// flushQueue sends frames queued while offline. The socket only reports
// connected once the queue is empty, so later sends cannot overtake it.
func (c *Client) flushQueue(t Transport) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.connected = true
			c.mu.Unlock()
			return
		}
		queued := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, frame := range queued {
			if err := t.Send(frame); err != nil {
				c.logger.Warn("socket flush failed", "error", err)
			}
		}
	}
}

func (c *Client) dropConnection(t Transport) {
	c.mu.Lock()
	if c.conn != t {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.mu.Unlock()

	t.Close()
	c.failPending(ErrConnectionClosed)

	if wasConnected {
		c.EmitValues(EventDisconnect)
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]ResponseFunc)
	c.mu.Unlock()

	for _, cb := range pending {
		cb(nil, err)
	}
}

func (c *Client) pingLoop(done <-chan struct{}) {
	for {
		timer := time.NewTimer(time.Duration(c.Options().pingInterval()) * time.Millisecond)

		select {
		case <-done:
			timer.Stop()
			return
		case <-c.optionsChanged:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if !c.Options().DontPing {
			c.Ping()
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		c.logger.Warn("socket dropped malformed frame", "error", err)
		return
	}

	if f.IsResponse {
		c.mu.Lock()
		cb, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()

		if !ok {
			debug.Printf("Client %s: response for unknown request %d", c.url, f.ID)
			return
		}
		if f.Error != nil {
			cb(nil, &RemoteError{Raw: f.Error})
		} else {
			cb(f.Data, nil)
		}
		return
	}

	if f.Event == eventPong {
		c.handlePong(f.Data)
		return
	}

	if f.Data == nil {
		c.Emit(f.Event)
		return
	}
	c.Emit(f.Event, f.Data)
}

type pingPayload struct {
	Client  int64   `json:"client"`
	Drift   float64 `json:"drift"`
	Latency float64 `json:"latency"`
}

type pongPayload struct {
	Client int64 `json:"client"`
	Server int64 `json:"server"`
}

func (c *Client) handlePong(data json.RawMessage) {
	var pong pongPayload
	if err := codec.Unmarshal(data, &pong); err != nil {
		c.logger.Warn("socket dropped malformed pong", "error", err)
		return
	}

	now := float64(c.now().UnixMilli())
	latency := now - float64(pong.Client)
	drift := (now - latency/2) - float64(pong.Server)

	c.mu.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.latency = latency
	c.clockDrift = drift
	c.mu.Unlock()

	c.EmitValues(EventLatency, latency, drift)
}

func (c *Client) onPongTimeout(t Transport) {
	c.mu.Lock()
	if c.conn != t {
		c.mu.Unlock()
		return
	}
	c.pongTimer = nil
	c.mu.Unlock()

	c.logger.Info("socket ping timed out", "url", c.url)
	c.EmitValues(EventTimeout)
	t.Close()
}

func (c *Client) Ping() {
	c.mu.Lock()
	t := c.conn
	if t == nil || !c.connected {
		c.mu.Unlock()
		return
	}
	payload := pingPayload{
		Client:  c.now().UnixMilli(),
		Drift:   c.clockDrift,
		Latency: c.latency,
	}
	if c.pongTimer == nil {
		delay := time.Duration(c.options.timeoutDelay()) * time.Millisecond
		c.pongTimer = time.AfterFunc(delay, func() { c.onPongTimeout(t) })
	}
	c.mu.Unlock()

	frame, err := EncodeRequest(commandPing, payload, 0)
	if err != nil {
		return
	}
	if err := t.Send(frame); err != nil {
		debug.Printf("Client %s: ping failed: %v", c.url, err)
	}
}

func (c *Client) Authenticate(data any) {
	c.mu.Lock()
	c.auth = data
	c.hasAuth = true
	t := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return
	}

	frame, err := EncodeRequest(commandAuthenticate, data, 0)
	if err != nil {
		c.logger.Warn("socket authenticate encode failed", "error", err)
		return
	}
	if err := t.Send(frame); err != nil {
		c.logger.Warn("socket authenticate failed", "error", err)
	}
}

func (c *Client) Send(command string, data any, cb ResponseFunc) {
	c.mu.Lock()

	var id int64
	if cb != nil {
		c.nextRequestID++
		id = c.nextRequestID
	}

	frame, err := EncodeRequest(command, data, id)
	if err != nil {
		c.mu.Unlock()
		if cb != nil {
			cb(nil, fmt.Errorf("encode %s: %w", command, err))
		}
		return
	}

	if c.closed {
		c.mu.Unlock()
		if cb != nil {
			cb(nil, ErrConnectionClosed)
		}
		return
	}

	if cb != nil {
		c.pending[id] = cb
	}

	if !c.connected {
		if len(c.queue) >= c.maxQueue {
			delete(c.pending, id)
			c.mu.Unlock()
			if cb != nil {
				cb(nil, ErrQueueFull)
			}
			return
		}
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		return
	}

	t := c.conn
	c.mu.Unlock()

	if err := t.Send(frame); err != nil {
		c.mu.Lock()
		_, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok && cb != nil {
			cb(nil, err)
		}
	}
}

func (c *Client) SendPromise(ctx context.Context, command string, data any) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)

	c.Send(command, data, func(data json.RawMessage, err error) {
		ch <- result{data, err}
	})

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect closes the connection for good. Pending requests fail with
// ErrConnectionClosed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	t := c.conn
	c.mu.Unlock()

	c.cancelFunc()
	if t != nil {
		t.Close()
	}
	c.failPending(ErrConnectionClosed)
}

// Done is closed once the connection loop has exited after Disconnect.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Latency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

func (c *Client) ClockDrift() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockDrift
}

func (c *Client) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options
}

func (c *Client) SetOptions(patch OptionsPatch) {
	c.mu.Lock()
	c.options.Apply(patch)
	c.mu.Unlock()

	select {
	case c.optionsChanged <- struct{}{}:
	default:
	}
}
