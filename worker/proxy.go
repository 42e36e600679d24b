package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kleeedolinux/gobansocket/debug"
	"github.com/kleeedolinux/gobansocket/socket"
)

const tracerName = "github.com/kleeedolinux/gobansocket/worker"

var (
	ErrSocketDisconnected = errors.New("socket disconnected")
	ErrWorkerFailed       = errors.New("worker error")
)

// FatalMessage is shown to the user when the worker dies.
const FatalMessage = "A critical error occurred with the network connection worker. " +
	"Please reload the page to restore connectivity."

// FatalNotifier surfaces a worker failure to the user. It is called at most
// once per proxy.
type FatalNotifier func(err error)

type pendingCallback struct {
	resolve func(data json.RawMessage)
	reject  func(err error)

	// direct entries only hand their result to a waiting goroutine, so the
	// receive loop settles them itself instead of queueing a delivery.
	direct bool
}

// Proxy stands in for a socket.Client that lives in a worker. Calls are
// posted to the worker as commands; events, callback results and property
// snapshots come back as notifications.
//
// Event handlers and Send callbacks run in arrival order on a delivery
// goroutine separate from the receive loop, so they may call SendPromise.
type Proxy struct {
	socket.Emitter

	url     string
	worker  Worker
	logger  *slog.Logger
	notify  FatalNotifier
	metrics *Metrics
	tracer  trace.Tracer

	mu             sync.Mutex
	options        socket.Options
	nextCallbackID int64
	pending        map[int64]pendingCallback
	connected      bool
	latency        float64
	clockDrift     float64
	failure        error

	deliveries *queue[func()]
	fatalOnce  sync.Once
	ctx        context.Context
	cancelFunc context.CancelFunc
	done       chan struct{}
}

type ProxyOption func(*Proxy)

func WithLogger(l *slog.Logger) ProxyOption {
	return func(p *Proxy) {
		p.logger = l
	}
}

func WithFatalNotifier(n FatalNotifier) ProxyOption {
	return func(p *Proxy) {
		p.notify = n
	}
}

func WithMetrics(m *Metrics) ProxyOption {
	return func(p *Proxy) {
		p.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) ProxyOption {
	return func(p *Proxy) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// NewProxy wraps a running worker and posts the init command for url.
func NewProxy(w Worker, url string, options socket.Options, opts ...ProxyOption) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Proxy{
		url:        url,
		worker:     w,
		logger:     slog.Default(),
		metrics:    NewMetrics(nil),
		tracer:     otel.Tracer(tracerName),
		options:    options,
		pending:    make(map[int64]pendingCallback),
		deliveries: newQueue[func()](),
		ctx:        ctx,
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.notify == nil {
		logger := p.logger
		p.notify = func(err error) {
			logger.Error(FatalMessage, "error", err)
		}
	}

	go p.readLoop()
	go p.deliverLoop()
	go p.watch()

	if err := p.post(InitMessage{URL: url, Options: options}); err != nil {
		p.logger.Error("socket proxy init failed", "url", url, "error", err)
	}

	return p
}

func (p *Proxy) URL() string {
	return p.url
}

func (p *Proxy) readLoop() {
	defer close(p.done)
	defer p.deliveries.close()

	conn := p.worker.Conn()
	for {
		frame, err := conn.Receive(p.ctx)
		if err != nil {
			debug.Printf("Proxy %s: receive ended: %v", p.url, err)
			return
		}

		n, err := DecodeNotification(frame)
		if err != nil {
			p.logger.Warn("socket proxy dropped malformed notification", "error", err)
			continue
		}

		p.metrics.messages.WithLabelValues("in", string(n.MessageType())).Inc()
		p.dispatch(n)
	}
}

// deliverLoop runs queued handlers until the receive loop has ended and
// everything it queued has run.
func (p *Proxy) deliverLoop() {
	for {
		fn, err := p.deliveries.pop(context.Background())
		if err != nil {
			return
		}
		fn()
	}
}

func (p *Proxy) deliver(fn func()) {
	if err := p.deliveries.push(fn); err != nil {
		debug.Printf("Proxy %s: delivery after close dropped", p.url)
	}
}

func (p *Proxy) watch() {
	select {
	case <-p.ctx.Done():
	case err, ok := <-p.worker.Err():
		if ok && err != nil {
			p.fail(err)
		}
	}
}

func (p *Proxy) dispatch(n Notification) {
	switch m := n.(type) {
	case EventMessage:
		p.deliver(func() { p.Emit(m.Event, m.Args...) })

	case CallbackMessage:
		p.mu.Lock()
		entry, ok := p.pending[m.CallbackID]
		delete(p.pending, m.CallbackID)
		p.metrics.pending.Set(float64(len(p.pending)))
		p.mu.Unlock()

		if !ok {
			p.metrics.orphaned.Inc()
			debug.Printf("Proxy %s: dropped response for callback %d", p.url, m.CallbackID)
			return
		}
		settle := func() { entry.resolve(m.Data) }
		if m.HasError() {
			settle = func() { entry.reject(&socket.RemoteError{Raw: m.Error}) }
		}
		if entry.direct {
			settle()
		} else {
			p.deliver(settle)
		}

	case PropertySyncMessage:
		p.mu.Lock()
		p.connected = m.Connected
		p.latency = m.Latency
		p.clockDrift = m.ClockDrift
		p.mu.Unlock()
	}
}

func (p *Proxy) post(cmd Command) error {
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	p.metrics.messages.WithLabelValues("out", string(cmd.MessageType())).Inc()
	return p.worker.Conn().Send(context.Background(), frame)
}

func (p *Proxy) Authenticate(data any) {
	payload, err := marshalPayload(data)
	if err != nil {
		p.logger.Error("socket proxy authenticate encode failed", "error", err)
		return
	}
	if err := p.post(AuthenticateMessage{Data: payload}); err != nil {
		p.logger.Warn("socket proxy authenticate failed", "error", err)
	}
}

func (p *Proxy) Send(command string, data any, cb socket.ResponseFunc) {
	p.send(command, data, cb, false)
}

// send returns the callback id allocated for cb, or 0 when none was. A
// direct cb must not block.
func (p *Proxy) send(command string, data any, cb socket.ResponseFunc, direct bool) int64 {
	payload, err := marshalPayload(data)
	if err != nil {
		err = fmt.Errorf("encode %s: %w", command, err)
		p.logger.Error("socket proxy send encode failed", "command", command, "error", err)
		if cb != nil {
			go cb(nil, err)
		}
		return 0
	}

	msg := SendMessage{Command: command, Data: payload}
	if cb == nil {
		if err := p.post(msg); err != nil {
			p.logger.Warn("socket proxy send failed", "command", command, "error", err)
		}
		return 0
	}

	p.mu.Lock()
	if p.failure != nil {
		failure := p.failure
		p.mu.Unlock()
		go cb(nil, failure)
		return 0
	}
	p.nextCallbackID++
	id := p.nextCallbackID
	p.pending[id] = pendingCallback{
		resolve: func(d json.RawMessage) { cb(d, nil) },
		reject:  func(err error) { cb(nil, err) },
		direct:  direct,
	}
	p.metrics.pending.Set(float64(len(p.pending)))
	p.mu.Unlock()

	msg.CallbackID = id
	if err := p.post(msg); err != nil {
		go p.reject(id, fmt.Errorf("%w: %v", ErrWorkerFailed, err))
	}
	return id
}

func (p *Proxy) SendPromise(ctx context.Context, command string, data any) (json.RawMessage, error) {
	ctx, span := p.tracer.Start(ctx, "gobansocket.send",
		trace.WithAttributes(attribute.String("gobansocket.command", command)))
	defer span.End()

	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)

	id := p.send(command, data, func(d json.RawMessage, err error) {
		ch <- result{d, err}
	}, true)

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		p.reject(id, ctx.Err())
		r = <-ch
	}

	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	}
	return r.data, r.err
}

// reject fails one pending callback if it is still outstanding.
func (p *Proxy) reject(id int64, err error) {
	p.mu.Lock()
	entry, ok := p.pending[id]
	delete(p.pending, id)
	p.metrics.pending.Set(float64(len(p.pending)))
	p.mu.Unlock()

	if ok {
		entry.reject(err)
	}
}

func (p *Proxy) rejectAll(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[int64]pendingCallback)
	p.metrics.pending.Set(0)
	p.mu.Unlock()

	ids := make([]int64, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		pending[id].reject(err)
	}
}

// Disconnect asks the worker to disconnect and fails every outstanding
// callback with ErrSocketDisconnected without waiting for the worker.
func (p *Proxy) Disconnect() {
	if err := p.post(DisconnectMessage{}); err != nil {
		p.logger.Warn("socket proxy disconnect failed", "error", err)
	}
	p.rejectAll(ErrSocketDisconnected)
}

func (p *Proxy) Ping() {
	if err := p.post(PingMessage{}); err != nil {
		debug.Printf("Proxy %s: ping failed: %v", p.url, err)
	}
}

func (p *Proxy) fail(cause error) {
	p.fatalOnce.Do(func() {
		err := fmt.Errorf("%w: %v", ErrWorkerFailed, cause)

		p.mu.Lock()
		p.failure = err
		p.mu.Unlock()

		p.metrics.workerFailures.Inc()
		p.logger.Error("socket worker failed", "url", p.url, "error", cause)
		p.rejectAll(err)
		p.notify(err)
	})
}

// Close tears the proxy down and terminates its worker. Outstanding
// callbacks, and any registered later, fail with ErrSocketDisconnected.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.failure == nil {
		p.failure = ErrSocketDisconnected
	}
	p.mu.Unlock()

	p.cancelFunc()
	p.rejectAll(ErrSocketDisconnected)
	return p.worker.Terminate()
}

func (p *Proxy) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Proxy) Latency() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

func (p *Proxy) ClockDrift() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clockDrift
}

func (p *Proxy) Options() socket.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.options
}

// SetOptions applies patch locally and forwards exactly the patched keys to
// the worker in one set_options message.
func (p *Proxy) SetOptions(patch socket.OptionsPatch) {
	if patch.IsEmpty() {
		return
	}

	p.mu.Lock()
	p.options.Apply(patch)
	p.mu.Unlock()

	if err := p.post(SetOptionsMessage{Options: patch}); err != nil {
		p.logger.Warn("socket proxy set_options failed", "error", err)
	}
}

func (p *Proxy) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

var _ socket.Socket = (*Proxy)(nil)
var _ socket.Socket = (*socket.Client)(nil)
