package socket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	return ctx.Err()
}

func (t *fakeTransport) Send(data []byte) error {
	select {
	case <-t.closed:
		return ErrConnectionClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.incoming:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) frames() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	reqs := make([]Request, 0, len(t.sent))
	for _, b := range t.sent {
		req, err := DecodeRequest(b)
		if err == nil {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (d *fakeDialer) factory(string) Transport {
	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) get(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

// quietOptions disables the background ping so tests control every frame.
var quietOptions = Options{DontPing: true, PingInterval: 60000, TimeoutDelay: 60000}

func startClient(t *testing.T, options Options, opts ...ClientOption) (*Client, *fakeDialer) {
	d := &fakeDialer{}
	connected := make(chan struct{}, 1)
	all := append([]ClientOption{
		WithTransportFactory(d.factory),
		WithReconnectDelay(5 * time.Millisecond),
		WithEventHook(func(event Event, _ []json.RawMessage) {
			if event == EventConnect {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		}),
	}, opts...)

	c, err := NewClient("http://localhost:8080/socket", options, all...)
	require.Nil(t, err)
	t.Cleanup(c.Disconnect)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("client did not connect")
	}
	return c, d
}

func waitFrames(t *testing.T, tr *fakeTransport, n int) []Request {
	require.Eventually(t, func() bool { return len(tr.frames()) >= n }, time.Second, 5*time.Millisecond)
	return tr.frames()
}

func TestNewClientURL(t *testing.T) {
	c, err := NewClient("https://online-go.com", Options{}, WithTransportFactory((&fakeDialer{}).factory))
	require.Nil(t, err)
	defer c.Disconnect()
	assert.Equal(t, "wss://online-go.com", c.URL())

	_, err = NewClient("ftp://online-go.com", Options{})
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = NewClient("ws://", Options{})
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestClientFlushesQueueAfterAuthenticate(t *testing.T) {
	d := &fakeDialer{}
	c := newClient("ws://localhost/socket", quietOptions, WithTransportFactory(d.factory))
	defer c.Disconnect()

	c.Send("game/connect", map[string]int{"game_id": 1}, nil)
	c.Authenticate(map[string]string{"jwt": "token"})
	c.Send("chat/join", nil, nil)

	go c.run()
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	frames := waitFrames(t, d.get(0), 3)
	assert.Equal(t, "authenticate", frames[0].Command)
	assert.JSONEq(t, `{"jwt":"token"}`, string(frames[0].Data))
	assert.Equal(t, "game/connect", frames[1].Command)
	assert.Equal(t, "chat/join", frames[2].Command)
}

func TestClientQueueFull(t *testing.T) {
	c := newClient("ws://localhost/socket", quietOptions, WithMaxQueue(1))
	defer c.Disconnect()

	c.Send("a", nil, nil)

	var got error
	c.Send("b", nil, func(_ json.RawMessage, err error) { got = err })
	assert.ErrorIs(t, got, ErrQueueFull)
}

func TestClientSendPromise(t *testing.T) {
	c, d := startClient(t, quietOptions)
	tr := d.get(0)

	type result struct {
		data json.RawMessage
		err  error
	}
	results := make(chan result, 2)
	go func() {
		data, err := c.SendPromise(context.Background(), "hostinfo", nil)
		results <- result{data, err}
	}()

	frames := waitFrames(t, tr, 1)
	assert.Equal(t, "hostinfo", frames[0].Command)
	assert.Equal(t, int64(1), frames[0].ID)

	tr.incoming <- []byte(`[1,{"hostname":"t1"}]`)
	r := <-results
	require.Nil(t, r.err)
	assert.JSONEq(t, `{"hostname":"t1"}`, string(r.data))

	go func() {
		data, err := c.SendPromise(context.Background(), "game/move", nil)
		results <- result{data, err}
	}()
	frames = waitFrames(t, tr, 2)
	assert.Equal(t, int64(2), frames[1].ID)

	tr.incoming <- []byte(`[2,null,{"code":"illegal_move"}]`)
	r = <-results
	var remote *RemoteError
	require.True(t, errors.As(r.err, &remote))
	assert.Equal(t, "illegal_move", r.err.Error())
}

func TestClientEmitsServerEvents(t *testing.T) {
	c, d := startClient(t, quietOptions)

	got := make(chan string, 1)
	c.On("game/1/move", func(args ...json.RawMessage) {
		got <- string(args[0])
	})

	d.get(0).incoming <- []byte(`["game/1/move",{"move":"aa"}]`)
	select {
	case data := <-got:
		assert.JSONEq(t, `{"move":"aa"}`, data)
	case <-time.After(time.Second):
		t.Fatal("event not emitted")
	}
}

func TestClientPong(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	c, d := startClient(t, quietOptions, WithClock(func() time.Time { return now }))

	got := make(chan [2]float64, 1)
	c.On(EventLatency, func(args ...json.RawMessage) {
		var latency, drift float64
		DecodeArg(args, 0, &latency)
		DecodeArg(args, 1, &drift)
		got <- [2]float64{latency, drift}
	})

	c.Ping()
	frames := waitFrames(t, d.get(0), 1)
	assert.Equal(t, "net/ping", frames[0].Command)
	assert.Equal(t, int64(0), frames[0].ID)

	var ping pingPayload
	require.Nil(t, codec.Unmarshal(frames[0].Data, &ping))
	assert.Equal(t, int64(1_000_000), ping.Client)

	d.get(0).incoming <- []byte(`["net/pong",{"client":999900,"server":999800}]`)

	select {
	case v := <-got:
		assert.Equal(t, 100.0, v[0])
		assert.Equal(t, 150.0, v[1])
	case <-time.After(time.Second):
		t.Fatal("latency not emitted")
	}
	assert.Equal(t, 100.0, c.Latency())
	assert.Equal(t, 150.0, c.ClockDrift())
}

func TestClientPingTimeoutReconnects(t *testing.T) {
	options := Options{DontPing: true, PingInterval: 60000, TimeoutDelay: 20}
	c, d := startClient(t, options)

	events := make(chan Event, 8)
	for _, ev := range []Event{EventTimeout, EventDisconnect, EventReconnect, EventConnect} {
		ev := ev
		c.On(ev, func(...json.RawMessage) { events <- ev })
	}

	c.Ping()

	var seen []Event
	timeout := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-events:
			seen = append(seen, ev)
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}

	assert.Equal(t, []Event{EventTimeout, EventDisconnect, EventReconnect, EventConnect}, seen)
	assert.True(t, d.get(0).isClosed())
	assert.GreaterOrEqual(t, d.count(), 2)
}

func TestClientDisconnectFailsPending(t *testing.T) {
	c, d := startClient(t, quietOptions)

	disconnected := make(chan struct{}, 1)
	c.On(EventDisconnect, func(...json.RawMessage) { disconnected <- struct{}{} })

	errs := make(chan error, 1)
	c.Send("game/chat", "hello", func(_ json.RawMessage, err error) { errs <- err })
	waitFrames(t, d.get(0), 1)

	c.Disconnect()

	assert.ErrorIs(t, <-errs, ErrConnectionClosed)
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnect not emitted")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("run loop did not exit")
	}
	assert.False(t, c.Connected())

	var err error
	c.Send("after", nil, func(_ json.RawMessage, e error) { err = e })
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientSetOptions(t *testing.T) {
	c, _ := startClient(t, quietOptions)

	c.SetOptions(OptionsPatch{PingInterval: Int(3000)})
	assert.Equal(t, 3000, c.Options().PingInterval)
	assert.Equal(t, 60000, c.Options().TimeoutDelay)
}
