// Package tuning adapts a socket's ping interval and timeout to the measured
// latency and to the time control of a live game being watched.
package tuning

import (
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kleeedolinux/gobansocket/socket"
)

const (
	// MinPingInterval keeps blitz players informed quickly.
	MinPingInterval = 3000
	MinTimeoutDelay = 1000

	MaxPingInterval = 15000
	MaxTimeoutDelay = 14000
)

// TimeControl is the subset of a game's time control needed to pick a
// network timing. Times are in seconds.
type TimeControl struct {
	System        string `json:"system"`
	InitialTime   int    `json:"initial_time"`
	TimeIncrement int    `json:"time_increment"`
	MainTime      int    `json:"main_time"`
	PeriodTime    int    `json:"period_time"`
	PerMove       int    `json:"per_move"`
	TotalTime     int    `json:"total_time"`
}

// TimingNeeded returns the shortest interval, in milliseconds, at which
// the player needs to hear about a network failure. Zero means no need.
func (tc TimeControl) TimingNeeded() int {
	var seconds int
	switch tc.System {
	case "fischer":
		seconds = firstNonZero(tc.TimeIncrement, tc.InitialTime)
	case "byoyomi", "canadian":
		seconds = firstNonZero(tc.PeriodTime, tc.MainTime)
	case "simple":
		seconds = tc.PerMove
	case "absolute":
		seconds = tc.TotalTime
	}
	return seconds * 1000
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

// LiveGameFunc reports the time control of the live game the user is
// playing, if any.
type LiveGameFunc func() (TimeControl, bool)

type Tuner struct {
	sock     socket.Socket
	liveGame LiveGameFunc
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	lastLatency  float64
	lastDrift    float64
	connectTime  time.Time
	timingNeeded int
}

type Option func(*Tuner)

func WithLiveGame(fn LiveGameFunc) Option {
	return func(t *Tuner) {
		t.liveGame = fn
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tuner) {
		t.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tuner) {
		t.now = now
	}
}

// Attach subscribes a Tuner to s.
func Attach(s socket.Socket, opts ...Option) *Tuner {
	t := &Tuner{
		sock:   s,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	s.On(socket.EventConnect, t.onConnect)
	s.On(socket.EventLatency, t.onLatency)
	s.On(socket.EventTimeout, t.onTimeout)

	return t
}

func (t *Tuner) onConnect(...json.RawMessage) {
	t.mu.Lock()
	t.connectTime = t.now()
	t.mu.Unlock()

	t.logger.Debug("connection to server established")
	t.sock.Send("hostinfo", map[string]any{}, func(data json.RawMessage, err error) {
		if err != nil {
			t.logger.Debug("hostinfo failed", "error", err)
			return
		}
		t.logger.Debug("termination server", "hostinfo", string(data))
	})
}

func (t *Tuner) onLatency(args ...json.RawMessage) {
	var latency, drift float64
	if err := socket.DecodeArg(args, 0, &latency); err != nil {
		return
	}
	if err := socket.DecodeArg(args, 1, &drift); err != nil {
		return
	}

	t.mu.Lock()
	t.lastLatency = latency
	t.lastDrift = drift
	lastLatency := t.lastLatency

	timing := 0
	if t.liveGame != nil {
		if tc, ok := t.liveGame(); ok {
			timing = tc.TimingNeeded()
		}
	}
	t.timingNeeded = timing
	t.mu.Unlock()

	opts := t.sock.Options()
	var patch socket.OptionsPatch

	if timing != 0 && float64(opts.TimeoutDelay) > float64(timing)/2 {
		patch.TimeoutDelay = socket.Int(timing / 2)
		patch.PingInterval = socket.Int(timing)
		t.logger.Info("set network timeout for game", "timeout_delay", timing/2)
	} else {
		if latency < math.Max(3*float64(opts.PingInterval), MinPingInterval) {
			patch.PingInterval = socket.Int(int(math.Max(latency*3, MinPingInterval)))
		}
		if lastLatency == 0 || latency < math.Max(2*float64(opts.TimeoutDelay), MinTimeoutDelay) {
			patch.TimeoutDelay = socket.Int(int(math.Max(latency*2, MinTimeoutDelay)))
		}
	}

	t.sock.SetOptions(opts.Diff(withPatch(opts, patch)))
}

func (t *Tuner) onTimeout(...json.RawMessage) {
	opts := t.sock.Options()
	next := opts
	next.PingInterval = min(opts.PingInterval*2, MaxPingInterval)
	next.TimeoutDelay = min(opts.TimeoutDelay*2, MaxTimeoutDelay)

	t.sock.SetOptions(opts.Diff(next))
	t.logger.Info("network ping timeout, increased delay", "timeout_delay", next.TimeoutDelay)
}

func withPatch(o socket.Options, p socket.OptionsPatch) socket.Options {
	o.Apply(p)
	return o
}

// TimeSinceConnect is the time since the connection was last established,
// or zero if it never was.
func (t *Tuner) TimeSinceConnect() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectTime.IsZero() {
		return 0
	}
	return t.now().Sub(t.connectTime)
}

func (t *Tuner) NetworkLatency() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLatency
}

func (t *Tuner) ClockDrift() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastDrift
}

func (t *Tuner) TimingNeeded() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timingNeeded
}
