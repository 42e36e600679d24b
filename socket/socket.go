package socket

import (
	"context"
	"encoding/json"
	"errors"
)

type Event = string

const (
	EventConnect    Event = "connect"
	EventDisconnect Event = "disconnect"
	EventReconnect  Event = "reconnect"
	EventError      Event = "error"
	EventLatency    Event = "latency"
	EventTimeout    Event = "timeout"
)

// Handler receives the arguments of an emitted event, each one JSON encoded.
type Handler func(args ...json.RawMessage)

// AnyHandler observes every emitted event regardless of name.
type AnyHandler func(event Event, args []json.RawMessage)

// ResponseFunc completes a Send. err is non-nil when the peer answered with an
// error or the request could not be delivered.
type ResponseFunc func(data json.RawMessage, err error)

// Socket is the surface game code talks to. Client implements it directly;
// worker.Proxy implements it by forwarding to a Client running in a worker.
type Socket interface {
	Authenticate(data any)

	Send(command string, data any, cb ResponseFunc)

	SendPromise(ctx context.Context, command string, data any) (json.RawMessage, error)

	Disconnect()

	Ping()

	Connected() bool

	// Latency is the last measured round trip in milliseconds.
	Latency() float64

	// ClockDrift is the estimated server minus client clock offset in milliseconds.
	ClockDrift() float64

	Options() Options

	SetOptions(patch OptionsPatch)

	On(event Event, handler Handler)

	Off(event Event)
}

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidMessage   = errors.New("invalid message format")
	ErrInvalidURL       = errors.New("invalid socket url")
)
