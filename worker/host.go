package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kleeedolinux/gobansocket/debug"
	"github.com/kleeedolinux/gobansocket/socket"
)

var ErrNotInitialized = errors.New("socket not initialized")

// syncEvents are followed by a property_sync snapshot.
var syncEvents = map[socket.Event]bool{
	socket.EventConnect:    true,
	socket.EventDisconnect: true,
	socket.EventLatency:    true,
}

// SocketFactory builds the real socket for an init message. hook must see
// every event the socket emits, starting with the first one.
type SocketFactory func(url string, options socket.Options, hook socket.AnyHandler) (socket.Socket, error)

// ClientFactory builds socket.Client instances.
func ClientFactory(opts ...socket.ClientOption) SocketFactory {
	return func(url string, options socket.Options, hook socket.AnyHandler) (socket.Socket, error) {
		all := append([]socket.ClientOption{socket.WithEventHook(hook)}, opts...)
		c, err := socket.NewClient(url, options, all...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// slot holds one socket instance. A snapshot-worthy event fired while the
// factory is still running marks the snapshot as owed; init posts it once
// the socket is known.
type slot struct {
	ready bool
	owed  bool
	sock  socket.Socket
}

// Host runs inside the worker. It owns the single real socket and
// translates between protocol messages and that socket.
type Host struct {
	conn    Conn
	factory SocketFactory
	logger  *slog.Logger

	mu     sync.Mutex
	active *slot
}

type HostOption func(*Host)

func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = l
	}
}

func NewHost(conn Conn, factory SocketFactory, opts ...HostOption) *Host {
	h := &Host{
		conn:    conn,
		factory: factory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve handles commands until ctx ends or the channel closes. The hosted
// socket is disconnected on return. A panic while handling a command is
// returned as ErrWorkerFailed.
func (h *Host) Serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrWorkerFailed, r)
		}
		if s := h.socket(); s != nil {
			s.Disconnect()
		}
	}()

	for {
		frame, rErr := h.conn.Receive(ctx)
		if rErr != nil {
			if errors.Is(rErr, io.EOF) || errors.Is(rErr, context.Canceled) {
				return nil
			}
			return rErr
		}

		cmd, dErr := DecodeCommand(frame)
		if dErr != nil {
			h.logger.Warn("worker dropped malformed command", "error", dErr)
			continue
		}

		debug.Printf("Host: handling %s", cmd.MessageType())
		h.handle(cmd)
	}
}

func (h *Host) handle(cmd Command) {
	switch m := cmd.(type) {
	case InitMessage:
		h.init(m)

	case SendMessage:
		h.send(m)

	case AuthenticateMessage:
		if s := h.socket(); s != nil {
			s.Authenticate(payloadArg(m.Data))
		}

	case DisconnectMessage:
		if s := h.socket(); s != nil {
			s.Disconnect()
		}

	case PingMessage:
		if s := h.socket(); s != nil {
			s.Ping()
		}

	case SetOptionsMessage:
		if s := h.socket(); s != nil {
			s.SetOptions(m.Options)
		}
	}
}

func (h *Host) init(m InitMessage) {
	next := &slot{}

	h.mu.Lock()
	prev := h.active
	h.active = next
	h.mu.Unlock()

	if prev != nil && prev.sock != nil {
		prev.sock.Disconnect()
	}

	sock, err := h.factory(m.URL, m.Options, h.relay(next))
	if err != nil {
		h.mu.Lock()
		next.ready = true
		h.mu.Unlock()
		h.logger.Error("worker socket init failed", "url", m.URL, "error", err)
		h.post(EventMessage{
			Event: socket.EventError,
			Args:  []json.RawMessage{socket.DescribeError(err)},
		})
		return
	}

	h.mu.Lock()
	next.sock = sock
	next.ready = true
	owed := next.owed && h.active == next
	h.mu.Unlock()

	if owed {
		h.postSnapshot(sock)
	}
}

func (h *Host) send(m SendMessage) {
	s := h.socket()
	if s == nil {
		h.logger.Warn("worker send before init", "command", m.Command)
		if m.CallbackID > 0 {
			h.post(CallbackMessage{
				CallbackID: m.CallbackID,
				Error:      socket.DescribeError(ErrNotInitialized),
			})
		}
		return
	}

	if m.CallbackID == 0 {
		s.Send(m.Command, payloadArg(m.Data), nil)
		return
	}

	id := m.CallbackID
	s.Send(m.Command, payloadArg(m.Data), func(data json.RawMessage, err error) {
		h.post(CallbackMessage{
			CallbackID: id,
			Data:       data,
			Error:      socket.DescribeError(err),
		})
	})
}

func (h *Host) relay(owner *slot) socket.AnyHandler {
	return func(event socket.Event, args []json.RawMessage) {
		if !h.isActive(owner) {
			return
		}

		copied := make([]json.RawMessage, len(args))
		copy(copied, args)
		h.post(EventMessage{Event: event, Args: copied})

		if !syncEvents[event] {
			return
		}

		h.mu.Lock()
		if !owner.ready {
			owner.owed = true
			h.mu.Unlock()
			return
		}
		s := owner.sock
		h.mu.Unlock()

		if s != nil {
			h.postSnapshot(s)
		}
	}
}

func (h *Host) postSnapshot(s socket.Socket) {
	h.post(PropertySyncMessage{
		Connected:  s.Connected(),
		Latency:    s.Latency(),
		ClockDrift: s.ClockDrift(),
	})
}

func (h *Host) isActive(s *slot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active == s
}

func (h *Host) socket() socket.Socket {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return nil
	}
	return h.active.sock
}

func (h *Host) post(n Notification) {
	frame, err := EncodeNotification(n)
	if err != nil {
		h.logger.Error("worker notification encode failed", "type", n.MessageType(), "error", err)
		return
	}
	if err := h.conn.Send(context.Background(), frame); err != nil {
		debug.Printf("Host: post %s failed: %v", n.MessageType(), err)
	}
}

func payloadArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
