package termination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kleeedolinux/gobansocket/socket"
	"github.com/kleeedolinux/gobansocket/socket/transport"
)

// HandlerFunc answers one command. The result is sent back only when the
// client supplied a request id.
type HandlerFunc func(s *Session, data json.RawMessage) (any, error)

// Server is a termination server for the game socket protocol.
type Server struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	handlers    map[string]HandlerFunc
	onConnect   []func(*Session)
	onClose     []func(*Session)
	rooms       *RoomManager
	hostInfo    map[string]any
	logger      *slog.Logger
	now         func() time.Time
	registry    *prometheus.Registry
	metrics     *metrics
	bufferSize  int
	compression bool

	concurrencySemaphore chan struct{}
}

type ServerOption func(*Server)

func WithMaxConcurrency(maxConcurrent int) ServerOption {
	return func(s *Server) {
		s.concurrencySemaphore = make(chan struct{}, maxConcurrent)
	}
}

func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		s.bufferSize = size
	}
}

func WithCompression(enabled bool) ServerOption {
	return func(s *Server) {
		s.compression = enabled
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

func WithHostInfo(info map[string]any) ServerOption {
	return func(s *Server) {
		for k, v := range info {
			s.hostInfo[k] = v
		}
	}
}

func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.registry = reg
	}
}

func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.now = now
	}
}

func NewServer(opts ...ServerOption) *Server {
	hostname, _ := os.Hostname()

	s := &Server{
		sessions:   make(map[string]*Session),
		handlers:   make(map[string]HandlerFunc),
		rooms:      NewRoomManager(),
		hostInfo:   map[string]any{"hostname": hostname},
		logger:     slog.Default(),
		now:        time.Now,
		bufferSize: 1024,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)

	s.registerBuiltins()

	return s
}

func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) HandleFunc(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[command] = handler
}

func (s *Server) OnConnect(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onConnect = append(s.onConnect, fn)
}

func (s *Server) OnClose(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onClose = append(s.onClose, fn)
}

// ServeHTTP upgrades the request and serves the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.concurrencySemaphore != nil {
		select {
		case s.concurrencySemaphore <- struct{}{}:
			defer func() {
				<-s.concurrencySemaphore
			}()
		default:
			http.Error(w, "Too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	upgrader := transport.NewUpgrader(s.bufferSize, s.compression)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	session := &Session{
		id:        id,
		server:    s,
		transport: transport.NewServerConn(id, conn, transport.DefaultServerConfig()),
	}

	s.addSession(session)
	defer s.removeSession(session)

	session.serve()
}

func (s *Server) addSession(session *Session) {
	s.mu.Lock()
	s.sessions[session.id] = session
	hooks := append([]func(*Session){}, s.onConnect...)
	s.mu.Unlock()

	s.metrics.sessions.Inc()
	s.logger.Debug("session connected", "session", session.id)

	for _, fn := range hooks {
		fn(session)
	}
}

func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.id)
	hooks := append([]func(*Session){}, s.onClose...)
	s.mu.Unlock()

	s.rooms.LeaveAll(session.id)
	session.Close()

	s.metrics.sessions.Dec()
	s.logger.Debug("session closed", "session", session.id)

	for _, fn := range hooks {
		fn(session)
	}
}

func (s *Server) dispatch(session *Session, req socket.Request) {
	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	s.metrics.commands.WithLabelValues(req.Command).Inc()

	if !ok {
		s.logger.Debug("unknown command", "session", session.id, "command", req.Command)
		if req.ID > 0 {
			session.respond(req.ID, nil, fmt.Sprintf("unknown command: %s", req.Command))
		}
		return
	}

	result, err := handler(session, req.Data)
	if req.ID == 0 {
		return
	}
	if err != nil {
		session.respond(req.ID, nil, socket.DescribeError(err))
		return
	}
	session.respond(req.ID, result, nil)
}

func (s *Server) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	return session, exists
}

func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

func (s *Server) Broadcast(event socket.Event, data any) error {
	frame, err := socket.EncodeEvent(event, data)
	if err != nil {
		return err
	}

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	for _, session := range sessions {
		session.write(frame)
	}
	return nil
}

func (s *Server) BroadcastToRoom(room string, event socket.Event, data any) error {
	return s.rooms.Broadcast(room, event, data)
}

func (s *Server) Rooms() *RoomManager {
	return s.rooms
}

// Shutdown closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := session.Close(); err != nil {
			s.logger.Warn("error closing session", "session", session.id, "error", err)
		}
	}
	return nil
}
