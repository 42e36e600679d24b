package termination

import (
	"encoding/json"
	"sync"

	"github.com/kleeedolinux/gobansocket/socket"
	"github.com/kleeedolinux/gobansocket/socket/transport"
)

// Session is one connected client.
type Session struct {
	id        string
	server    *Server
	transport transport.ServerTransport

	mu   sync.RWMutex
	auth json.RawMessage
}

func (s *Session) ID() string {
	return s.id
}

// Auth returns the payload of the last authenticate command.
func (s *Session) Auth() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

func (s *Session) setAuth(data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = append(json.RawMessage(nil), data...)
}

// Emit sends an event frame to this client.
func (s *Session) Emit(event socket.Event, data any) error {
	frame, err := socket.EncodeEvent(event, data)
	if err != nil {
		return err
	}
	return s.transport.Write(frame)
}

func (s *Session) Join(room string) {
	s.server.rooms.Join(room, s)
}

func (s *Session) Leave(room string) {
	s.server.rooms.Leave(room, s.id)
}

func (s *Session) Close() error {
	return s.transport.Close()
}

func (s *Session) respond(id int64, data any, errDesc any) {
	frame, err := socket.EncodeResponse(id, data, errDesc)
	if err != nil {
		s.server.logger.Warn("response encode failed", "session", s.id, "error", err)
		return
	}
	s.write(frame)
}

func (s *Session) write(frame []byte) {
	if err := s.transport.Write(frame); err != nil {
		s.server.logger.Debug("write failed", "session", s.id, "error", err)
	}
}

func (s *Session) serve() {
	for {
		data, err := s.transport.Read()
		if err != nil {
			return
		}

		req, err := socket.DecodeRequest(data)
		if err != nil {
			s.server.logger.Warn("dropped malformed frame", "session", s.id, "error", err)
			continue
		}

		s.server.dispatch(s, req)
	}
}
