package termination

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CommandPing           = "net/ping"
	CommandAuthenticate   = "authenticate"
	CommandHostInfo       = "hostinfo"
	CommandGameConnect    = "game/connect"
	CommandGameDisconnect = "game/disconnect"

	EventPong = "net/pong"
)

var ErrMissingGameID = errors.New("missing game_id")

type gameRef struct {
	GameID int64 `json:"game_id"`
}

// GameRoom names the room that relays events for one game.
func GameRoom(id int64) string {
	return fmt.Sprintf("game-%d", id)
}

func (s *Server) registerBuiltins() {
	s.HandleFunc(CommandPing, s.handlePing)
	s.HandleFunc(CommandAuthenticate, func(session *Session, data json.RawMessage) (any, error) {
		session.setAuth(data)
		return nil, nil
	})
	s.HandleFunc(CommandHostInfo, func(*Session, json.RawMessage) (any, error) {
		return s.hostInfo, nil
	})
	s.HandleFunc(CommandGameConnect, func(session *Session, data json.RawMessage) (any, error) {
		ref, err := decodeGameRef(data)
		if err != nil {
			return nil, err
		}
		session.Join(GameRoom(ref.GameID))
		return nil, nil
	})
	s.HandleFunc(CommandGameDisconnect, func(session *Session, data json.RawMessage) (any, error) {
		ref, err := decodeGameRef(data)
		if err != nil {
			return nil, err
		}
		session.Leave(GameRoom(ref.GameID))
		return nil, nil
	})
}

// handlePing answers net/ping with the client's timestamp and the server
// clock, from which the client derives latency and drift.
func (s *Server) handlePing(session *Session, data json.RawMessage) (any, error) {
	var ping struct {
		Client int64 `json:"client"`
	}
	if err := json.Unmarshal(data, &ping); err != nil {
		return nil, fmt.Errorf("bad ping: %w", err)
	}

	err := session.Emit(EventPong, map[string]int64{
		"client": ping.Client,
		"server": s.now().UnixMilli(),
	})
	return nil, err
}

func decodeGameRef(data json.RawMessage) (gameRef, error) {
	var ref gameRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return ref, fmt.Errorf("bad game reference: %w", err)
	}
	if ref.GameID == 0 {
		return ref, ErrMissingGameID
	}
	return ref, nil
}
