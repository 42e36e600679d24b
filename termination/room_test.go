package termination

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/gobansocket/socket"
)

type recordingTransport struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingTransport) Read() ([]byte, error) { return nil, errors.New("not readable") }
func (r *recordingTransport) Close() error          { return nil }
func (r *recordingTransport) ID() string            { return r.id }

func (r *recordingTransport) Write(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newTestSession(server *Server, id string) (*Session, *recordingTransport) {
	tr := &recordingTransport{id: id}
	return &Session{id: id, server: server, transport: tr}, tr
}

func TestRoomManagerJoinLeave(t *testing.T) {
	server := NewServer()
	rm := server.Rooms()
	a, _ := newTestSession(server, "a")
	b, _ := newTestSession(server, "b")

	rm.Join("game-1", a)
	rm.Join("game-1", b)
	rm.Join("game-2", a)

	assert.Equal(t, 2, rm.Room("game-1").Count())
	rooms := rm.RoomsOf("a")
	sort.Strings(rooms)
	assert.Equal(t, []string{"game-1", "game-2"}, rooms)

	rm.Leave("game-2", "a")
	assert.NotContains(t, rm.Rooms(), "game-2")

	rm.LeaveAll("b")
	assert.False(t, rm.Room("game-1").Has("b"))
	assert.True(t, rm.Room("game-1").Has("a"))

	rm.LeaveAll("a")
	assert.Empty(t, rm.RoomsOf("a"))
}

func TestRoomBroadcast(t *testing.T) {
	server := NewServer()
	room := NewRoom("game-7")

	transports := make([]*recordingTransport, 0, 25)
	for i := 0; i < 25; i++ {
		s, tr := newTestSession(server, string(rune('a'+i)))
		room.Add(s)
		transports = append(transports, tr)
	}

	require.Nil(t, room.Broadcast("game/7/clock", map[string]int{"black": 10}, 4))

	for _, tr := range transports {
		require.Equal(t, 1, tr.count())
		f, err := socket.DecodeFrame(tr.frames[0])
		require.Nil(t, err)
		assert.Equal(t, "game/7/clock", f.Event)
	}
}

func TestRoomManagerBroadcastMissingRoom(t *testing.T) {
	rm := NewRoomManager()
	assert.Nil(t, rm.Broadcast("nowhere", "x", nil))
}

func TestGameRoom(t *testing.T) {
	assert.Equal(t, "game-12345", GameRoom(12345))
}
