package termination

import (
	"sync"

	"github.com/kleeedolinux/gobansocket/socket"
)

type Room struct {
	name     string
	sessions map[string]*Session
	mu       sync.RWMutex
}

func NewRoom(name string) *Room {
	return &Room{
		name:     name,
		sessions: make(map[string]*Session),
	}
}

func (r *Room) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *Room) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Room) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sessions[id]
	return exists
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Room) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Room) Name() string {
	return r.name
}

// Broadcast encodes the event once and fans it out with at most workerLimit
// concurrent writers.
func (r *Room) Broadcast(event socket.Event, data any, workerLimit int) error {
	frame, err := socket.EncodeEvent(event, data)
	if err != nil {
		return err
	}

	sessions := r.Sessions()
	if len(sessions) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	jobs := make(chan *Session, len(sessions))

	for i := 0; i < min(len(sessions), workerLimit); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				s.write(frame)
			}
		}()
	}

	for _, s := range sessions {
		jobs <- s
	}
	close(jobs)

	wg.Wait()
	return nil
}

type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

func (rm *RoomManager) Room(name string) *Room {
	rm.mu.RLock()
	room, exists := rm.rooms[name]
	rm.mu.RUnlock()

	if !exists {
		rm.mu.Lock()
		if room, exists = rm.rooms[name]; !exists {
			room = NewRoom(name)
			rm.rooms[name] = room
		}
		rm.mu.Unlock()
	}

	return room
}

func (rm *RoomManager) Rooms() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rooms := make([]string, 0, len(rm.rooms))
	for name := range rm.rooms {
		rooms = append(rooms, name)
	}
	return rooms
}

func (rm *RoomManager) Join(name string, s *Session) {
	rm.Room(name).Add(s)
}

func (rm *RoomManager) Leave(name string, id string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[name]
	if !exists {
		return
	}
	room.Remove(id)
	if room.Count() == 0 {
		delete(rm.rooms, name)
	}
}

func (rm *RoomManager) LeaveAll(id string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for name, room := range rm.rooms {
		if room.Has(id) {
			room.Remove(id)
			if room.Count() == 0 {
				delete(rm.rooms, name)
			}
		}
	}
}

func (rm *RoomManager) RoomsOf(id string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var rooms []string
	for name, room := range rm.rooms {
		if room.Has(id) {
			rooms = append(rooms, name)
		}
	}
	return rooms
}

func (rm *RoomManager) Broadcast(name string, event socket.Event, data any) error {
	rm.mu.RLock()
	room, exists := rm.rooms[name]
	rm.mu.RUnlock()

	if !exists {
		return nil
	}
	return room.Broadcast(event, data, 10)
}
