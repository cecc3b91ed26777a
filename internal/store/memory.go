package store

import (
	"context"
	"sync"
)

// Memory is the single-instance backend: mutex-guarded maps, no I/O, so every
// operation succeeds.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
	conns map[string]Metadata
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]Metadata),
	}
}

func (m *Memory) Join(_ context.Context, connID, room, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.conns[connID]; ok && prev.Room != "" && prev.Room != room {
		m.removeFromRoomLocked(prev.Room, connID)
	}

	members, ok := m.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[room] = members
	}
	members[connID] = struct{}{}

	md := m.conns[connID]
	md.UserID = userID
	md.Room = room
	m.conns[connID] = md
	return nil
}

func (m *Memory) Verify(_ context.Context, room string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms[room]) > 0, nil
}

func (m *Memory) Members(_ context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) Metadata(_ context.Context, connID string) (Metadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.conns[connID]
	return md, ok, nil
}

func (m *Memory) SetMetadata(_ context.Context, connID string, md Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = md
	return nil
}

func (m *Memory) RemoveFromRoom(_ context.Context, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFromRoomLocked(room, connID)
	return nil
}

func (m *Memory) RemoveConnection(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if md, ok := m.conns[connID]; ok && md.Room != "" {
		m.removeFromRoomLocked(md.Room, connID)
	}
	delete(m.conns, connID)
	return nil
}

// removeFromRoomLocked deletes the room entirely once its last member leaves,
// so Verify agrees with the Redis backend (where an empty set is a deleted
// key).
func (m *Memory) removeFromRoomLocked(room, connID string) {
	members, ok := m.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, room)
	}
}
