package relay

import (
	"fmt"
	"sort"
	"time"

	"github.com/mvalen/raidgate/internal/storage"
)

const (
	RoomKindLobby = "lobby"
	RoomKindGame  = "game"
)

// ErrRoomNotFound is answered to joins naming a room that does not exist;
// rooms are never fabricated on demand.
var ErrRoomNotFound = fmt.Errorf("room not found")

// Room is a named set of sessions. Lobby rooms exist for the process
// lifetime, one per campaign level; game rooms live for a single run.
type Room struct {
	Name        string
	Kind        string
	Level       string
	DisplayName string
	Members     map[int]*Session
	// StartedAt is set (once) by gameReady for game rooms and is the basis
	// for authoritative elapsed-time computation. Zero means not started.
	StartedAt time.Time
}

// MemberList returns the room's sessions ordered by connection id.
func (r *Room) MemberList() []*Session {
	members := make([]*Session, 0, len(r.Members))
	for _, s := range r.Members {
		members = append(members, s)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

const lobbyRoomPrefix = "lobby-"

// LobbyRoomName derives the deterministic lobby room name for a level slug.
func LobbyRoomName(slug string) string {
	return lobbyRoomPrefix + slug
}

// RoomManager owns the room set and join/leave semantics. Game room
// creation and teardown belongs to the stage handoff flow, not to joins.
type RoomManager struct {
	rooms map[string]*Room
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[string]*Room)}
}

// EnsureLobby creates (or returns) the persistent lobby room for a level.
func (m *RoomManager) EnsureLobby(level *storage.Level) *Room {
	name := LobbyRoomName(level.Slug)
	if room, ok := m.rooms[name]; ok {
		return room
	}
	room := &Room{
		Name:        name,
		Kind:        RoomKindLobby,
		Level:       level.Slug,
		DisplayName: level.DisplayName,
		Members:     make(map[int]*Session),
	}
	m.rooms[name] = room
	return room
}

// CreateGameRoom creates the game room for a run, or resets an existing one.
// Any prior run-start timestamp is always cleared. Lobby rooms are persistent
// and are never repurposed; a name colliding with one returns nil.
func (m *RoomManager) CreateGameRoom(name, level string) *Room {
	if room, ok := m.rooms[name]; ok {
		if room.Kind == RoomKindLobby {
			return nil
		}
		room.Level = level
		room.DisplayName = name
		room.StartedAt = time.Time{}
		return room
	}
	room := &Room{
		Name:        name,
		Kind:        RoomKindGame,
		Level:       level,
		DisplayName: name,
		Members:     make(map[int]*Session),
	}
	m.rooms[name] = room
	return room
}

func (m *RoomManager) Get(name string) *Room {
	return m.rooms[name]
}

// Join detaches the session from any prior room and adds it to the named
// room. Unknown rooms are an error.
func (m *RoomManager) Join(s *Session, name string) (*Room, error) {
	room, ok := m.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	m.Leave(s)
	room.Members[s.ID] = s
	s.RoomName = room.Name
	return room, nil
}

// Leave removes the session from its current room, returning the room left
// (nil if it was in none).
func (m *RoomManager) Leave(s *Session) *Room {
	if s.RoomName == "" {
		return nil
	}
	room := m.rooms[s.RoomName]
	if room != nil {
		delete(room.Members, s.ID)
	}
	s.RoomName = ""
	return room
}

// Delete removes a room, detaching any remaining members.
func (m *RoomManager) Delete(name string) {
	room, ok := m.rooms[name]
	if !ok {
		return
	}
	for _, s := range room.Members {
		s.RoomName = ""
	}
	delete(m.rooms, name)
}
