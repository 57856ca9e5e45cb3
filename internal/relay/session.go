package relay

import (
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/websocket"
)

// transport is the slice of a websocket connection the relay needs. Tests
// substitute a recording fake so handlers can be exercised without sockets.
type transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session represents one connected game client for the lifetime of its socket.
type Session struct {
	ID   int
	IP   string
	conn transport

	// Username is empty until a successful login.
	Username string
	Rank     int
	// RoomName is empty while the connection is in no room.
	RoomName string
	// Verified is set once the challenge-response handshake succeeds (or
	// immediately if challenges are disabled).
	Verified     bool
	LastActivity time.Time

	open bool
}

// Deliverable reports whether a send to this session can succeed. Every send
// path checks this so a closed peer is skipped rather than treated as an error.
func (s *Session) Deliverable() bool {
	return s != nil && s.open
}

// Send encodes v as msgpack and writes it as one binary websocket message.
// Sending to an undeliverable session is a no-op.
func (s *Session) Send(v interface{}) error {
	if !s.Deliverable() {
		return nil
	}
	data, err := encodeMessage(v)
	if err != nil {
		return fmt.Errorf("error encoding message for session %d: %w", s.ID, err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send to client %v: %w", s.IP, err)
	}
	return nil
}

// CloseWithCode sends a close frame with the given protocol-level code and
// tears down the transport. Safe to call more than once.
func (s *Session) CloseWithCode(code int, reason string) {
	if !s.open {
		return
	}
	s.open = false
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = s.conn.Close()
}

// SessionRegistry owns the set of live connections. It is not internally
// synchronized; the server serializes all access (see Server.mu).
type SessionRegistry struct {
	sessions map[int]*Session
	nextID   int
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[int]*Session)}
}

// Register assigns the next connection id and adds the session to the registry.
func (r *SessionRegistry) Register(conn transport, ip string, now time.Time) *Session {
	r.nextID++
	s := &Session{
		ID:           r.nextID,
		IP:           ip,
		conn:         conn,
		LastActivity: now,
		open:         true,
	}
	r.sessions[s.ID] = s
	return s
}

func (r *SessionRegistry) Remove(id int) {
	delete(r.sessions, id)
}

func (r *SessionRegistry) Get(id int) *Session {
	return r.sessions[id]
}

// FindByUsername returns the logged-in session for username, or nil. An empty
// username never matches; sessions that have not logged in carry one.
func (r *SessionRegistry) FindByUsername(username string) *Session {
	if username == "" {
		return nil
	}
	for _, s := range r.sessions {
		if s.Username == username {
			return s
		}
	}
	return nil
}

func (r *SessionRegistry) Count() int {
	return len(r.sessions)
}

// All returns the registered sessions ordered by connection id.
func (r *SessionRegistry) All() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}
