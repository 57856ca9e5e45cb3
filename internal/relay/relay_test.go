package relay

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mvalen/raidgate/internal/core"
	"github.com/mvalen/raidgate/internal/core/auth"
	"github.com/mvalen/raidgate/internal/storage"
)

// fakeConn records everything the server writes so handler behavior can be
// asserted without a real websocket.
type fakeConn struct {
	frames     [][]byte
	closeCodes []int
	closed     bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	switch messageType {
	case websocket.BinaryMessage:
		f.frames = append(f.frames, append([]byte(nil), data...))
	case websocket.CloseMessage:
		if len(data) >= 2 {
			f.closeCodes = append(f.closeCodes, int(data[0])<<8|int(data[1]))
		}
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

// countType reports how many recorded frames carry the given type tag.
func (f *fakeConn) countType(t *testing.T, typ string) int {
	t.Helper()
	count := 0
	for _, frame := range f.frames {
		var envelope Envelope
		if err := decodeMessage(frame, &envelope); err != nil {
			t.Fatalf("error decoding recorded frame: %s", err)
		}
		if envelope.Type == typ {
			count++
		}
	}
	return count
}

// lastOfType decodes the most recent frame carrying the given tag into v.
func (f *fakeConn) lastOfType(t *testing.T, typ string, v interface{}) bool {
	t.Helper()
	for i := len(f.frames) - 1; i >= 0; i-- {
		var envelope Envelope
		if err := decodeMessage(f.frames[i], &envelope); err != nil {
			t.Fatalf("error decoding recorded frame: %s", err)
		}
		if envelope.Type == typ {
			if err := decodeMessage(f.frames[i], v); err != nil {
				t.Fatalf("error decoding %s frame: %s", typ, err)
			}
			return true
		}
	}
	return false
}

const testStagePayload = `{"tiles":[[1,2],[3,4]]}`

func testConfig() *core.Config {
	cfg := &core.Config{}
	cfg.Hostname = "localhost"
	cfg.Port = 9800
	cfg.MaxConnections = 16
	cfg.MaxMessageBytes = 1 << 20
	cfg.Admission.ConnectionRateLimit = 100
	cfg.Admission.ConnectionRateWindow = time.Minute
	cfg.Admission.AutoBlockDuration = 10 * time.Minute
	cfg.Admission.MessageRateLimit = 1000
	cfg.Admission.MessageRateWindow = time.Second
	cfg.Admission.IdleTimeout = time.Minute
	cfg.Auth.ChallengeRequired = false
	cfg.Auth.SharedSecret = "test-secret"
	cfg.Auth.ChallengeTimeout = 30 * time.Second
	cfg.Relay.BroadcastDelay = time.Second
	return cfg
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testStore(t *testing.T) storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("error initializing test database: %s", err)
	}
	store, err := storage.NewWithDB(db)
	if err != nil {
		t.Fatalf("error migrating test database: %s", err)
	}

	ctx := context.Background()
	for _, username := range []string{"alice", "bob", "carol"} {
		if err := store.CreateAccount(ctx, &storage.Account{
			Username: username,
			Password: auth.HashPassword("secret"),
		}); err != nil {
			t.Fatalf("error seeding account %s: %s", username, err)
		}
	}
	if err := store.CreateLevel(ctx, &storage.Level{
		Slug:        "derelict-station",
		DisplayName: "Derelict Station",
		Campaign:    true,
		Payload:     []byte(testStagePayload),
	}); err != nil {
		t.Fatalf("error seeding level: %s", err)
	}
	return store
}

// testHarness wires a server with a fake clock against a seeded SQLite store.
type testHarness struct {
	srv   *Server
	clock time.Time
}

func newTestHarness(t *testing.T, cfg *core.Config) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	h := &testHarness{clock: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	h.srv = NewServer(cfg, testLogger(), testStore(t))
	h.srv.now = func() time.Time { return h.clock }

	if err := h.srv.Init(context.Background()); err != nil {
		t.Fatalf("error initializing server: %s", err)
	}
	return h
}

func (h *testHarness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

// connect runs the admission path for a new fake connection.
func (h *testHarness) connect(t *testing.T, ip string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess := h.srv.admitAndRegister(conn, ip)
	return sess, conn
}

// send encodes a message and pushes it through the dispatch path.
func (h *testHarness) send(t *testing.T, sess *Session, v interface{}) bool {
	t.Helper()
	data, err := encodeMessage(v)
	if err != nil {
		t.Fatalf("error encoding test message: %s", err)
	}
	return h.srv.dispatch(context.Background(), sess, data)
}

// login connects and authenticates a seeded account, returning its session.
func (h *testHarness) login(t *testing.T, username string) (*Session, *fakeConn) {
	t.Helper()
	sess, conn := h.connect(t, "10.0.0.1")
	if sess == nil {
		t.Fatal("connection was rejected")
	}
	h.send(t, sess, &Login{Type: TypeLogin, Username: username, Password: "secret"})

	var result LoginResult
	if !conn.lastOfType(t, TypeLoginSuccess, &result) {
		t.Fatalf("expected %s to log in successfully", username)
	}
	return sess, conn
}

// joinLobby puts a logged-in session into the seeded campaign lobby.
func (h *testHarness) joinLobby(t *testing.T, sess *Session) {
	t.Helper()
	h.send(t, sess, &Join{Type: TypeJoin, Room: LobbyRoomName("derelict-station")})
	if sess.RoomName != LobbyRoomName("derelict-station") {
		t.Fatalf("expected session %d to be in the lobby, got %q", sess.ID, sess.RoomName)
	}
}

// makeParty forms a party of the given logged-in sessions, led by the first.
func (h *testHarness) makeParty(t *testing.T, leader *Session, members ...*Session) {
	t.Helper()
	for _, member := range members {
		h.send(t, leader, &PartyInvite{Type: TypePartyInvite, TargetUsername: member.Username})
		h.send(t, member, &PartyAccept{Type: TypePartyAccept, FromUsername: leader.Username})
	}
	party := h.srv.parties.PartyOf(leader.ID)
	if party == nil || party.Leader != leader.ID {
		t.Fatalf("expected %s to lead the party", leader.Username)
	}
}

func (h *testHarness) disconnect(sess *Session) {
	h.srv.mu.Lock()
	defer h.srv.mu.Unlock()
	h.srv.disconnectLocked(sess)
}
