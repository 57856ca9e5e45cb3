// Package relay implements the session/room/party coordination layer: it
// admits and authenticates connections, tracks rooms and parties, relays
// gameplay messages between clients, and runs the lobby-to-game stage
// handoff for each party.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"runtime/debug"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mvalen/raidgate/internal/core"
	"github.com/mvalen/raidgate/internal/core/auth"
	"github.com/mvalen/raidgate/internal/storage"
)

type handlerFunc func(ctx context.Context, s *Session, data []byte) error

// Server owns the four registries (sessions, rooms, parties, admission
// windows) and the websocket frontend feeding them.
//
// Handlers for one inbound message run to completion, including any storage
// round-trips, before the next is dispatched: all mutation happens under mu,
// giving per-handler atomicity across the per-connection read goroutines.
type Server struct {
	cfg   *core.Config
	log   *logrus.Logger
	store storage.Store

	mu        sync.Mutex
	sessions  *SessionRegistry
	rooms     *RoomManager
	parties   *PartyCoordinator
	admission *Admission

	handlers map[string]handlerFunc
	upgrader websocket.Upgrader

	// now and rng are injectable for tests.
	now func() time.Time
	rng *rand.Rand
}

func NewServer(cfg *core.Config, log *logrus.Logger, store storage.Store) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		sessions: NewSessionRegistry(),
		rooms:    NewRoomManager(),
		parties:  NewPartyCoordinator(),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.admission = NewAdmission(cfg, log, func() time.Time { return s.now() })

	s.handlers = map[string]handlerFunc{
		TypeLogin:             s.handleLogin,
		TypeQuickRegister:     s.handleQuickRegister,
		TypeChallengeResponse: s.handleChallengeResponse,
		TypeTimeSync:          s.handleTimeSync,
		TypeJoin:              s.handleJoin,
		TypeMessage:           s.handleMessage,
		TypeChatMessage:       s.handleChatMessage,
		TypeCastAbility:       s.handleCastAbility,
		TypeBlockEffect:       s.handleBlockEffect,
		TypeEnemyCreated:      s.handleEnemyEvent,
		TypeEnemyRemoved:      s.handleEnemyEvent,
		TypeEnemyEscape:       s.handleEnemyEvent,
		TypePlayerHit:         s.handlePlayerHit,
		TypeDamageReport:      s.handleDamageReport,
		TypeHpUpdate:          s.handleHpUpdate,
		TypePartyInvite:       s.handlePartyInvite,
		TypePartyAccept:       s.handlePartyAccept,
		TypePartyLoadLevel:    s.handlePartyLoadLevel,
		TypeStageDataReceived: s.handleStageDataReceived,
		TypePartyStartLevel:   s.handlePartyStartLevel,
		TypeGameReady:         s.handleGameReady,
		TypeRaidCompleted:     s.handleRaidCompleted,
	}
	return s
}

// Message types an unverified connection may still send.
var verificationExempt = map[string]bool{
	TypeLogin:             true,
	TypeQuickRegister:     true,
	TypeChallengeResponse: true,
}

// Init seeds the persistent lobby rooms, one per campaign level in the catalog.
func (s *Server) Init(ctx context.Context) error {
	levels, err := s.store.ListCampaignLevels(ctx)
	if err != nil {
		return fmt.Errorf("error loading level catalog: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, level := range levels {
		s.rooms.EnsureLobby(level)
	}
	s.log.Infof("created %d lobby rooms", len(levels))
	return nil
}

// ListenAndServe exposes the websocket endpoint and blocks until the
// context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(ctx, w, r)
	})
	if s.cfg.Debugging.PprofEnabled {
		go s.startPprofServer()
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Hostname, s.cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	s.log.Infof("waiting for connections on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("error running websocket listener: %w", err)
	}
	return nil
}

// startPprofServer launches an HTTP server that responds with pprof output
// containing the stack traces of all running goroutines.
func (s *Server) startPprofServer() {
	addr := fmt.Sprintf("localhost:%d", s.cfg.Debugging.PprofPort)
	s.log.Infof("opening debug port on %s", addr)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_ = pprof.Lookup("goroutine").WriteTo(w, 1)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		s.log.Warnf("error running debug server: %s", err)
	}
}

// serveWS admits one upgrade request and, if accepted, runs its read loop
// until the connection dies.
func (s *Server) serveWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ip := ResolveIP(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("failed to upgrade connection from %s: %s", ip, err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	sess := s.admitAndRegister(conn, ip)
	if sess == nil {
		return
	}

	s.log.Infof("accepted connection %d from %s", sess.ID, ip)
	s.readLoop(ctx, conn, sess)
}

// admitAndRegister applies the connection admission checks and, on success,
// registers a session and issues its authentication challenge.
func (s *Server) admitAndRegister(conn transport, ip string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reject := s.admission.AdmitConnection(ip, s.sessions.Count()); reject != nil {
		s.log.Infof("rejected connection from %s: %s", ip, reject.Reason)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(reject.Code, reject.Reason))
		_ = conn.Close()
		return nil
	}

	sess := s.sessions.Register(conn, ip, s.now())
	if s.cfg.Auth.ChallengeRequired {
		if challenge := s.admission.IssueChallenge(sess); challenge != nil {
			if err := sess.Send(challenge); err != nil {
				s.log.Warn(err.Error())
			}
		}
	} else {
		sess.Verified = true
	}
	return sess
}

// readLoop is the per-connection pump. The read deadline doubles as the
// idle-eviction timer; every inbound message pushes it out.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) {
	defer s.recoverAndDisconnect(sess)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(s.now().Add(s.cfg.Admission.IdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
				s.log.Infof("closing connection %d: oversized message", sess.ID)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.evictIfIdle(sess)
			}
			return
		}

		if !s.dispatch(ctx, sess, data) {
			return
		}
	}
}

// evictIfIdle closes a session with the idle close code once a full idle
// window has passed with no inbound traffic. An expired read deadline is not
// proof of idleness on its own (the deadline may predate recent activity), so
// the elapsed time is checked against the session's last activity.
func (s *Server) evictIfIdle(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Sub(sess.LastActivity) < s.cfg.Admission.IdleTimeout {
		return false
	}
	s.log.Infof("closing connection %d: idle timeout", sess.ID)
	sess.CloseWithCode(CloseIdle, "idle timeout")
	return true
}

// recoverAndDisconnect is the failsafe that catches handler panics and,
// regardless of connection state, runs the disconnect cascade exactly once.
func (s *Server) recoverAndDisconnect(sess *Session) {
	if err := recover(); err != nil {
		s.log.Errorf("error in client communication with %s: error=%s, trace: %s",
			sess.IP, err, debug.Stack())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked(sess)
}

// dispatch runs per-message admission, the verification gate, and the typed
// handler for one inbound message. It returns false once the connection
// should be torn down.
func (s *Server) dispatch(ctx context.Context, sess *Session, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sess.Deliverable() {
		return false
	}
	sess.LastActivity = s.now()

	if reject := s.admission.AdmitMessage(sess); reject != nil {
		s.log.Infof("closing connection %d: %s", sess.ID, reject.Reason)
		sess.CloseWithCode(reject.Code, reject.Reason)
		return false
	}

	var envelope Envelope
	if err := decodeMessage(data, &envelope); err != nil || envelope.Type == "" {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return true
	}

	if !sess.Verified && !verificationExempt[envelope.Type] {
		// Dropped, not closed. Re-issue a challenge if none is pending.
		if challenge := s.admission.IssueChallenge(sess); challenge != nil {
			if err := sess.Send(challenge); err != nil {
				s.log.Warn(err.Error())
			}
		}
		return true
	}

	handler, ok := s.handlers[envelope.Type]
	if !ok {
		s.log.Infof("received unknown message %q from connection %d", envelope.Type, sess.ID)
		return true
	}

	if err := handler(ctx, sess, data); err != nil {
		s.log.Warnf("error handling %s from connection %d: %s", envelope.Type, sess.ID, err)
	}
	return sess.Deliverable()
}

// disconnectLocked runs the full disconnect cascade: room leave with a
// notice to remaining members, party leave with re-election, admission
// bookkeeping, and registry removal. Idempotent; callers hold mu.
func (s *Server) disconnectLocked(sess *Session) {
	if s.sessions.Get(sess.ID) == nil {
		return
	}

	sess.CloseWithCode(websocket.CloseNormalClosure, "")

	if room := s.rooms.Leave(sess); room != nil {
		s.broadcastRoom(room, &PlayerDisconnected{
			Type:     TypePlayerDisconnected,
			ID:       sess.ID,
			Username: sess.Username,
		})
	}

	if party, _ := s.parties.RemoveMember(sess); party != nil {
		s.broadcastParty(party, s.partyUpdate(party))
		s.maybeReleaseBarrier(party)
	}

	s.admission.RemoveSession(sess.ID)
	s.sessions.Remove(sess.ID)
	s.log.Infof("disconnected client %d (%s)", sess.ID, sess.IP)
}

// sendError sends a typed error message, the standard reply for auth,
// validation, and not-found failures.
func (s *Server) sendError(sess *Session, code, text string) {
	if err := sess.Send(&ErrorMessage{Type: TypeError, Code: code, Text: text}); err != nil {
		s.log.Warn(err.Error())
	}
}

func (s *Server) partyUpdate(party *Party) *PartyUpdate {
	leader := ""
	if l := party.LeaderSession(); l != nil {
		leader = l.Username
	}
	return &PartyUpdate{
		Type:    TypePartyUpdate,
		Leader:  leader,
		Members: party.MemberNames(),
	}
}

// broadcastRoom sends a message to every member of a room. Closed peers are
// skipped, never an error.
func (s *Server) broadcastRoom(room *Room, v interface{}) {
	for _, member := range room.MemberList() {
		if !member.Deliverable() {
			continue
		}
		if err := member.Send(v); err != nil {
			s.log.Warn(err.Error())
		}
	}
}

// broadcastParty sends a message to every party member regardless of room.
func (s *Server) broadcastParty(party *Party, v interface{}) {
	for _, member := range party.MemberList() {
		if !member.Deliverable() {
			continue
		}
		if err := member.Send(v); err != nil {
			s.log.Warn(err.Error())
		}
	}
}

// Operator surface used by the console. These take the same lock as the
// message handlers.

// SetRank updates a user's rank in the store and on any live session.
func (s *Server) SetRank(ctx context.Context, username string, rank int) error {
	account, err := s.store.FindAccountByUsername(ctx, username)
	if err != nil {
		return err
	}
	account.Rank = rank
	if err := s.store.UpdateAccount(ctx, account); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions.FindByUsername(username); sess != nil {
		sess.Rank = rank
	}
	return nil
}

// BlockIP blocks an address; zero duration means until unblocked.
func (s *Server) BlockIP(ip string, d time.Duration) {
	s.admission.BlockIP(ip, d)
}

func (s *Server) UnblockIP(ip string) {
	s.admission.UnblockIP(ip)
}

func (s *Server) BlockedIPs() []string {
	return s.admission.BlockedIPs()
}

// MigrateCredentials hashes any account password still stored as plaintext.
// Returns the number of accounts migrated.
func (s *Server) MigrateCredentials(ctx context.Context) (int, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, account := range accounts {
		if looksHashed(account.Password) {
			continue
		}
		account.Password = auth.HashPassword(account.Password)
		if err := s.store.UpdateAccount(ctx, account); err != nil {
			return migrated, fmt.Errorf("error migrating account %s: %w", account.Username, err)
		}
		migrated++
	}
	return migrated, nil
}

// looksHashed reports whether a stored password is already a sha256 hex digest.
func looksHashed(password string) bool {
	if len(password) != 64 {
		return false
	}
	for _, c := range password {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
