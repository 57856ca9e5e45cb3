package relay

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/mvalen/raidgate/internal/core"
	"github.com/mvalen/raidgate/internal/core/auth"
)

// Protocol-level close codes used for admission rejections. These are in the
// websocket application range so clients can distinguish them from transport
// failures.
const (
	CloseIPBlocked      = 4001
	CloseConnectionRate = 4002
	CloseServerFull     = 4003
	CloseMessageRate    = 4004
	CloseIdle           = 4005
	CloseBadChallenge   = 4006
)

// rateWindow is a per-key counter with a rolling reset timestamp, shared by
// the connection-rate and message-rate checks.
type rateWindow struct {
	count   int
	resetAt time.Time
}

// rejection describes why a connection was refused or must be closed.
type rejection struct {
	Code   int
	Reason string
}

// Admission gatekeeps new connections and per-message processing: IP
// block-list, connection-rate and message-rate windows, the global
// concurrency cap, and the challenge-response handshake.
type Admission struct {
	cfg *core.Config
	log *logrus.Logger
	now func() time.Time

	// ip -> struct{}; temporary blocks carry a TTL, operator blocks don't.
	blocklist *gocache.Cache
	// ip -> *rateWindow for connection attempts.
	connWindows *gocache.Cache
	// session id -> *rateWindow for inbound messages.
	msgWindows map[int]*rateWindow
	// session id -> auth.Challenge, expiring after the challenge timeout.
	challenges *gocache.Cache
}

func NewAdmission(cfg *core.Config, log *logrus.Logger, now func() time.Time) *Admission {
	return &Admission{
		cfg:         cfg,
		log:         log,
		now:         now,
		blocklist:   gocache.New(gocache.NoExpiration, time.Minute),
		connWindows: gocache.New(cfg.Admission.ConnectionRateWindow, time.Minute),
		msgWindows:  make(map[int]*rateWindow),
		challenges:  gocache.New(cfg.Auth.ChallengeTimeout, time.Minute),
	}
}

// ResolveIP determines the client IP for an incoming upgrade request,
// preferring a forwarded-for header over the socket peer address.
func ResolveIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AdmitConnection decides whether a new connection from ip may be accepted
// given the current number of live sessions. A nil return means admitted.
func (a *Admission) AdmitConnection(ip string, currentSessions int) *rejection {
	if a.IsBlocked(ip) {
		return &rejection{Code: CloseIPBlocked, Reason: "address blocked"}
	}

	if !a.allow(a.connWindow(ip), a.cfg.Admission.ConnectionRateLimit, a.cfg.Admission.ConnectionRateWindow) {
		// Abusive connect loops get the IP parked for a while.
		a.BlockIP(ip, a.cfg.Admission.AutoBlockDuration)
		a.log.Warnf("auto-blocked %s for %v after connection flood", ip, a.cfg.Admission.AutoBlockDuration)
		return &rejection{Code: CloseConnectionRate, Reason: "too many connection attempts"}
	}

	if currentSessions >= a.cfg.MaxConnections {
		return &rejection{Code: CloseServerFull, Reason: "server full"}
	}
	return nil
}

// AdmitMessage performs the per-message rate check for a session. A nil
// return means the message may be dispatched.
func (a *Admission) AdmitMessage(s *Session) *rejection {
	w := a.msgWindows[s.ID]
	if w == nil {
		w = &rateWindow{}
		a.msgWindows[s.ID] = w
	}
	if !a.allow(w, a.cfg.Admission.MessageRateLimit, a.cfg.Admission.MessageRateWindow) {
		return &rejection{Code: CloseMessageRate, Reason: "message rate exceeded"}
	}
	return nil
}

func (a *Admission) connWindow(ip string) *rateWindow {
	if w, ok := a.connWindows.Get(ip); ok {
		return w.(*rateWindow)
	}
	w := &rateWindow{}
	a.connWindows.Set(ip, w, gocache.DefaultExpiration)
	return w
}

// allow counts one event against the window, resetting it if expired.
// Exactly limit events within a window pass; the limit+1th does not.
func (a *Admission) allow(w *rateWindow, limit int, window time.Duration) bool {
	now := a.now()
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(window)
	}
	w.count++
	return w.count <= limit
}

// IssueChallenge creates and records a fresh challenge for the session,
// returning the message to send. While a challenge is pending no further
// one is issued, which bounds re-issues to one per idle period.
func (a *Admission) IssueChallenge(s *Session) *ServerChallenge {
	if !a.cfg.Auth.ChallengeRequired {
		return nil
	}
	key := strconv.Itoa(s.ID)
	if _, pending := a.challenges.Get(key); pending {
		return nil
	}
	challenge := auth.NewChallenge(a.now())
	a.challenges.Set(key, challenge, a.cfg.Auth.ChallengeTimeout)
	return &ServerChallenge{
		Type:      TypeServerChallenge,
		Challenge: challenge.Nonce,
		Timestamp: challenge.IssuedAt.UnixMilli(),
	}
}

// VerifyChallenge checks a client's challenge response against the pending
// challenge. The challenge is single-use and consumed either way.
func (a *Admission) VerifyChallenge(s *Session, resp *ChallengeResponse) bool {
	key := strconv.Itoa(s.ID)
	cached, ok := a.challenges.Get(key)
	if !ok {
		return false
	}
	a.challenges.Delete(key)

	challenge := cached.(auth.Challenge)
	if resp.Challenge != challenge.Nonce {
		return false
	}
	return challenge.Verify(a.cfg.Auth.SharedSecret, resp.Response, a.now(), a.cfg.Auth.ChallengeTimeout)
}

// RemoveSession drops any rate-limit and challenge bookkeeping for a
// disconnected session.
func (a *Admission) RemoveSession(id int) {
	delete(a.msgWindows, id)
	a.challenges.Delete(strconv.Itoa(id))
}

func (a *Admission) IsBlocked(ip string) bool {
	_, blocked := a.blocklist.Get(ip)
	return blocked
}

// BlockIP blocks an address for the given duration; zero means until
// explicitly unblocked.
func (a *Admission) BlockIP(ip string, d time.Duration) {
	if d <= 0 {
		a.blocklist.Set(ip, struct{}{}, gocache.NoExpiration)
		return
	}
	a.blocklist.Set(ip, struct{}{}, d)
}

func (a *Admission) UnblockIP(ip string) {
	a.blocklist.Delete(ip)
}

// BlockedIPs lists the currently blocked addresses.
func (a *Admission) BlockedIPs() []string {
	items := a.blocklist.Items()
	ips := make([]string, 0, len(items))
	for ip := range items {
		ips = append(ips, ip)
	}
	return ips
}
