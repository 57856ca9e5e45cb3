package relay

import (
	"testing"
	"time"

	"github.com/mvalen/raidgate/internal/core/auth"
)

func TestConnectionRateLimitBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.ConnectionRateLimit = 3
	cfg.Admission.ConnectionRateWindow = time.Minute
	h := newTestHarness(t, cfg)

	// Exactly the limit is allowed...
	for i := 0; i < 3; i++ {
		sess, _ := h.connect(t, "203.0.113.9")
		if sess == nil {
			t.Fatalf("connection %d should have been admitted", i+1)
		}
	}

	// ...one more is rejected and auto-blocks the address.
	conn := &fakeConn{}
	if sess := h.srv.admitAndRegister(conn, "203.0.113.9"); sess != nil {
		t.Fatal("expected fourth connection to be rejected")
	}
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != CloseConnectionRate {
		t.Fatalf("expected close code %d, got %v", CloseConnectionRate, conn.closeCodes)
	}

	conn = &fakeConn{}
	if sess := h.srv.admitAndRegister(conn, "203.0.113.9"); sess != nil {
		t.Fatal("expected blocked address to be rejected")
	}
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != CloseIPBlocked {
		t.Fatalf("expected close code %d, got %v", CloseIPBlocked, conn.closeCodes)
	}

	// Other addresses are unaffected.
	if sess, _ := h.connect(t, "203.0.113.10"); sess == nil {
		t.Fatal("expected unrelated address to be admitted")
	}
}

func TestServerFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	h := newTestHarness(t, cfg)

	h.connect(t, "10.0.0.1")
	h.connect(t, "10.0.0.2")

	conn := &fakeConn{}
	if sess := h.srv.admitAndRegister(conn, "10.0.0.3"); sess != nil {
		t.Fatal("expected connection over the cap to be rejected")
	}
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != CloseServerFull {
		t.Fatalf("expected close code %d, got %v", CloseServerFull, conn.closeCodes)
	}
}

func TestOperatorBlockIsPermanentUntilUnblocked(t *testing.T) {
	h := newTestHarness(t, nil)

	h.srv.BlockIP("198.51.100.7", 0)
	if sess, _ := h.connect(t, "198.51.100.7"); sess != nil {
		t.Fatal("expected blocked address to be rejected")
	}

	h.srv.UnblockIP("198.51.100.7")
	if sess, _ := h.connect(t, "198.51.100.7"); sess == nil {
		t.Fatal("expected unblocked address to be admitted")
	}
}

func TestMessageRateLimitBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.MessageRateLimit = 5
	cfg.Admission.MessageRateWindow = time.Second
	h := newTestHarness(t, cfg)

	sess, conn := h.login(t, "alice")
	// The login consumed one message from the window; a fresh window makes
	// the arithmetic exact.
	h.advance(2 * time.Second)

	for i := 0; i < 5; i++ {
		if !h.send(t, sess, &TimeSync{Type: TypeTimeSync}) {
			t.Fatalf("message %d within the window should not close the connection", i+1)
		}
	}
	if h.send(t, sess, &TimeSync{Type: TypeTimeSync}) {
		t.Fatal("message over the limit should close the connection")
	}
	if len(conn.closeCodes) == 0 || conn.closeCodes[len(conn.closeCodes)-1] != CloseMessageRate {
		t.Fatalf("expected close code %d, got %v", CloseMessageRate, conn.closeCodes)
	}

	// A fresh window admits messages again for other connections.
	sess2, _ := h.login(t, "bob")
	h.advance(2 * time.Second)
	if !h.send(t, sess2, &TimeSync{Type: TypeTimeSync}) {
		t.Fatal("expected message in a fresh window to pass")
	}
}

func TestChallengeHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.ChallengeRequired = true
	h := newTestHarness(t, cfg)

	sess, conn := h.connect(t, "10.0.0.1")
	if sess.Verified {
		t.Fatal("expected new connection to start unverified")
	}

	var challenge ServerChallenge
	if !conn.lastOfType(t, TypeServerChallenge, &challenge) {
		t.Fatal("expected a challenge to be issued on connect")
	}

	response := auth.Prove(cfg.Auth.SharedSecret, challenge.Challenge, time.UnixMilli(challenge.Timestamp))
	h.send(t, sess, &ChallengeResponse{
		Type:      TypeChallengeResponse,
		Challenge: challenge.Challenge,
		Timestamp: challenge.Timestamp,
		Response:  response,
	})

	if !sess.Verified {
		t.Fatal("expected correct challenge response to verify the session")
	}
}

func TestChallengeResponseFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.ChallengeRequired = true
	h := newTestHarness(t, cfg)

	sess, conn := h.connect(t, "10.0.0.1")
	var challenge ServerChallenge
	conn.lastOfType(t, TypeServerChallenge, &challenge)

	h.send(t, sess, &ChallengeResponse{
		Type:      TypeChallengeResponse,
		Challenge: challenge.Challenge,
		Timestamp: challenge.Timestamp,
		Response:  "wrong",
	})

	if sess.Verified {
		t.Fatal("expected wrong response to leave the session unverified")
	}
	if len(conn.closeCodes) == 0 || conn.closeCodes[0] != CloseBadChallenge {
		t.Fatalf("expected close code %d, got %v", CloseBadChallenge, conn.closeCodes)
	}
}

func TestChallengeResponseAfterTimeoutRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.ChallengeRequired = true
	cfg.Auth.ChallengeTimeout = 10 * time.Second
	h := newTestHarness(t, cfg)

	sess, conn := h.connect(t, "10.0.0.1")
	var challenge ServerChallenge
	conn.lastOfType(t, TypeServerChallenge, &challenge)

	// Correct proof, but late.
	h.advance(11 * time.Second)
	response := auth.Prove(cfg.Auth.SharedSecret, challenge.Challenge, time.UnixMilli(challenge.Timestamp))
	h.send(t, sess, &ChallengeResponse{
		Type:      TypeChallengeResponse,
		Challenge: challenge.Challenge,
		Timestamp: challenge.Timestamp,
		Response:  response,
	})

	if sess.Verified {
		t.Fatal("expected late challenge response to be rejected")
	}
}

// An unverified connection's gameplay traffic is dropped (not closed) and at
// most one fresh challenge is outstanding at a time.
func TestUnverifiedTrafficDropped(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.ChallengeRequired = true
	h := newTestHarness(t, cfg)

	// A verified observer in the lobby must see no chat from the intruder.
	observer, observerConn := h.login(t, "alice")
	observer.Verified = true
	h.joinLobby(t, observer)

	intruder, intruderConn := h.connect(t, "10.0.0.2")
	h.send(t, intruder, &ChatMessage{Type: TypeChatMessage, Text: "hello?"})
	h.send(t, intruder, &ChatMessage{Type: TypeChatMessage, Text: "anyone?"})

	if got := observerConn.countType(t, TypeChatMessage); got != 0 {
		t.Fatalf("expected no chat broadcast from unverified sender, got %d", got)
	}
	if !intruder.Deliverable() {
		t.Fatal("dropped traffic should not close the connection")
	}
	if got := intruderConn.countType(t, TypeServerChallenge); got != 1 {
		t.Fatalf("expected exactly one outstanding challenge, got %d", got)
	}
}
