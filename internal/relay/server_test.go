package relay

import (
	"testing"
	"time"
)

// Idle eviction fires only once a full idle window has elapsed with no
// inbound traffic, and closes with the dedicated idle code.
func TestIdleEvictionBoundary(t *testing.T) {
	h := newTestHarness(t, nil)
	sess, conn := h.connect(t, "10.0.0.1")
	idle := h.srv.cfg.Admission.IdleTimeout

	h.advance(idle - time.Millisecond)
	if h.srv.evictIfIdle(sess) {
		t.Fatal("evicted before the idle window elapsed")
	}
	if !sess.Deliverable() {
		t.Fatal("expected the session to remain open")
	}

	h.advance(2 * time.Millisecond)
	if !h.srv.evictIfIdle(sess) {
		t.Fatal("expected eviction once the idle window elapsed")
	}
	if sess.Deliverable() {
		t.Error("expected the session to be closed")
	}
	if len(conn.closeCodes) == 0 || conn.closeCodes[len(conn.closeCodes)-1] != CloseIdle {
		t.Errorf("close codes = %v, want %d", conn.closeCodes, CloseIdle)
	}
}

// Any dispatched message restarts the idle window; an expired read deadline
// set before that activity must not evict.
func TestInboundTrafficResetsIdleWindow(t *testing.T) {
	h := newTestHarness(t, nil)
	sess, _ := h.connect(t, "10.0.0.1")
	idle := h.srv.cfg.Admission.IdleTimeout

	h.advance(idle - time.Second)
	h.send(t, sess, &TimeSync{Type: TypeTimeSync})

	h.advance(idle - time.Second)
	if h.srv.evictIfIdle(sess) {
		t.Fatal("evicted despite recent activity")
	}
}
