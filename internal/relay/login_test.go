package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/mvalen/raidgate/internal/storage"
)

func TestQuickRegisterCreatesAccountAndLogsIn(t *testing.T) {
	h := newTestHarness(t, nil)
	sess, conn := h.connect(t, "10.0.0.1")

	h.send(t, sess, &Login{Type: TypeQuickRegister, Username: "dana", Password: "hunter2"})

	var result LoginResult
	if !conn.lastOfType(t, TypeLoginSuccess, &result) {
		t.Fatal("expected quickRegister to log the new account in")
	}
	if sess.Username != "dana" {
		t.Errorf("session username = %q, want dana", sess.Username)
	}

	account, err := h.srv.store.FindAccountByUsername(context.Background(), "dana")
	if err != nil {
		t.Fatalf("error loading created account: %s", err)
	}
	if account.Password == "hunter2" {
		t.Error("expected the stored password to be hashed")
	}
}

func TestQuickRegisterRejectsInvalidUsernames(t *testing.T) {
	tests := []struct {
		name     string
		username string
	}{
		{"empty", ""},
		{"reserved", "admin"},
		{"taken", "alice"},
		// Game rooms are named after their leader; a username in the lobby
		// namespace could collide with a persistent lobby room.
		{"lobby namespace", "lobby-derelict-station"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t, nil)
			sess, conn := h.connect(t, "10.0.0.1")

			h.send(t, sess, &Login{Type: TypeQuickRegister, Username: tt.username, Password: "pw"})

			var result LoginResult
			if !conn.lastOfType(t, TypeLoginFail, &result) {
				t.Fatalf("expected registration of %q to fail", tt.username)
			}
			if sess.Username != "" {
				t.Errorf("expected the session to stay logged out, got %q", sess.Username)
			}
			if tt.username != "" && tt.username != "alice" {
				_, err := h.srv.store.FindAccountByUsername(context.Background(), tt.username)
				if !errors.Is(err, storage.ErrNotFound) {
					t.Errorf("expected no account for %q, got err=%v", tt.username, err)
				}
			}
		})
	}
}
