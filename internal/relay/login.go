package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mvalen/raidgate/internal/core/auth"
	"github.com/mvalen/raidgate/internal/storage"
)

func (s *Server) handleLogin(ctx context.Context, sess *Session, data []byte) error {
	var msg Login
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	account, err := s.store.FindAccountByUsername(ctx, msg.Username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warnf("error in FindAccountByUsername: %s", err)
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: auth.ErrUnknown.Error()})
	}

	if account == nil || !auth.VerifyPassword(msg.Password, account.Password) {
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: auth.ErrInvalidCredentials.Error()})
	}
	if account.Banned {
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: auth.ErrAccountBanned.Error()})
	}
	if other := s.sessions.FindByUsername(msg.Username); other != nil && other.ID != sess.ID {
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: "account already logged in"})
	}

	return s.completeLogin(sess, account)
}

func (s *Server) handleQuickRegister(ctx context.Context, sess *Session, data []byte) error {
	var msg Login
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	if msg.Username == "" || msg.Password == "" {
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: "username and password are required"})
	}
	if auth.Reserved(msg.Username) {
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: auth.ErrReservedUsername.Error()})
	}
	// Game rooms are named after their leader, so a username that collides
	// with the lobby namespace could hijack a persistent lobby room.
	if strings.HasPrefix(msg.Username, lobbyRoomPrefix) {
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: auth.ErrReservedUsername.Error()})
	}

	existing, err := s.store.FindAccountByUsername(ctx, msg.Username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warnf("error in FindAccountByUsername: %s", err)
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: auth.ErrUnknown.Error()})
	}
	if existing != nil {
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: auth.ErrUsernameTaken.Error()})
	}

	account := &storage.Account{
		Username:         msg.Username,
		Password:         auth.HashPassword(msg.Password),
		RegistrationDate: s.now(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		s.log.Warnf("error creating account %s: %s", msg.Username, err)
		return sess.Send(&LoginResult{Type: TypeLoginFail, Reason: auth.ErrUnknown.Error()})
	}

	return s.completeLogin(sess, account)
}

// completeLogin attaches the account to the session and guarantees the
// logged-in connection has a party (its own, initially).
func (s *Server) completeLogin(sess *Session, account *storage.Account) error {
	sess.Username = account.Username
	sess.Rank = account.Rank
	s.parties.EnsureParty(sess)

	s.log.Infof("connection %d logged in as %s", sess.ID, account.Username)
	return sess.Send(&LoginResult{
		Type:     TypeLoginSuccess,
		Username: account.Username,
		Rank:     account.Rank,
	})
}

func (s *Server) handleChallengeResponse(_ context.Context, sess *Session, data []byte) error {
	var msg ChallengeResponse
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	if !s.admission.VerifyChallenge(sess, &msg) {
		// A failed challenge response is fatal, unlike the silent drop for
		// other unverified traffic.
		sess.CloseWithCode(CloseBadChallenge, "challenge verification failed")
		return fmt.Errorf("connection %d failed challenge verification", sess.ID)
	}

	sess.Verified = true
	s.log.Debugf("connection %d verified", sess.ID)
	return nil
}

func (s *Server) handleTimeSync(_ context.Context, sess *Session, data []byte) error {
	var msg TimeSync
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}
	return sess.Send(&TimeSyncReply{
		Type:       TypeTimeSyncReply,
		ID:         msg.ID,
		ServerTime: s.now().UnixMilli(),
	})
}
