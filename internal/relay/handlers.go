package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/mvalen/raidgate/internal/core/auth"
)

// handleJoin moves a connection into a named room. Lobby rooms must
// correspond to a known campaign level; rooms are never fabricated. Joining
// a game room additionally sends the party-scoped occupant view and the
// room's aggregated weapon-load payload.
func (s *Server) handleJoin(ctx context.Context, sess *Session, data []byte) error {
	var msg Join
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}
	if sess.Username == "" {
		s.sendError(sess, ErrCodeNotLoggedIn, "log in before joining a room")
		return nil
	}

	room, err := s.rooms.Join(sess, msg.Room)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			s.sendError(sess, ErrCodeNotFound, fmt.Sprintf("unknown room %q", msg.Room))
			return nil
		}
		return err
	}

	if err := sess.Send(&RoomUpdate{
		Type:     TypeRoomUpdate,
		Room:     room.Name,
		RoomType: room.Kind,
		Level:    room.Level,
		Name:     room.DisplayName,
	}); err != nil {
		return err
	}

	if room.Kind != RoomKindGame {
		return nil
	}
	return s.sendGameRoomView(ctx, sess, room)
}

// sendGameRoomView sends a game-room joiner the other party members present
// in the room plus every occupant's weapon load.
func (s *Server) sendGameRoomView(ctx context.Context, sess *Session, room *Room) error {
	party := s.parties.PartyOf(sess.ID)

	players := []PlayerInfo{}
	if party != nil {
		for _, member := range room.MemberList() {
			if member.ID == sess.ID || !party.Has(member.ID) {
				continue
			}
			players = append(players, PlayerInfo{ID: member.ID, Username: member.Username})
		}
	}
	if err := sess.Send(&PlayerList{Type: TypePlayerList, Players: players}); err != nil {
		return err
	}

	loads := make(map[string][]byte)
	for _, member := range room.MemberList() {
		if member.Username == "" {
			continue
		}
		account, err := s.store.FindAccountByUsername(ctx, member.Username)
		if err != nil {
			s.log.Warnf("error loading weapon cache for %s: %s", member.Username, err)
			s.sendError(sess, ErrCodeStorage, "failed to load room equipment")
			return nil
		}
		loads[member.Username] = account.WeaponCache
	}
	return sess.Send(&WeaponLoads{Type: TypeWeaponLoads, Loads: loads})
}

// handleMessage implements the buffered room broadcast: every member of the
// sender's room, including the sender, receives the payload stamped with the
// same targetTime so every client's playback buffer behaves identically.
func (s *Server) handleMessage(_ context.Context, sess *Session, data []byte) error {
	var msg Message
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	room := s.rooms.Get(sess.RoomName)
	if room == nil {
		return nil
	}

	s.broadcastRoom(room, &PlayerUpdate{
		Type:       TypePlayerUpdate,
		ID:         sess.ID,
		Username:   sess.Username,
		Data:       msg.Data,
		TargetTime: s.now().Add(s.cfg.Relay.BroadcastDelay).UnixMilli(),
	})
	return nil
}

func (s *Server) handleChatMessage(_ context.Context, sess *Session, data []byte) error {
	var msg ChatMessage
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	room := s.rooms.Get(sess.RoomName)
	if room == nil {
		return nil
	}
	msg.ID = sess.ID
	msg.Username = sess.Username
	s.broadcastRoom(room, &msg)
	return nil
}

func (s *Server) handleCastAbility(_ context.Context, sess *Session, data []byte) error {
	var msg CastAbility
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	room := s.rooms.Get(sess.RoomName)
	if room == nil {
		return nil
	}
	msg.ID = sess.ID
	msg.Username = sess.Username
	s.broadcastRoom(room, &msg)
	return nil
}

func (s *Server) handleBlockEffect(_ context.Context, sess *Session, data []byte) error {
	var msg BlockEffect
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	room := s.rooms.Get(sess.RoomName)
	if room == nil {
		return nil
	}
	msg.ID = sess.ID
	msg.Username = sess.Username
	s.broadcastRoom(room, &msg)
	return nil
}

// handleEnemyEvent relays enemy lifecycle messages. Only the sender's party
// leader is the authority on enemy state; anyone else is silently ignored.
func (s *Server) handleEnemyEvent(_ context.Context, sess *Session, data []byte) error {
	if !s.parties.IsLeader(sess) {
		return nil
	}

	var msg EnemyEvent
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	room := s.rooms.Get(sess.RoomName)
	if room == nil {
		return nil
	}
	s.broadcastRoom(room, &msg)
	return nil
}

// handlePlayerHit forwards a leader's hit report only to the named target.
func (s *Server) handlePlayerHit(_ context.Context, sess *Session, data []byte) error {
	if !s.parties.IsLeader(sess) {
		return nil
	}

	var msg PlayerHit
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	room := s.rooms.Get(sess.RoomName)
	if room == nil {
		return nil
	}

	msg.ID = sess.ID
	for _, member := range room.MemberList() {
		if member.Username == msg.Target && member.Deliverable() {
			if err := member.Send(&msg); err != nil {
				s.log.Warn(err.Error())
			}
			return nil
		}
	}
	return nil
}

// handleDamageReport implements leader-mediated damage reporting. The mode
// is inferred from field presence: an hp value is broadcast to the room
// (authoritative from the leader, "fun mode" from anyone else); a
// currentHp-only report from a non-leader is forwarded to the party leader
// for adjudication.
func (s *Server) handleDamageReport(_ context.Context, sess *Session, data []byte) error {
	var msg DamageReport
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	room := s.rooms.Get(sess.RoomName)
	if room == nil {
		return nil
	}
	msg.ID = sess.ID
	msg.Username = sess.Username

	if s.parties.IsLeader(sess) || msg.Hp != nil {
		s.broadcastRoom(room, &msg)
		return nil
	}

	party := s.parties.PartyOf(sess.ID)
	if party == nil {
		return nil
	}
	if leader := party.LeaderSession(); leader.Deliverable() {
		if err := leader.Send(&msg); err != nil {
			s.log.Warn(err.Error())
		}
	}
	return nil
}

// handleHpUpdate syncs the leader's authoritative hp values to party members
// in the same room. Spectators and members elsewhere never receive it.
func (s *Server) handleHpUpdate(_ context.Context, sess *Session, data []byte) error {
	if !s.parties.IsLeader(sess) {
		return nil
	}

	var msg HpUpdate
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}

	party := s.parties.PartyOf(sess.ID)
	if party == nil || sess.RoomName == "" {
		return nil
	}
	msg.ID = sess.ID

	for _, member := range party.MemberList() {
		if member.RoomName != sess.RoomName || !member.Deliverable() {
			continue
		}
		if err := member.Send(&msg); err != nil {
			s.log.Warn(err.Error())
		}
	}
	return nil
}

// handlePartyInvite forwards an invitation; membership is only mutated by
// the target's partyAccept.
func (s *Server) handlePartyInvite(_ context.Context, sess *Session, data []byte) error {
	var msg PartyInvite
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}
	if sess.Username == "" {
		s.sendError(sess, ErrCodeNotLoggedIn, "log in before inviting players")
		return nil
	}
	if msg.TargetUsername == "" {
		s.sendError(sess, ErrCodeValidation, "invite target is required")
		return nil
	}
	if msg.TargetUsername == sess.Username {
		s.sendError(sess, ErrCodeValidation, "cannot invite yourself")
		return nil
	}
	if auth.Reserved(msg.TargetUsername) {
		s.sendError(sess, ErrCodeValidation, "invalid invite target")
		return nil
	}

	target := s.sessions.FindByUsername(msg.TargetUsername)
	if target == nil {
		s.sendError(sess, ErrCodeNotFound, fmt.Sprintf("%s is not online", msg.TargetUsername))
		return nil
	}

	if err := target.Send(&PartyInvite{
		Type:           TypePartyInvite,
		FromUsername:   sess.Username,
		TargetUsername: msg.TargetUsername,
	}); err != nil {
		s.log.Warn(err.Error())
	}
	return sess.Send(&PartyInviteAck{Type: TypePartyInviteAck, TargetUsername: msg.TargetUsername})
}

// handlePartyAccept moves the accepting connection into the inviter's party,
// running leader re-election or deletion on the party it leaves.
func (s *Server) handlePartyAccept(_ context.Context, sess *Session, data []byte) error {
	var msg PartyAccept
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}
	if sess.Username == "" {
		s.sendError(sess, ErrCodeNotLoggedIn, "log in before joining a party")
		return nil
	}
	if msg.FromUsername == "" {
		s.sendError(sess, ErrCodeValidation, "inviter username is required")
		return nil
	}

	inviter := s.sessions.FindByUsername(msg.FromUsername)
	if inviter == nil {
		s.sendError(sess, ErrCodeNotFound, fmt.Sprintf("%s is not online", msg.FromUsername))
		return nil
	}

	inviterParty := s.parties.EnsureParty(inviter)
	if inviterParty.Has(sess.ID) {
		return nil
	}

	if oldParty, _ := s.parties.RemoveMember(sess); oldParty != nil {
		s.broadcastParty(oldParty, s.partyUpdate(oldParty))
		s.maybeReleaseBarrier(oldParty)
	}
	s.parties.AddMember(inviterParty, sess)

	// A late joiner still gets any stage payload the party already loaded.
	if inviterParty.PendingStage != nil {
		if err := sess.Send(&StageData{
			Type:      TypeStageData,
			StageData: inviterParty.PendingStage,
			Level:     inviterParty.PendingLevel,
		}); err != nil {
			s.log.Warn(err.Error())
		}
	}

	s.broadcastParty(inviterParty, s.partyUpdate(inviterParty))
	return nil
}
