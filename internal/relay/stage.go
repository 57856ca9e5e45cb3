package relay

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mvalen/raidgate/internal/storage"
)

// The stage handoff moves a party from a lobby into a running game room:
// the leader loads stage data, every member confirms receipt (the
// confirmation barrier), the leader starts the run, marks it ready (which
// pins the authoritative start time), and finally completes it, which pays
// out loot and tears the game room down.

// handlePartyLoadLevel stores the stage payload on the leader's party,
// resets the confirmation barrier to the current member set, and pushes the
// payload to every member.
func (s *Server) handlePartyLoadLevel(_ context.Context, sess *Session, data []byte) error {
	var msg PartyLoadLevel
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}
	if !s.parties.IsLeader(sess) {
		s.sendError(sess, ErrCodeNotPartyLeader, "only the party leader can load a level")
		return nil
	}

	party := s.parties.PartyOf(sess.ID)
	party.PendingStage = msg.StageData
	party.PendingLevel = msg.Level
	party.AutoJoinLevel = msg.AutoJoinLevel
	party.AwaitingConfirm = make(map[int]bool, len(party.Members))
	for id := range party.Members {
		party.AwaitingConfirm[id] = true
	}

	s.broadcastParty(party, &StageData{
		Type:      TypeStageData,
		StageData: party.PendingStage,
		Level:     party.PendingLevel,
	})
	return nil
}

// handleStageDataReceived removes the sender from the pending-confirmation
// set. Once the set empties the barrier is satisfied: with an auto-join
// level staged the party moves straight into a game room, otherwise it stays
// in the lobby with the stage cached for an explicit start. Re-confirming an
// already-satisfied barrier has no effect.
func (s *Server) handleStageDataReceived(_ context.Context, sess *Session, data []byte) error {
	party := s.parties.PartyOf(sess.ID)
	if party == nil || party.AwaitingConfirm == nil {
		return nil
	}

	delete(party.AwaitingConfirm, sess.ID)
	s.maybeReleaseBarrier(party)
	return nil
}

// maybeReleaseBarrier tears the confirmation barrier down once no members owe
// a confirmation, launching the staged auto-join run if one was requested.
// Also run when a pending member disconnects so the barrier cannot jam.
func (s *Server) maybeReleaseBarrier(party *Party) {
	if party.AwaitingConfirm == nil || len(party.AwaitingConfirm) != 0 {
		return
	}
	party.AwaitingConfirm = nil

	if party.AutoJoinLevel != "" {
		level := party.AutoJoinLevel
		party.AutoJoinLevel = ""
		s.launchRun(party, party.PendingStage, level)
	}
}

// handlePartyStartLevel starts a run, preferring any cached stage payload
// over a catalog lookup of the named level. An unresolvable level aborts the
// whole handoff; stage data is never fabricated.
func (s *Server) handlePartyStartLevel(ctx context.Context, sess *Session, data []byte) error {
	var msg PartyStartLevel
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}
	if !s.parties.IsLeader(sess) {
		s.sendError(sess, ErrCodeNotPartyLeader, "only the party leader can start a level")
		return nil
	}

	party := s.parties.PartyOf(sess.ID)

	stage := party.PendingStage
	levelName := party.PendingLevel
	if stage == nil {
		level, err := s.store.FindLevelBySlug(ctx, msg.Level)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.sendError(sess, ErrCodeNotFound, fmt.Sprintf("unknown level %q", msg.Level))
				return nil
			}
			s.sendError(sess, ErrCodeStorage, "failed to load level")
			return fmt.Errorf("error loading level %q: %w", msg.Level, err)
		}
		stage = level.Payload
		levelName = level.Slug
	}

	// The party may have changed while the level loaded; the leader check
	// stands because the whole handler runs atomically.
	s.launchRun(party, stage, levelName)
	return nil
}

// launchRun ensures the game room named after the leader exists (resetting
// any prior run-start timestamp), pushes stage data to all members, then
// instructs every member to join the room.
func (s *Server) launchRun(party *Party, stage []byte, level string) {
	leader := party.LeaderSession()
	if leader == nil {
		return
	}

	room := s.rooms.CreateGameRoom(leader.Username, level)
	if room == nil {
		s.sendError(leader, ErrCodeValidation, "room name unavailable")
		return
	}
	s.broadcastParty(party, &StageData{Type: TypeStageData, StageData: stage, Level: level})
	s.broadcastParty(party, &JoinGameRoom{Type: TypeJoinGameRoom, RoomName: room.Name, Level: level})
	s.log.Infof("party led by %s starting run on %q", leader.Username, level)
}

// handleGameReady records the run-start timestamp for the leader's game
// room. Set at most once per room lifetime; repeat calls are no-ops. The
// server clock, not any client-reported duration, is the basis for elapsed
// time.
func (s *Server) handleGameReady(_ context.Context, sess *Session, data []byte) error {
	if !s.parties.IsLeader(sess) {
		return nil
	}
	room := s.rooms.Get(sess.RoomName)
	if room == nil || room.Kind != RoomKindGame {
		return nil
	}
	if room.StartedAt.IsZero() {
		room.StartedAt = s.now()
	}
	return nil
}

// handleRaidCompleted ends a run: computes server-side elapsed time, rolls
// and persists one loot item for every party member still in the room,
// sends each their reward plus the shared stats, and unconditionally
// deletes the game room.
func (s *Server) handleRaidCompleted(ctx context.Context, sess *Session, data []byte) error {
	var msg RaidCompleted
	if err := decodeMessage(data, &msg); err != nil {
		s.sendError(sess, ErrCodeInvalidFormat, "invalid message format")
		return nil
	}
	if !s.parties.IsLeader(sess) {
		s.sendError(sess, ErrCodeNotPartyLeader, "only the party leader can complete a raid")
		return nil
	}
	room := s.rooms.Get(sess.RoomName)
	if room == nil || room.Kind != RoomKindGame {
		s.sendError(sess, ErrCodeValidation, "not in a game room")
		return nil
	}
	stats := make(map[string]interface{})
	if len(msg.Stats) > 0 {
		if err := msgpack.Unmarshal(msg.Stats, &stats); err != nil {
			s.sendError(sess, ErrCodeInvalidFormat, "invalid stats payload")
			return nil
		}
	}

	// A run can only be completed once.
	defer s.rooms.Delete(room.Name)
	if room.StartedAt.IsZero() {
		s.log.Warnf("raid completed in room %s with no recorded start time", room.Name)
	} else {
		stats["serverTime"] = int64(math.Round(s.now().Sub(room.StartedAt).Seconds()))
	}

	party := s.parties.PartyOf(sess.ID)
	if party == nil {
		return nil
	}

	for _, member := range party.MemberList() {
		if member.RoomName != room.Name {
			continue
		}

		loot := s.randomLoot()
		detail, err := encodeMessage(loot)
		if err != nil {
			return fmt.Errorf("error encoding loot for %s: %w", member.Username, err)
		}
		if err := s.store.AddInventoryItem(ctx, &storage.InventoryItem{
			Owner:     member.Username,
			Slot:      loot.Slot,
			Name:      loot.Name,
			Detail:    detail,
			Origin:    "raid",
			CreatedAt: s.now(),
		}); err != nil {
			s.sendError(sess, ErrCodeStorage, "failed to persist raid loot")
			return fmt.Errorf("error persisting loot for %s: %w", member.Username, err)
		}

		if err := member.Send(&RaidLoot{Type: TypeRaidLoot, Loot: loot, Stats: stats}); err != nil {
			s.log.Warn(err.Error())
		}
	}
	return nil
}
