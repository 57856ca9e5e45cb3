package relay

import "sort"

// Party is a set of sessions with exactly one leader. Every connection
// belongs to exactly one party at all times; a solo connection is its own
// one-member party. Parties that would reach zero members are deleted.
type Party struct {
	Leader  int
	Members map[int]*Session

	// Stage handoff state: the pending stage payload pushed by the leader,
	// the level it came from, an optional auto-join level filename, and the
	// member ids that still owe a stageDataReceived confirmation.
	PendingStage    []byte
	PendingLevel    string
	AutoJoinLevel   string
	AwaitingConfirm map[int]bool
}

func (p *Party) Has(id int) bool {
	_, ok := p.Members[id]
	return ok
}

// MemberList returns the party's sessions ordered by connection id.
func (p *Party) MemberList() []*Session {
	members := make([]*Session, 0, len(p.Members))
	for _, s := range p.Members {
		members = append(members, s)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// MemberNames returns the party roster usernames ordered by connection id.
func (p *Party) MemberNames() []string {
	members := p.MemberList()
	names := make([]string, 0, len(members))
	for _, s := range members {
		names = append(names, s.Username)
	}
	return names
}

// LeaderSession returns the current leader's session.
func (p *Party) LeaderSession() *Session {
	return p.Members[p.Leader]
}

// PartyCoordinator owns party membership and leadership, independent of
// rooms. Not internally synchronized; the server serializes access.
type PartyCoordinator struct {
	byMember map[int]*Party
}

func NewPartyCoordinator() *PartyCoordinator {
	return &PartyCoordinator{byMember: make(map[int]*Party)}
}

// EnsureParty returns the session's party, creating a singleton party with
// the session as leader if it has none.
func (c *PartyCoordinator) EnsureParty(s *Session) *Party {
	if party, ok := c.byMember[s.ID]; ok {
		return party
	}
	party := &Party{
		Leader:  s.ID,
		Members: map[int]*Session{s.ID: s},
	}
	c.byMember[s.ID] = party
	return party
}

// PartyOf returns the party the session id belongs to, or nil.
func (c *PartyCoordinator) PartyOf(id int) *Party {
	return c.byMember[id]
}

// IsLeader reports whether the session currently leads its party.
func (c *PartyCoordinator) IsLeader(s *Session) bool {
	party := c.byMember[s.ID]
	return party != nil && party.Leader == s.ID
}

// AddMember moves the session into party. The caller is responsible for
// detaching it from any previous party first.
func (c *PartyCoordinator) AddMember(party *Party, s *Session) {
	party.Members[s.ID] = s
	c.byMember[s.ID] = party
}

// RemoveMember detaches the session from its party. If it was the last
// member the party is deleted; if it was the leader, leadership passes to
// the member with the lowest remaining connection id. Returns the party the
// session left (nil if deleted) and whether a re-election happened.
func (c *PartyCoordinator) RemoveMember(s *Session) (*Party, bool) {
	party, ok := c.byMember[s.ID]
	if !ok {
		return nil, false
	}
	delete(c.byMember, s.ID)
	delete(party.Members, s.ID)
	if party.AwaitingConfirm != nil {
		delete(party.AwaitingConfirm, s.ID)
	}

	if len(party.Members) == 0 {
		return nil, false
	}

	if party.Leader != s.ID {
		return party, false
	}

	// Deterministic relaxed election: lowest remaining connection id.
	newLeader := 0
	for id := range party.Members {
		if newLeader == 0 || id < newLeader {
			newLeader = id
		}
	}
	party.Leader = newLeader
	return party, true
}
