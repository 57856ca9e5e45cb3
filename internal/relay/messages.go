package relay

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Every wire message is a msgpack-encoded record carrying a "type" tag that
// selects its handler. The set below is closed: unknown tags are logged and
// dropped rather than interpreted.
const (
	// Authentication.
	TypeLogin             = "login"
	TypeQuickRegister     = "quickRegister"
	TypeLoginSuccess      = "loginSuccess"
	TypeLoginFail         = "loginFail"
	TypeServerChallenge   = "serverChallenge"
	TypeChallengeResponse = "clientChallengeResponse"

	// Time sync.
	TypeTimeSync      = "timeSync"
	TypeTimeSyncReply = "timeSyncReply"

	// Rooms.
	TypeJoin               = "join"
	TypeRoomUpdate         = "roomUpdate"
	TypePlayerList         = "playerList"
	TypeWeaponLoads        = "weaponLoads"
	TypePlayerDisconnected = "playerDisconnected"

	// Relay.
	TypeMessage      = "message"
	TypePlayerUpdate = "playerUpdate"
	TypeChatMessage  = "chatMessage"
	TypeCastAbility  = "castAbility"
	TypeBlockEffect  = "blockEffect"
	TypeEnemyCreated = "enemyCreated"
	TypeEnemyRemoved = "enemyRemoved"
	TypeEnemyEscape  = "enemyEscapeRandomX"
	TypePlayerHit    = "playerHit"
	TypeDamageReport = "playerDamageReport"
	TypeHpUpdate     = "playerHpUpdate"

	// Parties and stage handoff.
	TypePartyInvite       = "partyInvite"
	TypePartyInviteAck    = "partyInviteAck"
	TypePartyAccept       = "partyAccept"
	TypePartyUpdate       = "partyUpdate"
	TypePartyLoadLevel    = "partyLoadLevel"
	TypePartyStartLevel   = "partyStartLevel"
	TypeStageData         = "stageData"
	TypeStageDataReceived = "stageDataReceived"
	TypeJoinGameRoom      = "joinGameRoom"
	TypeGameReady         = "gameReady"
	TypeRaidCompleted     = "raidCompleted"
	TypeRaidLoot          = "raidLoot"

	TypeError = "errorMessage"
)

// Error codes carried by ErrorMessage so clients can render specific failures.
const (
	ErrCodeInvalidFormat    = "invalidMessageFormat"
	ErrCodeNotLoggedIn      = "notLoggedIn"
	ErrCodeNotPartyLeader   = "notPartyLeader"
	ErrCodePermissionDenied = "permissionDenied"
	ErrCodeValidation       = "validationFailed"
	ErrCodeNotFound         = "notFound"
	ErrCodeStorage          = "storageFailed"
)

// Envelope is decoded first to select a handler; unknown fields are ignored
// so any message can be read as an Envelope.
type Envelope struct {
	Type string `msgpack:"type"`
}

type ErrorMessage struct {
	Type string `msgpack:"type"`
	Code string `msgpack:"code"`
	Text string `msgpack:"text"`
}

type Login struct {
	Type     string `msgpack:"type"`
	Username string `msgpack:"username"`
	Password string `msgpack:"password"`
}

type LoginResult struct {
	Type     string `msgpack:"type"`
	Username string `msgpack:"username,omitempty"`
	Rank     int    `msgpack:"rank,omitempty"`
	Reason   string `msgpack:"reason,omitempty"`
}

type ServerChallenge struct {
	Type      string `msgpack:"type"`
	Challenge string `msgpack:"challenge"`
	Timestamp int64  `msgpack:"timestamp"`
}

type ChallengeResponse struct {
	Type      string `msgpack:"type"`
	Challenge string `msgpack:"challenge"`
	Timestamp int64  `msgpack:"timestamp"`
	Response  string `msgpack:"response"`
}

type TimeSync struct {
	Type string `msgpack:"type"`
	ID   int64  `msgpack:"id,omitempty"`
}

type TimeSyncReply struct {
	Type       string `msgpack:"type"`
	ID         int64  `msgpack:"id,omitempty"`
	ServerTime int64  `msgpack:"serverTime"`
}

type Join struct {
	Type string `msgpack:"type"`
	Room string `msgpack:"room"`
}

type RoomUpdate struct {
	Type     string `msgpack:"type"`
	Room     string `msgpack:"room"`
	RoomType string `msgpack:"roomType"`
	Level    string `msgpack:"level"`
	Name     string `msgpack:"name"`
}

// PlayerList is the party-scoped view of a game room's other occupants sent
// to a connection when it joins.
type PlayerList struct {
	Type    string       `msgpack:"type"`
	Players []PlayerInfo `msgpack:"players"`
}

type PlayerInfo struct {
	ID       int    `msgpack:"id"`
	Username string `msgpack:"username"`
}

// WeaponLoads carries each room member's opaque weapon-load payload keyed by
// username.
type WeaponLoads struct {
	Type  string            `msgpack:"type"`
	Loads map[string][]byte `msgpack:"loads"`
}

type PlayerDisconnected struct {
	Type     string `msgpack:"type"`
	ID       int    `msgpack:"id"`
	Username string `msgpack:"username"`
}

// Message is the high-frequency state update relayed with the buffered
// broadcast discipline. Data is opaque to the server.
type Message struct {
	Type string             `msgpack:"type"`
	Data msgpack.RawMessage `msgpack:"data"`
}

type PlayerUpdate struct {
	Type       string             `msgpack:"type"`
	ID         int                `msgpack:"id"`
	Username   string             `msgpack:"username"`
	Data       msgpack.RawMessage `msgpack:"data"`
	TargetTime int64              `msgpack:"targetTime"`
}

type ChatMessage struct {
	Type     string `msgpack:"type"`
	ID       int    `msgpack:"id,omitempty"`
	Username string `msgpack:"username,omitempty"`
	Text     string `msgpack:"text"`
}

type CastAbility struct {
	Type     string             `msgpack:"type"`
	ID       int                `msgpack:"id,omitempty"`
	Username string             `msgpack:"username,omitempty"`
	Ability  string             `msgpack:"ability"`
	Data     msgpack.RawMessage `msgpack:"data,omitempty"`
}

type BlockEffect struct {
	Type     string `msgpack:"type"`
	ID       int    `msgpack:"id,omitempty"`
	Username string `msgpack:"username,omitempty"`
	Active   bool   `msgpack:"active"`
}

// EnemyEvent covers the three leader-only enemy lifecycle tags. X is only
// meaningful for enemyEscapeRandomX.
type EnemyEvent struct {
	Type    string             `msgpack:"type"`
	EnemyID int64              `msgpack:"enemyId"`
	Kind    string             `msgpack:"kind,omitempty"`
	Data    msgpack.RawMessage `msgpack:"data,omitempty"`
	X       float64            `msgpack:"x,omitempty"`
}

type PlayerHit struct {
	Type     string             `msgpack:"type"`
	ID       int                `msgpack:"id,omitempty"`
	Target   string             `msgpack:"target"`
	Damage   float64            `msgpack:"damage"`
	Detail   msgpack.RawMessage `msgpack:"detail,omitempty"`
}

// DamageReport is the two-mode damage message. The mode is distinguished by
// which hp field is present: Hp set means an authoritative (or "fun mode")
// value and the report is broadcast; only CurrentHp set means the report
// needs adjudication and is forwarded to the party leader.
type DamageReport struct {
	Type      string   `msgpack:"type"`
	ID        int      `msgpack:"id,omitempty"`
	Username  string   `msgpack:"username,omitempty"`
	Hp        *float64 `msgpack:"hp,omitempty"`
	CurrentHp *float64 `msgpack:"currentHp,omitempty"`
	Damage    float64  `msgpack:"damage,omitempty"`
	Source    string   `msgpack:"source,omitempty"`
}

type HpUpdate struct {
	Type     string  `msgpack:"type"`
	ID       int     `msgpack:"id,omitempty"`
	Username string  `msgpack:"username"`
	Hp       float64 `msgpack:"hp"`
}

type PartyInvite struct {
	Type           string `msgpack:"type"`
	FromUsername   string `msgpack:"fromUsername,omitempty"`
	TargetUsername string `msgpack:"targetUsername"`
}

type PartyInviteAck struct {
	Type           string `msgpack:"type"`
	TargetUsername string `msgpack:"targetUsername"`
}

type PartyAccept struct {
	Type         string `msgpack:"type"`
	FromUsername string `msgpack:"fromUsername"`
}

type PartyUpdate struct {
	Type    string   `msgpack:"type"`
	Leader  string   `msgpack:"leader"`
	Members []string `msgpack:"members"`
}

type PartyLoadLevel struct {
	Type      string `msgpack:"type"`
	StageData []byte `msgpack:"stageData"`
	Level     string `msgpack:"level,omitempty"`
	// Optional level filename the party should auto-join once every member
	// confirms receipt of the stage data.
	AutoJoinLevel string `msgpack:"autoJoinLevel,omitempty"`
}

type PartyStartLevel struct {
	Type  string `msgpack:"type"`
	Level string `msgpack:"level,omitempty"`
}

type StageData struct {
	Type      string `msgpack:"type"`
	StageData []byte `msgpack:"stageData"`
	Level     string `msgpack:"level,omitempty"`
}

type StageDataReceived struct {
	Type string `msgpack:"type"`
}

type JoinGameRoom struct {
	Type     string `msgpack:"type"`
	RoomName string `msgpack:"roomName"`
	Level    string `msgpack:"level"`
}

type GameReady struct {
	Type string `msgpack:"type"`
}

type RaidCompleted struct {
	Type  string             `msgpack:"type"`
	Stats msgpack.RawMessage `msgpack:"stats,omitempty"`
}

type RaidLoot struct {
	Type  string                 `msgpack:"type"`
	Loot  Loot                   `msgpack:"loot"`
	Stats map[string]interface{} `msgpack:"stats"`
}

// Loot is one generated raid reward.
type Loot struct {
	Slot    string     `msgpack:"slot"`
	Name    string     `msgpack:"name"`
	Stats   []StatRoll `msgpack:"stats"`
	Ability string     `msgpack:"ability,omitempty"`
}

type StatRoll struct {
	Name  string `msgpack:"name"`
	Value int    `msgpack:"value"`
}

func encodeMessage(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeMessage(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
