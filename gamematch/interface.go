// Package gamematch holds the match orchestration core: player sessions, the
// match room state machine, the matchmaking queue and the turn scheduler.
package gamematch

import (
	"errors"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/olivmath/stealth-battleship-sub002/wire"
	"golang.org/x/time/rate"
)

var (
	ErrAlreadyInMatch = errors.New("gamematch: player already in an active match")
	ErrBadGridSize    = errors.New("gamematch: unsupported grid size")
	ErrNoEntryToken   = errors.New("gamematch: no entry token")
	ErrCodeNotFound   = errors.New("gamematch: match code not found")
	ErrMatchFull      = errors.New("gamematch: match already has two players")
	ErrUnknownPlayer  = errors.New("gamematch: player not in this match")
	ErrNotInPlacement = errors.New("gamematch: match is not in placement phase")
	ErrNotInBattle    = errors.New("gamematch: match is not in battle phase")
	ErrNotYourTurn    = errors.New("gamematch: not your turn")
	ErrOutOfBounds    = errors.New("gamematch: coordinates out of bounds")
	ErrDuplicateCell  = errors.New("gamematch: cell already targeted")
	ErrShotPending    = errors.New("gamematch: a shot is already awaiting its result")
	ErrNoPendingShot  = errors.New("gamematch: no shot awaiting a result")
	ErrMatchFinished  = errors.New("gamematch: match already finished")
)

// PlayerID is a hex-encoded ed25519 public key.
type PlayerID string

// RoomStatus is the match room lifecycle phase.
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"
	StatusPlacing  RoomStatus = "placing"
	StatusBattle   RoomStatus = "battle"
	StatusFinished RoomStatus = "finished"
)

// DefaultTurnTimeout forfeits the player on turn whenever it elapses without
// a resolved shot.
const DefaultTurnTimeout = 30 * time.Second

// gridCatalogue maps a grid size to its fleet. Win threshold is the sum of
// the fleet's ship sizes.
var gridCatalogue = map[int][]int{
	6:  {2, 2, 3},
	8:  {3, 3, 4},
	10: {5, 4, 3, 3, 2},
}

// ShipSizesFor returns a copy of the fleet for the grid size.
func ShipSizesFor(gridSize int) ([]int, error) {
	sizes, ok := gridCatalogue[gridSize]
	if !ok {
		return nil, ErrBadGridSize
	}
	out := make([]int, len(sizes))
	copy(out, sizes)
	return out, nil
}

// Outbox is the send side of a player's connection. Implementations must be
// safe to call from multiple goroutines.
type Outbox interface {
	WriteEvent(ev wire.Event) error
}

// Player is a connected (or recently disconnected) identity.
type Player struct {
	sync.RWMutex

	ID     PlayerID
	ConnID string
	Outbox Outbox

	// AttackLimiter throttles attack commands on this session.
	AttackLimiter *rate.Limiter

	// ReconnectBy is set while the player is disconnected mid-match; zero
	// when connected.
	ReconnectBy time.Time

	sendMu sync.Mutex
}

// PlayerSessions tracks live sessions keyed by identity.
type PlayerSessions struct {
	sync.RWMutex
	Sessions map[PlayerID]*Player
}

// Commitment is a player's proven board placement.
type Commitment struct {
	BoardHash    string
	Proof        []byte
	PublicInputs []string
	Ready        bool
}

// ShotOutcome is the defender-reported, proof-backed result of an attack.
type ShotOutcome string

const (
	ShotHit  ShotOutcome = "hit"
	ShotMiss ShotOutcome = "miss"
)

// Attack is one resolved shot in the match transcript.
type Attack struct {
	Attacker   PlayerID
	Row, Col   int
	Outcome    ShotOutcome
	TurnNumber int
	Timestamp  time.Time
}

// pendingShot is the single in-flight attack awaiting its shot-result.
type pendingShot struct {
	attacker PlayerID
	row, col int
	turn     int
}

// MatchRoom is a single match. All mutation happens under its embedded mutex;
// external calls (proofs, payments, chain) must run outside it.
type MatchRoom struct {
	sync.RWMutex

	ID        string
	Code      string // friend code, empty for random matches
	Status    RoomStatus
	GridSize  int
	ShipSizes []int
	Player1   PlayerID
	Player2   PlayerID

	Commitments map[PlayerID]*Commitment
	// Paid marks seats whose entry token was consumed for this room.
	Paid        map[PlayerID]bool
	CurrentTurn PlayerID
	TurnNumber  int
	Attacks     []Attack
	Winner      PlayerID
	EndReason   string
	CreatedAt   time.Time
	FinishedAt  time.Time

	// Settlement bookkeeping, written by the server once the chain calls
	// resolve. Closing marks an in-flight close so a session is never
	// settled twice.
	SessionID  string
	OpenTxHash string
	CloseTx    string
	Closing    bool
	Settled    bool

	pending   *pendingShot
	turnTimer *TimerToken

	now func() time.Time
}

// QueueEntry is a player waiting for a random opponent.
type QueueEntry struct {
	PlayerID PlayerID
	ConnID   string
	GridSize int
	JoinedAt time.Time

	// Prepaid marks an entry whose token was already consumed by a pairing
	// that fell apart on the opponent's side.
	Prepaid bool
}

// EntryGate is the payment port consulted before a match is formed. A nil
// gate means free-to-play.
type EntryGate interface {
	// HasToken reports whether the player currently holds an entry token.
	HasToken(pk PlayerID) (bool, error)
	// Consume irreversibly spends one entry token.
	Consume(pk PlayerID) error
}

// RecordEvent is emitted on match milestones for persistence collaborators.
type RecordEvent struct {
	Kind    string // "match-started", "attack-resolved", "match-ended"
	MatchID string
	Players [2]PlayerID
	Attack  *Attack
	Winner  PlayerID
	Reason  string
	At      time.Time
}

// RecorderFunc receives match milestones. It must not block.
type RecorderFunc func(ev RecordEvent)

// Matchmaker owns the queue, friend codes and the player→room association.
type Matchmaker struct {
	mu sync.RWMutex

	queue      []*QueueEntry
	rooms      map[string]*MatchRoom
	codes      map[string]string // friend code -> room id
	playerRoom map[PlayerID]*MatchRoom

	gate     EntryGate
	recorder RecorderFunc
	log      slog.Logger

	now func() time.Time
}
