// Package wire defines the JSON messages exchanged on the real-time channel
// between the match server and connected players.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/olivmath/stealth-battleship-sub002/auth"
)

// Client-originated event types.
const (
	EventFindMatch         = "find-match"
	EventCancelSearch      = "cancel-search"
	EventCreateFriendMatch = "create-friend-match"
	EventJoinFriendMatch   = "join-friend-match"
	EventSubmitPlacement   = "submit-placement"
	EventAttack            = "attack"
	EventShotResult        = "shot-result"
	EventForfeit           = "forfeit"
	EventRevealBoard       = "reveal-board"
)

// Server-originated event types.
const (
	EventSearching            = "searching"
	EventSearchCancelled      = "search-cancelled"
	EventMatchFound           = "match-found"
	EventFriendCreated        = "friend-created"
	EventFriendJoined         = "friend-joined"
	EventError                = "error"
	EventShotRequested        = "shot-requested"
	EventShotResolved         = "shot-resolved"
	EventPlacementAccepted    = "placement-accepted"
	EventBattleStarted        = "battle-started"
	EventGameOver             = "game-over"
	EventOpponentDisconnected = "opponent-disconnected"
	EventReconnected          = "reconnected"
)

// Envelope is the outer frame of every client message. Data carries the
// event-specific payload; the auth fields sign "publicKey:action:data:timestamp"
// where action is Type and data is the raw Data string.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	PublicKey string          `json:"publicKey"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

// ActionPayload converts the envelope into the auth package's action form.
func (e *Envelope) ActionPayload() auth.ActionPayload {
	return auth.ActionPayload{
		PublicKey: e.PublicKey,
		Signature: e.Signature,
		Action:    e.Type,
		Data:      string(e.Data),
		Timestamp: e.Timestamp,
	}
}

// Event is a server-to-client message.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals v as the payload of a typed event. A nil v produces an
// event with no payload.
func NewEvent(typ string, v any) (Event, error) {
	ev := Event{Type: typ}
	if v == nil {
		return ev, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", typ, err)
	}
	ev.Data = b
	return ev, nil
}

// --- client payloads ---

type FindMatch struct {
	GridSize int `json:"gridSize"`
}

type JoinFriendMatch struct {
	Code string `json:"code"`
}

type CreateFriendMatch struct {
	GridSize int `json:"gridSize"`
}

type SubmitPlacement struct {
	MatchID      string   `json:"matchId"`
	BoardHash    string   `json:"boardHash"`
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
}

type Attack struct {
	MatchID string `json:"matchId"`
	Row     int    `json:"row"`
	Col     int    `json:"col"`
}

type ShotResult struct {
	MatchID      string   `json:"matchId"`
	Row          int      `json:"row"`
	Col          int      `json:"col"`
	Hit          bool     `json:"hit"`
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
}

type RevealBoard struct {
	MatchID string `json:"matchId"`
	Ships   []Ship `json:"ships"`
	Nonce   string `json:"nonce"`
}

// Ship mirrors the proof engine's placement tuple.
type Ship struct {
	Row        int  `json:"row"`
	Col        int  `json:"col"`
	Size       int  `json:"size"`
	Horizontal bool `json:"horizontal"`
}

// --- server payloads ---

type MatchFound struct {
	MatchID   string   `json:"matchId"`
	GridSize  int      `json:"gridSize"`
	ShipSizes []int    `json:"shipSizes"`
	Opponent  string   `json:"opponent"`
	Players   []string `json:"players"`
}

type FriendCreated struct {
	MatchID string `json:"matchId"`
	Code    string `json:"code"`
}

type BattleStarted struct {
	MatchID     string `json:"matchId"`
	CurrentTurn string `json:"currentTurn"`
	TurnNumber  int    `json:"turnNumber"`
}

type ShotRequested struct {
	MatchID    string `json:"matchId"`
	Row        int    `json:"row"`
	Col        int    `json:"col"`
	TurnNumber int    `json:"turnNumber"`
}

type ShotResolved struct {
	MatchID     string `json:"matchId"`
	Attacker    string `json:"attacker"`
	Row         int    `json:"row"`
	Col         int    `json:"col"`
	Hit         bool   `json:"hit"`
	TurnNumber  int    `json:"turnNumber"`
	NextTurn    string `json:"nextTurn"`
	NextTurnNum int    `json:"nextTurnNum"`
}

type GameOver struct {
	MatchID string `json:"matchId"`
	Winner  string `json:"winner"`
	Reason  string `json:"reason"`
	TxHash  string `json:"txHash,omitempty"`
	Settled bool   `json:"settled"`
}

type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResumeShot is one transcript entry replayed to a reconnecting player.
type ResumeShot struct {
	Attacker   string `json:"attacker"`
	Row        int    `json:"row"`
	Col        int    `json:"col"`
	Hit        bool   `json:"hit"`
	TurnNumber int    `json:"turnNumber"`
}

// Resume restores a reconnecting player's view of their match.
type Resume struct {
	MatchID     string       `json:"matchId"`
	GridSize    int          `json:"gridSize"`
	ShipSizes   []int        `json:"shipSizes"`
	Opponent    string       `json:"opponent"`
	Status      string       `json:"status"`
	CurrentTurn string       `json:"currentTurn"`
	TurnNumber  int          `json:"turnNumber"`
	Shots       []ResumeShot `json:"shots"`
}
