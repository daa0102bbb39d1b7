// Package matchdb archives finished matches and their transcripts so results
// survive a server restart.
package matchdb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMatchNotFound  = errors.New("matchdb: match not found")
	ErrDuplicateMatch = errors.New("matchdb: match already stored")
)

// ShotRecord is one resolved attack in an archived transcript.
type ShotRecord struct {
	Attacker   string    `json:"attacker"`
	Row        int       `json:"row"`
	Col        int       `json:"col"`
	Hit        bool      `json:"hit"`
	TurnNumber int       `json:"turn_number"`
	At         time.Time `json:"at"`
}

// MatchRecord is the archived outcome of one match.
type MatchRecord struct {
	MatchID    string       `json:"match_id"`
	Player1    string       `json:"player1"`
	Player2    string       `json:"player2"`
	GridSize   int          `json:"grid_size"`
	Winner     string       `json:"winner"`
	Reason     string       `json:"reason"`
	Shots      []ShotRecord `json:"shots"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`

	SessionID string `json:"session_id,omitempty"`
	OpenTx    string `json:"open_tx,omitempty"`
	CloseTx   string `json:"close_tx,omitempty"`
	Settled   bool   `json:"settled"`
}

// MatchDB stores finished matches.
type MatchDB interface {
	StoreMatch(ctx context.Context, rec MatchRecord) error
	// MarkSettled updates the settlement fields of a stored match.
	MarkSettled(ctx context.Context, matchID, closeTx string) error
	FetchMatch(ctx context.Context, matchID string) (MatchRecord, error)
	// FetchPlayerMatches returns all archived matches pk took part in.
	FetchPlayerMatches(ctx context.Context, pk string) ([]MatchRecord, error)
	Close() error
}
