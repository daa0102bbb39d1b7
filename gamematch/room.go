package gamematch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func newMatchRoom(gridSize int, now func() time.Time) (*MatchRoom, error) {
	sizes, err := ShipSizesFor(gridSize)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &MatchRoom{
		ID:          uuid.NewString(),
		Status:      StatusWaiting,
		GridSize:    gridSize,
		ShipSizes:   sizes,
		Commitments: make(map[PlayerID]*Commitment),
		Paid:        make(map[PlayerID]bool),
		CreatedAt:   now(),
		now:         now,
	}, nil
}

// winThreshold is the number of hits that sinks the whole fleet.
func (r *MatchRoom) winThreshold() int {
	total := 0
	for _, s := range r.ShipSizes {
		total += s
	}
	return total
}

// HasPlayer reports whether pk is one of the two seats.
func (r *MatchRoom) HasPlayer(pk PlayerID) bool {
	r.RLock()
	defer r.RUnlock()
	return pk == r.Player1 || pk == r.Player2
}

// Opponent returns the other seat, or "" when pk is not in the room.
func (r *MatchRoom) Opponent(pk PlayerID) PlayerID {
	r.RLock()
	defer r.RUnlock()
	return r.opponentLocked(pk)
}

func (r *MatchRoom) opponentLocked(pk PlayerID) PlayerID {
	switch pk {
	case r.Player1:
		return r.Player2
	case r.Player2:
		return r.Player1
	}
	return ""
}

// StatusNow returns the current lifecycle phase.
func (r *MatchRoom) StatusNow() RoomStatus {
	r.RLock()
	defer r.RUnlock()
	return r.Status
}

// SubmitPlacement records a player's proven board commitment. When both
// commitments are ready the room enters battle with player1 on turn 1, and
// the return value is true.
func (r *MatchRoom) SubmitPlacement(pk PlayerID, boardHash string, proof []byte, publicInputs []string) (bool, error) {
	r.Lock()
	defer r.Unlock()

	if r.Status != StatusPlacing {
		if r.Status == StatusFinished {
			return false, ErrMatchFinished
		}
		return false, ErrNotInPlacement
	}
	if pk != r.Player1 && pk != r.Player2 {
		return false, ErrUnknownPlayer
	}

	inputs := make([]string, len(publicInputs))
	copy(inputs, publicInputs)
	r.Commitments[pk] = &Commitment{
		BoardHash:    boardHash,
		Proof:        proof,
		PublicInputs: inputs,
		Ready:        true,
	}

	c1, c2 := r.Commitments[r.Player1], r.Commitments[r.Player2]
	if c1 != nil && c1.Ready && c2 != nil && c2.Ready {
		r.Status = StatusBattle
		r.TurnNumber = 1
		r.CurrentTurn = r.Player1
		return true, nil
	}
	return false, nil
}

// BoardHash returns the committed board hash for pk, or "".
func (r *MatchRoom) BoardHash(pk PlayerID) string {
	r.RLock()
	defer r.RUnlock()
	if c := r.Commitments[pk]; c != nil {
		return c.BoardHash
	}
	return ""
}

// CommitmentOf returns the commitment recorded for pk, or nil.
func (r *MatchRoom) CommitmentOf(pk PlayerID) *Commitment {
	r.RLock()
	defer r.RUnlock()
	return r.Commitments[pk]
}

// RegisterAttack validates and stages an attack by pk at (row, col). The
// attack stays pending until the defender's proven shot-result arrives via
// ResolveShot. Returns the turn number the attack belongs to.
func (r *MatchRoom) RegisterAttack(pk PlayerID, row, col int) (int, error) {
	r.Lock()
	defer r.Unlock()

	if r.Status != StatusBattle {
		return 0, ErrNotInBattle
	}
	if pk != r.Player1 && pk != r.Player2 {
		return 0, ErrUnknownPlayer
	}
	if pk != r.CurrentTurn {
		return 0, ErrNotYourTurn
	}
	if row < 0 || row >= r.GridSize || col < 0 || col >= r.GridSize {
		return 0, ErrOutOfBounds
	}
	if r.pending != nil {
		return 0, ErrShotPending
	}
	for _, a := range r.Attacks {
		if a.Attacker == pk && a.Row == row && a.Col == col {
			return 0, ErrDuplicateCell
		}
	}

	r.pending = &pendingShot{attacker: pk, row: row, col: col, turn: r.TurnNumber}
	return r.TurnNumber, nil
}

// PendingAttack returns the staged attack's attacker and coordinates, or
// false when no shot is awaiting its result.
func (r *MatchRoom) PendingAttack() (PlayerID, int, int, bool) {
	r.RLock()
	defer r.RUnlock()
	if r.pending == nil {
		return "", 0, 0, false
	}
	return r.pending.attacker, r.pending.row, r.pending.col, true
}

// ResolveShot records the defender's outcome for the pending attack, stamps
// it with the server clock, and appends it to the transcript. defender must
// be the seat under fire and the coordinates must match the staged attack.
func (r *MatchRoom) ResolveShot(defender PlayerID, row, col int, outcome ShotOutcome) (Attack, error) {
	r.Lock()
	defer r.Unlock()

	if r.Status != StatusBattle {
		return Attack{}, ErrNotInBattle
	}
	if defender != r.Player1 && defender != r.Player2 {
		return Attack{}, ErrUnknownPlayer
	}
	if r.pending == nil {
		return Attack{}, ErrNoPendingShot
	}
	p := r.pending
	if defender == p.attacker {
		return Attack{}, fmt.Errorf("%w: attacker cannot resolve their own shot", ErrUnknownPlayer)
	}
	if row != p.row || col != p.col {
		return Attack{}, fmt.Errorf("%w: result for (%d,%d) does not match pending shot (%d,%d)",
			ErrNoPendingShot, row, col, p.row, p.col)
	}

	atk := Attack{
		Attacker:   p.attacker,
		Row:        p.row,
		Col:        p.col,
		Outcome:    outcome,
		TurnNumber: p.turn,
		Timestamp:  r.now(),
	}
	r.Attacks = append(r.Attacks, atk)
	r.pending = nil
	return atk, nil
}

// HitCount returns how many hits pk has landed so far.
func (r *MatchRoom) HitCount(pk PlayerID) int {
	r.RLock()
	defer r.RUnlock()
	return r.hitCountLocked(pk)
}

func (r *MatchRoom) hitCountLocked(pk PlayerID) int {
	n := 0
	for _, a := range r.Attacks {
		if a.Attacker == pk && a.Outcome == ShotHit {
			n++
		}
	}
	return n
}

// CheckWin reports whether pk has sunk the opponent's whole fleet.
func (r *MatchRoom) CheckWin(pk PlayerID) bool {
	r.RLock()
	defer r.RUnlock()
	return r.hitCountLocked(pk) >= r.winThreshold()
}

// AdvanceTurn flips the turn to the other player and bumps the turn number.
func (r *MatchRoom) AdvanceTurn() (PlayerID, int) {
	r.Lock()
	defer r.Unlock()
	if r.Status != StatusBattle {
		return r.CurrentTurn, r.TurnNumber
	}
	r.CurrentTurn = r.opponentLocked(r.CurrentTurn)
	r.TurnNumber++
	return r.CurrentTurn, r.TurnNumber
}

// EndMatch finishes the room once. The first caller wins; later calls return
// false and change nothing. Timers are cancelled outside the room lock.
func (r *MatchRoom) EndMatch(winner PlayerID, reason string) bool {
	r.Lock()
	if r.Status == StatusFinished {
		r.Unlock()
		return false
	}
	r.Status = StatusFinished
	r.Winner = winner
	r.EndReason = reason
	r.FinishedAt = r.now()
	r.pending = nil
	timer := r.turnTimer
	r.turnTimer = nil
	r.Unlock()

	timer.Cancel()
	return true
}

// ArmTurnTimer schedules a forfeit check for the current turn, replacing any
// previous timer. When it fires it re-validates that the room is still in
// battle on the same turn before invoking onExpire with the player who
// timed out.
func (r *MatchRoom) ArmTurnTimer(sched *Scheduler, d time.Duration, onExpire func(timedOut PlayerID)) {
	r.Lock()
	if r.Status != StatusBattle {
		r.Unlock()
		return
	}
	armedTurn := r.TurnNumber
	prev := r.turnTimer
	tok := sched.Schedule(d, func() {
		r.Lock()
		expired := r.Status == StatusBattle && r.TurnNumber == armedTurn
		timedOut := r.CurrentTurn
		r.Unlock()
		if expired {
			onExpire(timedOut)
		}
	})
	r.turnTimer = tok
	r.Unlock()

	prev.Cancel()
}

// CancelTurnTimer stops the armed timer, if any.
func (r *MatchRoom) CancelTurnTimer() {
	r.Lock()
	timer := r.turnTimer
	r.turnTimer = nil
	r.Unlock()
	timer.Cancel()
}

// Transcript returns a copy of the resolved attacks in order.
func (r *MatchRoom) Transcript() []Attack {
	r.RLock()
	defer r.RUnlock()
	out := make([]Attack, len(r.Attacks))
	copy(out, r.Attacks)
	return out
}
