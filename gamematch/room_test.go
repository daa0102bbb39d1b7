package gamematch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = PlayerID("aa11")
	bob   = PlayerID("bb22")
	carol = PlayerID("cc33")
)

// placingRoom builds a room seeded with both players in placement phase.
func placingRoom(t *testing.T, gridSize int) *MatchRoom {
	t.Helper()
	room, err := newMatchRoom(gridSize, time.Now)
	require.NoError(t, err)
	room.Player1 = alice
	room.Player2 = bob
	room.Status = StatusPlacing
	return room
}

// battleRoom builds a room already in battle, alice on turn 1.
func battleRoom(t *testing.T, gridSize int) *MatchRoom {
	t.Helper()
	room := placingRoom(t, gridSize)
	started, err := room.SubmitPlacement(alice, "h1", []byte("p1"), []string{"h1", "2", "2", "3"})
	require.NoError(t, err)
	require.False(t, started)
	started, err = room.SubmitPlacement(bob, "h2", []byte("p2"), []string{"h2", "2", "2", "3"})
	require.NoError(t, err)
	require.True(t, started)
	return room
}

func TestShipSizesFor(t *testing.T) {
	sizes, err := ShipSizesFor(6)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, sizes)

	sizes, err = ShipSizesFor(10)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 3, 3, 2}, sizes)

	_, err = ShipSizesFor(7)
	assert.ErrorIs(t, err, ErrBadGridSize)
}

func TestSubmitPlacementStartsBattle(t *testing.T) {
	room := placingRoom(t, 6)

	started, err := room.SubmitPlacement(alice, "h1", []byte("p1"), nil)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StatusPlacing, room.StatusNow())

	started, err = room.SubmitPlacement(bob, "h2", []byte("p2"), nil)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, StatusBattle, room.StatusNow())

	// Player1 always moves first on turn 1.
	room.RLock()
	assert.Equal(t, alice, room.CurrentTurn)
	assert.Equal(t, 1, room.TurnNumber)
	room.RUnlock()
}

func TestSubmitPlacementRejectsOutsiders(t *testing.T) {
	room := placingRoom(t, 6)

	_, err := room.SubmitPlacement(carol, "h", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownPlayer)

	room.Status = StatusWaiting
	_, err = room.SubmitPlacement(alice, "h", nil, nil)
	assert.ErrorIs(t, err, ErrNotInPlacement)
}

func TestRegisterAttackValidation(t *testing.T) {
	room := battleRoom(t, 6)

	_, err := room.RegisterAttack(bob, 0, 0)
	assert.ErrorIs(t, err, ErrNotYourTurn)

	_, err = room.RegisterAttack(carol, 0, 0)
	assert.ErrorIs(t, err, ErrUnknownPlayer)

	_, err = room.RegisterAttack(alice, -1, 0)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = room.RegisterAttack(alice, 0, 6)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	turn, err := room.RegisterAttack(alice, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, turn)

	// Only one shot may be in flight.
	_, err = room.RegisterAttack(alice, 2, 4)
	assert.ErrorIs(t, err, ErrShotPending)
}

func TestDuplicateCellRejected(t *testing.T) {
	room := battleRoom(t, 6)

	_, err := room.RegisterAttack(alice, 2, 3)
	require.NoError(t, err)
	_, err = room.ResolveShot(bob, 2, 3, ShotMiss)
	require.NoError(t, err)
	room.AdvanceTurn()

	// Bob may target the same coordinates on alice's board.
	_, err = room.RegisterAttack(bob, 2, 3)
	require.NoError(t, err)
	_, err = room.ResolveShot(alice, 2, 3, ShotMiss)
	require.NoError(t, err)
	room.AdvanceTurn()

	// Alice repeating her own cell is rejected and nothing changes.
	before := len(room.Transcript())
	_, err = room.RegisterAttack(alice, 2, 3)
	assert.ErrorIs(t, err, ErrDuplicateCell)
	assert.Equal(t, before, len(room.Transcript()))
	room.RLock()
	assert.Equal(t, alice, room.CurrentTurn)
	room.RUnlock()
}

func TestResolveShotMatchesPending(t *testing.T) {
	room := battleRoom(t, 6)

	_, err := room.ResolveShot(bob, 0, 0, ShotMiss)
	assert.ErrorIs(t, err, ErrNoPendingShot)

	_, err = room.RegisterAttack(alice, 1, 1)
	require.NoError(t, err)

	// Attacker cannot resolve their own shot.
	_, err = room.ResolveShot(alice, 1, 1, ShotHit)
	assert.Error(t, err)

	// Coordinates must match the staged attack.
	_, err = room.ResolveShot(bob, 1, 2, ShotHit)
	assert.ErrorIs(t, err, ErrNoPendingShot)

	atk, err := room.ResolveShot(bob, 1, 1, ShotHit)
	require.NoError(t, err)
	assert.Equal(t, alice, atk.Attacker)
	assert.Equal(t, ShotHit, atk.Outcome)
	assert.Equal(t, 1, atk.TurnNumber)
	assert.False(t, atk.Timestamp.IsZero())
}

func TestStrictTurnAlternation(t *testing.T) {
	room := battleRoom(t, 6)

	for i := 0; i < 6; i++ {
		room.RLock()
		attacker := room.CurrentTurn
		turn := room.TurnNumber
		room.RUnlock()

		if turn%2 == 1 {
			assert.Equal(t, alice, attacker, "odd turns belong to player1")
		} else {
			assert.Equal(t, bob, attacker, "even turns belong to player2")
		}

		defender := room.Opponent(attacker)
		_, err := room.RegisterAttack(attacker, i, 0)
		require.NoError(t, err)

		// No second action by the same attacker before the turn advances.
		_, err = room.RegisterAttack(attacker, i, 1)
		assert.ErrorIs(t, err, ErrShotPending)

		_, err = room.ResolveShot(defender, i, 0, ShotMiss)
		require.NoError(t, err)
		next, nextTurn := room.AdvanceTurn()
		assert.Equal(t, defender, next)
		assert.Equal(t, turn+1, nextTurn)
	}
}

func TestWinThreshold6x6(t *testing.T) {
	room := battleRoom(t, 6)
	// Fleet {2,2,3}: exactly 7 hits end the match, 6 do not.
	cells := [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}, {2, 2}}

	for i, c := range cells {
		_, err := room.RegisterAttack(alice, c[0], c[1])
		require.NoError(t, err)
		_, err = room.ResolveShot(bob, c[0], c[1], ShotHit)
		require.NoError(t, err)

		if i < len(cells)-1 {
			assert.False(t, room.CheckWin(alice), "no win at %d hits", i+1)
			// Bob misses so only alice accumulates hits.
			room.AdvanceTurn()
			_, err = room.RegisterAttack(bob, 5, i)
			require.NoError(t, err)
			_, err = room.ResolveShot(alice, 5, i, ShotMiss)
			require.NoError(t, err)
			room.AdvanceTurn()
		}
	}

	assert.True(t, room.CheckWin(alice))
	assert.False(t, room.CheckWin(bob))
	assert.Equal(t, 7, room.HitCount(alice))
}

func TestEndMatchIdempotent(t *testing.T) {
	room := battleRoom(t, 6)

	assert.True(t, room.EndMatch(alice, "victory"))
	assert.False(t, room.EndMatch(bob, "forfeit"), "second completion is a no-op")

	room.RLock()
	assert.Equal(t, alice, room.Winner)
	assert.Equal(t, "victory", room.EndReason)
	assert.Equal(t, StatusFinished, room.Status)
	assert.False(t, room.FinishedAt.IsZero())
	room.RUnlock()

	_, err := room.RegisterAttack(alice, 0, 0)
	assert.ErrorIs(t, err, ErrNotInBattle)
	_, err = room.SubmitPlacement(alice, "h", nil, nil)
	assert.ErrorIs(t, err, ErrMatchFinished)
}

func TestTurnTimerForfeitsOnlyWhenStillRelevant(t *testing.T) {
	room := battleRoom(t, 6)

	var fired []func()
	sched := &Scheduler{AfterFunc: func(d time.Duration, fn func()) *time.Timer {
		fired = append(fired, fn)
		return time.NewTimer(time.Hour)
	}}

	var timedOut PlayerID
	room.ArmTurnTimer(sched, DefaultTurnTimeout, func(pk PlayerID) { timedOut = pk })
	require.Len(t, fired, 1)

	// The turn advanced before expiry: the stale timer must not forfeit.
	_, err := room.RegisterAttack(alice, 0, 0)
	require.NoError(t, err)
	_, err = room.ResolveShot(bob, 0, 0, ShotMiss)
	require.NoError(t, err)
	room.AdvanceTurn()
	fired[0]()
	assert.Equal(t, PlayerID(""), timedOut)

	// A fresh timer on the new turn fires for real.
	room.ArmTurnTimer(sched, DefaultTurnTimeout, func(pk PlayerID) { timedOut = pk })
	require.Len(t, fired, 2)
	fired[1]()
	assert.Equal(t, bob, timedOut)
}

func TestTurnTimerNoopAfterFinish(t *testing.T) {
	room := battleRoom(t, 6)

	var fired []func()
	sched := &Scheduler{AfterFunc: func(d time.Duration, fn func()) *time.Timer {
		fired = append(fired, fn)
		return time.NewTimer(time.Hour)
	}}

	called := false
	room.ArmTurnTimer(sched, DefaultTurnTimeout, func(PlayerID) { called = true })
	room.EndMatch(bob, "forfeit")
	require.Len(t, fired, 1)
	fired[0]()
	assert.False(t, called)
}
