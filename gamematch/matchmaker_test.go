package gamematch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGate scripts per-player token state. tokens counts how many HasToken
// calls still return true; consumed records Consume calls.
type fakeGate struct {
	tokens   map[PlayerID]int
	consumed []PlayerID
	checkErr error
}

func newFakeGate(pks ...PlayerID) *fakeGate {
	g := &fakeGate{tokens: make(map[PlayerID]int)}
	for _, pk := range pks {
		g.tokens[pk] = 1 << 20 // effectively unlimited positive checks
	}
	return g
}

func (g *fakeGate) HasToken(pk PlayerID) (bool, error) {
	if g.checkErr != nil {
		return false, g.checkErr
	}
	if g.tokens[pk] <= 0 {
		return false, nil
	}
	g.tokens[pk]--
	return true, nil
}

func (g *fakeGate) Consume(pk PlayerID) error {
	if g.tokens[pk] <= 0 {
		return errors.New("no token to consume")
	}
	g.consumed = append(g.consumed, pk)
	return nil
}

func TestFindRandomMatchQueuesThenPairs(t *testing.T) {
	m := NewMatchmaker(newFakeGate(alice, bob), nil)

	room, queued, err := m.FindRandomMatch(alice, "c1", 8)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Nil(t, room)
	assert.Equal(t, 1, m.QueueLength())

	room, queued, err = m.FindRandomMatch(bob, "c2", 8)
	require.NoError(t, err)
	assert.False(t, queued)
	require.NotNil(t, room)
	assert.Equal(t, 0, m.QueueLength())

	// The longest-waiting player takes seat one.
	assert.Equal(t, alice, room.Player1)
	assert.Equal(t, bob, room.Player2)
	assert.Equal(t, StatusPlacing, room.StatusNow())
	assert.Equal(t, []int{3, 3, 4}, room.ShipSizes)

	assert.Same(t, room, m.RoomFor(alice))
	assert.Same(t, room, m.RoomFor(bob))
}

func TestFindRandomMatchGridSizeIsolation(t *testing.T) {
	m := NewMatchmaker(nil, nil)

	_, queued, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)
	assert.True(t, queued)

	// Different grid sizes never pair.
	room, queued, err := m.FindRandomMatch(bob, "c2", 10)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Nil(t, room)
	assert.Equal(t, 2, m.QueueLength())

	_, _, err = m.FindRandomMatch(carol, "c3", 12)
	assert.ErrorIs(t, err, ErrBadGridSize)
}

func TestFindRandomMatchAlreadyInMatch(t *testing.T) {
	m := NewMatchmaker(nil, nil)

	_, _, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)
	_, _, err = m.FindRandomMatch(bob, "c2", 6)
	require.NoError(t, err)

	_, _, err = m.FindRandomMatch(alice, "c1", 6)
	assert.ErrorIs(t, err, ErrAlreadyInMatch)

	// A repeated search while queued just refreshes the entry.
	_, queued, err := m.FindRandomMatch(carol, "c3", 6)
	require.NoError(t, err)
	assert.True(t, queued)
	_, queued, err = m.FindRandomMatch(carol, "c3b", 6)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 1, m.QueueLength())
}

func TestFindRandomMatchConsumesBothTokens(t *testing.T) {
	gate := newFakeGate(alice, bob)
	m := NewMatchmaker(gate, nil)

	_, _, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)
	room, _, err := m.FindRandomMatch(bob, "c2", 6)
	require.NoError(t, err)
	require.NotNil(t, room)

	// Player1 consumed before player2.
	assert.Equal(t, []PlayerID{alice, bob}, gate.consumed)
	assert.True(t, room.Paid[alice])
	assert.True(t, room.Paid[bob])
}

func TestFindRandomMatchNoTokenOnEnqueue(t *testing.T) {
	gate := newFakeGate(bob)
	m := NewMatchmaker(gate, nil)

	_, _, err := m.FindRandomMatch(alice, "c1", 6)
	assert.ErrorIs(t, err, ErrNoEntryToken)
	assert.Equal(t, 0, m.QueueLength())
}

func TestPairingTokenVanishesBeforeConsume(t *testing.T) {
	// Bob queues, then alice tries to pair but bob's token disappears
	// between the pre-check and the consume re-check. Alice must end up
	// re-queued with her token intact; bob is the affected party.
	gate := newFakeGate(alice)
	gate.tokens[bob] = 2 // enqueue check + pairing pre-check, then gone
	m := NewMatchmaker(gate, nil)

	_, queued, err := m.FindRandomMatch(bob, "c1", 6)
	require.NoError(t, err)
	require.True(t, queued)

	room, queued, err := m.FindRandomMatch(alice, "c2", 6)
	assert.Nil(t, room)
	assert.False(t, queued)

	var aborted *PairingAborted
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, bob, aborted.Affected)
	assert.Equal(t, alice, aborted.Requeued)
	assert.ErrorIs(t, err, ErrNoEntryToken)

	// Nothing was consumed and alice is back in the queue.
	assert.Empty(t, gate.consumed)
	assert.Equal(t, 1, m.QueueLength())
	assert.Nil(t, m.RoomFor(alice))
	assert.Nil(t, m.RoomFor(bob))

	// Alice pairs normally with the next player.
	room, _, err = m.FindRandomMatch(carol, "c3", 6)
	assert.ErrorIs(t, err, ErrNoEntryToken) // carol holds no token

	gate.tokens[carol] = 1 << 20
	room, _, err = m.FindRandomMatch(carol, "c3", 6)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, alice, room.Player1)
	assert.Equal(t, carol, room.Player2)
}

func TestPairingSecondConsumeFailsKeepsFirstPrepaid(t *testing.T) {
	// Alice's token is consumed, then bob's consume fails. Alice goes back
	// to the queue marked prepaid and is not charged again on the next
	// pairing.
	gate := newFakeGate(alice)
	m := NewMatchmaker(gate, nil)

	_, _, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)

	// Bob's checks all pass but the ledger rejects his consume.
	gate.tokens[bob] = 3
	failingGate := &consumeFailGate{fakeGate: gate, failFor: bob}
	m.gate = failingGate

	_, _, err = m.FindRandomMatch(bob, "c2", 6)
	var aborted *PairingAborted
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, bob, aborted.Affected)
	assert.Equal(t, alice, aborted.Requeued)

	// Alice paid once already.
	assert.Equal(t, []PlayerID{alice}, gate.consumed)
	require.Equal(t, 1, m.QueueLength())
	m.mu.RLock()
	assert.True(t, m.queue[0].Prepaid)
	m.mu.RUnlock()

	// Next pairing does not charge alice a second time.
	m.gate = gate
	gate.tokens[carol] = 1 << 20
	room, _, err := m.FindRandomMatch(carol, "c3", 6)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, []PlayerID{alice, carol}, gate.consumed)
}

type consumeFailGate struct {
	*fakeGate
	failFor PlayerID
}

func (g *consumeFailGate) Consume(pk PlayerID) error {
	if pk == g.failFor {
		return errors.New("ledger rejected consume")
	}
	return g.fakeGate.Consume(pk)
}

func TestCancelSearch(t *testing.T) {
	m := NewMatchmaker(nil, nil)

	assert.False(t, m.CancelSearch(alice))

	_, _, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)
	assert.True(t, m.CancelSearch(alice))
	assert.Equal(t, 0, m.QueueLength())

	// Cancelled players never get paired.
	_, queued, err := m.FindRandomMatch(bob, "c2", 6)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestFriendMatchFlow(t *testing.T) {
	gate := newFakeGate(alice, bob)
	m := NewMatchmaker(gate, nil)

	room, err := m.CreateFriendMatch(alice, 10)
	require.NoError(t, err)
	require.NotEmpty(t, room.Code)
	assert.Equal(t, StatusWaiting, room.StatusNow())
	assert.Empty(t, gate.consumed, "host pays only when someone joins")

	_, err = m.JoinFriendMatch(bob, "c2", "NOSUCH")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	joined, err := m.JoinFriendMatch(bob, "c2", room.Code)
	require.NoError(t, err)
	assert.Same(t, room, joined)
	assert.Equal(t, StatusPlacing, room.StatusNow())
	assert.Equal(t, alice, room.Player1)
	assert.Equal(t, bob, room.Player2)
	assert.Equal(t, []PlayerID{alice, bob}, gate.consumed)

	_, err = m.JoinFriendMatch(carol, "c3", room.Code)
	assert.ErrorIs(t, err, ErrMatchFull)
}

func TestJoinFriendMatchHostTokenGone(t *testing.T) {
	gate := newFakeGate(bob)
	gate.tokens[alice] = 1 // enough to create, gone by join time
	m := NewMatchmaker(gate, nil)

	room, err := m.CreateFriendMatch(alice, 6)
	require.NoError(t, err)

	_, err = m.JoinFriendMatch(bob, "c2", room.Code)
	var aborted *PairingAborted
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, alice, aborted.Affected)

	// Room is torn down, code unusable, host released.
	_, err = m.JoinFriendMatch(bob, "c2", room.Code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
	assert.Nil(t, m.RoomFor(alice))
	assert.Empty(t, gate.consumed)
}

func TestCreateFriendMatchLeavesQueue(t *testing.T) {
	// Hosting a private room supersedes a pending random search: the stale
	// queue entry must not pair the host into a second room.
	m := NewMatchmaker(nil, nil)

	_, queued, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)
	require.True(t, queued)

	friend, err := m.CreateFriendMatch(alice, 6)
	require.NoError(t, err)
	assert.Equal(t, 0, m.QueueLength())

	room, queued, err := m.FindRandomMatch(bob, "c2", 6)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Nil(t, room)

	assert.Same(t, friend, m.RoomFor(alice))
	assert.Nil(t, m.RoomFor(bob))
}

func TestJoinFriendMatchLeavesQueue(t *testing.T) {
	m := NewMatchmaker(nil, nil)

	room, err := m.CreateFriendMatch(alice, 6)
	require.NoError(t, err)

	_, queued, err := m.FindRandomMatch(bob, "c2", 6)
	require.NoError(t, err)
	require.True(t, queued)

	joined, err := m.JoinFriendMatch(bob, "c2", room.Code)
	require.NoError(t, err)
	assert.Same(t, room, joined)
	assert.Equal(t, 0, m.QueueLength())

	// Carol never pairs with bob's stale entry.
	_, queued, err = m.FindRandomMatch(carol, "c3", 6)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Same(t, room, m.RoomFor(bob))
}

func TestPairingDropsCallerStaleEntry(t *testing.T) {
	// Alice waits at grid 8, then searches grid 6 and pairs with bob. Her
	// grid 8 entry must go with her.
	m := NewMatchmaker(nil, nil)

	_, queued, err := m.FindRandomMatch(alice, "c1", 8)
	require.NoError(t, err)
	require.True(t, queued)

	_, queued, err = m.FindRandomMatch(bob, "c2", 6)
	require.NoError(t, err)
	require.True(t, queued)

	room, queued, err := m.FindRandomMatch(alice, "c1b", 6)
	require.NoError(t, err)
	assert.False(t, queued)
	require.NotNil(t, room)
	assert.Equal(t, 0, m.QueueLength())
}

func TestPairingRefusesSeatedPlayer(t *testing.T) {
	// A pairing built from a stale entry of a player who already holds a
	// seat aborts and re-queues the other side.
	m := NewMatchmaker(nil, nil)

	friend, err := m.CreateFriendMatch(alice, 6)
	require.NoError(t, err)

	stale := &QueueEntry{PlayerID: alice, ConnID: "c1", GridSize: 6, JoinedAt: time.Now()}
	fresh := &QueueEntry{PlayerID: bob, ConnID: "c2", GridSize: 6, JoinedAt: time.Now()}

	room, err := m.settleEntryAndCreate(stale, fresh)
	assert.Nil(t, room)
	var aborted *PairingAborted
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, alice, aborted.Affected)
	assert.Equal(t, bob, aborted.Requeued)
	assert.ErrorIs(t, err, ErrAlreadyInMatch)

	assert.Same(t, friend, m.RoomFor(alice))
	assert.Nil(t, m.RoomFor(bob))
	assert.Equal(t, 1, m.QueueLength())
}

func TestEndMatchReleasesPlayers(t *testing.T) {
	m := NewMatchmaker(nil, nil)

	var events []RecordEvent
	m.SetRecorder(func(ev RecordEvent) { events = append(events, ev) })

	_, _, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)
	room, _, err := m.FindRandomMatch(bob, "c2", 6)
	require.NoError(t, err)

	require.True(t, m.EndMatch(room, alice, "victory"))
	assert.False(t, m.EndMatch(room, bob, "forfeit"))

	// Both can immediately search again.
	assert.Nil(t, m.RoomFor(alice))
	assert.Nil(t, m.RoomFor(bob))
	_, queued, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)
	assert.True(t, queued)

	require.Len(t, events, 2)
	assert.Equal(t, "match-started", events[0].Kind)
	assert.Equal(t, "match-ended", events[1].Kind)
	assert.Equal(t, alice, events[1].Winner)
	assert.Equal(t, "victory", events[1].Reason)
}

func TestSweepStale(t *testing.T) {
	m := NewMatchmaker(nil, nil)
	base := time.Now()
	m.now = func() time.Time { return base }

	_, _, err := m.FindRandomMatch(alice, "c1", 6)
	require.NoError(t, err)
	room, _, err := m.FindRandomMatch(bob, "c2", 6)
	require.NoError(t, err)

	friend, err := m.CreateFriendMatch(carol, 6)
	require.NoError(t, err)

	m.EndMatch(room, alice, "victory")

	// Nothing is old enough yet.
	assert.Equal(t, 0, m.SweepStale(time.Hour))
	assert.Same(t, room, m.RoomByID(room.ID))

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 2, m.SweepStale(time.Hour))
	assert.Nil(t, m.RoomByID(room.ID))
	assert.Nil(t, m.RoomByID(friend.ID))
	assert.Nil(t, m.RoomFor(carol))
}
