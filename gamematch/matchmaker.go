package gamematch

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/decred/slog"
)

// PairingAborted reports a pairing torn down because one player's entry
// token could not be verified or consumed. The unaffected player, if any,
// was put back at the head of the queue.
type PairingAborted struct {
	Affected PlayerID
	Requeued PlayerID
	Reason   error
}

func (e *PairingAborted) Error() string {
	return fmt.Sprintf("pairing aborted: entry token failed for %s: %v", e.Affected, e.Reason)
}

func (e *PairingAborted) Unwrap() error { return e.Reason }

func NewMatchmaker(gate EntryGate, log slog.Logger) *Matchmaker {
	if log == nil {
		log = slog.Disabled
	}
	return &Matchmaker{
		rooms:      make(map[string]*MatchRoom),
		codes:      make(map[string]string),
		playerRoom: make(map[PlayerID]*MatchRoom),
		gate:       gate,
		log:        log,
		now:        time.Now,
	}
}

// SetRecorder installs the persistence hook for match milestones.
func (m *Matchmaker) SetRecorder(fn RecorderFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = fn
}

func (m *Matchmaker) emit(ev RecordEvent) {
	m.mu.RLock()
	rec := m.recorder
	m.mu.RUnlock()
	if rec != nil {
		ev.At = m.now()
		rec(ev)
	}
}

// RoomFor returns the active room pk belongs to, or nil.
func (m *Matchmaker) RoomFor(pk PlayerID) *MatchRoom {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.playerRoom[pk]
}

// RoomByID returns the room with the given id, or nil.
func (m *Matchmaker) RoomByID(id string) *MatchRoom {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

// QueueLength reports how many players are waiting for a random opponent.
func (m *Matchmaker) QueueLength() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

// FindRandomMatch pairs pk with the longest-waiting player on the same grid
// size, or enqueues pk when nobody compatible is waiting (queued=true). On a
// successful pairing both entry tokens have been consumed and the returned
// room is in placement phase with the queued player as player1.
func (m *Matchmaker) FindRandomMatch(pk PlayerID, connID string, gridSize int) (room *MatchRoom, queued bool, err error) {
	if _, err := ShipSizesFor(gridSize); err != nil {
		return nil, false, err
	}
	if r := m.RoomFor(pk); r != nil {
		return nil, false, ErrAlreadyInMatch
	}

	// Token pre-check runs before touching the queue; the external ledger
	// call must not happen under the matchmaker lock. A prepaid entry
	// already paid in a torn-down pairing and is exempt.
	m.mu.RLock()
	prepaid := false
	for _, e := range m.queue {
		if e.PlayerID == pk && e.Prepaid {
			prepaid = true
			break
		}
	}
	m.mu.RUnlock()
	if err := m.precheck(pk, prepaid); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if m.playerRoom[pk] != nil {
		m.mu.Unlock()
		return nil, false, ErrAlreadyInMatch
	}
	var opponent *QueueEntry
	for _, e := range m.queue {
		if e.GridSize == gridSize && e.PlayerID != pk {
			opponent = e
			break
		}
	}
	if opponent == nil {
		// Refresh rather than duplicate an existing entry.
		for _, e := range m.queue {
			if e.PlayerID == pk {
				e.ConnID = connID
				e.GridSize = gridSize
				m.mu.Unlock()
				return nil, true, nil
			}
		}
		m.queue = append(m.queue, &QueueEntry{
			PlayerID: pk,
			ConnID:   connID,
			GridSize: gridSize,
			JoinedAt: m.now(),
		})
		m.mu.Unlock()
		return nil, true, nil
	}
	// Pairing consumes both entries, including any stale one the caller left
	// behind at another grid size.
	m.dropQueueEntryLocked(opponent.PlayerID)
	m.dropQueueEntryLocked(pk)
	m.mu.Unlock()

	caller := &QueueEntry{PlayerID: pk, ConnID: connID, GridSize: gridSize, JoinedAt: m.now(), Prepaid: prepaid}
	room, err = m.settleEntryAndCreate(opponent, caller)
	if err != nil {
		return nil, false, err
	}
	return room, false, nil
}

// settleEntryAndCreate runs the two-phase entry consumption for a pairing
// and creates the room. p1 joined first and becomes player1. On failure the
// unaffected player goes back to the head of the queue, keeping their
// original position, and a *PairingAborted describes the teardown.
func (m *Matchmaker) settleEntryAndCreate(p1, p2 *QueueEntry) (*MatchRoom, error) {
	// Neither side may already hold a seat; a stale queue entry must never
	// pull a seated player into a second room.
	m.mu.RLock()
	seated1 := m.playerRoom[p1.PlayerID] != nil
	seated2 := m.playerRoom[p2.PlayerID] != nil
	m.mu.RUnlock()
	if seated1 {
		m.requeueFront(p2)
		return nil, &PairingAborted{Affected: p1.PlayerID, Requeued: p2.PlayerID, Reason: ErrAlreadyInMatch}
	}
	if seated2 {
		m.requeueFront(p1)
		return nil, &PairingAborted{Affected: p2.PlayerID, Requeued: p1.PlayerID, Reason: ErrAlreadyInMatch}
	}

	// Phase one: both tokens must still be present.
	if err := m.precheck(p1.PlayerID, p1.Prepaid); err != nil {
		m.requeueFront(p2)
		return nil, &PairingAborted{Affected: p1.PlayerID, Requeued: p2.PlayerID, Reason: err}
	}
	if err := m.precheck(p2.PlayerID, p2.Prepaid); err != nil {
		m.requeueFront(p1)
		return nil, &PairingAborted{Affected: p2.PlayerID, Requeued: p1.PlayerID, Reason: err}
	}

	// Phase two: consume player1 then player2. Consumption is irreversible
	// on the ledger, so a prepaid entry (token already burned by an earlier
	// torn-down pairing) is not charged again.
	if err := m.consume(p1); err != nil {
		m.requeueFront(p2)
		return nil, &PairingAborted{Affected: p1.PlayerID, Requeued: p2.PlayerID, Reason: err}
	}
	if err := m.consume(p2); err != nil {
		p1.Prepaid = true
		m.requeueFront(p1)
		return nil, &PairingAborted{Affected: p2.PlayerID, Requeued: p1.PlayerID, Reason: err}
	}

	room, err := newMatchRoom(p1.GridSize, m.now)
	if err != nil {
		return nil, err
	}
	room.Player1 = p1.PlayerID
	room.Player2 = p2.PlayerID
	room.Status = StatusPlacing
	room.Paid[p1.PlayerID] = true
	room.Paid[p2.PlayerID] = true

	m.mu.Lock()
	if m.playerRoom[p1.PlayerID] != nil || m.playerRoom[p2.PlayerID] != nil {
		// Lost a seat race after the tokens were consumed; both keep their
		// payment.
		p1.Prepaid = true
		p2.Prepaid = true
		affected, requeued := p1, p2
		if m.playerRoom[p1.PlayerID] == nil {
			affected, requeued = p2, p1
		}
		m.mu.Unlock()
		m.requeueFront(requeued)
		return nil, &PairingAborted{Affected: affected.PlayerID, Requeued: requeued.PlayerID, Reason: ErrAlreadyInMatch}
	}
	m.rooms[room.ID] = room
	m.playerRoom[p1.PlayerID] = room
	m.playerRoom[p2.PlayerID] = room
	m.mu.Unlock()

	m.log.Infof("match %s created: %s vs %s (grid %d)", room.ID, p1.PlayerID, p2.PlayerID, room.GridSize)
	m.emit(RecordEvent{
		Kind:    "match-started",
		MatchID: room.ID,
		Players: [2]PlayerID{room.Player1, room.Player2},
	})
	return room, nil
}

func (m *Matchmaker) precheck(pk PlayerID, prepaid bool) error {
	if m.gate == nil || prepaid {
		return nil
	}
	ok, err := m.gate.HasToken(pk)
	if err != nil {
		return fmt.Errorf("token check for %s: %w", pk, err)
	}
	if !ok {
		return ErrNoEntryToken
	}
	return nil
}

func (m *Matchmaker) consume(e *QueueEntry) error {
	if m.gate == nil || e.Prepaid {
		return nil
	}
	// Re-verify immediately before the irreversible consume.
	ok, err := m.gate.HasToken(e.PlayerID)
	if err != nil {
		return fmt.Errorf("token re-check for %s: %w", e.PlayerID, err)
	}
	if !ok {
		return ErrNoEntryToken
	}
	if err := m.gate.Consume(e.PlayerID); err != nil {
		return fmt.Errorf("token consume for %s: %w", e.PlayerID, err)
	}
	return nil
}

func (m *Matchmaker) requeueFront(e *QueueEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append([]*QueueEntry{e}, m.queue...)
}

// dropQueueEntryLocked removes and returns pk's queue entry. Callers hold
// m.mu.
func (m *Matchmaker) dropQueueEntryLocked(pk PlayerID) *QueueEntry {
	for i, e := range m.queue {
		if e.PlayerID == pk {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return e
		}
	}
	return nil
}

// CancelSearch removes pk from the queue. Returns false when pk was not
// waiting.
func (m *Matchmaker) CancelSearch(pk PlayerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropQueueEntryLocked(pk) != nil
}

// CreateFriendMatch opens a private room and returns it with its join code.
// The host's token is only pre-checked here; it is consumed when an opponent
// joins.
func (m *Matchmaker) CreateFriendMatch(pk PlayerID, gridSize int) (*MatchRoom, error) {
	if _, err := ShipSizesFor(gridSize); err != nil {
		return nil, err
	}
	if r := m.RoomFor(pk); r != nil {
		return nil, ErrAlreadyInMatch
	}

	// Hosting a private room supersedes a pending random search; a prepaid
	// entry's payment carries over as the host's stake.
	m.mu.RLock()
	prepaid := false
	for _, e := range m.queue {
		if e.PlayerID == pk && e.Prepaid {
			prepaid = true
			break
		}
	}
	m.mu.RUnlock()
	if err := m.precheck(pk, prepaid); err != nil {
		return nil, err
	}

	room, err := newMatchRoom(gridSize, m.now)
	if err != nil {
		return nil, err
	}
	code, err := friendCode()
	if err != nil {
		return nil, fmt.Errorf("generate friend code: %w", err)
	}
	room.Code = code
	room.Player1 = pk
	if prepaid {
		room.Paid[pk] = true
	}

	m.mu.Lock()
	if m.playerRoom[pk] != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyInMatch
	}
	m.dropQueueEntryLocked(pk)
	m.rooms[room.ID] = room
	m.codes[code] = room.ID
	m.playerRoom[pk] = room
	m.mu.Unlock()

	m.log.Infof("friend match %s created by %s (code %s)", room.ID, pk, code)
	return room, nil
}

// JoinFriendMatch seats pk as player2 of the coded room. Both entry tokens
// are settled here, host first; when the host's token fails the room is torn
// down and the host is the affected party.
func (m *Matchmaker) JoinFriendMatch(pk PlayerID, connID, code string) (*MatchRoom, error) {
	if r := m.RoomFor(pk); r != nil {
		return nil, ErrAlreadyInMatch
	}

	m.mu.RLock()
	id, ok := m.codes[code]
	room := m.rooms[id]
	m.mu.RUnlock()
	if !ok || room == nil {
		return nil, ErrCodeNotFound
	}

	room.Lock()
	if room.Status != StatusWaiting || room.Player2 != "" {
		room.Unlock()
		return nil, ErrMatchFull
	}
	host := room.Player1
	hostPaid := room.Paid[host]
	room.Unlock()

	// Joining supersedes a pending random search; a prepaid entry's payment
	// carries over.
	m.mu.RLock()
	joinerPrepaid := false
	for _, e := range m.queue {
		if e.PlayerID == pk && e.Prepaid {
			joinerPrepaid = true
			break
		}
	}
	m.mu.RUnlock()

	hostEntry := &QueueEntry{PlayerID: host, Prepaid: hostPaid}
	joiner := &QueueEntry{PlayerID: pk, ConnID: connID, Prepaid: joinerPrepaid}

	if err := m.precheck(host, hostPaid); err != nil {
		m.teardownRoom(room)
		return nil, &PairingAborted{Affected: host, Reason: err}
	}
	if err := m.precheck(pk, joinerPrepaid); err != nil {
		return nil, &PairingAborted{Affected: pk, Reason: err}
	}
	if err := m.consume(hostEntry); err != nil {
		m.teardownRoom(room)
		return nil, &PairingAborted{Affected: host, Reason: err}
	}
	room.Lock()
	room.Paid[host] = true
	room.Unlock()
	if err := m.consume(joiner); err != nil {
		// Host already paid; the room stays open for another joiner.
		return nil, &PairingAborted{Affected: pk, Reason: err}
	}

	room.Lock()
	if room.Player2 != "" {
		room.Unlock()
		return nil, ErrMatchFull
	}
	room.Player2 = pk
	room.Paid[pk] = true
	room.Status = StatusPlacing
	room.Unlock()

	m.mu.Lock()
	m.dropQueueEntryLocked(pk)
	m.playerRoom[pk] = room
	m.mu.Unlock()

	m.log.Infof("match %s: %s joined via code %s", room.ID, pk, code)
	m.emit(RecordEvent{
		Kind:    "match-started",
		MatchID: room.ID,
		Players: [2]PlayerID{room.Player1, pk},
	})
	return room, nil
}

// EndMatch finishes the room, releases both seats and emits the match-ended
// event. Only the first caller does any of this.
func (m *Matchmaker) EndMatch(room *MatchRoom, winner PlayerID, reason string) bool {
	if room == nil || !room.EndMatch(winner, reason) {
		return false
	}
	m.releaseRoom(room)
	m.log.Infof("match %s ended: winner=%s reason=%s", room.ID, winner, reason)
	m.emit(RecordEvent{
		Kind:    "match-ended",
		MatchID: room.ID,
		Players: [2]PlayerID{room.Player1, room.Player2},
		Winner:  winner,
		Reason:  reason,
	})
	return true
}

// RecordAttack forwards a resolved attack to the persistence hook.
func (m *Matchmaker) RecordAttack(room *MatchRoom, atk Attack) {
	m.emit(RecordEvent{
		Kind:    "attack-resolved",
		MatchID: room.ID,
		Players: [2]PlayerID{room.Player1, room.Player2},
		Attack:  &atk,
	})
}

// releaseRoom drops the player→room association so both seats can queue
// again. The room itself stays until the stale sweep for late observers.
func (m *Matchmaker) releaseRoom(room *MatchRoom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playerRoom[room.Player1] == room {
		delete(m.playerRoom, room.Player1)
	}
	if m.playerRoom[room.Player2] == room {
		delete(m.playerRoom, room.Player2)
	}
}

// teardownRoom removes an unfilled friend room entirely.
func (m *Matchmaker) teardownRoom(room *MatchRoom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room.ID)
	if room.Code != "" {
		delete(m.codes, room.Code)
	}
	if m.playerRoom[room.Player1] == room {
		delete(m.playerRoom, room.Player1)
	}
}

// SweepStale drops finished rooms older than maxAge and abandoned waiting
// rooms nobody ever joined. Returns how many rooms were removed.
func (m *Matchmaker) SweepStale(maxAge time.Duration) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, room := range m.rooms {
		room.RLock()
		stale := (room.Status == StatusFinished && now.Sub(room.FinishedAt) > maxAge) ||
			(room.Status == StatusWaiting && now.Sub(room.CreatedAt) > maxAge)
		code := room.Code
		p1, p2 := room.Player1, room.Player2
		room.RUnlock()
		if !stale {
			continue
		}
		delete(m.rooms, id)
		if code != "" {
			delete(m.codes, code)
		}
		if m.playerRoom[p1] == room {
			delete(m.playerRoom, p1)
		}
		if p2 != "" && m.playerRoom[p2] == room {
			delete(m.playerRoom, p2)
		}
		removed++
	}
	if removed > 0 {
		m.log.Debugf("stale sweep removed %d rooms", removed)
	}
	return removed
}

// friendCode returns a short join code without look-alike characters.
func friendCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b), nil
}
