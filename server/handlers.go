package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/olivmath/stealth-battleship-sub002/auth"
	"github.com/olivmath/stealth-battleship-sub002/gamematch"
	"github.com/olivmath/stealth-battleship-sub002/proof"
	"github.com/olivmath/stealth-battleship-sub002/wire"
)

var (
	errIdentityMismatch = errors.New("envelope public key does not match the session")
	errNoActiveMatch    = errors.New("no active match")
	errWrongMatch       = errors.New("match id does not match your active match")
	errRateLimited      = errors.New("too many attack commands")
	errNotWinner        = errors.New("only the winner reveals their board")
	errHashMismatch     = errors.New("revealed board does not match the commitment")
)

// settlementTimeout bounds one settlement pipeline run, polling included.
const settlementTimeout = 2 * time.Minute

func errEvent(kind string, err error) wire.Event {
	ev, _ := wire.NewEvent(wire.EventError, wire.ErrorEvent{Kind: kind, Message: err.Error()})
	return ev
}

// errKind maps an error to the client-facing taxonomy.
func errKind(err error) string {
	switch {
	case errors.Is(err, auth.ErrBadSignature), errors.Is(err, auth.ErrExpired),
		errors.Is(err, auth.ErrMissingFields), errors.Is(err, auth.ErrNonceReused),
		errors.Is(err, errIdentityMismatch):
		return "auth"
	case errors.Is(err, gamematch.ErrNoEntryToken):
		return "payment"
	case errors.Is(err, gamematch.ErrNotYourTurn), errors.Is(err, gamematch.ErrShotPending),
		errors.Is(err, gamematch.ErrNoPendingShot):
		return "turn"
	case errors.Is(err, gamematch.ErrOutOfBounds), errors.Is(err, gamematch.ErrDuplicateCell),
		errors.Is(err, gamematch.ErrBadGridSize):
		return "move"
	case errors.Is(err, gamematch.ErrAlreadyInMatch), errors.Is(err, gamematch.ErrCodeNotFound),
		errors.Is(err, gamematch.ErrMatchFull), errors.Is(err, gamematch.ErrNotInBattle),
		errors.Is(err, gamematch.ErrNotInPlacement), errors.Is(err, gamematch.ErrMatchFinished),
		errors.Is(err, errNoActiveMatch), errors.Is(err, errWrongMatch):
		return "match"
	case errors.Is(err, proof.ErrProofInvalid), errors.Is(err, proof.ErrBadRequest),
		errors.Is(err, errHashMismatch):
		return "proof"
	case errors.Is(err, errRateLimited):
		return "rate-limit"
	default:
		return "internal"
	}
}

// dispatch routes a verified envelope to its handler. Handler errors go back
// to the sender as error events; they never kill the connection.
func (s *Server) dispatch(player *gamematch.Player, env *wire.Envelope) {
	var err error
	switch env.Type {
	case wire.EventFindMatch:
		var req wire.FindMatch
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = s.handleFindMatch(player, req)
		}
	case wire.EventCancelSearch:
		err = s.handleCancelSearch(player)
	case wire.EventCreateFriendMatch:
		var req wire.CreateFriendMatch
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = s.handleCreateFriendMatch(player, req)
		}
	case wire.EventJoinFriendMatch:
		var req wire.JoinFriendMatch
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = s.handleJoinFriendMatch(player, req)
		}
	case wire.EventSubmitPlacement:
		var req wire.SubmitPlacement
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = s.handleSubmitPlacement(player, req)
		}
	case wire.EventAttack:
		var req wire.Attack
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = s.handleAttack(player, req)
		}
	case wire.EventShotResult:
		var req wire.ShotResult
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = s.handleShotResult(player, req)
		}
	case wire.EventForfeit:
		err = s.handleForfeit(player)
	case wire.EventRevealBoard:
		var req wire.RevealBoard
		if err = json.Unmarshal(env.Data, &req); err == nil {
			err = s.handleRevealBoard(player, req)
		}
	default:
		err = errors.New("unknown event type " + env.Type)
	}

	if err != nil {
		s.log.Debugf("event %s from %s failed: %v", env.Type, player.ID, err)
		_ = player.SendEvent(errEvent(errKind(err), err))
	}
}

func (s *Server) handleFindMatch(player *gamematch.Player, req wire.FindMatch) error {
	player.RLock()
	connID := player.ConnID
	player.RUnlock()
	room, queued, err := s.mm.FindRandomMatch(player.ID, connID, req.GridSize)

	var aborted *gamematch.PairingAborted
	if errors.As(err, &aborted) {
		// The affected player learns why; the re-queued one just keeps
		// searching.
		if p := s.sessions.GetPlayer(aborted.Affected); p != nil {
			_ = p.SendEvent(errEvent("payment", aborted))
		}
		if p := s.sessions.GetPlayer(aborted.Requeued); p != nil && aborted.Requeued != "" {
			_ = p.Notify(wire.EventSearching, nil)
		}
		if aborted.Affected == player.ID {
			return nil // already notified above
		}
		return nil
	}
	if err != nil {
		return err
	}
	if queued {
		return player.Notify(wire.EventSearching, nil)
	}

	s.announceMatch(room, wire.EventMatchFound)
	return nil
}

func (s *Server) handleCancelSearch(player *gamematch.Player) error {
	s.mm.CancelSearch(player.ID)
	return player.Notify(wire.EventSearchCancelled, nil)
}

func (s *Server) handleCreateFriendMatch(player *gamematch.Player, req wire.CreateFriendMatch) error {
	room, err := s.mm.CreateFriendMatch(player.ID, req.GridSize)
	if err != nil {
		return err
	}
	return player.Notify(wire.EventFriendCreated, wire.FriendCreated{MatchID: room.ID, Code: room.Code})
}

func (s *Server) handleJoinFriendMatch(player *gamematch.Player, req wire.JoinFriendMatch) error {
	player.RLock()
	connID := player.ConnID
	player.RUnlock()
	room, err := s.mm.JoinFriendMatch(player.ID, connID, req.Code)
	var aborted *gamematch.PairingAborted
	if errors.As(err, &aborted) {
		if p := s.sessions.GetPlayer(aborted.Affected); p != nil {
			_ = p.SendEvent(errEvent("payment", aborted))
		}
		if aborted.Affected == player.ID {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	s.announceMatch(room, wire.EventFriendJoined)
	return nil
}

// announceMatch tells both seats the match is on and placement may begin.
func (s *Server) announceMatch(room *gamematch.MatchRoom, typ string) {
	room.RLock()
	p1, p2 := room.Player1, room.Player2
	payload := wire.MatchFound{
		MatchID:   room.ID,
		GridSize:  room.GridSize,
		ShipSizes: append([]int(nil), room.ShipSizes...),
		Players:   []string{string(p1), string(p2)},
	}
	room.RUnlock()

	for _, pk := range []gamematch.PlayerID{p1, p2} {
		p := s.sessions.GetPlayer(pk)
		if p == nil {
			continue
		}
		msg := payload
		msg.Opponent = string(p2)
		if pk == p2 {
			msg.Opponent = string(p1)
		}
		if err := p.Notify(typ, msg); err != nil {
			s.log.Debugf("announce to %s: %v", pk, err)
		}
	}
}

func (s *Server) handleSubmitPlacement(player *gamematch.Player, req wire.SubmitPlacement) error {
	room := s.mm.RoomFor(player.ID)
	if room == nil {
		return errNoActiveMatch
	}
	if req.MatchID != room.ID {
		return errWrongMatch
	}

	// The first public input is the commitment; the rest must restate the
	// room's fleet.
	room.RLock()
	sizes := append([]int(nil), room.ShipSizes...)
	room.RUnlock()
	want := proof.BoardPublicInputs(req.BoardHash, sizes)
	if !stringsEqual(req.PublicInputs, want) {
		return proof.ErrBadRequest
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.proofs.VerifyBoardProof(ctx, req.Proof, req.PublicInputs); err != nil {
		return err
	}

	started, err := room.SubmitPlacement(player.ID, req.BoardHash, req.Proof, req.PublicInputs)
	if err != nil {
		return err
	}
	if err := player.Notify(wire.EventPlacementAccepted, nil); err != nil {
		s.log.Debugf("placement ack to %s: %v", player.ID, err)
	}
	if !started {
		return nil
	}

	s.startBattle(room)
	return nil
}

// startBattle announces turn 1, arms the turn timer and opens the escrow
// session in the background.
func (s *Server) startBattle(room *gamematch.MatchRoom) {
	room.RLock()
	payload := wire.BattleStarted{
		MatchID:     room.ID,
		CurrentTurn: string(room.CurrentTurn),
		TurnNumber:  room.TurnNumber,
	}
	p1, p2 := room.Player1, room.Player2
	room.RUnlock()

	for _, pk := range []gamematch.PlayerID{p1, p2} {
		if p := s.sessions.GetPlayer(pk); p != nil {
			_ = p.Notify(wire.EventBattleStarted, payload)
		}
	}
	s.armTurnTimer(room)

	if s.settlor != nil {
		go s.openSettlement(room)
	}
}

func (s *Server) openSettlement(room *gamematch.MatchRoom) {
	c1 := room.CommitmentOf(room.Player1)
	c2 := room.CommitmentOf(room.Player2)
	if c1 == nil || c2 == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settlementTimeout)
	defer cancel()
	res, err := s.settlor.OpenMatch(ctx, string(room.Player1), string(room.Player2),
		c1.Proof, c1.PublicInputs, c2.Proof, c2.PublicInputs)
	if err != nil {
		s.log.Errorf("open settlement for match %s: %v", room.ID, err)
		return
	}
	room.Lock()
	room.SessionID = res.SessionID
	room.OpenTxHash = res.TxHash
	room.Unlock()
	s.log.Infof("match %s escrow open, session %s", room.ID, res.SessionID)
}

func (s *Server) armTurnTimer(room *gamematch.MatchRoom) {
	room.ArmTurnTimer(s.sched, s.cfg.TurnTimeout, func(timedOut gamematch.PlayerID) {
		s.log.Infof("match %s: %s timed out", room.ID, timedOut)
		s.finishMatch(room, room.Opponent(timedOut), "timeout")
	})
}

func (s *Server) handleAttack(player *gamematch.Player, req wire.Attack) error {
	player.RLock()
	limiter := player.AttackLimiter
	player.RUnlock()
	if limiter != nil && !limiter.Allow() {
		return errRateLimited
	}

	room := s.mm.RoomFor(player.ID)
	if room == nil {
		return errNoActiveMatch
	}
	if req.MatchID != room.ID {
		return errWrongMatch
	}

	turn, err := room.RegisterAttack(player.ID, req.Row, req.Col)
	if err != nil {
		return err
	}

	s.notifyOpponent(room, player.ID, wire.EventShotRequested, wire.ShotRequested{
		MatchID:    room.ID,
		Row:        req.Row,
		Col:        req.Col,
		TurnNumber: turn,
	})
	return nil
}

func (s *Server) handleShotResult(player *gamematch.Player, req wire.ShotResult) error {
	room := s.mm.RoomFor(player.ID)
	if room == nil {
		return errNoActiveMatch
	}
	if req.MatchID != room.ID {
		return errWrongMatch
	}

	attacker, row, col, ok := room.PendingAttack()
	if !ok {
		return gamematch.ErrNoPendingShot
	}
	if attacker == player.ID || row != req.Row || col != req.Col {
		return gamematch.ErrNoPendingShot
	}

	// The defender proves the outcome against their own commitment; the
	// input ordering is part of the protocol.
	want := proof.ShotPublicInputs(room.BoardHash(player.ID), req.Row, req.Col, req.Hit)
	if !stringsEqual(req.PublicInputs, want) {
		return proof.ErrBadRequest
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.proofs.VerifyShotProof(ctx, req.Proof, req.PublicInputs)
	switch {
	case errors.Is(err, proof.ErrProofInvalid):
		// An unprovable result claim is cheating; the attacker wins on
		// the spot.
		s.log.Warnf("match %s: invalid shot proof from %s", room.ID, player.ID)
		s.finishMatch(room, attacker, "invalid-proof")
		return nil
	case err != nil:
		// Engine trouble is not a verdict; the shot stays pending.
		return err
	}

	outcome := gamematch.ShotMiss
	if req.Hit {
		outcome = gamematch.ShotHit
	}
	atk, err := room.ResolveShot(player.ID, req.Row, req.Col, outcome)
	if err != nil {
		return err
	}
	s.mm.RecordAttack(room, atk)

	if req.Hit && room.CheckWin(attacker) {
		s.finishMatch(room, attacker, "victory")
		return nil
	}

	next, nextTurn := room.AdvanceTurn()
	s.armTurnTimer(room)

	resolved := wire.ShotResolved{
		MatchID:     room.ID,
		Attacker:    string(atk.Attacker),
		Row:         atk.Row,
		Col:         atk.Col,
		Hit:         req.Hit,
		TurnNumber:  atk.TurnNumber,
		NextTurn:    string(next),
		NextTurnNum: nextTurn,
	}
	s.broadcast(room, wire.EventShotResolved, resolved)
	return nil
}

func (s *Server) handleForfeit(player *gamematch.Player) error {
	room := s.mm.RoomFor(player.ID)
	if room == nil {
		return errNoActiveMatch
	}
	s.finishMatch(room, room.Opponent(player.ID), "forfeit")
	return nil
}

// handleRevealBoard lets the winner open their board so the escrow session
// can close with a transcript proof.
func (s *Server) handleRevealBoard(player *gamematch.Player, req wire.RevealBoard) error {
	room := s.mm.RoomByID(req.MatchID)
	if room == nil {
		return errNoActiveMatch
	}
	room.RLock()
	winner := room.Winner
	finished := room.Status == gamematch.StatusFinished
	sessionID := room.SessionID
	settled := room.Settled
	room.RUnlock()

	if !finished {
		return gamematch.ErrNotInBattle
	}
	if winner != player.ID {
		return errNotWinner
	}
	if settled || sessionID == "" || s.settlor == nil {
		// Nothing to close; still acknowledge.
		return player.Notify(wire.EventGameOver, s.gameOverPayload(room))
	}

	ships := make([]proof.Ship, len(req.Ships))
	for i, sh := range req.Ships {
		ships[i] = proof.Ship{Row: sh.Row, Col: sh.Col, Size: sh.Size, Horizontal: sh.Horizontal}
	}
	hash, err := proof.ComputeBoardHash(ships, req.Nonce)
	if err != nil {
		return err
	}
	if hash != room.BoardHash(player.ID) {
		return errHashMismatch
	}

	// Claim the close before spawning so a reveal retry arriving while one
	// is in flight cannot settle the session twice.
	room.Lock()
	if room.Settled || room.Closing {
		room.Unlock()
		return nil
	}
	room.Closing = true
	room.Unlock()

	go s.closeSettlement(room, player, ships, req.Nonce)
	return nil
}

func (s *Server) closeSettlement(room *gamematch.MatchRoom, winner *gamematch.Player, ships []proof.Ship, nonce string) {
	ctx, cancel := context.WithTimeout(context.Background(), settlementTimeout)
	defer cancel()

	proofData, inputs, err := s.proofs.GenerateTurnsProof(ctx, ships, nonce, room.HitCount(winner.ID))
	if err != nil {
		s.log.Errorf("turns proof for match %s: %v", room.ID, err)
		s.clearClosing(room)
		_ = winner.SendEvent(errEvent("proof", err))
		return
	}

	winnerFlag := 1
	if winner.ID == room.Player2 {
		winnerFlag = 2
	}
	room.RLock()
	sessionID := room.SessionID
	room.RUnlock()

	closeTx, err := s.settlor.CloseMatch(ctx, sessionID, proofData, inputs, winnerFlag)
	if err != nil {
		s.log.Errorf("close settlement for match %s: %v", room.ID, err)
		s.clearClosing(room)
		_ = winner.SendEvent(errEvent("settlement", err))
		return
	}

	room.Lock()
	room.CloseTx = closeTx
	room.Closing = false
	room.Settled = true
	room.Unlock()

	if s.db != nil {
		if err := s.db.MarkSettled(ctx, room.ID, closeTx); err != nil {
			s.log.Warnf("mark settled %s: %v", room.ID, err)
		}
	}
	s.log.Infof("match %s settled, tx %s", room.ID, closeTx)
	s.broadcast(room, wire.EventGameOver, s.gameOverPayload(room))
}

// clearClosing releases the close claim so the winner can retry the reveal.
func (s *Server) clearClosing(room *gamematch.MatchRoom) {
	room.Lock()
	room.Closing = false
	room.Unlock()
}

// finishMatch ends the room once and tells both players.
func (s *Server) finishMatch(room *gamematch.MatchRoom, winner gamematch.PlayerID, reason string) {
	if !s.mm.EndMatch(room, winner, reason) {
		return
	}
	s.broadcast(room, wire.EventGameOver, s.gameOverPayload(room))
}

func (s *Server) gameOverPayload(room *gamematch.MatchRoom) wire.GameOver {
	room.RLock()
	defer room.RUnlock()
	return wire.GameOver{
		MatchID: room.ID,
		Winner:  string(room.Winner),
		Reason:  room.EndReason,
		TxHash:  room.CloseTx,
		Settled: room.Settled,
	}
}

func (s *Server) broadcast(room *gamematch.MatchRoom, typ string, payload any) {
	room.RLock()
	p1, p2 := room.Player1, room.Player2
	room.RUnlock()
	for _, pk := range []gamematch.PlayerID{p1, p2} {
		if pk == "" {
			continue
		}
		if p := s.sessions.GetPlayer(pk); p != nil {
			if err := p.Notify(typ, payload); err != nil {
				s.log.Debugf("broadcast %s to %s: %v", typ, pk, err)
			}
		}
	}
}

func (s *Server) notifyOpponent(room *gamematch.MatchRoom, pk gamematch.PlayerID, typ string, payload any) {
	opp := room.Opponent(pk)
	if opp == "" {
		return
	}
	if p := s.sessions.GetPlayer(opp); p != nil {
		if err := p.Notify(typ, payload); err != nil {
			s.log.Debugf("notify %s to %s: %v", typ, opp, err)
		}
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
