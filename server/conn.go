package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/olivmath/stealth-battleship-sub002/auth"
	"github.com/olivmath/stealth-battleship-sub002/gamematch"
	"github.com/olivmath/stealth-battleship-sub002/wire"
	"golang.org/x/time/rate"
)

// handshakeTimeout bounds how long a fresh socket may take to present its
// signed challenge.
const handshakeTimeout = 10 * time.Second

// wsConn wraps a websocket as the player's outbox. Writes are serialized;
// gorilla allows one concurrent writer only.
type wsConn struct {
	id string
	ws *websocket.Conn

	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) WriteEvent(ev wire.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("upgrade failed: %v", err)
		return
	}
	conn := &wsConn{id: uuid.NewString(), ws: ws, writeTimeout: s.cfg.WriteTimeout}

	pk, err := s.handshake(conn)
	if err != nil {
		s.log.Debugf("handshake rejected: %v", err)
		_ = conn.WriteEvent(errEvent("auth", err))
		conn.close()
		return
	}

	player := s.sessions.CreateSession(pk)
	s.attachPlayer(player, conn.id, conn)

	ctx, cancel := context.WithCancel(r.Context())
	s.activeConns.Store(conn.id, conn)
	defer func() {
		cancel()
		s.activeConns.Delete(conn.id)
		conn.close()
		if player.Detach(conn.id) {
			s.handleDisconnect(player)
		}
	}()

	s.log.Infof("player %s connected (conn %s)", pk, conn.id)
	s.readLoop(ctx, player, conn)
}

// handshake reads and verifies the signed challenge that opens every
// connection.
func (s *Server) handshake(conn *wsConn) (gamematch.PlayerID, error) {
	_ = conn.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.ws.SetReadDeadline(time.Time{})

	var payload auth.ChallengePayload
	if err := conn.ws.ReadJSON(&payload); err != nil {
		return "", err
	}
	pk, err := s.verifier.VerifyChallenge(payload)
	if err != nil {
		return "", err
	}
	return gamematch.PlayerID(pk), nil
}

// attachPlayer binds the connection to the session, displacing a previous
// socket, and resumes any match in flight.
func (s *Server) attachPlayer(player *gamematch.Player, connID string, out gamematch.Outbox) {
	player.RLock()
	prev := player.Outbox
	player.RUnlock()

	player.Attach(connID, out)
	if c, ok := prev.(interface{ close() }); ok {
		c.close()
	}
	player.Lock()
	player.AttackLimiter = rate.NewLimiter(s.cfg.AttackRate, s.cfg.AttackBurst)
	player.Unlock()

	if tok, ok := s.reconnectTimers.LoadAndDelete(player.ID); ok {
		tok.(*gamematch.TimerToken).Cancel()
	}

	room := s.mm.RoomFor(player.ID)
	if room == nil {
		return
	}
	s.resumeMatch(player, room)
}

// resumeMatch replays the room state to a reconnecting player and tells the
// opponent they are back.
func (s *Server) resumeMatch(player *gamematch.Player, room *gamematch.MatchRoom) {
	room.RLock()
	opp := room.Player1
	if opp == player.ID {
		opp = room.Player2
	}
	resume := wire.Resume{
		MatchID:     room.ID,
		GridSize:    room.GridSize,
		ShipSizes:   append([]int(nil), room.ShipSizes...),
		Opponent:    string(opp),
		Status:      string(room.Status),
		CurrentTurn: string(room.CurrentTurn),
		TurnNumber:  room.TurnNumber,
	}
	for _, a := range room.Attacks {
		resume.Shots = append(resume.Shots, wire.ResumeShot{
			Attacker:   string(a.Attacker),
			Row:        a.Row,
			Col:        a.Col,
			Hit:        a.Outcome == gamematch.ShotHit,
			TurnNumber: a.TurnNumber,
		})
	}
	room.RUnlock()

	if err := player.Notify(wire.EventReconnected, resume); err != nil {
		s.log.Debugf("resume send to %s: %v", player.ID, err)
	}
	s.notifyOpponent(room, player.ID, wire.EventReconnected, wire.Resume{MatchID: room.ID, Opponent: string(player.ID)})
}

// handleDisconnect starts the reconnect grace for a player who lost their
// connection mid-match, or clears the session when no match is active.
func (s *Server) handleDisconnect(player *gamematch.Player) {
	pk := player.ID
	s.mm.CancelSearch(pk)

	room := s.mm.RoomFor(pk)
	if room == nil || room.StatusNow() == gamematch.StatusFinished {
		s.sessions.RemovePlayer(pk)
		s.log.Debugf("player %s disconnected, session dropped", pk)
		return
	}

	deadline := time.Now().Add(s.cfg.ReconnectGrace)
	player.Lock()
	player.ReconnectBy = deadline
	player.Unlock()

	s.log.Infof("player %s disconnected mid-match, grace until %s", pk, deadline.Format(time.RFC3339))
	s.notifyOpponent(room, pk, wire.EventOpponentDisconnected, wire.Resume{MatchID: room.ID, Opponent: string(pk)})

	tok := s.sched.Schedule(s.cfg.ReconnectGrace, func() {
		s.reconnectTimers.Delete(pk)
		// Forfeit only if they are still gone and the match still runs.
		if player.Connected() {
			return
		}
		current := s.mm.RoomFor(pk)
		if current == nil || current.StatusNow() == gamematch.StatusFinished {
			s.sessions.RemovePlayer(pk)
			return
		}
		s.log.Infof("player %s did not return, forfeiting match %s", pk, current.ID)
		s.finishMatch(current, current.Opponent(pk), "abandonment")
		s.sessions.RemovePlayer(pk)
	})
	if old, loaded := s.reconnectTimers.Swap(pk, tok); loaded {
		old.(*gamematch.TimerToken).Cancel()
	}
}

// readLoop pumps envelopes off the socket until it dies or ctx is
// cancelled.
func (s *Server) readLoop(ctx context.Context, player *gamematch.Player, conn *wsConn) {
	conn.ws.SetReadLimit(s.cfg.ReadLimit)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("conn %s read: %v", conn.id, err)
			}
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = player.SendEvent(errEvent("bad-envelope", err))
			continue
		}
		if _, err := s.verifier.VerifyAction(env.ActionPayload()); err != nil {
			_ = player.SendEvent(errEvent("auth", err))
			continue
		}
		if gamematch.PlayerID(env.PublicKey) != player.ID {
			_ = player.SendEvent(errEvent("auth", errIdentityMismatch))
			continue
		}

		s.dispatch(player, &env)
	}
}
