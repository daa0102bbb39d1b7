package gamematch

import (
	"fmt"
	"time"

	"github.com/olivmath/stealth-battleship-sub002/wire"
)

func NewPlayerSessions() *PlayerSessions {
	return &PlayerSessions{Sessions: make(map[PlayerID]*Player)}
}

// CreateSession returns the existing session for pk or creates one. The
// caller attaches the connection afterwards.
func (ps *PlayerSessions) CreateSession(pk PlayerID) *Player {
	ps.Lock()
	defer ps.Unlock()

	player := ps.Sessions[pk]
	if player == nil {
		player = &Player{ID: pk}
		ps.Sessions[pk] = player
	}
	return player
}

func (ps *PlayerSessions) GetPlayer(pk PlayerID) *Player {
	ps.RLock()
	defer ps.RUnlock()
	return ps.Sessions[pk]
}

func (ps *PlayerSessions) RemovePlayer(pk PlayerID) {
	ps.Lock()
	defer ps.Unlock()
	delete(ps.Sessions, pk)
}

// Attach binds a new connection to the session, replacing any previous one,
// and clears the reconnect deadline.
func (p *Player) Attach(connID string, out Outbox) {
	p.Lock()
	defer p.Unlock()
	p.ConnID = connID
	p.Outbox = out
	p.ReconnectBy = time.Time{}
}

// Detach drops the connection if connID still owns the session. Returns true
// when the session actually lost its connection; false means a newer
// connection already took over.
func (p *Player) Detach(connID string) bool {
	p.Lock()
	defer p.Unlock()
	if p.ConnID != connID {
		return false
	}
	p.ConnID = ""
	p.Outbox = nil
	return true
}

// Connected reports whether the session has a live connection.
func (p *Player) Connected() bool {
	p.RLock()
	defer p.RUnlock()
	return p.Outbox != nil
}

// SendEvent serializes writes on the player's connection to avoid concurrent
// writes on the same websocket.
func (p *Player) SendEvent(ev wire.Event) error {
	if p == nil {
		return fmt.Errorf("nil player")
	}
	p.RLock()
	out := p.Outbox
	p.RUnlock()
	if out == nil {
		return fmt.Errorf("player %s has no connection", p.ID)
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return out.WriteEvent(ev)
}

// Notify marshals v as a typed event and sends it, logging nothing; callers
// decide whether a send failure matters.
func (p *Player) Notify(typ string, v any) error {
	ev, err := wire.NewEvent(typ, v)
	if err != nil {
		return err
	}
	return p.SendEvent(ev)
}
