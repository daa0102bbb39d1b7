package gamematch

import (
	"testing"

	"github.com/olivmath/stealth-battleship-sub002/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureOutbox struct {
	events []wire.Event
}

func (c *captureOutbox) WriteEvent(ev wire.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestPlayerSessionsLifecycle(t *testing.T) {
	ps := NewPlayerSessions()

	p := ps.CreateSession(alice)
	require.NotNil(t, p)
	assert.Same(t, p, ps.CreateSession(alice), "second create reuses the session")
	assert.Same(t, p, ps.GetPlayer(alice))
	assert.Nil(t, ps.GetPlayer(bob))

	ps.RemovePlayer(alice)
	assert.Nil(t, ps.GetPlayer(alice))
}

func TestPlayerAttachDetach(t *testing.T) {
	ps := NewPlayerSessions()
	p := ps.CreateSession(alice)

	out := &captureOutbox{}
	p.Attach("conn-1", out)
	assert.True(t, p.Connected())

	// A stale connection cannot detach the session after a reconnect.
	newer := &captureOutbox{}
	p.Attach("conn-2", newer)
	assert.False(t, p.Detach("conn-1"))
	assert.True(t, p.Connected())

	assert.True(t, p.Detach("conn-2"))
	assert.False(t, p.Connected())
	assert.Error(t, p.SendEvent(wire.Event{Type: wire.EventSearching}))
}

func TestPlayerNotify(t *testing.T) {
	ps := NewPlayerSessions()
	p := ps.CreateSession(alice)
	out := &captureOutbox{}
	p.Attach("conn-1", out)

	err := p.Notify(wire.EventFriendCreated, wire.FriendCreated{MatchID: "m1", Code: "ABC234"})
	require.NoError(t, err)
	require.Len(t, out.events, 1)
	assert.Equal(t, wire.EventFriendCreated, out.events[0].Type)
	assert.JSONEq(t, `{"matchId":"m1","code":"ABC234"}`, string(out.events[0].Data))
}
