package server

import (
	"time"

	"golang.org/x/time/rate"
)

// Config carries every tunable the server needs; nothing is read from the
// environment here, cmd assembles it.
type Config struct {
	// ListenAddr is the HTTP/websocket bind address, e.g. ":8080".
	ListenAddr string

	// TurnTimeout forfeits the player on turn when it elapses.
	TurnTimeout time.Duration

	// ReconnectGrace is how long a disconnected player keeps their seat
	// before forfeiting.
	ReconnectGrace time.Duration

	// SweepInterval and StaleAge drive the stale-room sweep.
	SweepInterval time.Duration
	StaleAge      time.Duration

	// AttackRate and AttackBurst bound attack commands per connection.
	AttackRate  rate.Limit
	AttackBurst int

	// ReadLimit caps a single websocket message in bytes.
	ReadLimit int64

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 30 * time.Second
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 30 * time.Minute
	}
	if c.AttackRate <= 0 {
		c.AttackRate = rate.Limit(5)
	}
	if c.AttackBurst <= 0 {
		c.AttackBurst = 10
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 512 * 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}
