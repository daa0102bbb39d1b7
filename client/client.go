// Package client is the Go client for the match server: it dials the
// websocket endpoint, performs the signed handshake and wraps every game
// command in a signed envelope.
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/olivmath/stealth-battleship-sub002/auth"
	"github.com/olivmath/stealth-battleship-sub002/wire"
)

// Config configures a client connection.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Key signs the handshake and every command.
	Key ed25519.PrivateKey
	// Log is optional.
	Log slog.Logger
	// EventBuffer sizes the inbound event channel (default 32).
	EventBuffer int
}

// Client is a connected player. Events arrive on Events; commands are safe
// to call from multiple goroutines.
type Client struct {
	cfg    Config
	ws     *websocket.Conn
	pubHex string
	log    slog.Logger

	writeMu sync.Mutex

	events  chan wire.Event
	readErr error
	done    chan struct{}
	once    sync.Once
}

// Dial connects and authenticates. The returned client is already reading;
// consume Events() or the connection will stall.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("client: bad key size")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:    cfg,
		ws:     ws,
		pubHex: hex.EncodeToString(cfg.Key.Public().(ed25519.PublicKey)),
		log:    cfg.Log,
		events: make(chan wire.Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}

	challenge := auth.SignChallenge(cfg.Key, uuid.NewString(), time.Now())
	if err := ws.WriteJSON(challenge); err != nil {
		ws.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}

	go c.readPump()
	return c, nil
}

// PublicKey returns the client's identity in hex.
func (c *Client) PublicKey() string { return c.pubHex }

// Events is the stream of server events. It closes when the connection
// dies; Err reports why.
func (c *Client) Events() <-chan wire.Event { return c.events }

// Err returns the terminal read error after Events closes.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Next waits for the next event or ctx expiry.
func (c *Client) Next(ctx context.Context) (wire.Event, error) {
	select {
	case <-ctx.Done():
		return wire.Event{}, ctx.Err()
	case ev, ok := <-c.events:
		if !ok {
			return wire.Event{}, fmt.Errorf("client: connection closed: %w", c.readErr)
		}
		return ev, nil
	}
}

// WaitFor discards events until one of the wanted type arrives.
func (c *Client) WaitFor(ctx context.Context, typ string) (wire.Event, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return wire.Event{}, err
		}
		if ev.Type == typ {
			return ev, nil
		}
	}
}

func (c *Client) Close() error {
	c.once.Do(func() { _ = c.ws.Close() })
	return nil
}

func (c *Client) readPump() {
	defer close(c.events)
	for {
		var ev wire.Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			c.readErr = err
			close(c.done)
			return
		}
		select {
		case c.events <- ev:
		default:
			c.log.Warnf("event buffer full, dropping %s", ev.Type)
		}
	}
}

// send wraps payload in a signed envelope and writes it.
func (c *Client) send(action string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("client: marshal %s: %w", action, err)
		}
		data = b
	}
	signed := auth.SignAction(c.cfg.Key, action, string(data), time.Now())
	env := wire.Envelope{
		Type:      action,
		Data:      data,
		PublicKey: signed.PublicKey,
		Signature: signed.Signature,
		Timestamp: signed.Timestamp,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *Client) FindMatch(gridSize int) error {
	return c.send(wire.EventFindMatch, wire.FindMatch{GridSize: gridSize})
}

func (c *Client) CancelSearch() error {
	return c.send(wire.EventCancelSearch, nil)
}

func (c *Client) CreateFriendMatch(gridSize int) error {
	return c.send(wire.EventCreateFriendMatch, wire.CreateFriendMatch{GridSize: gridSize})
}

func (c *Client) JoinFriendMatch(code string) error {
	return c.send(wire.EventJoinFriendMatch, wire.JoinFriendMatch{Code: code})
}

func (c *Client) SubmitPlacement(req wire.SubmitPlacement) error {
	return c.send(wire.EventSubmitPlacement, req)
}

func (c *Client) Attack(matchID string, row, col int) error {
	return c.send(wire.EventAttack, wire.Attack{MatchID: matchID, Row: row, Col: col})
}

func (c *Client) ShotResult(req wire.ShotResult) error {
	return c.send(wire.EventShotResult, req)
}

func (c *Client) Forfeit() error {
	return c.send(wire.EventForfeit, nil)
}

func (c *Client) RevealBoard(req wire.RevealBoard) error {
	return c.send(wire.EventRevealBoard, req)
}
