// Package payment gates match entry on tokens held in an external ledger.
// Tokens are purchased out of band; the server only checks and consumes.
package payment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/slog"
	"github.com/olivmath/stealth-battleship-sub002/gamematch"
)

var (
	// ErrNoToken means the player holds no entry token.
	ErrNoToken = errors.New("payment: no entry token")
	// ErrConsumeRejected means the ledger refused to burn the token.
	ErrConsumeRejected = errors.New("payment: consume rejected")
	// ErrLedgerUnavailable means the ledger could not be reached or
	// answered outside its protocol.
	ErrLedgerUnavailable = errors.New("payment: ledger unavailable")
)

// Ledger is the external entry-token store.
type Ledger interface {
	// TokenBalance returns how many unspent entry tokens pk holds.
	TokenBalance(ctx context.Context, pk string) (int, error)
	// ConsumeToken burns exactly one token. Irreversible.
	ConsumeToken(ctx context.Context, pk string) error
	// DepositAddress returns the address pk pays into to buy tokens.
	DepositAddress(ctx context.Context, pk string) (string, error)
}

// Memo derives the deposit memo correlating an on-chain payment with a
// player identity. The ledger matches incoming transfers on this value.
func Memo(pk string) string {
	sum := blake256.Sum256([]byte("entry-token:" + pk))
	return hex.EncodeToString(sum[:8])
}

// Gate adapts a Ledger to the matchmaker's entry port. Each call gets its
// own bounded context so a stalled ledger cannot wedge a pairing.
type Gate struct {
	ledger  Ledger
	timeout time.Duration
	log     slog.Logger
}

func NewGate(ledger Ledger, timeout time.Duration, log slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Disabled
	}
	return &Gate{ledger: ledger, timeout: timeout, log: log}
}

// HasToken reports whether the player holds at least one entry token.
func (g *Gate) HasToken(pk gamematch.PlayerID) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	n, err := g.ledger.TokenBalance(ctx, string(pk))
	if err != nil {
		return false, fmt.Errorf("balance for %s: %w", pk, err)
	}
	return n > 0, nil
}

// Consume burns one token for the player.
func (g *Gate) Consume(pk gamematch.PlayerID) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.ledger.ConsumeToken(ctx, string(pk)); err != nil {
		return fmt.Errorf("consume for %s: %w", pk, err)
	}
	g.log.Debugf("entry token consumed for %s", pk)
	return nil
}

var _ gamematch.EntryGate = (*Gate)(nil)

// HTTPLedger talks to the ledger's JSON API.
type HTTPLedger struct {
	base   string
	client *http.Client
	log    slog.Logger
}

func NewHTTPLedger(base string, client *http.Client, log slog.Logger) *HTTPLedger {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = slog.Disabled
	}
	return &HTTPLedger{base: base, client: client, log: log}
}

type balanceResponse struct {
	Balance int `json:"balance"`
}

type addressResponse struct {
	Address string `json:"address"`
}

func (l *HTTPLedger) TokenBalance(ctx context.Context, pk string) (int, error) {
	var resp balanceResponse
	if err := l.get(ctx, "/tokens/"+url.PathEscape(pk), &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

func (l *HTTPLedger) ConsumeToken(ctx context.Context, pk string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.base+"/tokens/"+url.PathEscape(pk)+"/consume", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusPaymentRequired:
		return ErrNoToken
	case http.StatusConflict:
		return ErrConsumeRejected
	default:
		return fmt.Errorf("%w: consume status %d", ErrLedgerUnavailable, resp.StatusCode)
	}
}

func (l *HTTPLedger) DepositAddress(ctx context.Context, pk string) (string, error) {
	var resp addressResponse
	if err := l.get(ctx, "/address/"+url.PathEscape(pk), &resp); err != nil {
		return "", err
	}
	return resp.Address, nil
}

func (l *HTTPLedger) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.base+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s status %d", ErrLedgerUnavailable, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrLedgerUnavailable, path, err)
	}
	return nil
}

var _ Ledger = (*HTTPLedger)(nil)
