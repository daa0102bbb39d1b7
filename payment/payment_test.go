package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/olivmath/stealth-battleship-sub002/gamematch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger is a Ledger with scripted balances.
type fakeLedger struct {
	balances map[string]int
	err      error
}

func (f *fakeLedger) TokenBalance(_ context.Context, pk string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.balances[pk], nil
}

func (f *fakeLedger) ConsumeToken(_ context.Context, pk string) error {
	if f.err != nil {
		return f.err
	}
	if f.balances[pk] <= 0 {
		return ErrNoToken
	}
	f.balances[pk]--
	return nil
}

func (f *fakeLedger) DepositAddress(_ context.Context, pk string) (string, error) {
	return "addr-" + pk, nil
}

func TestGateHasToken(t *testing.T) {
	ledger := &fakeLedger{balances: map[string]int{"p1": 2}}
	gate := NewGate(ledger, time.Second, nil)

	ok, err := gate.HasToken(gamematch.PlayerID("p1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.HasToken(gamematch.PlayerID("p2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ledger.err = errors.New("ledger down")
	_, err = gate.HasToken(gamematch.PlayerID("p1"))
	assert.Error(t, err)
}

func TestGateConsume(t *testing.T) {
	ledger := &fakeLedger{balances: map[string]int{"p1": 1}}
	gate := NewGate(ledger, time.Second, nil)

	require.NoError(t, gate.Consume(gamematch.PlayerID("p1")))
	assert.Equal(t, 0, ledger.balances["p1"])

	err := gate.Consume(gamematch.PlayerID("p1"))
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestMemoStableAndDistinct(t *testing.T) {
	m1 := Memo("pk-one")
	assert.Equal(t, m1, Memo("pk-one"))
	assert.NotEqual(t, m1, Memo("pk-two"))
	assert.Len(t, m1, 16)
}

func TestHTTPLedger(t *testing.T) {
	var consumes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tokens/p1":
			w.Write([]byte(`{"balance":3}`))
		case r.Method == http.MethodPost && r.URL.Path == "/tokens/p1/consume":
			consumes.Add(1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/tokens/broke/consume":
			w.WriteHeader(http.StatusPaymentRequired)
		case r.Method == http.MethodGet && r.URL.Path == "/address/p1":
			w.Write([]byte(`{"address":"dep-addr-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ledger := NewHTTPLedger(srv.URL, nil, nil)
	ctx := context.Background()

	n, err := ledger.TokenBalance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, ledger.ConsumeToken(ctx, "p1"))
	assert.Equal(t, int32(1), consumes.Load())

	assert.ErrorIs(t, ledger.ConsumeToken(ctx, "broke"), ErrNoToken)

	addr, err := ledger.DepositAddress(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "dep-addr-1", addr)

	// Unknown player surfaces as a ledger protocol error.
	_, err = ledger.TokenBalance(ctx, "nobody")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestHTTPLedgerUnreachable(t *testing.T) {
	ledger := NewHTTPLedger("http://127.0.0.1:1", &http.Client{Timeout: 200 * time.Millisecond}, nil)
	_, err := ledger.TokenBalance(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}
