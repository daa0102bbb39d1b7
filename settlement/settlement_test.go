package settlement

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChain scripts the pipeline. statuses is consumed one per Status poll;
// when it runs dry the last value repeats.
type fakeChain struct {
	simErr    error
	submitErr error
	statuses  []TxStatus
	statusErr error

	submitted []SignedTx
	polls     int
}

func (f *fakeChain) Simulate(context.Context, ContractCall) error { return f.simErr }

func (f *fakeChain) Submit(_ context.Context, tx SignedTx) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, tx)
	return "tx-1", nil
}

func (f *fakeChain) Status(context.Context, string) (TxStatus, error) {
	f.polls++
	if f.statusErr != nil {
		return "", f.statusErr
	}
	i := f.polls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func testSettlor(t *testing.T, chain ChainClient) *Settlor {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s := NewSettlor(chain, priv, "escrow-contract", nil)
	s.PollInterval = time.Millisecond
	s.MaxPollAttempts = 3
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestOpenMatchHappyPath(t *testing.T) {
	chain := &fakeChain{statuses: []TxStatus{TxPending, TxConfirmed}}
	s := testSettlor(t, chain)

	res, err := s.OpenMatch(context.Background(), "p1", "p2",
		[]byte("proof1"), []string{"h1", "2", "2", "3"},
		[]byte("proof2"), []string{"h2", "2", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.TxHash)
	assert.Len(t, res.SessionID, 32)
	assert.Equal(t, 2, chain.polls)

	// The submitted call carries a valid signature over its digest.
	require.Len(t, chain.submitted, 1)
	tx := chain.submitted[0]
	assert.Equal(t, "open_match", tx.Call.Method)
	pub, err := hex.DecodeString(tx.Signer)
	require.NoError(t, err)
	sig, err := hex.DecodeString(tx.Signature)
	require.NoError(t, err)
	digest := tx.Call.Digest()
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig))
}

func TestCloseMatchHappyPath(t *testing.T) {
	chain := &fakeChain{statuses: []TxStatus{TxConfirmed}}
	s := testSettlor(t, chain)

	txHash, err := s.CloseMatch(context.Background(), "session-1", []byte("tp"), []string{"h1", "7"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txHash)

	require.Len(t, chain.submitted, 1)
	call := chain.submitted[0].Call
	assert.Equal(t, "close_match", call.Method)
	assert.Equal(t, "session-1", call.Args[0])
	assert.Equal(t, "1", call.Args[1])
}

func TestSimulationFailureStopsPipeline(t *testing.T) {
	chain := &fakeChain{simErr: errors.New("reverted")}
	s := testSettlor(t, chain)

	_, err := s.OpenMatch(context.Background(), "p1", "p2", nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrSimulationFailed)
	assert.Empty(t, chain.submitted, "nothing submitted after failed simulation")
	assert.Zero(t, chain.polls)
}

func TestSubmitFailure(t *testing.T) {
	chain := &fakeChain{submitErr: errors.New("mempool full")}
	s := testSettlor(t, chain)

	_, err := s.CloseMatch(context.Background(), "s1", nil, nil, 2)
	assert.ErrorIs(t, err, ErrSubmitFailed)
	assert.Zero(t, chain.polls)
}

func TestOnChainFailure(t *testing.T) {
	chain := &fakeChain{statuses: []TxStatus{TxPending, TxFailed}}
	s := testSettlor(t, chain)

	_, err := s.CloseMatch(context.Background(), "s1", nil, nil, 1)
	assert.ErrorIs(t, err, ErrOnChainFailure)
}

func TestPollingBudgetExhausted(t *testing.T) {
	chain := &fakeChain{statuses: []TxStatus{TxPending}}
	s := testSettlor(t, chain)

	_, err := s.CloseMatch(context.Background(), "s1", nil, nil, 1)
	assert.ErrorIs(t, err, ErrUnconfirmed)
	assert.Equal(t, s.MaxPollAttempts, chain.polls)
}

func TestPollingToleratesStatusErrors(t *testing.T) {
	chain := &fakeChain{statuses: []TxStatus{TxConfirmed}}
	s := testSettlor(t, chain)

	// First poll errors, second succeeds.
	calls := 0
	flaky := &flakyChain{fakeChain: chain, failFirst: &calls}
	s.chain = flaky

	txHash, err := s.CloseMatch(context.Background(), "s1", nil, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txHash)
}

type flakyChain struct {
	*fakeChain
	failFirst *int
}

func (f *flakyChain) Status(ctx context.Context, txHash string) (TxStatus, error) {
	*f.failFirst++
	if *f.failFirst == 1 {
		return "", errors.New("rpc timeout")
	}
	return f.fakeChain.Status(ctx, txHash)
}

func TestHTTPChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/simulate":
			w.WriteHeader(http.StatusOK)
		case "/submit":
			w.Write([]byte(`{"txHash":"0xabc"}`))
		case "/tx/0xabc":
			w.Write([]byte(`{"status":"confirmed"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	chain := NewHTTPChain(srv.URL, nil, nil)
	ctx := context.Background()

	call := ContractCall{Contract: "c", Method: "open_match", Args: []string{"a"}}
	require.NoError(t, chain.Simulate(ctx, call))

	txHash, err := chain.Submit(ctx, SignedTx{Call: call, Signer: "s", Signature: "sig"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", txHash)

	status, err := chain.Status(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status)

	_, err = chain.Status(ctx, "missing")
	assert.Error(t, err)
}
