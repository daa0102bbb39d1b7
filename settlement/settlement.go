// Package settlement drives the escrow contract: opening a match session
// with both board proofs and closing it with the winner's transcript proof.
// Every call runs the same pipeline: simulate, assemble, sign, submit, poll.
package settlement

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/slog"
)

var (
	// ErrSimulationFailed means the dry run rejected the call; nothing was
	// submitted.
	ErrSimulationFailed = errors.New("settlement: simulation failed")
	// ErrSubmitFailed means the signed transaction was not accepted by the
	// node.
	ErrSubmitFailed = errors.New("settlement: submit failed")
	// ErrOnChainFailure means the transaction confirmed with a failure
	// status.
	ErrOnChainFailure = errors.New("settlement: transaction failed on chain")
	// ErrUnconfirmed means polling gave up before the transaction settled;
	// it may still confirm later.
	ErrUnconfirmed = errors.New("settlement: transaction unconfirmed")
)

// TxStatus is the chain's view of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// ContractCall is an unsigned contract invocation.
type ContractCall struct {
	Contract string
	Method   string
	Args     []string
}

// Digest is the canonical signing payload of a call.
func (c ContractCall) Digest() [blake256.Size]byte {
	return blake256.Sum256([]byte(c.Contract + "\x00" + c.Method + "\x00" + strings.Join(c.Args, "\x00")))
}

// SignedTx is a call plus the server's authorization over its digest.
type SignedTx struct {
	Call      ContractCall
	Signer    string
	Signature string
}

// ChainClient is the node RPC port.
type ChainClient interface {
	// Simulate dry-runs the call without submitting.
	Simulate(ctx context.Context, call ContractCall) error
	// Submit broadcasts the signed transaction and returns its hash.
	Submit(ctx context.Context, tx SignedTx) (string, error)
	// Status reports the transaction's confirmation state.
	Status(ctx context.Context, txHash string) (TxStatus, error)
}

// OpenResult is a successfully opened escrow session.
type OpenResult struct {
	TxHash    string
	SessionID string
}

// Settlor signs and lands settlement transactions.
type Settlor struct {
	chain    ChainClient
	signKey  ed25519.PrivateKey
	contract string
	log      slog.Logger

	// PollInterval and MaxPollAttempts bound confirmation waiting; past
	// the budget the call returns ErrUnconfirmed and the match stays
	// finished-but-unsettled.
	PollInterval    time.Duration
	MaxPollAttempts int

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSettlor(chain ChainClient, signKey ed25519.PrivateKey, contract string, log slog.Logger) *Settlor {
	if log == nil {
		log = slog.Disabled
	}
	return &Settlor{
		chain:           chain,
		signKey:         signKey,
		contract:        contract,
		log:             log,
		PollInterval:    2 * time.Second,
		MaxPollAttempts: 30,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}

// OpenMatch opens the escrow session with both players' board proofs. The
// session id is derived from the participants and the open transaction.
func (s *Settlor) OpenMatch(ctx context.Context, p1, p2 string, proof1 []byte, inputs1 []string, proof2 []byte, inputs2 []string) (OpenResult, error) {
	call := ContractCall{
		Contract: s.contract,
		Method:   "open_match",
		Args: flatten(
			[]string{p1, p2},
			[]string{base64.StdEncoding.EncodeToString(proof1)}, inputs1,
			[]string{base64.StdEncoding.EncodeToString(proof2)}, inputs2,
		),
	}
	txHash, err := s.land(ctx, call)
	if err != nil {
		return OpenResult{}, err
	}
	sid := blake256.Sum256([]byte(p1 + "|" + p2 + "|" + txHash))
	res := OpenResult{TxHash: txHash, SessionID: hex.EncodeToString(sid[:16])}
	s.log.Infof("session %s opened, tx %s", res.SessionID, txHash)
	return res, nil
}

// CloseMatch closes the session with the winner's transcript proof.
// winnerFlag is 1 when player1 won, 2 when player2 won.
func (s *Settlor) CloseMatch(ctx context.Context, sessionID string, proofData []byte, inputs []string, winnerFlag int) (string, error) {
	call := ContractCall{
		Contract: s.contract,
		Method:   "close_match",
		Args: flatten(
			[]string{sessionID, strconv.Itoa(winnerFlag)},
			[]string{base64.StdEncoding.EncodeToString(proofData)}, inputs,
		),
	}
	txHash, err := s.land(ctx, call)
	if err != nil {
		return "", err
	}
	s.log.Infof("session %s closed, tx %s", sessionID, txHash)
	return txHash, nil
}

// land runs the full pipeline for one call.
func (s *Settlor) land(ctx context.Context, call ContractCall) (string, error) {
	if err := s.chain.Simulate(ctx, call); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSimulationFailed, call.Method, err)
	}

	digest := call.Digest()
	tx := SignedTx{
		Call:      call,
		Signer:    hex.EncodeToString(s.signKey.Public().(ed25519.PublicKey)),
		Signature: hex.EncodeToString(ed25519.Sign(s.signKey, digest[:])),
	}

	txHash, err := s.chain.Submit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSubmitFailed, call.Method, err)
	}

	if err := s.awaitConfirmation(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

// awaitConfirmation polls until the transaction confirms, fails, or the
// polling budget runs out.
func (s *Settlor) awaitConfirmation(ctx context.Context, txHash string) error {
	for attempt := 0; attempt < s.MaxPollAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.PollInterval); err != nil {
				return fmt.Errorf("%w: tx %s: %v", ErrUnconfirmed, txHash, err)
			}
		}
		status, err := s.chain.Status(ctx, txHash)
		if err != nil {
			s.log.Warnf("status poll %d for tx %s: %v", attempt, txHash, err)
			continue
		}
		switch status {
		case TxConfirmed:
			return nil
		case TxFailed:
			return fmt.Errorf("%w: tx %s", ErrOnChainFailure, txHash)
		}
	}
	return fmt.Errorf("%w: tx %s after %d polls", ErrUnconfirmed, txHash, s.MaxPollAttempts)
}

func flatten(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
