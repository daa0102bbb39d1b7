// Package proof wraps the external zero-knowledge circuit engine: board
// commitment hashing, public input packing, and proof generation and
// verification for board placement, shot results and the final transcript.
package proof

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/slog"
)

var (
	// ErrBadRequest means the request shape is invalid before any engine
	// call: wrong input count, out-of-range values, malformed fleet.
	ErrBadRequest = errors.New("proof: bad request")
	// ErrEngineFailure means the circuit engine itself failed; the proof's
	// validity is unknown.
	ErrEngineFailure = errors.New("proof: engine failure")
	// ErrProofInvalid means the engine ran and the proof did not verify.
	ErrProofInvalid = errors.New("proof: proof invalid")
)

// Circuit identifiers understood by the engine.
const (
	CircuitBoard = "board-placement"
	CircuitShot  = "shot-result"
	CircuitTurns = "turn-transcript"
)

// Ship is one fleet placement.
type Ship struct {
	Row        int
	Col        int
	Size       int
	Horizontal bool
}

// Engine is the external prover/verifier. Implementations call out of
// process and must honor ctx cancellation.
type Engine interface {
	GenerateProof(ctx context.Context, circuit string, witness map[string]any, publicInputs []string) ([]byte, error)
	VerifyProof(ctx context.Context, circuit string, proofData []byte, publicInputs []string) (bool, error)
}

// Port validates requests, derives commitments and public inputs, and talks
// to the engine. Safe for concurrent use.
type Port struct {
	engine Engine
	log    slog.Logger
}

func NewPort(engine Engine, log slog.Logger) *Port {
	if log == nil {
		log = slog.Disabled
	}
	return &Port{engine: engine, log: log}
}

// ComputeBoardHash derives the MiMC commitment over the fleet cells and the
// salt nonce. Generation and verification must use this same derivation or
// no proof will ever match its board.
func ComputeBoardHash(ships []Ship, nonce string) (string, error) {
	if len(ships) == 0 {
		return "", fmt.Errorf("%w: empty fleet", ErrBadRequest)
	}
	if nonce == "" {
		return "", fmt.Errorf("%w: empty nonce", ErrBadRequest)
	}

	h := mimc.NewMiMC()
	var fe fr.Element
	for _, s := range ships {
		if s.Row < 0 || s.Col < 0 || s.Size <= 0 {
			return "", fmt.Errorf("%w: ship out of range", ErrBadRequest)
		}
		horiz := uint64(0)
		if s.Horizontal {
			horiz = 1
		}
		for _, v := range []uint64{uint64(s.Row), uint64(s.Col), uint64(s.Size), horiz} {
			fe.SetUint64(v)
			b := fe.Bytes()
			h.Write(b[:])
		}
	}
	// The nonce is free-form; reduce it into the scalar field through a
	// fixed digest so both sides agree byte for byte.
	sum := blake256.Sum256([]byte(nonce))
	fe.SetBytes(sum[:])
	b := fe.Bytes()
	h.Write(b[:])

	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out.String(), nil
}

// BoardPublicInputs packs the board circuit's public inputs. Order is part
// of the protocol: boardHash first, then the fleet sizes.
func BoardPublicInputs(boardHash string, shipSizes []int) []string {
	inputs := make([]string, 0, 1+len(shipSizes))
	inputs = append(inputs, boardHash)
	for _, s := range shipSizes {
		inputs = append(inputs, strconv.Itoa(s))
	}
	return inputs
}

// ShotPublicInputs packs the shot circuit's public inputs:
// [boardHash, row, col, hitFlag].
func ShotPublicInputs(boardHash string, row, col int, hit bool) []string {
	flag := "0"
	if hit {
		flag = "1"
	}
	return []string{boardHash, strconv.Itoa(row), strconv.Itoa(col), flag}
}

// GenerateBoardProof proves that the committed fleet matches shipSizes and
// sits legally on the grid. Returns the proof, the derived board hash and
// the public inputs in protocol order.
func (p *Port) GenerateBoardProof(ctx context.Context, ships []Ship, nonce string, gridSize int, shipSizes []int) ([]byte, string, []string, error) {
	if err := validateFleet(ships, gridSize, shipSizes); err != nil {
		return nil, "", nil, err
	}
	boardHash, err := ComputeBoardHash(ships, nonce)
	if err != nil {
		return nil, "", nil, err
	}
	inputs := BoardPublicInputs(boardHash, shipSizes)
	witness := map[string]any{
		"ships": ships,
		"nonce": nonce,
	}
	proofData, err := p.engine.GenerateProof(ctx, CircuitBoard, witness, inputs)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: board generate: %v", ErrEngineFailure, err)
	}
	p.log.Debugf("board proof generated, hash=%s", boardHash)
	return proofData, boardHash, inputs, nil
}

// VerifyBoardProof checks a board proof against its public inputs.
func (p *Port) VerifyBoardProof(ctx context.Context, proofData []byte, publicInputs []string) error {
	if len(proofData) == 0 || len(publicInputs) < 2 {
		return fmt.Errorf("%w: board verify needs a proof and [boardHash, shipSizes...]", ErrBadRequest)
	}
	ok, err := p.engine.VerifyProof(ctx, CircuitBoard, proofData, publicInputs)
	if err != nil {
		return fmt.Errorf("%w: board verify: %v", ErrEngineFailure, err)
	}
	if !ok {
		return ErrProofInvalid
	}
	return nil
}

// GenerateShotProof proves the hit/miss outcome of a shot against the
// committed board.
func (p *Port) GenerateShotProof(ctx context.Context, ships []Ship, nonce string, row, col int, hit bool) ([]byte, []string, error) {
	boardHash, err := ComputeBoardHash(ships, nonce)
	if err != nil {
		return nil, nil, err
	}
	if row < 0 || col < 0 {
		return nil, nil, fmt.Errorf("%w: negative coordinates", ErrBadRequest)
	}
	inputs := ShotPublicInputs(boardHash, row, col, hit)
	witness := map[string]any{
		"ships": ships,
		"nonce": nonce,
		"row":   row,
		"col":   col,
	}
	proofData, err := p.engine.GenerateProof(ctx, CircuitShot, witness, inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: shot generate: %v", ErrEngineFailure, err)
	}
	return proofData, inputs, nil
}

// VerifyShotProof checks a shot proof. The inputs must be exactly
// [boardHash, row, col, hitFlag] with hitFlag 0 or 1.
func (p *Port) VerifyShotProof(ctx context.Context, proofData []byte, publicInputs []string) error {
	if len(proofData) == 0 || len(publicInputs) != 4 {
		return fmt.Errorf("%w: shot verify needs a proof and [boardHash, row, col, hitFlag]", ErrBadRequest)
	}
	if f := publicInputs[3]; f != "0" && f != "1" {
		return fmt.Errorf("%w: hit flag must be 0 or 1", ErrBadRequest)
	}
	ok, err := p.engine.VerifyProof(ctx, CircuitShot, proofData, publicInputs)
	if err != nil {
		return fmt.Errorf("%w: shot verify: %v", ErrEngineFailure, err)
	}
	if !ok {
		return ErrProofInvalid
	}
	return nil
}

// GenerateTurnsProof proves the full match transcript against the winner's
// board commitment for settlement close. Public inputs are
// [boardHash, hitCount].
func (p *Port) GenerateTurnsProof(ctx context.Context, ships []Ship, nonce string, hitCount int) ([]byte, []string, error) {
	boardHash, err := ComputeBoardHash(ships, nonce)
	if err != nil {
		return nil, nil, err
	}
	inputs := []string{boardHash, strconv.Itoa(hitCount)}
	witness := map[string]any{
		"ships": ships,
		"nonce": nonce,
	}
	proofData, err := p.engine.GenerateProof(ctx, CircuitTurns, witness, inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: turns generate: %v", ErrEngineFailure, err)
	}
	return proofData, inputs, nil
}

// validateFleet checks shape only; legality of the exact placement is the
// circuit's business.
func validateFleet(ships []Ship, gridSize int, shipSizes []int) error {
	if len(ships) != len(shipSizes) {
		return fmt.Errorf("%w: fleet has %d ships, want %d", ErrBadRequest, len(ships), len(shipSizes))
	}
	remaining := make(map[int]int)
	for _, s := range shipSizes {
		remaining[s]++
	}
	for _, s := range ships {
		if remaining[s.Size] == 0 {
			return fmt.Errorf("%w: unexpected ship of size %d", ErrBadRequest, s.Size)
		}
		remaining[s.Size]--
		endRow, endCol := s.Row, s.Col
		if s.Horizontal {
			endCol += s.Size - 1
		} else {
			endRow += s.Size - 1
		}
		if s.Row < 0 || s.Col < 0 || endRow >= gridSize || endCol >= gridSize {
			return fmt.Errorf("%w: ship extends outside the grid", ErrBadRequest)
		}
	}
	return nil
}
