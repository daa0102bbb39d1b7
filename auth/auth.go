package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrMissingFields means the payload lacks one of publicKey, signature,
	// nonce or timestamp.
	ErrMissingFields = errors.New("auth: missing required fields")
	// ErrExpired means the payload timestamp is outside the freshness window.
	ErrExpired = errors.New("auth: payload expired")
	// ErrBadSignature means the ed25519 signature does not verify.
	ErrBadSignature = errors.New("auth: bad signature")
	// ErrNonceReused means the nonce was already accepted inside the
	// freshness window.
	ErrNonceReused = errors.New("auth: nonce reused")
)

const (
	// MaxAge is the hard expiry for inbound payloads.
	MaxAge = 30 * time.Second
	// SkewTolerance allows slightly future timestamps from skewed clocks.
	SkewTolerance = 5 * time.Second
)

// ChallengePayload is the handshake payload signed by a connecting player.
// The signed message is "publicKey:timestamp:nonce".
type ChallengePayload struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// ActionPayload is a signed in-game command. The signed message is
// "publicKey:action:data:timestamp".
type ActionPayload struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Action    string `json:"action"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Verifier checks signed payloads. It is safe for concurrent use and keeps a
// small nonce cache to reject replays within the freshness window.
type Verifier struct {
	mu     sync.Mutex
	nonces map[string]time.Time

	// now is replaceable for tests.
	now func() time.Time
}

func NewVerifier() *Verifier {
	return &Verifier{
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// VerifyChallenge validates a handshake payload and returns the verified
// public key (hex). It has no side effects beyond the nonce cache.
func (v *Verifier) VerifyChallenge(p ChallengePayload) (string, error) {
	if p.PublicKey == "" || p.Signature == "" || p.Nonce == "" || p.Timestamp == 0 {
		return "", ErrMissingFields
	}
	if err := v.checkFreshness(p.Timestamp); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("%s:%d:%s", p.PublicKey, p.Timestamp, p.Nonce)
	if err := verifySig(p.PublicKey, p.Signature, msg); err != nil {
		return "", err
	}
	if err := v.recordNonce(p.PublicKey + ":" + p.Nonce); err != nil {
		return "", err
	}
	return p.PublicKey, nil
}

// VerifyAction validates a signed command payload and returns the verified
// public key (hex).
func (v *Verifier) VerifyAction(p ActionPayload) (string, error) {
	if p.PublicKey == "" || p.Signature == "" || p.Action == "" || p.Timestamp == 0 {
		return "", ErrMissingFields
	}
	if err := v.checkFreshness(p.Timestamp); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("%s:%s:%s:%d", p.PublicKey, p.Action, p.Data, p.Timestamp)
	if err := verifySig(p.PublicKey, p.Signature, msg); err != nil {
		return "", err
	}
	return p.PublicKey, nil
}

func (v *Verifier) checkFreshness(tsMillis int64) error {
	ts := time.UnixMilli(tsMillis)
	age := v.now().Sub(ts)
	if age > MaxAge {
		return ErrExpired
	}
	if age < -SkewTolerance {
		return ErrExpired
	}
	return nil
}

// recordNonce remembers a nonce for the freshness window and prunes old ones.
func (v *Verifier) recordNonce(key string) error {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, seen := range v.nonces {
		if now.Sub(seen) > MaxAge+SkewTolerance {
			delete(v.nonces, k)
		}
	}
	if _, ok := v.nonces[key]; ok {
		return ErrNonceReused
	}
	v.nonces[key] = now
	return nil
}

func verifySig(pubHex, sigHex, msg string) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		return ErrBadSignature
	}
	return nil
}

// SignChallenge builds a signed challenge payload for the given key pair.
// Used by clients and tests; the server only verifies.
func SignChallenge(priv ed25519.PrivateKey, nonce string, ts time.Time) ChallengePayload {
	pubHex := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	msg := fmt.Sprintf("%s:%d:%s", pubHex, ts.UnixMilli(), nonce)
	sig := ed25519.Sign(priv, []byte(msg))
	return ChallengePayload{
		PublicKey: pubHex,
		Signature: hex.EncodeToString(sig),
		Nonce:     nonce,
		Timestamp: ts.UnixMilli(),
	}
}

// SignAction builds a signed action payload for the given key pair.
func SignAction(priv ed25519.PrivateKey, action, data string, ts time.Time) ActionPayload {
	pubHex := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	msg := fmt.Sprintf("%s:%s:%s:%d", pubHex, action, data, ts.UnixMilli())
	sig := ed25519.Sign(priv, []byte(msg))
	return ActionPayload{
		PublicKey: pubHex,
		Signature: hex.EncodeToString(sig),
		Action:    action,
		Data:      data,
		Timestamp: ts.UnixMilli(),
	}
}
