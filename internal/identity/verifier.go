package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// Authentication errors. Each is rejected locally, never appended, and
// reported to the caller verbatim.
var (
	ErrSignatureInvalid = errors.New("signature does not verify against the registered key")
	ErrUnknownActor     = errors.New("actor has no registered identity")
	ErrStaleTimestamp   = errors.New("action timestamp is outside the freshness window")
	ErrNonceReused      = errors.New("nonce already consumed by a prior accepted action")
)

// DefaultFreshnessWindow bounds how far a submitted action's timestamp may
// drift from engine time in either direction.
const DefaultFreshnessWindow = 5 * time.Minute

// Verifier authenticates submitted actions: signature against the registry's
// active key, timestamp inside the freshness window, and nonce not yet
// consumed. Nonce bookkeeping is the only state it mutates.
type Verifier struct {
	registry *Registry
	window   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time // "actor\x00nonce" → consumed at
}

// NewVerifier creates a Verifier over the given identity registry.
// window == 0 selects DefaultFreshnessWindow.
func NewVerifier(registry *Registry, window time.Duration) *Verifier {
	if window == 0 {
		window = DefaultFreshnessWindow
	}
	return &Verifier{
		registry: registry,
		window:   window,
		now:      time.Now,
		nonces:   make(map[string]time.Time),
	}
}

// SetNow overrides the verifier's clock. Intended for tests.
func (v *Verifier) SetNow(now func() time.Time) { v.now = now }

// Verify checks a submitted action without consuming its nonce. The key is
// resolved from the registry; for register actions — where the actor is not
// yet known — the caller verifies against the payload key via VerifyWithKey.
func (v *Verifier) Verify(a *action.SignedAction) error {
	id, ok := v.registry.Lookup(a.ActorID)
	if !ok {
		return ErrUnknownActor
	}
	return v.VerifyWithKey(a, id.PublicKey)
}

// VerifyWithKey checks freshness, replay and signature against an explicit
// public key.
func (v *Verifier) VerifyWithKey(a *action.SignedAction, pub []byte) error {
	if err := v.checkFreshness(a.Timestamp); err != nil {
		return err
	}
	v.mu.Lock()
	_, used := v.nonces[nonceKey(a.ActorID, a.Nonce)]
	v.mu.Unlock()
	if used {
		return ErrNonceReused
	}
	if !a.VerifySignature(pub) {
		return ErrSignatureInvalid
	}
	return nil
}

func (v *Verifier) checkFreshness(ts time.Time) error {
	drift := v.now().Sub(ts)
	if drift > v.window || drift < -v.window {
		return ErrStaleTimestamp
	}
	return nil
}

// Consume atomically marks (actor, nonce) as used. Exactly one of two
// concurrent submissions with the same nonce wins; the loser gets
// ErrNonceReused. Callers must Release on any failure after Consume so an
// action that never reached the ledger does not burn its nonce.
func (v *Verifier) Consume(actorID, nonce string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := nonceKey(actorID, nonce)
	if _, used := v.nonces[key]; used {
		return ErrNonceReused
	}
	v.nonces[key] = v.now()
	v.gcLocked()
	return nil
}

// Release returns a consumed nonce after a failed append.
func (v *Verifier) Release(actorID, nonce string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.nonces, nonceKey(actorID, nonce))
}

// gcLocked drops nonces older than the freshness window: any replay carrying
// them is already rejected as stale, so keeping them is pure memory cost.
func (v *Verifier) gcLocked() {
	cutoff := v.now().Add(-2 * v.window)
	for key, at := range v.nonces {
		if at.Before(cutoff) {
			delete(v.nonces, key)
		}
	}
}

func nonceKey(actorID, nonce string) string {
	return fmt.Sprintf("%s\x00%s", actorID, nonce)
}
