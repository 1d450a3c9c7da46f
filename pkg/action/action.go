package action

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates the action kinds a ledger entry can record.
type Type string

const (
	// Genesis is reserved for the sequence-0 entry that mints the credit
	// supply and binds the system identity. It is never accepted from callers.
	Genesis Type = "genesis"

	Transfer  Type = "transfer"
	Lease     Type = "lease"
	Freeze    Type = "freeze"
	Unfreeze  Type = "unfreeze"
	Register  Type = "register"
	RotateKey Type = "rotate_key"
)

// Valid reports whether t is a caller-submittable action type.
func (t Type) Valid() bool {
	switch t {
	case Transfer, Lease, Freeze, Unfreeze, Register, RotateKey:
		return true
	}
	return false
}

// SignedAction is the submission envelope. The signature covers the canonical
// encoding of every field except Signature itself, so verification is
// invariant to field order and whitespace in the transported JSON.
type SignedAction struct {
	ActorID   string          `json:"actor_id"`
	Action    Type            `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"` // hex-encoded Ed25519 signature
}

// SigningBytes returns the canonical byte encoding the signature is computed
// over. The timestamp is normalised to UTC RFC 3339 with nanoseconds so that
// the same instant always encodes identically.
func (a *SignedAction) SigningBytes() ([]byte, error) {
	payload, err := CanonicalizeRaw(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("action: canonicalize payload: %w", err)
	}
	var payloadVal any
	if err := json.Unmarshal(payload, &payloadVal); err != nil {
		return nil, fmt.Errorf("action: decode canonical payload: %w", err)
	}
	return CanonicalJSON(map[string]any{
		"actor_id":  a.ActorID,
		"action":    string(a.Action),
		"payload":   payloadVal,
		"timestamp": a.Timestamp.UTC().Format(time.RFC3339Nano),
		"nonce":     a.Nonce,
	})
}

// Sign computes the envelope signature with the given Ed25519 private key and
// stores it hex-encoded on the envelope.
func (a *SignedAction) Sign(priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("action: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	msg, err := a.SigningBytes()
	if err != nil {
		return err
	}
	a.Signature = hex.EncodeToString(ed25519.Sign(priv, msg))
	return nil
}

// VerifySignature checks the envelope signature against the given public key.
// It returns false for any malformed key or signature rather than an error.
func (a *SignedAction) VerifySignature(pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg, err := a.SigningBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// NewNonce returns a fresh 16-byte random nonce, hex-encoded.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("action: generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
