package identity_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kimeisele/steward-protocol-sub001/internal/identity"
	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

func registryWith(t *testing.T, agentID string) (*identity.Registry, *identity.KeyPair) {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := action.CanonicalJSON(action.RegisterPayload{AgentID: agentID, PublicKey: kp.PublicKeyHex})
	reg := identity.NewRegistry()
	reg.Apply(&ledger.Entry{
		Sequence:  1,
		Timestamp: time.Now().UTC(),
		ActorID:   agentID,
		Action:    action.Register,
		Payload:   payload,
	})
	return reg, kp
}

func signedTransfer(t *testing.T, kp *identity.KeyPair, actor string) *action.SignedAction {
	t.Helper()
	payload, _ := action.CanonicalJSON(action.TransferPayload{To: "vault", Amount: 5})
	nonce, err := action.NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	sa := &action.SignedAction{
		ActorID:   actor,
		Action:    action.Transfer,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Nonce:     nonce,
	}
	if err := sa.Sign(kp.Private); err != nil {
		t.Fatal(err)
	}
	return sa
}

func TestVerify_acceptsValidAction(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	if err := v.Verify(signedTransfer(t, kp, "science")); err != nil {
		t.Errorf("valid action rejected: %v", err)
	}
}

func TestVerify_signatureInvariantToEncodingNoise(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	sa := signedTransfer(t, kp, "science")
	// Re-order and re-space the payload JSON; the signature must still verify.
	sa.Payload = json.RawMessage("{ \"amount\": 5,   \"to\": \"vault\" }")
	if err := v.Verify(sa); err != nil {
		t.Errorf("encoding noise broke verification: %v", err)
	}
}

func TestVerify_unknownActor(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	err := v.Verify(signedTransfer(t, kp, "ghost"))
	if !errors.Is(err, identity.ErrUnknownActor) {
		t.Errorf("expected ErrUnknownActor, got %v", err)
	}
}

func TestVerify_tamperedPayload(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	sa := signedTransfer(t, kp, "science")
	sa.Payload, _ = action.CanonicalJSON(action.TransferPayload{To: "vault", Amount: 500})
	if err := v.Verify(sa); !errors.Is(err, identity.ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerify_wrongKey(t *testing.T) {
	reg, _ := registryWith(t, "science")
	other, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	v := identity.NewVerifier(reg, 0)

	// Signed with a key that is not the registered one.
	if err := v.Verify(signedTransfer(t, other, "science")); !errors.Is(err, identity.ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerify_staleTimestamp(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	sa := signedTransfer(t, kp, "science")
	// Engine clock well past the freshness window.
	v.SetNow(func() time.Time { return time.Now().Add(identity.DefaultFreshnessWindow + time.Minute) })
	if err := v.Verify(sa); !errors.Is(err, identity.ErrStaleTimestamp) {
		t.Errorf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestVerify_futureTimestamp(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	sa := signedTransfer(t, kp, "science")
	sa.Timestamp = time.Now().Add(identity.DefaultFreshnessWindow + time.Minute)
	if err := sa.Sign(kp.Private); err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(sa); !errors.Is(err, identity.ErrStaleTimestamp) {
		t.Errorf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestConsume_rejectsReplay(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	sa := signedTransfer(t, kp, "science")
	if err := v.Consume(sa.ActorID, sa.Nonce); err != nil {
		t.Fatal(err)
	}

	// Replay of the accepted action inside the window.
	if err := v.Verify(sa); !errors.Is(err, identity.ErrNonceReused) {
		t.Errorf("expected ErrNonceReused on replay, got %v", err)
	}
	if err := v.Consume(sa.ActorID, sa.Nonce); !errors.Is(err, identity.ErrNonceReused) {
		t.Errorf("expected ErrNonceReused on concurrent consume, got %v", err)
	}
}

func TestConsume_releaseRestoresNonce(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	sa := signedTransfer(t, kp, "science")
	if err := v.Consume(sa.ActorID, sa.Nonce); err != nil {
		t.Fatal(err)
	}
	v.Release(sa.ActorID, sa.Nonce)
	if err := v.Consume(sa.ActorID, sa.Nonce); err != nil {
		t.Errorf("nonce not released: %v", err)
	}
}

func TestReplayAfterWindow_staleNotReaccepted(t *testing.T) {
	reg, kp := registryWith(t, "science")
	v := identity.NewVerifier(reg, 0)

	sa := signedTransfer(t, kp, "science")
	if err := v.Consume(sa.ActorID, sa.Nonce); err != nil {
		t.Fatal(err)
	}

	// Same signed action resubmitted after the window has elapsed: the nonce
	// may have been garbage-collected, but the timestamp check rejects it.
	v.SetNow(func() time.Time { return time.Now().Add(3 * identity.DefaultFreshnessWindow) })
	err := v.Verify(sa)
	if !errors.Is(err, identity.ErrStaleTimestamp) {
		t.Errorf("expected ErrStaleTimestamp after window, got %v", err)
	}
}

func TestRegistry_rotateKey(t *testing.T) {
	reg, kp := registryWith(t, "science")
	next, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := action.CanonicalJSON(action.RotateKeyPayload{NewPublicKey: next.PublicKeyHex})
	reg.Apply(&ledger.Entry{
		Sequence:  2,
		Timestamp: time.Now().UTC(),
		ActorID:   "science",
		Action:    action.RotateKey,
		Payload:   payload,
	})

	id, ok := reg.Lookup("science")
	if !ok {
		t.Fatal("identity lost after rotation")
	}
	if id.Rotations != 1 {
		t.Errorf("rotations: got %d, want 1", id.Rotations)
	}

	v := identity.NewVerifier(reg, 0)
	if err := v.Verify(signedTransfer(t, next, "science")); err != nil {
		t.Errorf("new key rejected after rotation: %v", err)
	}
	if err := v.Verify(signedTransfer(t, kp, "science")); !errors.Is(err, identity.ErrSignatureInvalid) {
		t.Errorf("retired key still accepted after rotation: %v", err)
	}
}
