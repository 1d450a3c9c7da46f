package watchman_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/bank"
	"github.com/kimeisele/steward-protocol-sub001/internal/identity"
	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/internal/projector"
	"github.com/kimeisele/steward-protocol-sub001/internal/watchman"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

var ctx = context.Background()

const systemID = "steward-system"

type harness struct {
	bank *bank.Bank
	proj *projector.Projector
	keys map[string]*identity.KeyPair
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	system, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	chain, err := ledger.NewMemory(action.GenesisPayload{
		TotalSupply:     1_000_000,
		SystemID:        systemID,
		SystemPublicKey: system.PublicKeyHex,
	})
	if err != nil {
		t.Fatal(err)
	}
	registry := identity.NewRegistry()
	proj := projector.New(chain)
	proj.OnApply(registry.Apply)
	if err := proj.CatchUp(ctx); err != nil {
		t.Fatal(err)
	}
	verifier := identity.NewVerifier(registry, 0)
	b := bank.New(chain, verifier, registry, proj, system, systemID, zap.NewNop())
	return &harness{bank: b, proj: proj, keys: map[string]*identity.KeyPair{systemID: system}}
}

func (h *harness) register(t *testing.T, agentID string, funding int64) {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	h.keys[agentID] = kp
	raw, _ := action.CanonicalJSON(action.RegisterPayload{AgentID: agentID, PublicKey: kp.PublicKeyHex})
	nonce, _ := action.NewNonce()
	sa := &action.SignedAction{ActorID: agentID, Action: action.Register, Payload: raw, Timestamp: time.Now().UTC(), Nonce: nonce}
	if err := sa.Sign(kp.Private); err != nil {
		t.Fatal(err)
	}
	if _, err := h.bank.Submit(ctx, sa); err != nil {
		t.Fatal(err)
	}
	if funding > 0 {
		if _, err := h.bank.SystemGrant(ctx, agentID, funding, "seed"); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) transfer(t *testing.T, from, to string, amount int64) (*ledger.Entry, error) {
	t.Helper()
	raw, _ := action.CanonicalJSON(action.TransferPayload{To: to, Amount: amount})
	nonce, _ := action.NewNonce()
	sa := &action.SignedAction{ActorID: from, Action: action.Transfer, Payload: raw, Timestamp: time.Now().UTC(), Nonce: nonce}
	if err := sa.Sign(h.keys[from].Private); err != nil {
		t.Fatal(err)
	}
	return h.bank.Submit(ctx, sa)
}

func (h *harness) lease(t *testing.T, from, to string, amount int64) (*ledger.Entry, error) {
	t.Helper()
	raw, _ := action.CanonicalJSON(action.LeasePayload{To: to, Amount: amount, TermSeconds: 60})
	nonce, _ := action.NewNonce()
	sa := &action.SignedAction{ActorID: from, Action: action.Lease, Payload: raw, Timestamp: time.Now().UTC(), Nonce: nonce}
	if err := sa.Sign(h.keys[from].Private); err != nil {
		t.Fatal(err)
	}
	return h.bank.Submit(ctx, sa)
}

func TestEvaluate_frequencyCap(t *testing.T) {
	h := newHarness(t)
	h.register(t, "science", 1000)
	h.register(t, "vault", 0)

	w := watchman.New([]watchman.Rule{
		{Name: "transfer-frequency", Action: "transfer", MaxPerMinute: 3},
	}, h.bank, h.proj, zap.NewNop())

	var violations []watchman.Violation
	for i := 0; i < 4; i++ {
		e, err := h.transfer(t, "science", "vault", 1)
		if err != nil {
			t.Fatal(err)
		}
		violations = w.Evaluate(e)
	}

	if len(violations) != 1 {
		t.Fatalf("expected 1 violation on the 4th transfer, got %d", len(violations))
	}
	if violations[0].Rule != "transfer-frequency" || violations[0].ActorID != "science" {
		t.Errorf("unexpected violation: %+v", violations[0])
	}
}

func TestEvaluate_unscopedCapCountsMovementsTogether(t *testing.T) {
	h := newHarness(t)
	h.register(t, "science", 1000)
	h.register(t, "vault", 0)

	w := watchman.New([]watchman.Rule{
		{Name: "movement-frequency", MaxPerMinute: 3},
	}, h.bank, h.proj, zap.NewNop())

	// Two transfers and a lease sit at the cap; transfers and leases count
	// against an unscoped rule together.
	for i := 0; i < 2; i++ {
		e, err := h.transfer(t, "science", "vault", 1)
		if err != nil {
			t.Fatal(err)
		}
		if v := w.Evaluate(e); len(v) != 0 {
			t.Fatalf("unexpected violation on transfer %d: %+v", i, v)
		}
	}
	e, err := h.lease(t, "science", "vault", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v := w.Evaluate(e); len(v) != 0 {
		t.Fatalf("unexpected violation at the cap: %+v", v)
	}

	// The fourth movement, a second lease, tips the combined rate over.
	e, err = h.lease(t, "science", "vault", 1)
	if err != nil {
		t.Fatal(err)
	}
	v := w.Evaluate(e)
	if len(v) != 1 || v[0].Rule != "movement-frequency" || v[0].ActorID != "science" {
		t.Fatalf("expected movement-frequency violation, got %+v", v)
	}
}

func TestEvaluate_windowExpires(t *testing.T) {
	h := newHarness(t)
	h.register(t, "science", 1000)
	h.register(t, "vault", 0)

	w := watchman.New([]watchman.Rule{
		{Name: "transfer-frequency", Action: "transfer", MaxPerMinute: 2},
	}, h.bank, h.proj, zap.NewNop())

	base := time.Now()
	w.SetNow(func() time.Time { return base })
	for i := 0; i < 2; i++ {
		e, err := h.transfer(t, "science", "vault", 1)
		if err != nil {
			t.Fatal(err)
		}
		if v := w.Evaluate(e); len(v) != 0 {
			t.Fatalf("unexpected violation at %d: %+v", i, v)
		}
	}

	// Two minutes later the window is empty again.
	w.SetNow(func() time.Time { return base.Add(2 * time.Minute) })
	e, err := h.transfer(t, "science", "vault", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v := w.Evaluate(e); len(v) != 0 {
		t.Errorf("violation after window expired: %+v", v)
	}
}

func TestEvaluate_amountCap(t *testing.T) {
	h := newHarness(t)
	h.register(t, "science", 1000)
	h.register(t, "vault", 0)

	w := watchman.New([]watchman.Rule{
		{Name: "large-transfer", MaxAmount: 100},
	}, h.bank, h.proj, zap.NewNop())

	e, err := h.transfer(t, "science", "vault", 500)
	if err != nil {
		t.Fatal(err)
	}
	v := w.Evaluate(e)
	if len(v) != 1 || v[0].Rule != "large-transfer" {
		t.Fatalf("expected large-transfer violation, got %+v", v)
	}
}

func TestEnforcement_freezesThenRejects(t *testing.T) {
	h := newHarness(t)
	h.register(t, "science", 1000)
	h.register(t, "vault", 0)

	w := watchman.New([]watchman.Rule{
		{Name: "transfer-frequency", Action: "transfer", MaxPerMinute: 2},
	}, h.bank, h.proj, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(runCtx)
	}()
	h.bank.SetObserver(w.Observe)

	// Third transfer trips the cap; the watchman appends a freeze entry.
	for i := 0; i < 3; i++ {
		if _, err := h.transfer(t, "science", "vault", 1); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		acct, _ := h.proj.Snapshot().Account("science")
		if acct.State == projector.Frozen {
			break
		}
		select {
		case <-deadline:
			t.Fatal("science was never frozen")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The frozen account's next transfer is rejected before any ledger write.
	_, err := h.transfer(t, "science", "vault", 1)
	if !errors.Is(err, bank.ErrAccountFrozen) {
		t.Errorf("expected ErrAccountFrozen, got %v", err)
	}

	cancel()
	<-done
}

func TestEvaluate_freezeEntriesExempt(t *testing.T) {
	h := newHarness(t)
	h.register(t, "science", 100)

	w := watchman.New([]watchman.Rule{
		{Name: "everything", MaxPerMinute: 1},
	}, h.bank, h.proj, zap.NewNop())

	e, err := h.bank.SystemFreeze(ctx, "science", "manual", "test")
	if err != nil {
		t.Fatal(err)
	}
	if v := w.Evaluate(e); len(v) != 0 {
		t.Errorf("freeze entry itself triggered rules: %+v", v)
	}
}
