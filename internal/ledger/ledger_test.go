package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

var ctx = context.Background()

func newLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	l, err := ledger.NewMemory(action.GenesisPayload{
		TotalSupply:     1_000_000,
		SystemID:        "steward-system",
		SystemPublicKey: "00",
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func draft(t *testing.T, expectedTip uint64, actor string, typ action.Type, payload any) ledger.Draft {
	t.Helper()
	raw, err := action.CanonicalJSON(payload)
	if err != nil {
		t.Fatal(err)
	}
	return ledger.Draft{
		ExpectedTip: expectedTip,
		Timestamp:   time.Now(),
		TxID:        uuid.NewString(),
		ActorID:     actor,
		Action:      typ,
		Payload:     raw,
		Nonce:       "n-" + uuid.NewString(),
	}
}

func TestNewMemory_genesis(t *testing.T) {
	l := newLedger(t)

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Action != action.Genesis {
		t.Errorf("expected genesis action, got %q", entry.Action)
	}
	if entry.PrevHash != ledger.GenesisPrevHash {
		t.Errorf("genesis prev_hash: got %q, want zero hash", entry.PrevHash)
	}
	if entry.Hash == "" || entry.Hash == ledger.GenesisPrevHash {
		t.Errorf("genesis hash should be computed, got %q", entry.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := newLedger(t)

	e1, err := l.Append(ctx, draft(t, 0, "science", action.Register, action.RegisterPayload{AgentID: "science", PublicKey: "aa"}))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(ctx, draft(t, 1, "vault", action.Register, action.RegisterPayload{AgentID: "vault", PublicKey: "bb"}))
	if err != nil {
		t.Fatal(err)
	}

	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Errorf("sequences: got %d, %d; want 1, 2", e1.Sequence, e2.Sequence)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
}

func TestAppend_outOfOrder(t *testing.T) {
	l := newLedger(t)

	if _, err := l.Append(ctx, draft(t, 0, "a", action.Register, action.RegisterPayload{AgentID: "a", PublicKey: "aa"})); err != nil {
		t.Fatal(err)
	}

	// Second append still claims tip 0: the chain has moved on.
	_, err := l.Append(ctx, draft(t, 0, "b", action.Register, action.RegisterPayload{AgentID: "b", PublicKey: "bb"}))
	if !errors.Is(err, ledger.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestVerifyChain_valid(t *testing.T) {
	l := newLedger(t)
	for i, id := range []string{"a", "b", "c"} {
		if _, err := l.Append(ctx, draft(t, uint64(i), id, action.Register, action.RegisterPayload{AgentID: id, PublicKey: "aa"})); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.VerifyChain(ctx, 0, 0); err != nil {
		t.Errorf("VerifyChain failed on untouched chain: %v", err)
	}
	if err := l.VerifyChain(ctx, 2, 3); err != nil {
		t.Errorf("VerifyChain failed on mid-chain range: %v", err)
	}
}

func TestVerifyChain_detectsTampering(t *testing.T) {
	l := newLedger(t)
	for i, id := range []string{"a", "b", "c"} {
		if _, err := l.Append(ctx, draft(t, uint64(i), id, action.Register, action.RegisterPayload{AgentID: id, PublicKey: "aa"})); err != nil {
			t.Fatal(err)
		}
	}

	// Alter a single byte of entry 2's payload post-hoc.
	victim, err := l.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	victim.Payload = json.RawMessage(`{"agent_id":"b","public_key":"ff"}`)

	err = l.VerifyChain(ctx, 0, 0)
	var corrupted *ledger.ChainCorruptedError
	if !errors.As(err, &corrupted) {
		t.Fatalf("expected ChainCorruptedError, got %v", err)
	}
	if corrupted.Sequence != 2 {
		t.Errorf("divergence point: got %d, want 2", corrupted.Sequence)
	}
}

func TestRead_rangeAndTip(t *testing.T) {
	l := newLedger(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		if _, err := l.Append(ctx, draft(t, uint64(i), id, action.Register, action.RegisterPayload{AgentID: id, PublicKey: "aa"})); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Read(ctx, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Sequence != 1 || entries[2].Sequence != 3 {
		t.Errorf("range bounds wrong: %d..%d", entries[0].Sequence, entries[2].Sequence)
	}

	tip, err := l.Tip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tip.Sequence != 4 {
		t.Errorf("tip sequence: got %d, want 4", tip.Sequence)
	}
}

func TestGet_notFound(t *testing.T) {
	l := newLedger(t)
	if _, err := l.Get(ctx, 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
