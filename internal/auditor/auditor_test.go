package auditor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/auditor"
	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

var ctx = context.Background()

type recordingHalter struct {
	reason string
}

func (h *recordingHalter) Halt(reason string) { h.reason = reason }

func seededLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	l, err := ledger.NewMemory(action.GenesisPayload{TotalSupply: 1000, SystemID: "steward-system", SystemPublicKey: "00"})
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"a", "b"} {
		raw, _ := action.CanonicalJSON(action.RegisterPayload{AgentID: id, PublicKey: "aa"})
		if _, err := l.Append(ctx, ledger.Draft{
			ExpectedTip: uint64(i),
			Timestamp:   time.Now(),
			TxID:        uuid.NewString(),
			ActorID:     id,
			Action:      action.Register,
			Payload:     raw,
		}); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

func TestVerify_cleanChain(t *testing.T) {
	l := seededLedger(t)
	h := &recordingHalter{}
	a := auditor.New(l, h, auditor.Config{}, zap.NewNop())

	if err := a.Verify(ctx); err != nil {
		t.Errorf("clean chain failed verification: %v", err)
	}
	if h.reason != "" {
		t.Errorf("halter invoked on clean chain: %q", h.reason)
	}
}

func TestVerify_haltsOnCorruption(t *testing.T) {
	l := seededLedger(t)
	victim, err := l.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	victim.Payload = json.RawMessage(`{"agent_id":"a","public_key":"ff"}`)

	h := &recordingHalter{}
	a := auditor.New(l, h, auditor.Config{}, zap.NewNop())

	if err := a.Verify(ctx); err == nil {
		t.Fatal("corrupted chain passed verification")
	}
	if h.reason == "" {
		t.Error("halter not invoked on corruption")
	}
}
