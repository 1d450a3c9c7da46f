// Package oracle is the read-only introspection layer. It reconstructs
// derived state and human-readable explanations from the raw chain and the
// account projection, and never writes: it holds a ledger.Reader, so the
// append path is structurally out of reach.
//
// Every query returns a Report pairing a narrative with the raw entries it
// was built from, so a caller can verify the narrative's claims against the
// primary data.
package oracle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/internal/projector"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// Report is the dual output of every oracle query: a template-filled
// narrative and the matched raw entries backing it.
type Report struct {
	Query     string          `json:"query"`
	Narrative string          `json:"narrative"`
	Entries   []*ledger.Entry `json:"entries"`
}

// Snapshotter supplies the current account projection.
type Snapshotter interface {
	Snapshot() *projector.Snapshot
}

// Oracle answers explanation queries over the chain.
type Oracle struct {
	reader ledger.Reader
	snaps  Snapshotter
	logger *zap.Logger
}

// New creates an Oracle. The reader must be the ledger's read-only view.
func New(reader ledger.Reader, snaps Snapshotter, logger *zap.Logger) *Oracle {
	return &Oracle{reader: reader, snaps: snaps, logger: logger}
}

// ExplainAgent summarises an agent's account and the entries that touched it.
func (o *Oracle) ExplainAgent(ctx context.Context, agentID string) (*Report, error) {
	report := &Report{Query: fmt.Sprintf("explain_agent(%s)", agentID)}

	snap := o.snaps.Snapshot()
	acct, ok := snap.Account(agentID)
	if !ok {
		report.Narrative = fmt.Sprintf("No account exists for agent %q. It has never been registered.", agentID)
		return report, nil
	}

	entries, err := o.entriesTouching(ctx, agentID, 0)
	if err != nil {
		return nil, err
	}
	report.Entries = entries

	var sent, received, moves int64
	for _, e := range entries {
		to, amount := movementOf(e)
		switch {
		case e.ActorID == agentID && amount > 0:
			sent += amount
			moves++
		case to == agentID && amount > 0:
			received += amount
			moves++
		}
	}

	report.Narrative = fmt.Sprintf(
		"Agent %q is %s with a balance of %d credits as of sequence %d. "+
			"It appears in %d ledger entries: %d credit movements totalling %d sent and %d received.",
		agentID, acct.State, acct.Balance, snap.TipSequence(),
		len(entries), moves, sent, received,
	)
	return report, nil
}

// TraceTransaction locates the entry committed under the given transaction
// id and explains what it did.
func (o *Oracle) TraceTransaction(ctx context.Context, txID string) (*Report, error) {
	report := &Report{Query: fmt.Sprintf("trace_transaction(%s)", txID)}

	entries, err := o.reader.Read(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("oracle: read chain: %w", err)
	}
	for _, e := range entries {
		if e.TxID != txID {
			continue
		}
		report.Entries = []*ledger.Entry{e}
		to, amount := movementOf(e)
		switch e.Action {
		case action.Transfer, action.Lease:
			report.Narrative = fmt.Sprintf(
				"Transaction %s is a %s of %d credits from %q to %q, committed at sequence %d on %s. Entry hash %s.",
				txID, e.Action, amount, e.ActorID, to, e.Sequence,
				e.Timestamp.Format(time.RFC3339), e.Hash,
			)
		default:
			report.Narrative = fmt.Sprintf(
				"Transaction %s is a %s entry by %q, committed at sequence %d on %s. Entry hash %s.",
				txID, e.Action, e.ActorID, e.Sequence,
				e.Timestamp.Format(time.RFC3339), e.Hash,
			)
		}
		return report, nil
	}

	report.Narrative = fmt.Sprintf("No committed entry carries transaction id %s.", txID)
	return report, nil
}

// ExplainFreeze reports why an agent is frozen, or that no freeze exists.
func (o *Oracle) ExplainFreeze(ctx context.Context, agentID string) (*Report, error) {
	report := &Report{Query: fmt.Sprintf("explain_freeze(%s)", agentID)}

	entries, err := o.reader.Read(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("oracle: read chain: %w", err)
	}

	var freezes []*ledger.Entry
	for _, e := range entries {
		if e.Action != action.Freeze && e.Action != action.Unfreeze {
			continue
		}
		var target string
		if e.Action == action.Freeze {
			var p action.FreezePayload
			if action.DecodePayload(e.Payload, &p) == nil {
				target = p.Target
			}
		} else {
			var p action.UnfreezePayload
			if action.DecodePayload(e.Payload, &p) == nil {
				target = p.Target
			}
		}
		if target == agentID {
			freezes = append(freezes, e)
		}
	}

	if len(freezes) == 0 {
		report.Narrative = fmt.Sprintf("No freeze recorded for agent %q.", agentID)
		return report, nil
	}
	report.Entries = freezes

	last := freezes[len(freezes)-1]
	if last.Action == action.Unfreeze {
		var p action.UnfreezePayload
		_ = action.DecodePayload(last.Payload, &p)
		report.Narrative = fmt.Sprintf(
			"Agent %q is currently active. Its most recent state change is an unfreeze at sequence %d (%s). %d freeze-related entries exist in total.",
			agentID, last.Sequence, p.Reason, len(freezes),
		)
		return report, nil
	}

	var p action.FreezePayload
	_ = action.DecodePayload(last.Payload, &p)
	ruleNote := ""
	if p.Rule != "" {
		ruleNote = fmt.Sprintf(" under rule %q", p.Rule)
	}
	report.Narrative = fmt.Sprintf(
		"Agent %q was frozen at sequence %d%s: %s. The freeze was proposed by %q and remains in effect.",
		agentID, last.Sequence, ruleNote, p.Reason, last.ActorID,
	)
	return report, nil
}

// HealthSummary reports chain length, integrity, and aggregate account state.
func (o *Oracle) HealthSummary(ctx context.Context) (*Report, error) {
	report := &Report{Query: "health_summary()"}

	n, err := o.reader.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle: chain length: %w", err)
	}
	integrity := "intact"
	if err := o.reader.VerifyChain(ctx, 0, 0); err != nil {
		integrity = fmt.Sprintf("CORRUPTED (%v)", err)
	}

	snap := o.snaps.Snapshot()
	var frozen int
	for _, a := range snap.Accounts() {
		if a.State == projector.Frozen {
			frozen++
		}
	}

	report.Narrative = fmt.Sprintf(
		"Ledger holds %d entries; hash chain is %s. %d accounts projected, %d frozen. "+
			"Balances sum to %d against a supply of %d.",
		n, integrity, len(snap.Accounts()), frozen, snap.Sum(), snap.TotalSupply,
	)
	return report, nil
}

// entriesTouching returns every entry where agentID is the actor or the
// credit destination, starting at from.
func (o *Oracle) entriesTouching(ctx context.Context, agentID string, from uint64) ([]*ledger.Entry, error) {
	entries, err := o.reader.Read(ctx, from, 0)
	if err != nil {
		return nil, fmt.Errorf("oracle: read chain: %w", err)
	}
	var out []*ledger.Entry
	for _, e := range entries {
		to, _ := movementOf(e)
		if e.ActorID == agentID || to == agentID || registersAgent(e, agentID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func registersAgent(e *ledger.Entry, agentID string) bool {
	if e.Action != action.Register {
		return false
	}
	var p action.RegisterPayload
	if err := action.DecodePayload(e.Payload, &p); err != nil {
		return false
	}
	return p.AgentID == agentID
}

func movementOf(e *ledger.Entry) (string, int64) {
	switch e.Action {
	case action.Transfer:
		var p action.TransferPayload
		if action.DecodePayload(e.Payload, &p) == nil {
			return p.To, p.Amount
		}
	case action.Lease:
		var p action.LeasePayload
		if action.DecodePayload(e.Payload, &p) == nil {
			return p.To, p.Amount
		}
	}
	return "", 0
}
