// Package watchman is the policy engine that inspects committed ledger
// entries against a data-driven rule set and freezes accounts that trip a
// rule. Rules are configuration, not code, so policy is auditable and can be
// changed without a rebuild.
//
// Watchman never mutates state directly: a triggered rule proposes a freeze
// entry through the Bank's system-signed append path, so every freeze is
// itself an authenticated, ordered, auditable ledger entry.
package watchman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/internal/projector"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// Rule is one policy predicate. Zero-valued limits are inactive, so a rule
// can cap frequency, amount, or both.
type Rule struct {
	Name string `mapstructure:"name"`

	// Action scopes the rule to one action type; empty matches transfers
	// and leases both.
	Action string `mapstructure:"action"`

	// MaxPerMinute caps how many matching entries one actor may commit in a
	// sliding sixty-second window. A rule scoped to one action counts that
	// action alone; an empty-Action rule counts transfers and leases
	// together.
	MaxPerMinute int `mapstructure:"max_per_minute"`

	// MaxAmount caps the amount a single matching entry may move.
	MaxAmount int64 `mapstructure:"max_amount"`
}

// Violation is a matched rule, ready to be turned into a freeze entry.
type Violation struct {
	Rule    string
	ActorID string
	Reason  string
}

// Freezer is the slice of the Bank the watchman needs. *bank.Bank satisfies it.
type Freezer interface {
	SystemFreeze(ctx context.Context, target, rule, reason string) (*ledger.Entry, error)
}

// Snapshotter supplies the current projection for the conservation check.
type Snapshotter interface {
	Snapshot() *projector.Snapshot
}

// Watchman evaluates entries against the rule set.
type Watchman struct {
	rules   []Rule
	freezer Freezer
	snaps   Snapshotter
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	recent map[string][]time.Time // actor+action → timestamps inside the window
	feed   chan *ledger.Entry
}

// New creates a Watchman with the given rule set.
func New(rules []Rule, freezer Freezer, snaps Snapshotter, logger *zap.Logger) *Watchman {
	return &Watchman{
		rules:   rules,
		freezer: freezer,
		snaps:   snaps,
		logger:  logger,
		now:     time.Now,
		recent:  make(map[string][]time.Time),
		feed:    make(chan *ledger.Entry, 256),
	}
}

// SetNow overrides the watchman's clock. Intended for tests.
func (w *Watchman) SetNow(now func() time.Time) { w.now = now }

// Observe is the Bank's post-commit hook. It never blocks the commit path:
// if the feed is full the entry is dropped from live evaluation and logged.
func (w *Watchman) Observe(e *ledger.Entry) {
	select {
	case w.feed <- e:
	default:
		w.logger.Warn("watchman feed full, entry skipped", zap.Uint64("seq", e.Sequence))
	}
}

// Run consumes the feed until ctx is cancelled, freezing actors that trip a
// rule.
func (w *Watchman) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-w.feed:
			for _, v := range w.Evaluate(e) {
				w.enforce(ctx, v)
			}
		}
	}
}

func (w *Watchman) enforce(ctx context.Context, v Violation) {
	entry, err := w.freezer.SystemFreeze(ctx, v.ActorID, v.Rule, v.Reason)
	if err != nil {
		// Already-frozen targets race benignly with a second violation.
		w.logger.Warn("freeze proposal rejected",
			zap.String("target", v.ActorID),
			zap.String("rule", v.Rule),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("account frozen",
		zap.String("target", v.ActorID),
		zap.String("rule", v.Rule),
		zap.Uint64("seq", entry.Sequence),
	)
}

// Evaluate inspects one committed entry and returns any violations. System
// entries (freeze, unfreeze, genesis) are exempt so enforcement cannot
// trigger itself.
func (w *Watchman) Evaluate(e *ledger.Entry) []Violation {
	var violations []Violation

	switch e.Action {
	case action.Transfer, action.Lease:
	default:
		return w.checkConservation(e, violations)
	}

	amount := amountOf(e)
	perAction, combined := w.record(e)

	for _, r := range w.rules {
		if r.Action != "" && r.Action != string(e.Action) {
			continue
		}
		count, scope := perAction, string(e.Action)
		if r.Action == "" {
			count, scope = combined, "movement"
		}
		if r.MaxPerMinute > 0 && count > r.MaxPerMinute {
			violations = append(violations, Violation{
				Rule:    r.Name,
				ActorID: e.ActorID,
				Reason:  fmt.Sprintf("%d %s entries in 60s exceeds cap of %d", count, scope, r.MaxPerMinute),
			})
		}
		if r.MaxAmount > 0 && amount > r.MaxAmount {
			violations = append(violations, Violation{
				Rule:    r.Name,
				ActorID: e.ActorID,
				Reason:  fmt.Sprintf("amount %d exceeds cap of %d", amount, r.MaxAmount),
			})
		}
	}
	return w.checkConservation(e, violations)
}

// checkConservation double-checks the invariant the Bank and projector
// already enforce. It should never fire; if it does, the chain or the fold
// is wrong and the operator needs to know immediately.
func (w *Watchman) checkConservation(e *ledger.Entry, violations []Violation) []Violation {
	snap := w.snaps.Snapshot()
	if snap.TotalSupply == 0 {
		return violations // projection not yet past genesis
	}
	if sum := snap.Sum(); sum != snap.TotalSupply {
		w.logger.Error("conservation invariant violated",
			zap.Int64("sum", sum),
			zap.Int64("supply", snap.TotalSupply),
			zap.Uint64("seq", e.Sequence),
		)
		violations = append(violations, Violation{
			Rule:    "conservation",
			ActorID: e.ActorID,
			Reason:  fmt.Sprintf("balances sum to %d, supply is %d", sum, snap.TotalSupply),
		})
	}
	return violations
}

// record adds the entry to the actor's sliding window and returns how many
// entries of the same action, and how many transfers and leases combined,
// the actor committed inside the last sixty seconds.
func (w *Watchman) record(e *ledger.Entry) (perAction, combined int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-time.Minute)
	for _, typ := range []action.Type{action.Transfer, action.Lease} {
		key := e.ActorID + "|" + string(typ)
		kept := w.recent[key][:0]
		for _, ts := range w.recent[key] {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if typ == e.Action {
			kept = append(kept, w.now())
		}
		w.recent[key] = kept
		if typ == e.Action {
			perAction = len(kept)
		}
		combined += len(kept)
	}
	return perAction, combined
}

func amountOf(e *ledger.Entry) int64 {
	if e.Action == action.Lease {
		var p action.LeasePayload
		if err := action.DecodePayload(e.Payload, &p); err != nil {
			return 0
		}
		return p.Amount
	}
	var p action.TransferPayload
	if err := action.DecodePayload(e.Payload, &p); err != nil {
		return 0
	}
	return p.Amount
}
