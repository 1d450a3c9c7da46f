// Package projector folds ledger entries into current account balances and
// states. The fold is deterministic: rebuilding from sequence 0 always
// reproduces the same snapshot as incremental application, which is the core
// testable property of the whole engine.
//
// Snapshots are immutable per-version data. Apply builds a fresh copy and
// swaps an atomic pointer, so readers never block writers and a reader always
// observes a consistent committed prefix of the chain.
package projector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
)

// State is an account's lifecycle state.
type State string

const (
	Active State = "active"
	Frozen State = "frozen"
)

// Account is derived, never stored authoritatively. Retired agents keep a
// frozen account forever; accounts are never deleted.
type Account struct {
	AgentID      string `json:"agent_id"`
	Balance      int64  `json:"balance"`
	State        State  `json:"state"`
	LastSequence uint64 `json:"last_sequence"`
}

// CorruptedLedgerError is fatal and not retryable: the fold hit an entry that
// violates an invariant the Bank enforces before append, which means the
// chain was tampered with or a serialization bug shipped.
type CorruptedLedgerError struct {
	Sequence uint64
	Reason   string
}

func (e *CorruptedLedgerError) Error() string {
	return fmt.Sprintf("corrupted ledger at sequence %d: %s", e.Sequence, e.Reason)
}

// Snapshot is one immutable version of the projected state. NextSequence is
// the sequence the next entry must carry; the snapshot reflects the chain
// prefix [0, NextSequence).
type Snapshot struct {
	NextSequence uint64
	TotalSupply  int64

	accounts map[string]Account
}

// TipSequence returns the last applied sequence. Only meaningful once the
// genesis entry has been applied, which holds for every snapshot the engine
// hands out.
func (s *Snapshot) TipSequence() uint64 { return s.NextSequence - 1 }

// Account returns the projected account for agentID.
func (s *Snapshot) Account(agentID string) (Account, bool) {
	a, ok := s.accounts[agentID]
	return a, ok
}

// Accounts returns all accounts ordered by agent ID.
func (s *Snapshot) Accounts() []Account {
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Sum returns the total of all account balances. On a healthy chain it
// equals TotalSupply after every entry.
func (s *Snapshot) Sum() int64 {
	var sum int64
	for _, a := range s.accounts {
		sum += a.Balance
	}
	return sum
}

// Projector maintains the current snapshot and can rebuild it from the
// chain. Apply calls are serialised; Snapshot is lock-free for readers.
type Projector struct {
	reader ledger.Reader

	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	listeners []func(*ledger.Entry)
}

// New creates a Projector over the given chain reader with an empty
// snapshot. Callers normally CatchUp immediately to fold the existing chain.
func New(reader ledger.Reader) *Projector {
	p := &Projector{reader: reader}
	p.current.Store(&Snapshot{accounts: make(map[string]Account)})
	return p
}

// Snapshot returns the current immutable snapshot.
func (p *Projector) Snapshot() *Snapshot {
	return p.current.Load()
}

// OnApply registers a hook invoked for every entry folded into the
// projection, in sequence order. The identity registry subscribes here so
// key bindings advance in lockstep with account state. Must be called during
// wiring, before entries flow.
func (p *Projector) OnApply(fn func(*ledger.Entry)) {
	p.listeners = append(p.listeners, fn)
}

// Apply folds one entry into a new snapshot version. Entries already applied
// are ignored; an entry beyond the next expected sequence is an ordering bug
// and is rejected.
func (p *Projector) Apply(e *ledger.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyLocked(e)
}

func (p *Projector) applyLocked(e *ledger.Entry) error {
	curr := p.current.Load()
	if e.Sequence < curr.NextSequence {
		return nil // already applied
	}
	if e.Sequence > curr.NextSequence {
		return fmt.Errorf("projector: entry %d applied out of order, expected %d", e.Sequence, curr.NextSequence)
	}

	next, err := foldEntry(curr, e)
	if err != nil {
		return err
	}
	p.current.Store(next)
	for _, fn := range p.listeners {
		fn(e)
	}
	return nil
}

// CatchUp reads and applies every committed entry the snapshot has not seen
// yet. It is idempotent and safe to call concurrently: appends racing past
// the snapshot are simply folded in sequence order.
func (p *Projector) CatchUp(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.current.Load().NextSequence
	entries, err := p.reader.Read(ctx, from, 0)
	if err != nil {
		return fmt.Errorf("projector: read chain from %d: %w", from, err)
	}
	for _, e := range entries {
		if err := p.applyLocked(e); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild folds the whole chain from sequence 0 into a fresh snapshot
// without touching the incrementally maintained one.
func (p *Projector) Rebuild(ctx context.Context) (*Snapshot, error) {
	entries, err := p.reader.Read(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("projector: read chain: %w", err)
	}
	snap := &Snapshot{accounts: make(map[string]Account)}
	for _, e := range entries {
		if snap, err = foldEntry(snap, e); err != nil {
			return nil, err
		}
	}
	return snap, nil
}
