package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation. It is used
// by the test suite and by single-process deployments that accept losing the
// chain on restart.
//
// Reads take a snapshot of the entries slice under RLock; entries themselves
// are immutable after append, so readers always observe a consistent prefix
// of the chain without blocking a concurrent writer for longer than the
// slice copy.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
}

// GenesisDraft builds the sequence-0 draft that mints the credit supply and
// binds the system identity. Both ledger implementations seal genesis through
// the same path as every other entry.
func GenesisDraft(g action.GenesisPayload, at time.Time) (Draft, error) {
	payload, err := action.CanonicalJSON(g)
	if err != nil {
		return Draft{}, fmt.Errorf("encode genesis payload: %w", err)
	}
	return Draft{
		Timestamp: at.UTC(),
		TxID:      uuid.NewString(),
		ActorID:   g.SystemID,
		Action:    action.Genesis,
		Payload:   payload,
	}, nil
}

// NewMemory creates a MemoryLedger whose chain starts with the given genesis
// configuration.
func NewMemory(g action.GenesisPayload) (*MemoryLedger, error) {
	draft, err := GenesisDraft(g, time.Now())
	if err != nil {
		return nil, err
	}
	l := &MemoryLedger{}
	l.entries = append(l.entries, seal(draft, 0, GenesisPrevHash))
	return l, nil
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, draft Draft) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tip := l.entries[len(l.entries)-1]
	if draft.ExpectedTip != tip.Sequence {
		return nil, ErrOutOfOrder
	}

	entry := seal(draft, tip.Sequence+1, tip.Hash)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Get implements Reader.
func (l *MemoryLedger) Get(_ context.Context, sequence uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sequence >= uint64(len(l.entries)) {
		return nil, ErrNotFound
	}
	return l.entries[sequence], nil
}

// Read implements Reader.
func (l *MemoryLedger) Read(_ context.Context, from, to uint64) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	last := uint64(len(l.entries) - 1)
	if to == 0 || to > last {
		to = last
	}
	if from > to {
		return nil, nil
	}
	out := make([]*Entry, 0, to-from+1)
	out = append(out, l.entries[from:to+1]...)
	return out, nil
}

// Tip implements Reader.
func (l *MemoryLedger) Tip(_ context.Context) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1], nil
}

// Len implements Reader.
func (l *MemoryLedger) Len(_ context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)), nil
}

// VerifyChain implements Reader.
func (l *MemoryLedger) VerifyChain(ctx context.Context, from, to uint64) error {
	entries, err := l.Read(ctx, from, to)
	if err != nil {
		return err
	}
	return verifyRange(entries, from)
}

// verifyRange checks hash-chain consistency of consecutive entries starting
// at sequence from. Shared by both ledger implementations.
func verifyRange(entries []*Entry, from uint64) error {
	var prev *Entry
	for _, curr := range entries {
		if from > 0 && prev == nil {
			// Mid-chain start: trust the stored PrevHash, verify content hash.
			if got := hashEntry(curr); got != curr.Hash {
				return &ChainCorruptedError{Sequence: curr.Sequence, Reason: "entry hash does not match canonical content"}
			}
			prev = curr
			continue
		}
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}
