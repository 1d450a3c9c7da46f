package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrOutOfOrder reports that a concurrent writer advanced the chain past the
// draft's expected tip. The caller must refresh its view and retry.
var ErrOutOfOrder = errors.New("ledger append out of order: chain tip has advanced")

// ErrNotFound reports that no entry exists at the requested sequence.
var ErrNotFound = errors.New("ledger entry not found")

// ChainCorruptedError is fatal: the hash chain failed verification at
// Sequence. No further writes may be accepted on a corrupted chain.
type ChainCorruptedError struct {
	Sequence uint64
	Reason   string
}

func (e *ChainCorruptedError) Error() string {
	return fmt.Sprintf("ledger chain corrupted at sequence %d: %s", e.Sequence, e.Reason)
}

// Reader is the read-only view of the chain. The Oracle holds a Reader and
// structurally cannot append.
type Reader interface {
	// Get returns the entry at the given sequence, or ErrNotFound.
	Get(ctx context.Context, sequence uint64) (*Entry, error)

	// Read returns entries in [from, to] inclusive, in sequence order.
	// to == 0 means "through the current tip".
	Read(ctx context.Context, from, to uint64) ([]*Entry, error)

	// Tip returns the most recent entry. A ledger always has at least the
	// genesis entry, so Tip never reports ErrNotFound on a healthy chain.
	Tip(ctx context.Context) (*Entry, error)

	// Len returns the total number of entries, including genesis.
	Len(ctx context.Context) (uint64, error)

	// VerifyChain recomputes every hash in [from, to] (to == 0 meaning tip)
	// and returns a *ChainCorruptedError naming the first divergent sequence
	// if any entry fails. Verification from a non-zero sequence trusts the
	// stored PrevHash of the first entry in range.
	VerifyChain(ctx context.Context, from, to uint64) error
}

// Ledger is the full chain interface: a Reader plus the single append path.
type Ledger interface {
	Reader

	// Append seals the draft onto the chain and durably persists it before
	// returning. It fails with ErrOutOfOrder if the tip no longer matches
	// draft.ExpectedTip. Content validation is the caller's job; the ledger
	// only assigns Sequence, PrevHash and Hash.
	Append(ctx context.Context, draft Draft) (*Entry, error)
}
