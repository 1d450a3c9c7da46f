package projector

import (
	"fmt"

	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// foldEntry applies one entry to a snapshot, returning a new version. It
// re-asserts every invariant the Bank checked before append; a violation
// here means the chain is not the one the Bank wrote.
func foldEntry(curr *Snapshot, e *ledger.Entry) (*Snapshot, error) {
	next := &Snapshot{
		NextSequence: e.Sequence + 1,
		TotalSupply:  curr.TotalSupply,
		accounts:     make(map[string]Account, len(curr.accounts)+1),
	}
	for id, a := range curr.accounts {
		next.accounts[id] = a
	}

	corrupt := func(format string, args ...any) error {
		return &CorruptedLedgerError{Sequence: e.Sequence, Reason: fmt.Sprintf(format, args...)}
	}

	switch e.Action {
	case action.Genesis:
		var g action.GenesisPayload
		if err := action.DecodePayload(e.Payload, &g); err != nil {
			return nil, corrupt("malformed genesis payload: %v", err)
		}
		if g.TotalSupply <= 0 {
			return nil, corrupt("non-positive total supply %d", g.TotalSupply)
		}
		next.TotalSupply = g.TotalSupply
		next.accounts[g.SystemID] = Account{
			AgentID:      g.SystemID,
			Balance:      g.TotalSupply,
			State:        Active,
			LastSequence: e.Sequence,
		}

	case action.Register:
		var p action.RegisterPayload
		if err := action.DecodePayload(e.Payload, &p); err != nil {
			return nil, corrupt("malformed register payload: %v", err)
		}
		if _, exists := next.accounts[p.AgentID]; exists {
			return nil, corrupt("duplicate registration of %q", p.AgentID)
		}
		next.accounts[p.AgentID] = Account{
			AgentID:      p.AgentID,
			State:        Active,
			LastSequence: e.Sequence,
		}

	case action.RotateKey:
		acct, ok := next.accounts[e.ActorID]
		if !ok {
			return nil, corrupt("key rotation for unknown account %q", e.ActorID)
		}
		acct.LastSequence = e.Sequence
		next.accounts[e.ActorID] = acct

	case action.Transfer, action.Lease:
		to, amount, err := movementOf(e)
		if err != nil {
			return nil, corrupt("%v", err)
		}
		from, ok := next.accounts[e.ActorID]
		if !ok {
			return nil, corrupt("debit of unknown account %q", e.ActorID)
		}
		dest, ok := next.accounts[to]
		if !ok {
			return nil, corrupt("credit of unknown account %q", to)
		}
		if from.State != Active {
			return nil, corrupt("debit of frozen account %q", e.ActorID)
		}
		if amount <= 0 {
			return nil, corrupt("non-positive amount %d", amount)
		}
		if from.Balance < amount {
			return nil, corrupt("debit would drive %q negative: balance %d, amount %d", e.ActorID, from.Balance, amount)
		}
		if to == e.ActorID {
			// Debit and credit land on the same account: no balance change,
			// only the activity marker advances. The Bank rejects these, but
			// the fold must replay any committed chain without inventing or
			// destroying credits.
			from.LastSequence = e.Sequence
			next.accounts[e.ActorID] = from
			break
		}
		from.Balance -= amount
		from.LastSequence = e.Sequence
		dest.Balance += amount
		dest.LastSequence = e.Sequence
		next.accounts[e.ActorID] = from
		next.accounts[to] = dest

	case action.Freeze:
		var p action.FreezePayload
		if err := action.DecodePayload(e.Payload, &p); err != nil {
			return nil, corrupt("malformed freeze payload: %v", err)
		}
		acct, ok := next.accounts[p.Target]
		if !ok {
			return nil, corrupt("freeze of unknown account %q", p.Target)
		}
		acct.State = Frozen
		acct.LastSequence = e.Sequence
		next.accounts[p.Target] = acct

	case action.Unfreeze:
		var p action.UnfreezePayload
		if err := action.DecodePayload(e.Payload, &p); err != nil {
			return nil, corrupt("malformed unfreeze payload: %v", err)
		}
		acct, ok := next.accounts[p.Target]
		if !ok {
			return nil, corrupt("unfreeze of unknown account %q", p.Target)
		}
		acct.State = Active
		acct.LastSequence = e.Sequence
		next.accounts[p.Target] = acct

	default:
		return nil, corrupt("unknown action type %q", e.Action)
	}

	// Conservation: credits are neither created nor destroyed after genesis.
	if sum := next.Sum(); sum != next.TotalSupply {
		return nil, corrupt("conservation violated: balances sum to %d, supply is %d", sum, next.TotalSupply)
	}
	return next, nil
}

// movementOf extracts the destination and amount of a transfer or lease.
func movementOf(e *ledger.Entry) (string, int64, error) {
	if e.Action == action.Lease {
		var p action.LeasePayload
		if err := action.DecodePayload(e.Payload, &p); err != nil {
			return "", 0, fmt.Errorf("malformed lease payload: %w", err)
		}
		return p.To, p.Amount, nil
	}
	var p action.TransferPayload
	if err := action.DecodePayload(e.Payload, &p); err != nil {
		return "", 0, fmt.Errorf("malformed transfer payload: %w", err)
	}
	return p.To, p.Amount, nil
}
