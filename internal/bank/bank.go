// Package bank is the transactional façade over the ledger: it authenticates
// submitted actions, checks invariants against the current projection, and
// appends validated entries. Nothing else in the engine may call
// ledger.Append.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/identity"
	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/internal/projector"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// Invariant errors: rejected before append, no partial state change.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountFrozen       = errors.New("account is frozen")
	ErrUnknownAccount      = errors.New("account does not exist")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSelfTransfer        = errors.New("source and destination are the same account")
	ErrDuplicateAgent      = errors.New("agent id already registered")
	ErrInvalidTransition   = errors.New("account state transition not allowed")
	ErrUnauthorizedActor   = errors.New("actor not authorized for this action")
	ErrUnsupportedAction   = errors.New("unsupported action type")

	// ErrHalted is returned for every submission after an integrity error.
	// The engine never appends on top of a chain it cannot trust.
	ErrHalted = errors.New("engine halted after integrity failure")
)

// appendAttempts bounds the OutOfOrder retry loop: validate, append, and on
// a lost race revalidate once against the refreshed tip.
const appendAttempts = 2

// Bank validates and commits submitted actions.
type Bank struct {
	chain    ledger.Ledger
	verifier *identity.Verifier
	registry *identity.Registry
	proj     *projector.Projector
	system   *identity.KeyPair
	systemID string
	logger   *zap.Logger

	halted atomic.Bool

	// observer is invoked synchronously after each commit. Set during wiring,
	// before the bank accepts traffic.
	observer func(*ledger.Entry)
}

// New creates a Bank. The system keypair signs engine-originated entries
// (watchman freezes, operator unfreezes, treasury grants).
func New(chain ledger.Ledger, verifier *identity.Verifier, registry *identity.Registry, proj *projector.Projector, system *identity.KeyPair, systemID string, logger *zap.Logger) *Bank {
	return &Bank{
		chain:    chain,
		verifier: verifier,
		registry: registry,
		proj:     proj,
		system:   system,
		systemID: systemID,
		logger:   logger,
	}
}

// SetObserver registers the post-commit hook. Must be called before the bank
// accepts submissions.
func (b *Bank) SetObserver(fn func(*ledger.Entry)) { b.observer = fn }

// Halted reports whether the engine has stopped accepting writes.
func (b *Bank) Halted() bool { return b.halted.Load() }

// Halt stops all further writes. Integrity errors are fatal by design; the
// chain must be inspected and repaired out of band.
func (b *Bank) Halt(reason string) {
	if b.halted.CompareAndSwap(false, true) {
		b.logger.Error("engine halted", zap.String("reason", reason))
	}
}

// Submit authenticates, validates and commits one signed action. On success
// the returned entry is permanent; a compensating entry is the only remedy.
func (b *Bank) Submit(ctx context.Context, sa *action.SignedAction) (*ledger.Entry, error) {
	if b.halted.Load() {
		return nil, ErrHalted
	}
	if !sa.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, sa.Action)
	}

	if err := b.authenticate(sa); err != nil {
		return nil, err
	}

	// The nonce is consumed atomically with acceptance: exactly one of two
	// concurrent submissions carrying the same nonce gets past this point.
	if err := b.verifier.Consume(sa.ActorID, sa.Nonce); err != nil {
		return nil, err
	}

	entry, err := b.commit(ctx, sa)
	if err != nil {
		// A nil entry means nothing reached the chain and the nonce may be
		// reused by a corrected submission. Once an entry is committed the
		// nonce is spent, even if the post-commit refresh failed: releasing
		// it would invite a retry of a durable entry.
		if entry == nil {
			b.verifier.Release(sa.ActorID, sa.Nonce)
		}
		return nil, err
	}
	return entry, nil
}

// authenticate runs the signature-verifier gate. Registration envelopes are
// self-signed: the actor is unknown to the registry, so the signature is
// checked against the public key being registered.
func (b *Bank) authenticate(sa *action.SignedAction) error {
	if sa.Action == action.Register {
		var p action.RegisterPayload
		if err := action.DecodePayload(sa.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
		}
		if p.AgentID != sa.ActorID {
			return fmt.Errorf("%w: registration actor must match agent id", ErrUnauthorizedActor)
		}
		pub, err := identity.ParsePublicKey(p.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: %v", identity.ErrSignatureInvalid, err)
		}
		return b.verifier.VerifyWithKey(sa, pub)
	}

	if sa.Action == action.Freeze || sa.Action == action.Unfreeze {
		// State transitions are engine actions: only the system identity may
		// sign them. Operators act through the system key, so freezes and
		// unfreezes stay auditable like everything else.
		if sa.ActorID != b.systemID {
			return ErrUnauthorizedActor
		}
	}
	return b.verifier.Verify(sa)
}

// commit runs the validate-append loop. A lost serialization race refreshes
// the snapshot and revalidates once before giving up.
func (b *Bank) commit(ctx context.Context, sa *action.SignedAction) (*ledger.Entry, error) {
	payload, err := action.CanonicalizeRaw(sa.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
	}

	for attempt := 0; attempt < appendAttempts; attempt++ {
		if err := b.refresh(ctx); err != nil {
			return nil, err
		}
		snap := b.proj.Snapshot()

		if err := b.checkInvariants(sa, snap); err != nil {
			return nil, err
		}

		entry, err := b.chain.Append(ctx, ledger.Draft{
			ExpectedTip: snap.TipSequence(),
			Timestamp:   sa.Timestamp,
			TxID:        uuid.NewString(),
			ActorID:     sa.ActorID,
			Action:      sa.Action,
			Payload:     payload,
			Nonce:       sa.Nonce,
			Signature:   sa.Signature,
		})
		if errors.Is(err, ledger.ErrOutOfOrder) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := b.refresh(ctx); err != nil {
			// The entry is committed; only the projection failed. The entry
			// is returned alongside the error so Submit knows the nonce is
			// spent.
			return entry, err
		}
		if b.observer != nil {
			b.observer(entry)
		}
		b.logger.Info("entry committed",
			zap.Uint64("seq", entry.Sequence),
			zap.String("action", string(entry.Action)),
			zap.String("actor", entry.ActorID),
			zap.String("tx_id", entry.TxID),
		)
		return entry, nil
	}
	return nil, ledger.ErrOutOfOrder
}

// refresh folds newly committed entries into the projection, halting the
// engine on any integrity error.
func (b *Bank) refresh(ctx context.Context) error {
	err := b.proj.CatchUp(ctx)
	var corrupted *projector.CorruptedLedgerError
	var chainErr *ledger.ChainCorruptedError
	if errors.As(err, &corrupted) || errors.As(err, &chainErr) {
		b.Halt(err.Error())
	}
	return err
}

// checkInvariants validates the action against a snapshot. All checks happen
// before append; the projector re-asserts them defensively afterwards.
func (b *Bank) checkInvariants(sa *action.SignedAction, snap *projector.Snapshot) error {
	switch sa.Action {
	case action.Transfer, action.Lease:
		to, amount, err := movement(sa)
		if err != nil {
			return err
		}
		from, ok := snap.Account(sa.ActorID)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAccount, sa.ActorID)
		}
		if from.State != projector.Active {
			return fmt.Errorf("%w: %q", ErrAccountFrozen, sa.ActorID)
		}
		if to == sa.ActorID {
			// A self-movement nets to zero and would only pad the chain.
			return fmt.Errorf("%w: %q", ErrSelfTransfer, to)
		}
		if _, ok := snap.Account(to); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAccount, to)
		}
		if amount <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
		}
		if from.Balance < amount {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, from.Balance, amount)
		}

	case action.Register:
		var p action.RegisterPayload
		if err := action.DecodePayload(sa.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
		}
		if _, exists := snap.Account(p.AgentID); exists {
			return fmt.Errorf("%w: %q", ErrDuplicateAgent, p.AgentID)
		}

	case action.RotateKey:
		var p action.RotateKeyPayload
		if err := action.DecodePayload(sa.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
		}
		if _, err := identity.ParsePublicKey(p.NewPublicKey); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
		}
		if _, ok := snap.Account(sa.ActorID); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAccount, sa.ActorID)
		}

	case action.Freeze:
		var p action.FreezePayload
		if err := action.DecodePayload(sa.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
		}
		acct, ok := snap.Account(p.Target)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAccount, p.Target)
		}
		if acct.State != projector.Active {
			return fmt.Errorf("%w: %q is already frozen", ErrInvalidTransition, p.Target)
		}

	case action.Unfreeze:
		var p action.UnfreezePayload
		if err := action.DecodePayload(sa.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
		}
		acct, ok := snap.Account(p.Target)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAccount, p.Target)
		}
		if acct.State != projector.Frozen {
			return fmt.Errorf("%w: %q is not frozen", ErrInvalidTransition, p.Target)
		}
	}
	return nil
}

func movement(sa *action.SignedAction) (string, int64, error) {
	if sa.Action == action.Lease {
		var p action.LeasePayload
		if err := action.DecodePayload(sa.Payload, &p); err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
		}
		return p.To, p.Amount, nil
	}
	var p action.TransferPayload
	if err := action.DecodePayload(sa.Payload, &p); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnsupportedAction, err)
	}
	return p.To, p.Amount, nil
}

// signSystem builds and signs an engine-originated envelope.
func (b *Bank) signSystem(typ action.Type, payload any) (*action.SignedAction, error) {
	raw, err := action.CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode system payload: %w", err)
	}
	nonce, err := action.NewNonce()
	if err != nil {
		return nil, err
	}
	sa := &action.SignedAction{
		ActorID:   b.systemID,
		Action:    typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Nonce:     nonce,
	}
	if err := sa.Sign(b.system.Private); err != nil {
		return nil, err
	}
	return sa, nil
}

// SystemFreeze appends a freeze entry signed by the system identity, so
// watchman-triggered freezes travel the same audited path as everything else.
func (b *Bank) SystemFreeze(ctx context.Context, target, rule, reason string) (*ledger.Entry, error) {
	sa, err := b.signSystem(action.Freeze, action.FreezePayload{Target: target, Rule: rule, Reason: reason})
	if err != nil {
		return nil, err
	}
	return b.Submit(ctx, sa)
}

// SystemUnfreeze appends an unfreeze entry signed by the system identity.
// The HTTP layer gates this behind operator authentication.
func (b *Bank) SystemUnfreeze(ctx context.Context, target, reason string) (*ledger.Entry, error) {
	sa, err := b.signSystem(action.Unfreeze, action.UnfreezePayload{Target: target, Reason: reason})
	if err != nil {
		return nil, err
	}
	return b.Submit(ctx, sa)
}

// SystemGrant transfers credits out of the system treasury. Used by the
// operator surface to fund newly registered agents.
func (b *Bank) SystemGrant(ctx context.Context, to string, amount int64, memo string) (*ledger.Entry, error) {
	sa, err := b.signSystem(action.Transfer, action.TransferPayload{To: to, Amount: amount, Memo: memo})
	if err != nil {
		return nil, err
	}
	return b.Submit(ctx, sa)
}
