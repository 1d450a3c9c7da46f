// Package auditor runs periodic integrity checks over the hash chain. It is
// the background counterpart of ledger.VerifyChain: a corrupted chain must
// halt further writes and surface loudly, never be silently appended to.
package auditor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
)

// Config holds auditor configuration.
type Config struct {
	// Interval between full-chain verifications.
	Interval time.Duration
}

// Halter stops the engine's write path. *bank.Bank satisfies it.
type Halter interface {
	Halt(reason string)
}

// ResultFunc is an optional callback recording each verification outcome.
type ResultFunc func(ok bool)

// Auditor re-verifies the chain on an interval. The first divergent sequence
// is reported and the bank is halted; reads stay available for forensics.
type Auditor struct {
	reader   ledger.Reader
	halter   Halter
	cfg      Config
	onResult ResultFunc
	logger   *zap.Logger
}

// New creates an Auditor. Interval defaults to 5 minutes.
func New(reader ledger.Reader, halter Halter, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Auditor{reader: reader, halter: halter, cfg: cfg, logger: logger}
}

// OnResult registers a metrics callback. Must be called before Run.
func (a *Auditor) OnResult(fn ResultFunc) { a.onResult = fn }

// Run verifies immediately, then on every tick, until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.verify(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.verify(ctx)
		}
	}
}

// Verify runs one full-chain verification, halting the bank on corruption.
func (a *Auditor) Verify(ctx context.Context) error {
	err := a.reader.VerifyChain(ctx, 0, 0)
	var corrupted *ledger.ChainCorruptedError
	if errors.As(err, &corrupted) {
		a.halter.Halt(corrupted.Error())
		a.logger.Error("chain integrity check FAILED",
			zap.Uint64("divergent_seq", corrupted.Sequence),
			zap.String("reason", corrupted.Reason),
		)
	}
	return err
}

func (a *Auditor) verify(ctx context.Context) {
	err := a.Verify(ctx)
	if a.onResult != nil {
		a.onResult(err == nil)
	}
	if err == nil {
		n, _ := a.reader.Len(ctx)
		a.logger.Debug("chain verified", zap.Uint64("entries", n))
	}
}
