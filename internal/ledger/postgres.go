package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls across all engine instances sharing a database.
const advisoryLockKey = int64(7_415_926_535)

// PostgresLedger persists the hash chain to PostgreSQL. It implements Ledger.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresLedger backed by the given connection pool
// and seals the genesis entry if the chain is empty.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, g action.GenesisPayload, logger *zap.Logger) (*PostgresLedger, error) {
	l := &PostgresLedger{pool: pool, logger: logger}
	if err := l.ensureGenesis(ctx, g); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) ensureGenesis(ctx context.Context, g action.GenesisPayload) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin genesis tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var n int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return fmt.Errorf("count ledger entries: %w", err)
	}
	if n > 0 {
		return nil
	}

	draft, err := GenesisDraft(g, time.Now())
	if err != nil {
		return err
	}
	entry := seal(draft, 0, GenesisPrevHash)
	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	l.logger.Info("ledger genesis sealed",
		zap.Int64("total_supply", g.TotalSupply),
		zap.String("system_id", g.SystemID),
	)
	return nil
}

// Append implements Ledger. It acquires the advisory lock, checks the tip
// against the draft's expectation, seals the entry and inserts it — all in a
// single transaction, so concurrent appends across processes serialise on
// the database.
func (l *PostgresLedger) Append(ctx context.Context, draft Draft) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var tipSeq uint64
	var tipHash string
	if err := tx.QueryRow(ctx,
		"SELECT seq, hash FROM ledger_entries ORDER BY seq DESC LIMIT 1",
	).Scan(&tipSeq, &tipHash); err != nil {
		return nil, fmt.Errorf("read ledger tip: %w", err)
	}

	if draft.ExpectedTip != tipSeq {
		return nil, ErrOutOfOrder
	}

	entry := seal(draft, tipSeq+1, tipHash)
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("ledger entry appended",
		zap.Uint64("seq", entry.Sequence),
		zap.String("action", string(entry.Action)),
		zap.String("actor", entry.ActorID),
	)
	return entry, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *Entry) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (seq, ts, tx_id, actor_id, action, payload, nonce, signature, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.Sequence, e.Timestamp, e.TxID, e.ActorID, string(e.Action),
		string(e.Payload), e.Nonce, e.Signature, e.PrevHash, e.Hash,
	); err != nil {
		return fmt.Errorf("insert ledger entry %d: %w", e.Sequence, err)
	}
	return nil
}

const selectColumns = "seq, ts, tx_id, actor_id, action, payload, nonce, signature, prev_hash, hash"

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var act, payload string
	if err := row.Scan(
		&e.Sequence, &e.Timestamp, &e.TxID, &e.ActorID, &act,
		&payload, &e.Nonce, &e.Signature, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Action = action.Type(act)
	e.Payload = []byte(payload)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// Get implements Reader.
func (l *PostgresLedger) Get(ctx context.Context, sequence uint64) (*Entry, error) {
	entry, err := scanEntry(l.pool.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM ledger_entries WHERE seq = $1", sequence,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", sequence, err)
	}
	return entry, nil
}

// Read implements Reader.
func (l *PostgresLedger) Read(ctx context.Context, from, to uint64) ([]*Entry, error) {
	query := "SELECT " + selectColumns + " FROM ledger_entries WHERE seq >= $1"
	args := []any{from}
	if to > 0 {
		query += " AND seq <= $2"
		args = append(args, to)
	}
	query += " ORDER BY seq ASC"

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read ledger range: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Tip implements Reader.
func (l *PostgresLedger) Tip(ctx context.Context) (*Entry, error) {
	entry, err := scanEntry(l.pool.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM ledger_entries ORDER BY seq DESC LIMIT 1",
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger tip: %w", err)
	}
	return entry, nil
}

// Len implements Reader.
func (l *PostgresLedger) Len(ctx context.Context) (uint64, error) {
	var n uint64
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// VerifyChain implements Reader. O(n) in the range length.
func (l *PostgresLedger) VerifyChain(ctx context.Context, from, to uint64) error {
	entries, err := l.Read(ctx, from, to)
	if err != nil {
		return err
	}
	return verifyRange(entries, from)
}
