package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"pongrelay/internal/relay"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is a single-file store for one relay process.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
// It is safe to call on an existing database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}

	// One writer at a time avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Enqueue(ctx context.Context, ev relay.Event) (bool, error) {
	now := nowMs()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO obligations (event_id, state, block, log_index, done, attempt, created_at, updated_at)
		VALUES (?, 'pending', ?, ?, 0, 0, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, hashKey(ev.ID), int64(ev.BlockNumber), int64(ev.LogIndex), now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) Exists(ctx context.Context, id common.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM obligations WHERE event_id = ?`, hashKey(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) Get(ctx context.Context, id common.Hash) (relay.Obligation, error) {
	ob, err := scanObligation(s.db.QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE event_id = ?`, hashKey(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Obligation{}, relay.ErrNotFound
	}
	return ob, err
}

func (s *SQLite) NextPending(ctx context.Context) (relay.Obligation, bool, error) {
	ob, err := scanObligation(s.db.QueryRowContext(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE done = 0 AND state = 'pending'
		ORDER BY block, log_index, created_at
		LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Obligation{}, false, nil
	}
	if err != nil {
		return relay.Obligation{}, false, err
	}
	return ob, true, nil
}

func (s *SQLite) Resumable(ctx context.Context) ([]relay.Obligation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE done = 0 AND last_tx_id IS NOT NULL
		ORDER BY block, log_index, created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.Obligation
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ob)
	}
	return out, rows.Err()
}

func (s *SQLite) CountByState(ctx context.Context) (map[relay.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM obligations GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[relay.State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[relay.State(st)] = n
	}
	return out, rows.Err()
}

func (s *SQLite) ReserveNonce(ctx context.Context, id common.Hash, nonce uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE obligations SET nonce = ?, updated_at = ?
		WHERE event_id = ? AND done = 0
	`, int64(nonce), nowMs(), hashKey(id))
	return s.checkUpdate(ctx, id, res, err)
}

func (s *SQLite) RecordSubmission(ctx context.Context, id common.Hash, sub relay.Submission) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE obligations
		SET state = 'processing', nonce = ?, last_tx_id = ?, attempt = MAX(attempt, ?), updated_at = ?
		WHERE event_id = ? AND done = 0
	`, int64(sub.Nonce), txKey(sub.TxHash), int64(sub.Attempt), nowMs(), hashKey(id))
	return s.checkUpdate(ctx, id, res, err)
}

func (s *SQLite) Complete(ctx context.Context, id common.Hash, sub relay.Submission) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE obligations
		SET state = 'completed', done = 1, nonce = ?, last_tx_id = COALESCE(?, last_tx_id),
		    attempt = MAX(attempt, ?), updated_at = ?
		WHERE event_id = ? AND done = 0
	`, int64(sub.Nonce), txKey(sub.TxHash), int64(sub.Attempt), nowMs(), hashKey(id))
	return s.checkUpdate(ctx, id, res, err)
}

func (s *SQLite) Fail(ctx context.Context, id common.Hash, attempt uint32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE obligations
		SET state = 'failed', done = 1, attempt = MAX(attempt, ?), updated_at = ?
		WHERE event_id = ? AND done = 0
	`, int64(attempt), nowMs(), hashKey(id))
	return s.checkUpdate(ctx, id, res, err)
}

func (s *SQLite) RecordResponse(ctx context.Context, r relay.Response) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO obligations (event_id, state, block, done, nonce, attempt, last_tx_id, created_at, updated_at)
		VALUES (?, 'completed', ?, 1, ?, 1, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			state = 'completed',
			done = 1,
			nonce = excluded.nonce,
			last_tx_id = excluded.last_tx_id,
			attempt = MAX(obligations.attempt, 1),
			updated_at = excluded.updated_at
		WHERE obligations.done = 0
	`, hashKey(r.PayloadID), int64(r.BlockNumber), int64(r.Nonce), txKey(r.TxHash), now, now)
	return err
}

func (s *SQLite) SaveCheckpoint(ctx context.Context, usage relay.Usage, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (usage, block, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(usage) DO UPDATE SET
			block = MAX(checkpoints.block, excluded.block),
			updated_at = excluded.updated_at
	`, string(usage), int64(block), nowMs())
	return err
}

func (s *SQLite) Checkpoint(ctx context.Context, usage relay.Usage) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx, `SELECT block FROM checkpoints WHERE usage = ?`, string(usage)).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

// checkUpdate maps "no row updated" to ErrNotFound for unknown ids. Updates
// that missed because the row is already done are not errors.
func (s *SQLite) checkUpdate(ctx context.Context, id common.Hash, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", id.Hex(), relay.ErrNotFound)
	}
	return nil
}
