package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pongrelay/internal/relay"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is the shared-database store.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, ev relay.Event) (bool, error) {
	now := nowMs()
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO obligations (event_id, state, block, log_index, done, attempt, created_at, updated_at)
		VALUES ($1, 'pending', $2, $3, FALSE, 0, $4, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, hashKey(ev.ID), int64(ev.BlockNumber), int64(ev.LogIndex), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Exists(ctx context.Context, id common.Hash) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM obligations WHERE event_id = $1)`, hashKey(id)).Scan(&ok)
	return ok, err
}

func (p *Postgres) Get(ctx context.Context, id common.Hash) (relay.Obligation, error) {
	ob, err := scanObligation(p.pool.QueryRow(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE event_id = $1`, hashKey(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.Obligation{}, relay.ErrNotFound
	}
	return ob, err
}

func (p *Postgres) NextPending(ctx context.Context) (relay.Obligation, bool, error) {
	ob, err := scanObligation(p.pool.QueryRow(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE done = FALSE AND state = 'pending'
		ORDER BY block, log_index, created_at
		LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.Obligation{}, false, nil
	}
	if err != nil {
		return relay.Obligation{}, false, err
	}
	return ob, true, nil
}

func (p *Postgres) Resumable(ctx context.Context) ([]relay.Obligation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE done = FALSE AND last_tx_id IS NOT NULL
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

func (p *Postgres) CountByState(ctx context.Context) (map[relay.State]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT state, COUNT(*) FROM obligations GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[relay.State]int)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[relay.State(st)] = int(n)
	}
	return out, rows.Err()
}

func (p *Postgres) ReserveNonce(ctx context.Context, id common.Hash, nonce uint64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE obligations SET nonce = $1, updated_at = $2
		WHERE event_id = $3 AND done = FALSE
	`, int64(nonce), nowMs(), hashKey(id))
	return p.checkUpdate(ctx, id, tag, err)
}

func (p *Postgres) RecordSubmission(ctx context.Context, id common.Hash, sub relay.Submission) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE obligations
		SET state = 'processing', nonce = $1, last_tx_id = $2, attempt = GREATEST(attempt, $3), updated_at = $4
		WHERE event_id = $5 AND done = FALSE
	`, int64(sub.Nonce), txKey(sub.TxHash), int64(sub.Attempt), nowMs(), hashKey(id))
	return p.checkUpdate(ctx, id, tag, err)
}

func (p *Postgres) Complete(ctx context.Context, id common.Hash, sub relay.Submission) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE obligations
		SET state = 'completed', done = TRUE, nonce = $1, last_tx_id = COALESCE($2, last_tx_id),
		    attempt = GREATEST(attempt, $3), updated_at = $4
		WHERE event_id = $5 AND done = FALSE
	`, int64(sub.Nonce), txKey(sub.TxHash), int64(sub.Attempt), nowMs(), hashKey(id))
	return p.checkUpdate(ctx, id, tag, err)
}

func (p *Postgres) Fail(ctx context.Context, id common.Hash, attempt uint32) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE obligations
		SET state = 'failed', done = TRUE, attempt = GREATEST(attempt, $1), updated_at = $2
		WHERE event_id = $3 AND done = FALSE
	`, int64(attempt), nowMs(), hashKey(id))
	return p.checkUpdate(ctx, id, tag, err)
}

func (p *Postgres) RecordResponse(ctx context.Context, r relay.Response) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO obligations (event_id, state, block, done, nonce, attempt, last_tx_id, created_at, updated_at)
		VALUES ($1, 'completed', $2, TRUE, $3, 1, $4, $5, $5)
		ON CONFLICT (event_id) DO UPDATE SET
			state = 'completed',
			done = TRUE,
			nonce = EXCLUDED.nonce,
			last_tx_id = EXCLUDED.last_tx_id,
			attempt = GREATEST(obligations.attempt, 1),
			updated_at = EXCLUDED.updated_at
		WHERE obligations.done = FALSE
	`, hashKey(r.PayloadID), int64(r.BlockNumber), int64(r.Nonce), txKey(r.TxHash), nowMs())
	return err
}

func (p *Postgres) SaveCheckpoint(ctx context.Context, usage relay.Usage, block uint64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO checkpoints (usage, block, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (usage) DO UPDATE SET
			block = GREATEST(checkpoints.block, EXCLUDED.block),
			updated_at = EXCLUDED.updated_at
	`, string(usage), int64(block), nowMs())
	return err
}

func (p *Postgres) Checkpoint(ctx context.Context, usage relay.Usage) (uint64, bool, error) {
	var block int64
	err := p.pool.QueryRow(ctx, `SELECT block FROM checkpoints WHERE usage = $1`, string(usage)).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (p *Postgres) checkUpdate(ctx context.Context, id common.Hash, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	ok, err := p.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", id.Hex(), relay.ErrNotFound)
	}
	return nil
}
