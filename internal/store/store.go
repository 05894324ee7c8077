// Package store persists the obligation queue and scan checkpoints.
//
// Every write is an upsert keyed by a unique column, so replays are no-ops.
// Submission updates only touch rows with done = false, attempt only grows
// and checkpoints only move forward.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pongrelay/internal/relay"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open opens the store for driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (relay.Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite, "sqlite3":
		return OpenSQLite(dsn)
	case DriverPostgres, "postgresql", "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

const obligationColumns = `event_id, state, block, done, nonce, attempt, last_tx_id, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(row rowScanner) (relay.Obligation, error) {
	var (
		id        string
		st        string
		block     int64
		done      bool
		nonce     *int64
		attempt   int64
		lastTx    *string
		updatedAt int64
	)
	if err := row.Scan(&id, &st, &block, &done, &nonce, &attempt, &lastTx, &updatedAt); err != nil {
		return relay.Obligation{}, err
	}

	ob := relay.Obligation{
		EventID:   common.HexToHash(id),
		Block:     uint64(block),
		State:     relay.State(st),
		Done:      done,
		Attempt:   uint32(attempt),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}
	if nonce != nil {
		n := uint64(*nonce)
		ob.Nonce = &n
	}
	if lastTx != nil && *lastTx != "" {
		h := common.HexToHash(*lastTx)
		ob.LastTx = &h
	}
	return ob, nil
}

func hashKey(h common.Hash) string { return h.Hex() }

// txKey stores the zero hash as NULL.
func txKey(h common.Hash) *string {
	if h == (common.Hash{}) {
		return nil
	}
	s := h.Hex()
	return &s
}

func nowMs() int64 { return time.Now().UnixMilli() }
