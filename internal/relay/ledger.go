package relay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"pongrelay/internal/jsonl"
	"pongrelay/internal/metrics"
)

const DefaultInFlightCapacity = 1024

// Ledger answers "has this event already been taken care of". The store is
// the source of truth; the in-flight set only covers the gap between deciding
// to act on an event and that decision being durable.
type Ledger struct {
	store Store

	mu       sync.Mutex
	inFlight map[common.Hash]struct{}
	capacity int
}

func NewLedger(store Store, capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultInFlightCapacity
	}
	return &Ledger{
		store:    store,
		inFlight: make(map[common.Hash]struct{}),
		capacity: capacity,
	}
}

// Seen reports whether id is in flight or already has an obligation row.
func (l *Ledger) Seen(ctx context.Context, id common.Hash) (bool, error) {
	if l.InFlight(id) {
		return true, nil
	}
	ok, err := l.store.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", id.Hex(), err)
	}
	return ok, nil
}

func (l *Ledger) InFlight(id common.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inFlight[id]
	return ok
}

// MarkInFlight claims id. It returns false if another path already holds it.
func (l *Ledger) MarkInFlight(id common.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inFlight[id]; ok {
		return false, nil
	}
	if len(l.inFlight) >= l.capacity {
		return false, ErrInFlightFull
	}
	l.inFlight[id] = struct{}{}
	return true, nil
}

func (l *Ledger) ClearInFlight(id common.Hash) {
	l.mu.Lock()
	delete(l.inFlight, id)
	l.mu.Unlock()
}

// Len is the number of in-flight entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight)
}

// Ingestor is the single enqueue boundary shared by the range scanner and the
// live subscription.
type Ingestor struct {
	store  Store
	ledger *Ledger
	audit  *jsonl.Writer
}

func NewIngestor(store Store, ledger *Ledger, audit *jsonl.Writer) *Ingestor {
	return &Ingestor{store: store, ledger: ledger, audit: audit}
}

// Ingest enqueues every event not yet known and returns how many rows were
// inserted. Re-ingesting the same event is a no-op.
func (in *Ingestor) Ingest(ctx context.Context, source string, events []Event) (int, error) {
	inserted := 0
	for _, ev := range events {
		ok, err := in.ingestOne(ctx, source, ev)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (in *Ingestor) ingestOne(ctx context.Context, source string, ev Event) (bool, error) {
	seen, err := in.ledger.Seen(ctx, ev.ID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	claimed, err := in.ledger.MarkInFlight(ev.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	defer in.ledger.ClearInFlight(ev.ID)

	inserted, err := in.store.Enqueue(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", ev.ID.Hex(), err)
	}
	if !inserted {
		return false, nil
	}

	metrics.ObligationsEnqueued.Inc()
	log.Printf("[%s] enqueued event=%s block=%d", source, ev.ID.Hex(), ev.BlockNumber)
	logRelayEvent(in.audit, relayLogEvent{
		Event:   "enqueued",
		Source:  source,
		EventID: ev.ID.Hex(),
		Block:   ev.BlockNumber,
	})
	return true, nil
}
