package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"pongrelay/internal/jsonl"
	"pongrelay/internal/metrics"
)

// DefaultWindowSize is the number of blocks added to a window's first block to
// get its last block; windows are inclusive on both ends.
const DefaultWindowSize uint64 = 5

// windowFunc handles every log of one inclusive block window and returns the
// number of records it acted on.
type windowFunc func(ctx context.Context, from, to uint64) (int, error)

// ScanResult summarizes one Scan call. Checkpoint is only meaningful when
// Windows > 0.
type ScanResult struct {
	Checkpoint uint64
	Windows    int
	Events     int
}

// Advanced reports whether at least one window was durably completed.
func (r ScanResult) Advanced() bool { return r.Windows > 0 }

// Scanner walks block ranges in fixed windows and advances the checkpoint of
// its stream after each fully handled window.
type Scanner struct {
	usage  Usage
	reader ChainReader
	store  Store
	window uint64
	handle windowFunc
}

// NewInboundScanner scans RequestRaised logs into the obligation queue.
func NewInboundScanner(reader ChainReader, store Store, ingest *Ingestor, window uint64) *Scanner {
	s := &Scanner{usage: UsageInbound, reader: reader, store: store, window: window}
	s.handle = func(ctx context.Context, from, to uint64) (int, error) {
		events, err := reader.Requests(ctx, from, to)
		if err != nil {
			return 0, err
		}
		if len(events) > 0 {
			log.Printf("[scan] found %d request(s) in [%d..%d]", len(events), from, to)
		}
		return ingest.Ingest(ctx, "scan", events)
	}
	return s.withDefaults()
}

// NewOutboundScanner scans ResponseRecorded logs and reconciles them with the
// queue, so responses mined before a crash are never sent twice.
func NewOutboundScanner(reader ChainReader, store Store, rec *Reconciler, window uint64) *Scanner {
	s := &Scanner{usage: UsageOutbound, reader: reader, store: store, window: window}
	s.handle = func(ctx context.Context, from, to uint64) (int, error) {
		responses, err := reader.Responses(ctx, from, to)
		if err != nil {
			return 0, err
		}
		return rec.Reconcile(ctx, responses)
	}
	return s.withDefaults()
}

func (s *Scanner) withDefaults() *Scanner {
	if s.window == 0 {
		s.window = DefaultWindowSize
	}
	return s
}

func (s *Scanner) Usage() Usage { return s.usage }

// Scan processes [from, to] or, when to is nil, [from, latest] with latest
// re-read after every window. from >= latest is a no-op.
func (s *Scanner) Scan(ctx context.Context, from uint64, to *uint64) (ScanResult, error) {
	var res ScanResult

	latest, err := s.reader.LatestBlock(ctx)
	if err != nil {
		return res, fmt.Errorf("%s scan: latest block: %w", s.usage, err)
	}
	if from >= latest {
		return res, nil
	}

	idx := from
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		limit := latest
		if to != nil && *to < limit {
			limit = *to
		}
		if idx > limit {
			return res, nil
		}

		end := idx + s.window
		if end > limit {
			end = limit
		}

		n, err := s.handle(ctx, idx, end)
		if err != nil {
			return res, fmt.Errorf("%s scan [%d..%d]: %w", s.usage, idx, end, err)
		}
		if err := s.store.SaveCheckpoint(ctx, s.usage, end); err != nil {
			return res, fmt.Errorf("%s scan: save checkpoint %d: %w", s.usage, end, err)
		}
		metrics.CheckpointBlock.WithLabelValues(string(s.usage)).Set(float64(end))

		res.Checkpoint = end
		res.Windows++
		res.Events += n
		idx = end + 1

		if to == nil {
			latest, err = s.reader.LatestBlock(ctx)
			if err != nil {
				return res, fmt.Errorf("%s scan: latest block: %w", s.usage, err)
			}
		}
	}
}

// Reconciler records responses this relay already got mined.
type Reconciler struct {
	store     Store
	responder common.Address
	audit     *jsonl.Writer
}

func NewReconciler(store Store, responder common.Address, audit *jsonl.Writer) *Reconciler {
	return &Reconciler{store: store, responder: responder, audit: audit}
}

// Reconcile marks the obligation of every response sent by the responder as
// completed, inserting the row when the request was never scanned.
func (r *Reconciler) Reconcile(ctx context.Context, responses []Response) (int, error) {
	n := 0
	for _, resp := range responses {
		if resp.From != r.responder {
			continue
		}
		if err := r.store.RecordResponse(ctx, resp); err != nil {
			return n, fmt.Errorf("record response %s: %w", resp.PayloadID.Hex(), err)
		}
		n++
		logRelayEvent(r.audit, relayLogEvent{
			Event:   "reconciled",
			Source:  "outbound",
			EventID: resp.PayloadID.Hex(),
			Block:   resp.BlockNumber,
			TxHash:  resp.TxHash.Hex(),
			Nonce:   resp.Nonce,
		})
	}
	if n > 0 {
		log.Printf("[outbound] reconciled %d response(s) sent by %s", n, r.responder.Hex())
	}
	return n, nil
}
