package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"pongrelay/internal/alert"
	"pongrelay/internal/jsonl"
	"pongrelay/internal/metrics"
	"pongrelay/internal/state"
)

const (
	DefaultPollInterval  = 15 * time.Second
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxFailures   = 10

	liveBuffer = 64
)

// RunState is threaded through every pipeline run. Inbound and Outbound are
// the last fully scanned block of each stream (0 when nothing was scanned).
type RunState struct {
	Inbound  uint64
	Outbound uint64
	Failures int
}

type SupervisorConfig struct {
	// StartBlock is where scanning begins when no checkpoint is newer.
	StartBlock       uint64
	WindowSize       uint64
	PollInterval     time.Duration
	RetryInterval    time.Duration
	MaxFailures      int
	InFlightCapacity int
	Submitter        SubmitterConfig

	// CheckpointFile receives checkpoints when the store cannot.
	CheckpointFile string
	ChainID        int64
	Contract       string
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	return c
}

// Deps are the external collaborators of a Supervisor. Live and Alerts may
// be nil.
type Deps struct {
	Reader ChainReader
	Writer ChainWriter
	Store  Store
	Live   LiveSource
	Alerts alert.Sender
	Audit  *jsonl.Writer
}

// Supervisor owns the relay pipeline: catch-up scans, resume, drain, live
// ingestion and periodic polling, restarted with backoff after any failure.
type Supervisor struct {
	cfg   SupervisorConfig
	store Store
	live  LiveSource

	inbound   *Scanner
	outbound  *Scanner
	ingest    *Ingestor
	processor *Processor

	alerts alert.Sender
	audit  *jsonl.Writer
}

func NewSupervisor(cfg SupervisorConfig, deps Deps) *Supervisor {
	cfg = cfg.withDefaults()

	ledger := NewLedger(deps.Store, cfg.InFlightCapacity)
	ingest := NewIngestor(deps.Store, ledger, deps.Audit)
	rec := NewReconciler(deps.Store, deps.Writer.Responder(), deps.Audit)
	sub := NewSubmitter(deps.Reader, deps.Writer, deps.Store, cfg.Submitter, deps.Audit)

	alerts := deps.Alerts
	if alerts == nil {
		alerts = alert.LogSender{}
	}

	return &Supervisor{
		cfg:       cfg,
		store:     deps.Store,
		live:      deps.Live,
		inbound:   NewInboundScanner(deps.Reader, deps.Store, ingest, cfg.WindowSize),
		outbound:  NewOutboundScanner(deps.Reader, deps.Store, rec, cfg.WindowSize),
		ingest:    ingest,
		processor: NewProcessor(deps.Store, ledger, sub),
		alerts:    alerts,
		audit:     deps.Audit,
	}
}

// Processor exposes the queue processor for one-shot commands.
func (s *Supervisor) Processor() *Processor { return s.processor }

// Run drives the pipeline until ctx is cancelled (returns nil) or the
// consecutive failure budget is spent (returns ErrFailureBudgetExhausted
// after alerting).
func (s *Supervisor) Run(ctx context.Context) error {
	runID := uuid.NewString()
	started := time.Now()

	st := s.InitialState(ctx)
	log.Printf("[supervisor] run=%s start inbound=%d outbound=%d start_block=%d", runID, st.Inbound, st.Outbound, s.cfg.StartBlock)
	logRelayEvent(s.audit, relayLogEvent{
		Event:    "start",
		RunID:    runID,
		Inbound:  st.Inbound,
		Outbound: st.Outbound,
	})

	shutdown := func() error {
		s.persist(ctx, st)
		log.Printf("[supervisor] run=%s shutdown inbound=%d outbound=%d", runID, st.Inbound, st.Outbound)
		logRelayEvent(s.audit, relayLogEvent{
			Event:    "shutdown",
			RunID:    runID,
			Inbound:  st.Inbound,
			Outbound: st.Outbound,
			UptimeMs: time.Since(started).Milliseconds(),
			Records:  s.audit.Records() + 1,
		})
		return nil
	}

	for {
		var err error
		st, err = s.runPipeline(ctx, st)
		if ctx.Err() != nil {
			return shutdown()
		}
		if err == nil {
			continue
		}

		metrics.SupervisorFailures.Inc()
		log.Printf("[warn] [supervisor] pipeline failed (consecutive=%d): %v", st.Failures+1, err)
		s.persist(ctx, st)

		if err := sleepCtx(ctx, s.cfg.RetryInterval); err != nil {
			return shutdown()
		}
		st.Failures++
		logRelayEvent(s.audit, relayLogEvent{
			Event:    "supervisor_failure",
			RunID:    runID,
			Inbound:  st.Inbound,
			Outbound: st.Outbound,
			Failures: st.Failures,
			Err:      errString(err),
		})

		if st.Failures > s.cfg.MaxFailures {
			a := alert.Alert{
				Subject: "pongrelay stopped",
				Body: fmt.Sprintf("relay gave up after %d consecutive failures (inbound=%d outbound=%d): %v",
					st.Failures, st.Inbound, st.Outbound, err),
				RunID: runID,
				Time:  time.Now().UTC(),
			}
			if aerr := s.alerts.Send(ctx, a); aerr != nil {
				log.Printf("[warn] [supervisor] alert failed: %v", aerr)
			}
			logRelayEvent(s.audit, relayLogEvent{Event: "alert", RunID: runID, Failures: st.Failures, Err: errString(err)})
			return fmt.Errorf("%w: %d consecutive failures: %w", ErrFailureBudgetExhausted, st.Failures, err)
		}
	}
}

// InitialState merges the store checkpoints with the local spill file.
// Store errors are logged; the spill file still applies.
func (s *Supervisor) InitialState(ctx context.Context) RunState {
	var st RunState
	for _, u := range []Usage{UsageInbound, UsageOutbound} {
		b, ok, err := s.store.Checkpoint(ctx, u)
		if err != nil {
			log.Printf("[warn] [supervisor] read %s checkpoint: %v", u, err)
			continue
		}
		if !ok {
			continue
		}
		if u == UsageInbound {
			st.Inbound = b
		} else {
			st.Outbound = b
		}
	}

	ckpt, ok, err := state.LoadCheckpoint(s.cfg.CheckpointFile)
	switch {
	case err != nil:
		log.Printf("[warn] [supervisor] %v", err)
	case ok && !ckpt.Matches(s.cfg.ChainID, s.cfg.Contract):
		log.Printf("[warn] [supervisor] ignoring %s: written for contract %s chain %d", s.cfg.CheckpointFile, ckpt.ContractAddress, ckpt.ChainID)
	case ok:
		st.Inbound = max(st.Inbound, ckpt.Inbound)
		st.Outbound = max(st.Outbound, ckpt.Outbound)
	}
	return st
}

// runPipeline returns on the first error or when ctx is done. st carries
// whatever progress was made before that.
func (s *Supervisor) runPipeline(ctx context.Context, st RunState) (RunState, error) {
	if err := s.scan(ctx, s.outbound, &st.Outbound); err != nil {
		return st, err
	}
	if _, err := s.processor.ResumeOutstanding(ctx); err != nil {
		return st, err
	}
	if err := s.scan(ctx, s.inbound, &st.Inbound); err != nil {
		return st, err
	}
	if _, err := s.processor.Drain(ctx); err != nil {
		return st, err
	}

	var (
		events  <-chan Event
		liveErr <-chan error
	)
	if s.live != nil {
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		events, liveErr = startLive(lctx, s.live, liveBuffer)
		log.Printf("[live] subscribed")
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()

		case err := <-liveErr:
			if err == nil {
				err = errors.New("subscription ended")
			}
			return st, fmt.Errorf("live: %w", err)

		case ev := <-events:
			if _, err := s.ingest.Ingest(ctx, "live", []Event{ev}); err != nil {
				return st, err
			}
			if _, err := s.processor.Drain(ctx); err != nil {
				return st, err
			}

		case <-ticker.C:
			if err := s.scan(ctx, s.outbound, &st.Outbound); err != nil {
				return st, err
			}
			if err := s.scan(ctx, s.inbound, &st.Inbound); err != nil {
				return st, err
			}
			if _, err := s.processor.Drain(ctx); err != nil {
				return st, err
			}
			st.Failures = 0
		}
	}
}

func (s *Supervisor) scan(ctx context.Context, sc *Scanner, ckpt *uint64) error {
	res, err := sc.Scan(ctx, NextFrom(*ckpt, s.cfg.StartBlock), nil)
	if res.Advanced() && res.Checkpoint > *ckpt {
		*ckpt = res.Checkpoint
	}
	return err
}

// persist writes both checkpoints to the store, spilling them to the local
// file when the store fails. It runs even after ctx is cancelled.
func (s *Supervisor) persist(ctx context.Context, st RunState) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	if st.Inbound > 0 {
		errs = append(errs, s.store.SaveCheckpoint(pctx, UsageInbound, st.Inbound))
	}
	if st.Outbound > 0 {
		errs = append(errs, s.store.SaveCheckpoint(pctx, UsageOutbound, st.Outbound))
	}
	err := errors.Join(errs...)
	if err == nil {
		return
	}

	log.Printf("[warn] [supervisor] save checkpoints: %v; spilling to %q", err, s.cfg.CheckpointFile)
	spill := state.Checkpoint{
		ChainID:         s.cfg.ChainID,
		ContractAddress: s.cfg.Contract,
		Inbound:         st.Inbound,
		Outbound:        st.Outbound,
		UpdatedAtMs:     time.Now().UnixMilli(),
	}
	if prev, ok, lerr := state.LoadCheckpoint(s.cfg.CheckpointFile); lerr == nil && ok && prev.Matches(s.cfg.ChainID, s.cfg.Contract) {
		spill.Inbound = max(spill.Inbound, prev.Inbound)
		spill.Outbound = max(spill.Outbound, prev.Outbound)
	}
	if err := state.SaveCheckpoint(s.cfg.CheckpointFile, spill); err != nil {
		log.Printf("[warn] [supervisor] spill checkpoints: %v", err)
	}
}

// NextFrom is the first block a range scan should read given the stored
// checkpoint, 0 meaning none.
func NextFrom(ckpt, start uint64) uint64 {
	if ckpt == 0 {
		return start
	}
	return max(ckpt+1, start)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
