package relay

import (
	"context"
	"fmt"
	"log"
)

// Processor hands queued obligations to the submitter one at a time.
type Processor struct {
	store     Store
	ledger    *Ledger
	submitter *Submitter
}

func NewProcessor(store Store, ledger *Ledger, submitter *Submitter) *Processor {
	return &Processor{store: store, ledger: ledger, submitter: submitter}
}

// ResumeOutstanding resumes every obligation with a broadcast but unconfirmed
// transaction, oldest block first. It must run before Drain after a restart.
func (p *Processor) ResumeOutstanding(ctx context.Context) (int, error) {
	obs, err := p.store.Resumable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable: %w", err)
	}
	if len(obs) > 0 {
		log.Printf("[submit] resuming %d outstanding obligation(s)", len(obs))
	}
	n := 0
	for _, ob := range obs {
		if err := p.process(ctx, ob, p.submitter.Resume); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Drain submits pending obligations until the queue is empty. It stops at the
// first obligation that could not be settled.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ob, ok, err := p.store.NextPending(ctx)
		if err != nil {
			return n, fmt.Errorf("next pending: %w", err)
		}
		if !ok {
			return n, nil
		}
		if err := p.process(ctx, ob, p.submitter.Submit); err != nil {
			return n, err
		}
		n++
	}
}

func (p *Processor) process(ctx context.Context, ob Obligation, run func(context.Context, Obligation) (Result, error)) error {
	claimed, err := p.ledger.MarkInFlight(ob.EventID)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("obligation %s is already being processed", ob.EventID.Hex())
	}
	defer p.ledger.ClearInFlight(ob.EventID)

	res, err := run(ctx, ob)
	if err != nil {
		return fmt.Errorf("obligation %s: %w", ob.EventID.Hex(), err)
	}

	switch res.Outcome {
	case OutcomeExhausted:
		return fmt.Errorf("obligation %s nonce=%d last_tx=%s: %w",
			ob.EventID.Hex(), res.Nonce, res.LastTx.Hex(), ErrAttemptsExhausted)
	case OutcomeFailed:
		log.Printf("[warn] [submit] obligation %s failed after %d attempt(s); moving on", ob.EventID.Hex(), res.Attempt)
	}
	return nil
}
