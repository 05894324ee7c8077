package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pongrelay/internal/jsonl"
	"pongrelay/internal/metrics"
)

const (
	DefaultMaxAttempts    = 3
	DefaultConfirmTimeout = 10 * time.Second

	// answerLookupSpan is the block range of one ResponseRecorded query made
	// before a stored nonce is given up.
	answerLookupSpan uint64 = 1000
)

// Outcome is the terminal classification of one Submit or Resume call.
type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeFailed
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result is what a submission cycle leaves behind. Nonce and LastTx are kept
// on Exhausted so the next resume continues at the same nonce.
type Result struct {
	Outcome Outcome
	Nonce   uint64
	LastTx  common.Hash
	Attempt uint32
	Done    bool
}

type SubmitterConfig struct {
	// MaxAttempts bounds the send/wait cycles of a single call.
	MaxAttempts    int
	ConfirmTimeout time.Duration
	BumpPercent    int64
}

func (c SubmitterConfig) withDefaults() SubmitterConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.BumpPercent <= 0 {
		c.BumpPercent = DefaultBumpPercent
	}
	return c
}

// Submitter drives one obligation at a time from pending to a mined response.
// It is not safe for concurrent use: the signer's nonce sequence is shared.
type Submitter struct {
	reader ChainReader
	writer ChainWriter
	store  Store
	cfg    SubmitterConfig
	audit  *jsonl.Writer
}

func NewSubmitter(reader ChainReader, writer ChainWriter, store Store, cfg SubmitterConfig, audit *jsonl.Writer) *Submitter {
	return &Submitter{
		reader: reader,
		writer: writer,
		store:  store,
		cfg:    cfg.withDefaults(),
		audit:  audit,
	}
}

// cycle is the mutable state of one submission loop.
type cycle struct {
	ob      Obligation
	nonce   uint64
	fee     FeeQuote
	attempt uint32
	// reused is true while nonce came from the store rather than the node.
	reused bool
	// sent holds every hash broadcast at nonce, oldest first.
	sent []common.Hash
}

func (c *cycle) result(o Outcome, done bool) Result {
	r := Result{Outcome: o, Nonce: c.nonce, Attempt: c.attempt, Done: done}
	if n := len(c.sent); n > 0 {
		r.LastTx = c.sent[n-1]
	}
	return r
}

func (c *cycle) submission() Submission {
	s := Submission{Nonce: c.nonce, Attempt: c.attempt}
	if n := len(c.sent); n > 0 {
		s.TxHash = c.sent[n-1]
	}
	return s
}

// Submit sends the response owed for ob. Obligations with an outstanding
// transaction are routed through Resume.
func (s *Submitter) Submit(ctx context.Context, ob Obligation) (Result, error) {
	if ob.Done {
		return doneResult(ob), nil
	}
	if ob.Resumable() {
		return s.Resume(ctx, ob)
	}

	fee, err := s.reader.FeeQuote(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fee quote: %w", err)
	}

	c := &cycle{ob: ob, fee: fee, attempt: ob.Attempt}
	if ob.Nonce != nil {
		c.nonce = *ob.Nonce
		c.reused = true
	} else if err := s.assignNonce(ctx, c); err != nil {
		return c.result(0, false), err
	}
	return s.loop(ctx, c)
}

// Resume continues a cycle that has a broadcast but unconfirmed transaction,
// typically right after a restart. A mined success never leads to a send.
func (s *Submitter) Resume(ctx context.Context, ob Obligation) (Result, error) {
	if ob.Done {
		return doneResult(ob), nil
	}
	if !ob.Resumable() {
		return s.Submit(ctx, ob)
	}

	last := *ob.LastTx
	st, err := s.reader.TxStatus(ctx, last)
	if err != nil {
		return Result{}, fmt.Errorf("resume %s: tx status: %w", ob.EventID.Hex(), err)
	}

	c := &cycle{ob: ob, attempt: ob.Attempt, reused: true, sent: []common.Hash{last}}
	switch {
	case ob.Nonce != nil:
		c.nonce = *ob.Nonce
	case st.State != TxNotFound:
		c.nonce = st.Nonce
	default:
		return c.result(0, false), fmt.Errorf("resume %s: no nonce recorded and %s unknown to the node", ob.EventID.Hex(), last.Hex())
	}

	log.Printf("[submit] resume event=%s tx=%s nonce=%d status=%s", ob.EventID.Hex(), shortHash(last.Hex()), c.nonce, st.State)
	logRelayEvent(s.audit, relayLogEvent{
		Event:   "resumed",
		EventID: ob.EventID.Hex(),
		Block:   ob.Block,
		TxHash:  last.Hex(),
		Nonce:   c.nonce,
		Attempt: c.attempt,
		Outcome: st.State.String(),
	})

	switch st.State {
	case TxSucceeded:
		return s.complete(ctx, c)
	case TxReverted:
		return s.fail(ctx, c)
	case TxPending:
		c.fee = st.Fee.Bump(s.cfg.BumpPercent)
		metrics.FeeBumps.Inc()
		return s.loop(ctx, c)
	}

	// Not found: the tx was dropped, or a replacement we lost track of was
	// mined at the same nonce.
	confirmed, err := s.reader.ConfirmedNonce(ctx)
	if err != nil {
		return c.result(0, false), fmt.Errorf("resume %s: confirmed nonce: %w", ob.EventID.Hex(), err)
	}
	if confirmed > c.nonce {
		log.Printf("[warn] [submit] nonce %d already mined without %s; treating event=%s as completed",
			c.nonce, shortHash(last.Hex()), ob.EventID.Hex())
		return s.complete(ctx, c)
	}
	fee, err := s.reader.FeeQuote(ctx)
	if err != nil {
		return c.result(0, false), fmt.Errorf("fee quote: %w", err)
	}
	c.fee = fee.Bump(s.cfg.BumpPercent)
	return s.loop(ctx, c)
}

func (s *Submitter) loop(ctx context.Context, c *cycle) (Result, error) {
	id := c.ob.EventID
	reassigned := false

	for cycles := 0; cycles < s.cfg.MaxAttempts; {
		if err := s.checkBalance(ctx, c.fee); err != nil {
			return c.result(0, false), err
		}

		tx, err := s.writer.SendResponse(ctx, id, c.nonce, c.fee)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnderpriced):
			cycles++
			metrics.Submissions.WithLabelValues("underpriced").Inc()
			log.Printf("[warn] [submit] event=%s nonce=%d underpriced at %s; bumping", id.Hex(), c.nonce, c.fee)
			c.fee = c.fee.Bump(s.cfg.BumpPercent)
			metrics.FeeBumps.Inc()
			continue
		case errors.Is(err, ErrNonceTooLow):
			if res, ok, err := s.settled(ctx, c); ok || err != nil {
				return res, err
			}
			if !c.reused || reassigned {
				return c.result(0, false), fmt.Errorf("send response %s nonce=%d: %w", id.Hex(), c.nonce, err)
			}
			// A send at the stored nonce may have been mined before a crash
			// kept it from being recorded.
			if res, ok, err := s.answered(ctx, c); ok || err != nil {
				return res, err
			}
			log.Printf("[warn] [submit] event=%s stored nonce %d already used; assigning a fresh one", id.Hex(), c.nonce)
			if err := s.assignNonce(ctx, c); err != nil {
				return c.result(0, false), err
			}
			reassigned = true
			continue
		case errors.Is(err, ErrInsufficientBalance):
			metrics.Submissions.WithLabelValues("insufficient_balance").Inc()
			return c.result(0, false), err
		default:
			return c.result(0, false), fmt.Errorf("send response %s nonce=%d: %w", id.Hex(), c.nonce, err)
		}

		cycles++
		prev := ""
		if n := len(c.sent); n > 0 {
			prev = c.sent[n-1].Hex()
		}
		c.attempt++
		c.sent = append(c.sent, tx)
		// A crash from here on must find {nonce, tx} on the row.
		if err := s.store.RecordSubmission(ctx, id, c.submission()); err != nil {
			return c.result(0, false), fmt.Errorf("record submission %s: %w", id.Hex(), err)
		}
		metrics.Submissions.WithLabelValues("sent").Inc()

		kind := "submitted"
		if prev != "" {
			kind = "bumped"
		}
		log.Printf("[submit] %s event=%s tx=%s nonce=%d attempt=%d %s", kind, id.Hex(), shortHash(tx.Hex()), c.nonce, c.attempt, c.fee)
		logRelayEvent(s.audit, relayLogEvent{
			Event:      kind,
			EventID:    id.Hex(),
			Block:      c.ob.Block,
			TxHash:     tx.Hex(),
			PrevTxHash: prev,
			Nonce:      c.nonce,
			Attempt:    c.attempt,
			MaxFee:     bigString(c.fee.MaxFeePerGas),
			Tip:        bigString(c.fee.MaxPriorityFeePerGas),
		})

		st, timedOut, err := s.wait(ctx, tx)
		if err != nil {
			return c.result(0, false), fmt.Errorf("wait %s: %w", tx.Hex(), err)
		}
		if timedOut {
			log.Printf("[submit] event=%s tx=%s not mined within %s", id.Hex(), shortHash(tx.Hex()), s.cfg.ConfirmTimeout)
			c.fee = c.fee.Bump(s.cfg.BumpPercent)
			metrics.FeeBumps.Inc()
			continue
		}
		if st.State == TxSucceeded {
			return s.complete(ctx, c)
		}
		return s.fail(ctx, c)
	}

	metrics.Submissions.WithLabelValues("exhausted").Inc()
	log.Printf("[warn] [submit] event=%s exhausted %d attempt(s) at nonce=%d", id.Hex(), s.cfg.MaxAttempts, c.nonce)
	res := c.result(OutcomeExhausted, false)
	logRelayEvent(s.audit, relayLogEvent{
		Event:   "exhausted",
		EventID: id.Hex(),
		Block:   c.ob.Block,
		TxHash:  res.LastTx.Hex(),
		Nonce:   c.nonce,
		Attempt: c.attempt,
		Outcome: res.Outcome.String(),
	})
	return res, nil
}

// settled checks whether a transaction already broadcast at c.nonce was
// mined. It is called when the node reports the nonce as used.
func (s *Submitter) settled(ctx context.Context, c *cycle) (Result, bool, error) {
	for i := len(c.sent) - 1; i >= 0; i-- {
		st, err := s.reader.TxStatus(ctx, c.sent[i])
		if err != nil {
			return c.result(0, false), false, fmt.Errorf("tx status %s: %w", c.sent[i].Hex(), err)
		}
		switch st.State {
		case TxSucceeded:
			c.sent = append(c.sent, c.sent[i])
			res, err := s.complete(ctx, c)
			return res, true, err
		case TxReverted:
			c.sent = append(c.sent, c.sent[i])
			res, err := s.fail(ctx, c)
			return res, true, err
		}
	}
	return Result{}, false, nil
}

// answered searches ResponseRecorded logs from the request block on for a
// response to c.ob sent by this relay. A hit is recorded as the completion.
func (s *Submitter) answered(ctx context.Context, c *cycle) (Result, bool, error) {
	latest, err := s.reader.LatestBlock(ctx)
	if err != nil {
		return c.result(0, false), false, fmt.Errorf("latest block: %w", err)
	}
	responder := s.writer.Responder()
	id := c.ob.EventID

	for from := c.ob.Block; from <= latest; from += answerLookupSpan {
		to := min(from+answerLookupSpan-1, latest)
		responses, err := s.reader.Responses(ctx, from, to)
		if err != nil {
			return c.result(0, false), false, fmt.Errorf("responses [%d..%d]: %w", from, to, err)
		}
		for _, r := range responses {
			if r.From != responder || r.PayloadID != id {
				continue
			}
			if err := s.store.RecordResponse(ctx, r); err != nil {
				return c.result(0, false), false, fmt.Errorf("record response %s: %w", id.Hex(), err)
			}
			c.nonce = r.Nonce
			c.sent = append(c.sent, r.TxHash)
			res := c.result(OutcomeCompleted, true)
			metrics.Submissions.WithLabelValues("completed").Inc()
			log.Printf("[submit] event=%s already answered by tx=%s nonce=%d block=%d", id.Hex(), shortHash(r.TxHash.Hex()), r.Nonce, r.BlockNumber)
			logRelayEvent(s.audit, relayLogEvent{
				Event:   "reconciled",
				Source:  "submit",
				EventID: id.Hex(),
				Block:   r.BlockNumber,
				TxHash:  r.TxHash.Hex(),
				Nonce:   r.Nonce,
				Outcome: res.Outcome.String(),
			})
			return res, true, nil
		}
		if to == latest {
			break
		}
	}
	return Result{}, false, nil
}

func (s *Submitter) assignNonce(ctx context.Context, c *cycle) error {
	nonce, err := s.reader.PendingNonce(ctx)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	if err := s.store.ReserveNonce(ctx, c.ob.EventID, nonce); err != nil {
		return fmt.Errorf("reserve nonce %d for %s: %w", nonce, c.ob.EventID.Hex(), err)
	}
	c.nonce = nonce
	c.reused = false
	return nil
}

func (s *Submitter) checkBalance(ctx context.Context, fee FeeQuote) error {
	bal, err := s.reader.Balance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	need := fee.Cost(s.writer.GasLimit())
	if bal.Cmp(need) < 0 {
		log.Printf("[warn] [submit] balance %s below %s needed at %s", bal, need, fee)
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientBalance, bal, need)
	}
	return nil
}

// wait blocks for tx up to ConfirmTimeout. timedOut is true only when the
// confirm timeout elapsed while the parent context is still live.
func (s *Submitter) wait(ctx context.Context, tx common.Hash) (TxStatus, bool, error) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	start := time.Now()
	st, err := s.reader.WaitMined(wctx, tx)
	if err == nil {
		metrics.ConfirmDuration.Observe(time.Since(start).Seconds())
		return st, false, nil
	}
	if ctx.Err() != nil {
		return st, false, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return st, true, nil
	}
	return st, false, err
}

func (s *Submitter) complete(ctx context.Context, c *cycle) (Result, error) {
	if err := s.store.Complete(ctx, c.ob.EventID, c.submission()); err != nil {
		return c.result(0, false), fmt.Errorf("complete %s: %w", c.ob.EventID.Hex(), err)
	}
	res := c.result(OutcomeCompleted, true)
	metrics.Submissions.WithLabelValues("completed").Inc()
	log.Printf("[submit] completed event=%s tx=%s attempt=%d", c.ob.EventID.Hex(), shortHash(res.LastTx.Hex()), c.attempt)
	logRelayEvent(s.audit, relayLogEvent{
		Event:   "completed",
		EventID: c.ob.EventID.Hex(),
		Block:   c.ob.Block,
		TxHash:  res.LastTx.Hex(),
		Nonce:   c.nonce,
		Attempt: c.attempt,
		Outcome: res.Outcome.String(),
	})
	return res, nil
}

func (s *Submitter) fail(ctx context.Context, c *cycle) (Result, error) {
	if err := s.store.Fail(ctx, c.ob.EventID, c.attempt); err != nil {
		return c.result(0, false), fmt.Errorf("fail %s: %w", c.ob.EventID.Hex(), err)
	}
	res := c.result(OutcomeFailed, true)
	metrics.Submissions.WithLabelValues("failed").Inc()
	log.Printf("[warn] [submit] event=%s tx=%s reverted; marked failed", c.ob.EventID.Hex(), shortHash(res.LastTx.Hex()))
	logRelayEvent(s.audit, relayLogEvent{
		Event:   "failed",
		EventID: c.ob.EventID.Hex(),
		Block:   c.ob.Block,
		TxHash:  res.LastTx.Hex(),
		Nonce:   c.nonce,
		Attempt: c.attempt,
		Outcome: res.Outcome.String(),
	})
	return res, nil
}

func doneResult(ob Obligation) Result {
	r := Result{Outcome: OutcomeCompleted, Attempt: ob.Attempt, Done: true}
	if ob.State == StateFailed {
		r.Outcome = OutcomeFailed
	}
	if ob.Nonce != nil {
		r.Nonce = *ob.Nonce
	}
	if ob.LastTx != nil {
		r.LastTx = *ob.LastTx
	}
	return r
}
