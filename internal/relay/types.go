package relay

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Usage names a checkpointed stream.
type Usage string

const (
	// UsageInbound tracks the RequestRaised scan.
	UsageInbound Usage = "inbound"
	// UsageOutbound tracks the ResponseRecorded reconciliation scan.
	UsageOutbound Usage = "outbound"
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Event is one observed RequestRaised log. ID is the hash of the transaction
// that emitted it and is what respond() is called with.
type Event struct {
	ID          common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Response is a ResponseRecorded log joined with the sender and nonce of the
// transaction that emitted it.
type Response struct {
	PayloadID   common.Hash
	TxHash      common.Hash
	From        common.Address
	Nonce       uint64
	BlockNumber uint64
}

// Obligation is the durable queue item owed one response transaction.
type Obligation struct {
	EventID   common.Hash
	Block     uint64
	State     State
	Done      bool
	Nonce     *uint64
	Attempt   uint32
	LastTx    *common.Hash
	UpdatedAt time.Time
}

// Resumable reports whether a submission cycle was started and not finished.
func (o Obligation) Resumable() bool {
	return o.LastTx != nil && !o.Done
}

type TxState int

const (
	TxNotFound TxState = iota
	TxPending
	TxSucceeded
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxSucceeded:
		return "succeeded"
	case TxReverted:
		return "reverted"
	default:
		return "not_found"
	}
}

// TxStatus is what the chain knows about one transaction. Fee and Nonce are
// only populated when the transaction body was found.
type TxStatus struct {
	State TxState
	Fee   FeeQuote
	Nonce uint64
	Block uint64
}

// ChainReader is the read side of the chain node.
type ChainReader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	Requests(ctx context.Context, from, to uint64) ([]Event, error)
	Responses(ctx context.Context, from, to uint64) ([]Response, error)
	FeeQuote(ctx context.Context) (FeeQuote, error)
	// PendingNonce is the signer's next nonce including mempool transactions.
	PendingNonce(ctx context.Context) (uint64, error)
	// ConfirmedNonce is the signer's next nonce counting mined transactions only.
	ConfirmedNonce(ctx context.Context) (uint64, error)
	Balance(ctx context.Context) (*big.Int, error)
	TxStatus(ctx context.Context, tx common.Hash) (TxStatus, error)
	// WaitMined blocks until tx is mined or ctx is done. It returns ctx.Err()
	// when the wait is cut short.
	WaitMined(ctx context.Context, tx common.Hash) (TxStatus, error)
}

// ChainWriter signs and broadcasts respond(payloadID) transactions.
type ChainWriter interface {
	SendResponse(ctx context.Context, payloadID common.Hash, nonce uint64, fee FeeQuote) (common.Hash, error)
	GasLimit() uint64
	Responder() common.Address
}

// Submission is what gets persisted right after a transaction is broadcast.
type Submission struct {
	Nonce   uint64
	TxHash  common.Hash
	Attempt uint32
}

// Store is the durable obligation queue plus per-stream checkpoints.
type Store interface {
	// Enqueue inserts a pending obligation. It reports false when a row for
	// the event already existed.
	Enqueue(ctx context.Context, ev Event) (bool, error)
	Exists(ctx context.Context, id common.Hash) (bool, error)
	Get(ctx context.Context, id common.Hash) (Obligation, error)
	NextPending(ctx context.Context) (Obligation, bool, error)
	Resumable(ctx context.Context) ([]Obligation, error)
	CountByState(ctx context.Context) (map[State]int, error)

	ReserveNonce(ctx context.Context, id common.Hash, nonce uint64) error
	RecordSubmission(ctx context.Context, id common.Hash, sub Submission) error
	Complete(ctx context.Context, id common.Hash, sub Submission) error
	Fail(ctx context.Context, id common.Hash, attempt uint32) error
	RecordResponse(ctx context.Context, r Response) error

	// SaveCheckpoint never moves a checkpoint backwards.
	SaveCheckpoint(ctx context.Context, usage Usage, block uint64) error
	Checkpoint(ctx context.Context, usage Usage) (uint64, bool, error)

	Close() error
}
