package relay

import "errors"

var (
	// ErrNotFound is returned by Store.Get for unknown event ids.
	ErrNotFound = errors.New("obligation not found")

	// ErrInsufficientBalance means the signer cannot cover gasLimit × maxFeePerGas.
	// Nothing was sent and the attempt counter was left untouched.
	ErrInsufficientBalance = errors.New("insufficient balance for response transaction")

	// ErrAttemptsExhausted is surfaced by the queue processor when a submission
	// ran out of fee-bump cycles. Nonce and last tx are kept for a later resume.
	ErrAttemptsExhausted = errors.New("submission attempts exhausted")

	// ErrFailureBudgetExhausted ends the supervisor after too many consecutive
	// pipeline failures.
	ErrFailureBudgetExhausted = errors.New("supervisor failure budget exhausted")

	// ErrUnderpriced is returned by a ChainWriter when the node rejects a
	// replacement for not paying enough.
	ErrUnderpriced = errors.New("replacement transaction underpriced")

	// ErrNonceTooLow is returned by a ChainWriter when the nonce was already used.
	ErrNonceTooLow = errors.New("nonce too low")

	ErrInFlightFull = errors.New("in-flight set is full")
)
