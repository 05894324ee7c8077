package relay_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"pongrelay/internal/alert"
	"pongrelay/internal/relay"
	"pongrelay/internal/store"
)

var responder = common.HexToAddress("0x00000000000000000000000000000000000feed1")

type sentTx struct {
	payload common.Hash
	nonce   uint64
	fee     relay.FeeQuote
	hash    common.Hash
}

// fakeChain is a scripted node. Sends are mined according to outcomes, in
// send order; anything not scripted stays pending forever.
type fakeChain struct {
	mu sync.Mutex

	latest    uint64
	latestErr error
	requests  map[uint64][]relay.Event
	reqErrAt  map[uint64]error
	responses []relay.Response
	windows   [][2]uint64

	fee            relay.FeeQuote
	pendingNonce   uint64
	confirmedNonce uint64
	balance        *big.Int
	gasLimit       uint64

	sendErrs []error
	// mineLastOnNonceTooLow marks the latest send as mined when a scripted
	// ErrNonceTooLow is returned.
	mineLastOnNonceTooLow bool
	outcomes              []relay.TxState
	sent                  []sentTx
	status                map[common.Hash]relay.TxStatus

	live []relay.Event
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		requests:     map[uint64][]relay.Event{},
		reqErrAt:     map[uint64]error{},
		fee:          relay.FeeQuote{MaxFeePerGas: big.NewInt(1000), MaxPriorityFeePerGas: big.NewInt(100)},
		pendingNonce: 7,
		balance:      new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		gasLimit:     100_000,
		status:       map[common.Hash]relay.TxStatus{},
	}
}

func (f *fakeChain) addRequest(id common.Hash, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[block] = append(f.requests[block], relay.Event{ID: id, BlockNumber: block})
}

func (f *fakeChain) setStatus(h common.Hash, st relay.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[h] = st
}

func (f *fakeChain) sentTxs() []sentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTx(nil), f.sent...)
}

func (f *fakeChain) scannedWindows() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.windows...)
}

func (f *fakeChain) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.latestErr
}

func (f *fakeChain) Requests(_ context.Context, from, to uint64) ([]relay.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reqErrAt[from]; err != nil {
		return nil, err
	}
	f.windows = append(f.windows, [2]uint64{from, to})
	var out []relay.Event
	for b := from; b <= to; b++ {
		out = append(out, f.requests[b]...)
	}
	return out, nil
}

func (f *fakeChain) Responses(_ context.Context, from, to uint64) ([]relay.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []relay.Response
	for _, r := range f.responses {
		if r.BlockNumber >= from && r.BlockNumber <= to {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeChain) FeeQuote(context.Context) (relay.FeeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return relay.FeeQuote{
		MaxFeePerGas:         new(big.Int).Set(f.fee.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(f.fee.MaxPriorityFeePerGas),
	}, nil
}

func (f *fakeChain) PendingNonce(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce, nil
}

func (f *fakeChain) ConfirmedNonce(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmedNonce, nil
}

func (f *fakeChain) Balance(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) TxStatus(_ context.Context, h common.Hash) (relay.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[h]
	if !ok {
		return relay.TxStatus{State: relay.TxNotFound}, nil
	}
	return st, nil
}

func (f *fakeChain) WaitMined(ctx context.Context, h common.Hash) (relay.TxStatus, error) {
	f.mu.Lock()
	st, ok := f.status[h]
	f.mu.Unlock()
	if ok && (st.State == relay.TxSucceeded || st.State == relay.TxReverted) {
		return st, nil
	}
	<-ctx.Done()
	return relay.TxStatus{State: relay.TxPending}, ctx.Err()
}

func (f *fakeChain) SendResponse(_ context.Context, payload common.Hash, nonce uint64, fee relay.FeeQuote) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			if errors.Is(err, relay.ErrNonceTooLow) && f.mineLastOnNonceTooLow && len(f.sent) > 0 {
				last := f.sent[len(f.sent)-1]
				f.status[last.hash] = relay.TxStatus{State: relay.TxSucceeded, Fee: last.fee, Nonce: last.nonce}
			}
			return common.Hash{}, err
		}
	}

	n := len(f.sent)
	h := common.BigToHash(big.NewInt(int64(0x1000 + n)))
	f.sent = append(f.sent, sentTx{payload: payload, nonce: nonce, fee: fee, hash: h})

	st := relay.TxStatus{State: relay.TxPending, Fee: fee, Nonce: nonce}
	if n < len(f.outcomes) && f.outcomes[n] != relay.TxPending {
		st.State = f.outcomes[n]
		st.Block = f.latest + 1
	}
	f.status[h] = st
	return h, nil
}

func (f *fakeChain) GasLimit() uint64 { return f.gasLimit }

func (f *fakeChain) Responder() common.Address { return responder }

func (f *fakeChain) Subscribe(ctx context.Context, out chan<- relay.Event) error {
	f.mu.Lock()
	live := append([]relay.Event(nil), f.live...)
	f.mu.Unlock()
	for _, ev := range live {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

type fakeAlerts struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (a *fakeAlerts) Name() string { return "fake" }

func (a *fakeAlerts) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, al)
	return nil
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

// failingSaves is a store whose checkpoint writes always fail.
type failingSaves struct {
	relay.Store
}

func (failingSaves) SaveCheckpoint(context.Context, relay.Usage, uint64) error {
	return errors.New("store unavailable")
}

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func eventID(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n))
}

func testSubmitterConfig() relay.SubmitterConfig {
	return relay.SubmitterConfig{
		MaxAttempts:    3,
		ConfirmTimeout: 20 * time.Millisecond,
		BumpPercent:    10,
	}
}

func enqueue(t *testing.T, s relay.Store, id common.Hash, block uint64) relay.Obligation {
	t.Helper()
	ctx := context.Background()
	_, err := s.Enqueue(ctx, relay.Event{ID: id, BlockNumber: block})
	require.NoError(t, err)
	ob, err := s.Get(ctx, id)
	require.NoError(t, err)
	return ob
}
