// Package chain talks to the EVM node: log scans, fee and nonce queries,
// response transactions and the live RequestRaised subscription.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"pongrelay/internal/relay"
)

const (
	DefaultGasLimit = 100_000

	receiptPollInterval = time.Second
)

type Config struct {
	URL        string
	PrivateKey *ecdsa.PrivateKey
	Contract   common.Address
	GasLimit   uint64
}

// backend is the node API the Client needs. *ethclient.Client and the
// simulated backend's client both satisfy it.
type backend interface {
	bind.ContractBackend
	ethereum.BlockNumberReader
	ethereum.ChainIDReader
	ethereum.ChainStateReader
	ethereum.TransactionReader
}

// Client implements relay.ChainReader, relay.ChainWriter and
// relay.LiveSource on top of ethclient.
type Client struct {
	eth      backend
	closeFn  func()
	chainID  *big.Int
	contract common.Address
	from     common.Address
	gasLimit uint64

	bound *bind.BoundContract
	auth  *bind.TransactOpts
}

// Dial connects to cfg.URL, retrying with backoff until ctx is done.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	eth, head, err := dialWithBackoff(ctx, cfg.URL, time.Second, 30*time.Second)
	if err != nil {
		return nil, err
	}
	c, err := newClient(ctx, eth, eth.Close, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	log.Printf("[chain] connected chain=%s head=%d responder=%s contract=%s", c.chainID, head, c.from.Hex(), c.contract.Hex())
	return c, nil
}

func (cfg *Config) check() error {
	if cfg.PrivateKey == nil {
		return fmt.Errorf("private key missing")
	}
	if cfg.Contract == (common.Address{}) {
		return fmt.Errorf("contract address missing")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	return nil
}

func newClient(ctx context.Context, eth backend, closeFn func(), cfg Config) (*Client, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	parsed, err := parseRelayABI()
	if err != nil {
		return nil, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(cfg.PrivateKey, chainID)
	if err != nil {
		return nil, err
	}
	return &Client{
		eth:      eth,
		closeFn:  closeFn,
		chainID:  chainID,
		contract: cfg.Contract,
		from:     crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		gasLimit: cfg.GasLimit,
		bound:    bind.NewBoundContract(cfg.Contract, parsed, eth, eth, eth),
		auth:     auth,
	}, nil
}

func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) Responder() common.Address { return c.from }

func (c *Client) GasLimit() uint64 { return c.gasLimit }

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) Requests(ctx context.Context, from, to uint64) ([]relay.Event, error) {
	q := requestQuery(c.contract)
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter RequestRaised [%d..%d]: %w", from, to, err)
	}
	out := make([]relay.Event, 0, len(logs))
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		ev, err := DecodeRequestLog(vLog)
		if err != nil {
			log.Printf("[warn] decode RequestRaised failed: %v", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Responses returns ResponseRecorded logs joined with the sender and nonce of
// their transaction.
func (c *Client) Responses(ctx context.Context, from, to uint64) ([]relay.Response, error) {
	q := responseQuery(c.contract)
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter ResponseRecorded [%d..%d]: %w", from, to, err)
	}

	signer := types.LatestSignerForChainID(c.chainID)
	out := make([]relay.Response, 0, len(logs))
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		payload, err := DecodeResponsePayload(vLog)
		if err != nil {
			log.Printf("[warn] decode ResponseRecorded failed: %v", err)
			continue
		}
		tx, _, err := c.eth.TransactionByHash(ctx, vLog.TxHash)
		if err != nil {
			return nil, fmt.Errorf("response tx %s: %w", vLog.TxHash.Hex(), err)
		}
		sender, err := types.Sender(signer, tx)
		if err != nil {
			return nil, fmt.Errorf("response tx %s sender: %w", vLog.TxHash.Hex(), err)
		}
		out = append(out, relay.Response{
			PayloadID:   payload,
			TxHash:      vLog.TxHash,
			From:        sender,
			Nonce:       tx.Nonce(),
			BlockNumber: vLog.BlockNumber,
		})
	}
	return out, nil
}

// FeeQuote returns maxFee = 2*baseFee + tip, which stays valid across several
// full blocks of base fee growth.
func (c *Client) FeeQuote(ctx context.Context) (relay.FeeQuote, error) {
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return relay.FeeQuote{}, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		price, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return relay.FeeQuote{}, fmt.Errorf("gas price: %w", err)
		}
		return relay.FeeQuote{MaxFeePerGas: price, MaxPriorityFeePerGas: new(big.Int).Set(price)}, nil
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return relay.FeeQuote{}, fmt.Errorf("gas tip: %w", err)
	}
	return quoteFromBaseFee(head.BaseFee, tip), nil
}

func quoteFromBaseFee(baseFee, tip *big.Int) relay.FeeQuote {
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return relay.FeeQuote{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: new(big.Int).Set(tip)}
}

func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, c.from)
}

func (c *Client) ConfirmedNonce(ctx context.Context) (uint64, error) {
	return c.eth.NonceAt(ctx, c.from, nil)
}

func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, c.from, nil)
}

func (c *Client) TxStatus(ctx context.Context, hash common.Hash) (relay.TxStatus, error) {
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return relay.TxStatus{State: relay.TxNotFound}, nil
	}
	if err != nil {
		return relay.TxStatus{}, fmt.Errorf("tx %s: %w", hash.Hex(), err)
	}

	st := relay.TxStatus{
		State: relay.TxPending,
		Nonce: tx.Nonce(),
		Fee:   relay.FeeQuote{MaxFeePerGas: tx.GasFeeCap(), MaxPriorityFeePerGas: tx.GasTipCap()},
	}
	if pending {
		return st, nil
	}

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		// Indexed but no receipt yet.
		return st, nil
	}
	if err != nil {
		return relay.TxStatus{}, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	applyReceipt(&st, receipt)
	return st, nil
}

// WaitMined polls for the receipt of hash until it shows up or ctx is done.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (relay.TxStatus, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			st := relay.TxStatus{State: relay.TxPending}
			applyReceipt(&st, receipt)
			return st, nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			log.Printf("[warn] receipt %s: %v", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return relay.TxStatus{State: relay.TxPending}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func applyReceipt(st *relay.TxStatus, r *types.Receipt) {
	if r.BlockNumber != nil {
		st.Block = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusSuccessful {
		st.State = relay.TxSucceeded
	} else {
		st.State = relay.TxReverted
	}
}

// SendResponse signs respond(payloadID) at nonce with fee and broadcasts it.
func (c *Client) SendResponse(ctx context.Context, payloadID common.Hash, nonce uint64, fee relay.FeeQuote) (common.Hash, error) {
	opts := *c.auth
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasFeeCap = fee.MaxFeePerGas
	opts.GasTipCap = fee.MaxPriorityFeePerGas
	opts.GasLimit = c.gasLimit
	opts.NoSend = true

	tx, err := c.bound.Transact(&opts, "respond", [32]byte(payloadID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign respond: %w", err)
	}
	known, err := classifySendError(c.eth.SendTransaction(ctx, tx))
	if err != nil {
		return common.Hash{}, err
	}
	if known {
		log.Printf("[chain] tx %s already known to the node", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

// SendRequest calls request() with node-estimated gas, nonce and fees.
func (c *Client) SendRequest(ctx context.Context) (common.Hash, error) {
	opts := *c.auth
	opts.Context = ctx
	tx, err := c.bound.Transact(&opts, "request")
	if err != nil {
		return common.Hash{}, fmt.Errorf("send request: %w", err)
	}
	return tx.Hash(), nil
}

func dialWithBackoff(ctx context.Context, url string, baseDelay, maxDelay time.Duration) (*ethclient.Client, uint64, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, 0, fmt.Errorf("rpc url missing")
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	delay := baseDelay
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		client, err := ethclient.DialContext(ctx, url)
		if err == nil {
			headNum, headErr := client.BlockNumber(ctx)
			if headErr == nil {
				return client, headNum, nil
			}
			client.Close()
			err = fmt.Errorf("failed to fetch head: %w", headErr)
		}

		wait := jitterDuration(delay)
		log.Printf("[warn] failed to connect to %s, retrying in %s: %v", redactURL(url), wait, err)
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil, 0, err
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := d / 5 // +/-20%
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int63n(int64(j*2)+1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SupportsSubscriptions reports whether url is a websocket or IPC endpoint.
// Plain HTTP endpoints cannot push logs.
func SupportsSubscriptions(url string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") || strings.HasSuffix(u, ".ipc")
}

// redactURL drops the path and query, where providers put API keys.
func redactURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			return u[:i+3+j]
		}
	}
	return u
}
