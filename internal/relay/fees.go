package relay

import (
	"fmt"
	"math/big"
)

// DefaultBumpPercent is the replacement fee increase. Nodes require at least
// 10% on both components to accept a replacement at the same nonce.
const DefaultBumpPercent = 10

// FeeQuote holds EIP-1559 fee caps in wei.
type FeeQuote struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (f FeeQuote) String() string {
	return fmt.Sprintf("maxFee=%s tip=%s", bigString(f.MaxFeePerGas), bigString(f.MaxPriorityFeePerGas))
}

// Bump returns a quote with both components raised by percent, rounded up,
// and never less than the old value plus one wei.
func (f FeeQuote) Bump(percent int64) FeeQuote {
	if percent < 0 {
		percent = 0
	}
	return FeeQuote{
		MaxFeePerGas:         bumpWei(f.MaxFeePerGas, percent),
		MaxPriorityFeePerGas: bumpWei(f.MaxPriorityFeePerGas, percent),
	}
}

// AtLeast returns the component-wise maximum of f and other.
func (f FeeQuote) AtLeast(other FeeQuote) FeeQuote {
	return FeeQuote{
		MaxFeePerGas:         maxBig(f.MaxFeePerGas, other.MaxFeePerGas),
		MaxPriorityFeePerGas: maxBig(f.MaxPriorityFeePerGas, other.MaxPriorityFeePerGas),
	}
}

// Cost is the most a transaction with gasLimit can pay in fees.
func (f FeeQuote) Cost(gasLimit uint64) *big.Int {
	maxFee := f.MaxFeePerGas
	if maxFee == nil {
		maxFee = new(big.Int)
	}
	return new(big.Int).Mul(maxFee, new(big.Int).SetUint64(gasLimit))
}

func bumpWei(x *big.Int, percent int64) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(1)
	}
	// ceil(x * (100+percent) / 100)
	out := new(big.Int).Mul(x, big.NewInt(100+percent))
	out.Add(out, big.NewInt(99))
	out.Quo(out, big.NewInt(100))
	floor := new(big.Int).Add(x, big.NewInt(1))
	if out.Cmp(floor) < 0 {
		return floor
	}
	return out
}

func maxBig(a, b *big.Int) *big.Int {
	switch {
	case a == nil && b == nil:
		return new(big.Int)
	case a == nil:
		return new(big.Int).Set(b)
	case b == nil:
		return new(big.Int).Set(a)
	case a.Cmp(b) >= 0:
		return new(big.Int).Set(a)
	default:
		return new(big.Int).Set(b)
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
