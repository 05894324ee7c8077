// Package ethutil parses the hex strings that appear in relay configuration
// and operator input.
package ethutil

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseAddress accepts a 0x-prefixed or bare 20-byte hex address. The zero
// address is rejected.
func ParseAddress(raw string) (common.Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return common.Address{}, fmt.Errorf("address missing")
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid hex address %q", raw)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address %q", raw)
	}
	return addr, nil
}

// ParseHash accepts exactly 32 bytes of 0x-prefixed hex.
func ParseHash(raw string) (common.Hash, error) {
	s := strings.TrimSpace(raw)
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash %q: %w", raw, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q: want %d bytes, got %d", raw, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, fmt.Errorf("private key missing")
	}
	hexKey = strings.TrimPrefix(hexKey, "0x")
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return pk, nil
}

// ValidateRPCURL checks the scheme of an RPC endpoint and catches
// unreplaced provider placeholders.
func ValidateRPCURL(rpcURL string) error {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return fmt.Errorf("RPC_WS_URL or RPC_URL required")
	}
	switch {
	case strings.HasPrefix(rpcURL, "ws://"), strings.HasPrefix(rpcURL, "wss://"),
		strings.HasPrefix(rpcURL, "http://"), strings.HasPrefix(rpcURL, "https://"),
		strings.HasSuffix(rpcURL, ".ipc"):
	default:
		return fmt.Errorf("RPC URL must be ws(s)://..., http(s)://... or an .ipc path, got %q", rpcURL)
	}
	if strings.Contains(rpcURL, "YOUR_KEY") {
		return fmt.Errorf("RPC URL still contains placeholder YOUR_KEY")
	}
	return nil
}
