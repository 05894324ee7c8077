// Package state keeps a local copy of the scan checkpoints so progress
// survives an outage of the obligation store.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Checkpoint struct {
	ChainID         int64  `json:"chain_id"`
	ContractAddress string `json:"contract_address"`

	Inbound  uint64 `json:"inbound"`
	Outbound uint64 `json:"outbound"`

	UpdatedAtMs int64 `json:"updated_at_ms,omitempty"`
}

// Matches reports whether the checkpoint was written for the same contract on
// the same chain. Blocks from another deployment must never be reused.
func (c Checkpoint) Matches(chainID int64, contract string) bool {
	if c.ChainID != 0 && chainID != 0 && c.ChainID != chainID {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(c.ContractAddress), strings.TrimSpace(contract))
}

func LoadCheckpoint(path string) (Checkpoint, bool, error) {
	if path == "" {
		return Checkpoint{}, false, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return ckpt, true, nil
}

// SaveCheckpoint writes ckpt atomically (tmp file + rename).
func SaveCheckpoint(path string, ckpt Checkpoint) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
