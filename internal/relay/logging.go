package relay

import (
	"log"
	"time"

	"pongrelay/internal/jsonl"
)

type relayLogEvent struct {
	TsMs  int64  `json:"ts_ms"`
	Event string `json:"event"`

	RunID  string `json:"run_id,omitempty"`
	Source string `json:"source,omitempty"` // scan | live | outbound | submit

	EventID string `json:"event_id,omitempty"`
	Block   uint64 `json:"block,omitempty"`

	// Submission fields.
	TxHash     string `json:"tx_hash,omitempty"`
	PrevTxHash string `json:"prev_tx_hash,omitempty"`
	Nonce      uint64 `json:"nonce,omitempty"`
	Attempt    uint32 `json:"attempt,omitempty"`
	MaxFee     string `json:"max_fee,omitempty"`
	Tip        string `json:"tip,omitempty"`
	Outcome    string `json:"outcome,omitempty"`

	// Checkpoints.
	Inbound  uint64 `json:"inbound,omitempty"`
	Outbound uint64 `json:"outbound,omitempty"`
	Failures int    `json:"failures,omitempty"`

	Err string `json:"err,omitempty"`

	UptimeMs int64 `json:"uptime_ms,omitempty"`
	// Records written by this log including the shutdown line itself.
	Records int `json:"records,omitempty"`
}

func logRelayEvent(w *jsonl.Writer, ev relayLogEvent) {
	if w == nil {
		return
	}
	if ev.TsMs == 0 {
		ev.TsMs = time.Now().UnixMilli()
	}
	if err := w.Write(ev); err != nil {
		log.Printf("[warn] relay log write failed: %v", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func shortHash(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:10] + "…"
}
