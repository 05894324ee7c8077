package relay_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pongrelay/internal/jsonl"
	"pongrelay/internal/relay"
	"pongrelay/internal/state"
)

var contract = common.HexToAddress("0x00000000000000000000000000000000000c0de1")

func newProcessor(chain *fakeChain, s relay.Store) *relay.Processor {
	return relay.NewProcessor(s, relay.NewLedger(s, 0), newSubmitter(chain, s))
}

func TestDrainProcessesOldestFirstAndSkipsFailed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	chain := newFakeChain()
	chain.outcomes = []relay.TxState{relay.TxReverted, relay.TxSucceeded}
	enqueue(t, s, eventID(2), 104)
	enqueue(t, s, eventID(1), 101)

	n, err := newProcessor(chain, s).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sent := chain.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, eventID(1), sent[0].payload)
	assert.Equal(t, eventID(2), sent[1].payload)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[relay.State]int{relay.StateFailed: 1, relay.StateCompleted: 1}, counts)
}

func TestDrainSurfacesExhaustion(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	chain := newFakeChain()
	enqueue(t, s, eventID(1), 101)
	enqueue(t, s, eventID(2), 102)

	p := newProcessor(chain, s)
	_, err := p.Drain(ctx)
	require.ErrorIs(t, err, relay.ErrAttemptsExhausted)
	assert.Len(t, chain.sentTxs(), 3, "the next obligation waits for the stuck nonce")

	// After a restart the stuck tx is resumed before anything new is sent.
	last := chain.sentTxs()[2]
	chain.setStatus(last.hash, relay.TxStatus{State: relay.TxSucceeded, Nonce: last.nonce})
	n, err := p.ResumeOutstanding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, chain.sentTxs(), 3)

	got, err := s.Get(ctx, eventID(1))
	require.NoError(t, err)
	assert.Equal(t, relay.StateCompleted, got.State)
}

func TestDrainStopsOnInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	chain := newFakeChain()
	chain.balance.SetInt64(0)
	enqueue(t, s, eventID(1), 101)

	_, err := newProcessor(chain, s).Drain(ctx)
	require.ErrorIs(t, err, relay.ErrInsufficientBalance)

	got, err := s.Get(ctx, eventID(1))
	require.NoError(t, err)
	assert.Equal(t, relay.StatePending, got.State)
	assert.Zero(t, got.Attempt)
}

func supervisorConfig(t *testing.T) relay.SupervisorConfig {
	return relay.SupervisorConfig{
		StartBlock:     100,
		WindowSize:     5,
		PollInterval:   time.Hour,
		RetryInterval:  time.Millisecond,
		MaxFailures:    2,
		Submitter:      testSubmitterConfig(),
		CheckpointFile: filepath.Join(t.TempDir(), "state.json"),
		ChainID:        11155111,
		Contract:       contract.Hex(),
	}
}

func TestSupervisorGivesUpAfterFailureBudget(t *testing.T) {
	s := openStore(t)
	chain := newFakeChain()
	chain.latestErr = errors.New("rpc down")
	alerts := &fakeAlerts{}

	sup := relay.NewSupervisor(supervisorConfig(t), relay.Deps{
		Reader: chain, Writer: chain, Store: s, Alerts: alerts,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	require.ErrorIs(t, err, relay.ErrFailureBudgetExhausted)
	assert.Contains(t, err.Error(), "rpc down")
	assert.Equal(t, 1, alerts.count())
	assert.Contains(t, alerts.got[0].Body, "3 consecutive failures")
}

func TestSupervisorLiveEventIsRelayedAndShutdownIsClean(t *testing.T) {
	s := openStore(t)
	chain := newFakeChain()
	chain.latest = 100
	chain.outcomes = []relay.TxState{relay.TxSucceeded}
	chain.live = []relay.Event{{ID: eventID(42), BlockNumber: 101}, {ID: eventID(42), BlockNumber: 101}}

	auditPath := filepath.Join(t.TempDir(), "relay.jsonl")
	audit := jsonl.New(auditPath)
	defer audit.Close()

	sup := relay.NewSupervisor(supervisorConfig(t), relay.Deps{
		Reader: chain, Writer: chain, Store: s, Live: chain, Audit: audit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		ob, err := s.Get(context.Background(), eventID(42))
		return err == nil && ob.Done
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	assert.Len(t, chain.sentTxs(), 1, "duplicate live delivery is ignored")
	_, ok, err := s.Checkpoint(context.Background(), relay.UsageInbound)
	require.NoError(t, err)
	assert.False(t, ok, "live events never move the range checkpoint")

	events := auditEvents(t, auditPath)
	assert.Contains(t, events, "start")
	assert.Contains(t, events, "enqueued")
	assert.Contains(t, events, "submitted")
	assert.Contains(t, events, "completed")
	assert.Equal(t, "shutdown", events[len(events)-1])
	assert.Equal(t, len(events), lastAuditRecords(t, auditPath), "shutdown line counts every line of the run")
}

func TestSupervisorCatchUpThenPoll(t *testing.T) {
	s := openStore(t)
	chain := newFakeChain()
	chain.latest = 105
	chain.addRequest(eventID(1), 101)
	chain.addRequest(eventID(2), 104)
	chain.outcomes = []relay.TxState{relay.TxSucceeded, relay.TxSucceeded}

	cfg := supervisorConfig(t)
	cfg.PollInterval = 20 * time.Millisecond
	sup := relay.NewSupervisor(cfg, relay.Deps{Reader: chain, Writer: chain, Store: s})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := s.CountByState(context.Background())
		return err == nil && counts[relay.StateCompleted] == 2
	}, 5*time.Second, 10*time.Millisecond)

	// A request mined later is picked up by the poll.
	chain.addRequest(eventID(3), 108)
	chain.mu.Lock()
	chain.latest = 110
	chain.outcomes = append(chain.outcomes, relay.TxSucceeded)
	chain.mu.Unlock()

	require.Eventually(t, func() bool {
		ob, err := s.Get(context.Background(), eventID(3))
		return err == nil && ob.Done
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	b, _, err := s.Checkpoint(context.Background(), relay.UsageInbound)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), b)
}

func TestSupervisorNeverAnswersTwiceAfterCrashBeforeRecord(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	reservedNonce(t, s, eventID(1), 101, 5)
	require.NoError(t, s.SaveCheckpoint(ctx, relay.UsageInbound, 104))
	require.NoError(t, s.SaveCheckpoint(ctx, relay.UsageOutbound, 104))

	// The response was mined in the head block, so the outbound scan has
	// nothing to read yet.
	chain := newFakeChain()
	chain.latest = 105
	chain.pendingNonce = 7
	mined := common.HexToHash("0xd00d")
	chain.responses = []relay.Response{{PayloadID: eventID(1), TxHash: mined, From: responder, Nonce: 5, BlockNumber: 105}}
	chain.sendErrs = []error{relay.ErrNonceTooLow}
	chain.outcomes = []relay.TxState{relay.TxSucceeded}

	cfg := supervisorConfig(t)
	cfg.StartBlock = 100
	sup := relay.NewSupervisor(cfg, relay.Deps{Reader: chain, Writer: chain, Store: s})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sup.Run(runCtx) }()

	require.Eventually(t, func() bool {
		ob, err := s.Get(ctx, eventID(1))
		return err == nil && ob.Done
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, chain.sentTxs())
	ob, err := s.Get(ctx, eventID(1))
	require.NoError(t, err)
	assert.Equal(t, relay.StateCompleted, ob.State)
	assert.Equal(t, uint64(5), *ob.Nonce)
	assert.Equal(t, mined, *ob.LastTx)
}

func TestSupervisorInitialStateMergesSpillFile(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	chain := newFakeChain()
	cfg := supervisorConfig(t)

	require.NoError(t, s.SaveCheckpoint(ctx, relay.UsageInbound, 120))
	require.NoError(t, s.SaveCheckpoint(ctx, relay.UsageOutbound, 130))
	require.NoError(t, state.SaveCheckpoint(cfg.CheckpointFile, state.Checkpoint{
		ChainID: cfg.ChainID, ContractAddress: cfg.Contract, Inbound: 150, Outbound: 90,
	}))

	st := relay.NewSupervisor(cfg, relay.Deps{Reader: chain, Writer: chain, Store: s}).InitialState(ctx)
	assert.Equal(t, relay.RunState{Inbound: 150, Outbound: 130}, st)

	// A spill file from another deployment is ignored.
	require.NoError(t, state.SaveCheckpoint(cfg.CheckpointFile, state.Checkpoint{
		ChainID: 1, ContractAddress: cfg.Contract, Inbound: 999, Outbound: 999,
	}))
	st = relay.NewSupervisor(cfg, relay.Deps{Reader: chain, Writer: chain, Store: s}).InitialState(ctx)
	assert.Equal(t, relay.RunState{Inbound: 120, Outbound: 130}, st)
}

func TestSupervisorSpillsCheckpointsWhenStoreFails(t *testing.T) {
	s := openStore(t)
	chain := newFakeChain()
	chain.latest = 130
	cfg := supervisorConfig(t)
	require.NoError(t, state.SaveCheckpoint(cfg.CheckpointFile, state.Checkpoint{
		ChainID: cfg.ChainID, ContractAddress: cfg.Contract, Inbound: 150, Outbound: 140,
	}))

	sup := relay.NewSupervisor(cfg, relay.Deps{Reader: chain, Writer: chain, Store: failingSaves{s}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, ok, err := state.LoadCheckpoint(cfg.CheckpointFile)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(150), got.Inbound)
	assert.Equal(t, uint64(140), got.Outbound)
	assert.NotZero(t, got.UpdatedAtMs, "spill file was rewritten on shutdown")
}

func auditEvents(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec.Event)
	}
	require.NoError(t, sc.Err())
	return out
}

func lastAuditRecords(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	var rec struct {
		Records int `json:"records"`
	}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &rec))
	return rec.Records
}
