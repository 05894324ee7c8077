package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pongrelay/internal/relay"
)

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) relay.Store { return openSQLite(t) })
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("PONGRELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PONGRELAY_TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) relay.Store {
		ctx := context.Background()
		p, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		_, err = p.pool.Exec(ctx, `TRUNCATE obligations, checkpoints`)
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		return p
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	require.Error(t, err)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, relay.Event{ID: common.HexToHash("0x01"), BlockNumber: 7})
	require.NoError(t, err)
	require.NoError(t, s.SaveCheckpoint(ctx, relay.UsageInbound, 9))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Exists(ctx, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.True(t, ok)
	b, ok, err := s.Checkpoint(ctx, relay.UsageInbound)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(9), b)
}

func runStoreSuite(t *testing.T, open func(t *testing.T) relay.Store) {
	ctx := context.Background()
	idA := common.HexToHash("0xaa")
	idB := common.HexToHash("0xbb")
	tx1 := common.HexToHash("0x1111")
	tx2 := common.HexToHash("0x2222")

	t.Run("enqueue is idempotent", func(t *testing.T) {
		s := open(t)
		ins, err := s.Enqueue(ctx, relay.Event{ID: idA, BlockNumber: 101})
		require.NoError(t, err)
		assert.True(t, ins)

		ins, err = s.Enqueue(ctx, relay.Event{ID: idA, BlockNumber: 101})
		require.NoError(t, err)
		assert.False(t, ins)

		counts, err := s.CountByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[relay.State]int{relay.StatePending: 1}, counts)

		ob, err := s.Get(ctx, idA)
		require.NoError(t, err)
		assert.Equal(t, idA, ob.EventID)
		assert.Equal(t, uint64(101), ob.Block)
		assert.Equal(t, relay.StatePending, ob.State)
		assert.False(t, ob.Done)
		assert.Nil(t, ob.Nonce)
		assert.Nil(t, ob.LastTx)
		assert.False(t, ob.Resumable())
	})

	t.Run("get unknown", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, idB)
		require.ErrorIs(t, err, relay.ErrNotFound)
		ok, err := s.Exists(ctx, idB)
		require.NoError(t, err)
		assert.False(t, ok)
		require.ErrorIs(t, s.ReserveNonce(ctx, idB, 1), relay.ErrNotFound)
	})

	t.Run("next pending is oldest block first", func(t *testing.T) {
		s := open(t)
		_, err := s.Enqueue(ctx, relay.Event{ID: idB, BlockNumber: 104})
		require.NoError(t, err)
		_, err = s.Enqueue(ctx, relay.Event{ID: idA, BlockNumber: 101})
		require.NoError(t, err)

		ob, ok, err := s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, idA, ob.EventID)

		require.NoError(t, s.RecordSubmission(ctx, idA, relay.Submission{Nonce: 3, TxHash: tx1, Attempt: 1}))
		ob, ok, err = s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, idB, ob.EventID)

		require.NoError(t, s.Fail(ctx, idB, 1))
		_, ok, err = s.NextPending(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("submission lifecycle", func(t *testing.T) {
		s := open(t)
		_, err := s.Enqueue(ctx, relay.Event{ID: idA, BlockNumber: 101})
		require.NoError(t, err)

		require.NoError(t, s.ReserveNonce(ctx, idA, 7))
		ob, err := s.Get(ctx, idA)
		require.NoError(t, err)
		require.NotNil(t, ob.Nonce)
		assert.Equal(t, uint64(7), *ob.Nonce)
		assert.Equal(t, relay.StatePending, ob.State)

		require.NoError(t, s.RecordSubmission(ctx, idA, relay.Submission{Nonce: 7, TxHash: tx1, Attempt: 2}))
		// attempt never goes backwards
		require.NoError(t, s.RecordSubmission(ctx, idA, relay.Submission{Nonce: 7, TxHash: tx2, Attempt: 1}))

		ob, err = s.Get(ctx, idA)
		require.NoError(t, err)
		assert.Equal(t, relay.StateProcessing, ob.State)
		assert.Equal(t, uint32(2), ob.Attempt)
		require.NotNil(t, ob.LastTx)
		assert.Equal(t, tx2, *ob.LastTx)
		assert.True(t, ob.Resumable())

		res, err := s.Resumable(ctx)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, idA, res[0].EventID)

		require.NoError(t, s.Complete(ctx, idA, relay.Submission{Nonce: 7, TxHash: tx2, Attempt: 3}))
		ob, err = s.Get(ctx, idA)
		require.NoError(t, err)
		assert.True(t, ob.Done)
		assert.Equal(t, relay.StateCompleted, ob.State)
		assert.Equal(t, uint32(3), ob.Attempt)

		res, err = s.Resumable(ctx)
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("done rows are frozen", func(t *testing.T) {
		s := open(t)
		_, err := s.Enqueue(ctx, relay.Event{ID: idA, BlockNumber: 101})
		require.NoError(t, err)
		require.NoError(t, s.RecordSubmission(ctx, idA, relay.Submission{Nonce: 1, TxHash: tx1, Attempt: 1}))
		require.NoError(t, s.Fail(ctx, idA, 1))

		require.NoError(t, s.RecordSubmission(ctx, idA, relay.Submission{Nonce: 9, TxHash: tx2, Attempt: 5}))
		require.NoError(t, s.Complete(ctx, idA, relay.Submission{Nonce: 9, TxHash: tx2, Attempt: 5}))
		require.NoError(t, s.ReserveNonce(ctx, idA, 9))
		require.NoError(t, s.RecordResponse(ctx, relay.Response{PayloadID: idA, TxHash: tx2, Nonce: 9, BlockNumber: 120}))

		ob, err := s.Get(ctx, idA)
		require.NoError(t, err)
		assert.Equal(t, relay.StateFailed, ob.State)
		assert.True(t, ob.Done)
		assert.Equal(t, uint64(1), *ob.Nonce)
		assert.Equal(t, tx1, *ob.LastTx)
		assert.Equal(t, uint32(1), ob.Attempt)
	})

	t.Run("record response", func(t *testing.T) {
		s := open(t)

		// unknown event: inserted as completed
		require.NoError(t, s.RecordResponse(ctx, relay.Response{PayloadID: idB, TxHash: tx2, Nonce: 4, BlockNumber: 130}))
		ob, err := s.Get(ctx, idB)
		require.NoError(t, err)
		assert.True(t, ob.Done)
		assert.Equal(t, relay.StateCompleted, ob.State)
		assert.Equal(t, uint64(4), *ob.Nonce)
		assert.Equal(t, tx2, *ob.LastTx)

		// in-progress event: completed with the mined tx
		_, err = s.Enqueue(ctx, relay.Event{ID: idA, BlockNumber: 101})
		require.NoError(t, err)
		require.NoError(t, s.RecordSubmission(ctx, idA, relay.Submission{Nonce: 3, TxHash: tx1, Attempt: 2}))
		require.NoError(t, s.RecordResponse(ctx, relay.Response{PayloadID: idA, TxHash: tx1, Nonce: 3, BlockNumber: 131}))
		ob, err = s.Get(ctx, idA)
		require.NoError(t, err)
		assert.True(t, ob.Done)
		assert.Equal(t, relay.StateCompleted, ob.State)
		assert.Equal(t, uint32(2), ob.Attempt)
		assert.Equal(t, uint64(101), ob.Block)
	})

	t.Run("checkpoint never decreases", func(t *testing.T) {
		s := open(t)
		_, ok, err := s.Checkpoint(ctx, relay.UsageInbound)
		require.NoError(t, err)
		assert.False(t, ok)

		for _, b := range []uint64{105, 111, 90, 111, 120} {
			require.NoError(t, s.SaveCheckpoint(ctx, relay.UsageInbound, b))
		}
		require.NoError(t, s.SaveCheckpoint(ctx, relay.UsageOutbound, 50))

		b, ok, err := s.Checkpoint(ctx, relay.UsageInbound)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(120), b)

		b, _, err = s.Checkpoint(ctx, relay.UsageOutbound)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), b)
	})
}
