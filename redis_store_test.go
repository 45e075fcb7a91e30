package lottery

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Keys(t *testing.T) {
	assert.Equal(t, "lottery:l1:players", playersKey("l1"))
	assert.Equal(t, "lottery:l1:winners", winnersKey("l1"))
	assert.Equal(t, "lottery:l1:transfers", transfersKey("l1"))
}

func TestRedisStore_Load(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		mockSetup func(mock redismock.ClientMock)
		want      *Snapshot
		wantErr   error
	}{
		{
			name: "players and winners",
			mockSetup: func(mock redismock.ClientMock) {
				mock.ExpectLRange(playersKey("l1"), 0, -1).SetVal([]string{"a", "b", "a"})
				mock.ExpectHGetAll(winnersKey("l1")).SetVal(map[string]string{"c": "pending", "d": "paid"})
			},
			want: &Snapshot{
				Players: []Account{"a", "b", "a"},
				Winners: map[Account]ClaimStatus{"c": ClaimPending, "d": ClaimPaid},
			},
		},
		{
			name: "empty lottery",
			mockSetup: func(mock redismock.ClientMock) {
				mock.ExpectLRange(playersKey("l1"), 0, -1).SetVal([]string{})
				mock.ExpectHGetAll(winnersKey("l1")).SetVal(map[string]string{})
			},
			want: &Snapshot{Players: []Account{}, Winners: map[Account]ClaimStatus{}},
		},
		{
			name: "corrupted status",
			mockSetup: func(mock redismock.ClientMock) {
				mock.ExpectLRange(playersKey("l1"), 0, -1).SetVal([]string{})
				mock.ExpectHGetAll(winnersKey("l1")).SetVal(map[string]string{"c": "won"})
			},
			wantErr: ErrStateCorrupted,
		},
		{
			name: "redis failure",
			mockSetup: func(mock redismock.ClientMock) {
				mock.ExpectLRange(playersKey("l1"), 0, -1).SetErr(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"))
			},
			wantErr: ErrRedisConnectionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := redismock.NewClientMock()
			defer db.Close()

			store := NewRedisStoreWithRetry(db, NewSilentLogger(), 0, time.Millisecond)
			tt.mockSetup(mock)

			snap, err := store.Load(ctx, "l1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, snap)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedisStore_RetriesTransientErrors(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	monitor := NewPerformanceMonitor()
	store := NewRedisStoreWithRetry(db, NewSilentLogger(), 2, time.Millisecond)
	store.SetPerformanceMonitor(monitor)

	mock.ExpectLRange(playersKey("l1"), 0, -1).SetErr(errors.New("dial tcp 127.0.0.1:6379: connection refused"))
	mock.ExpectLRange(playersKey("l1"), 0, -1).SetVal([]string{"a"})
	mock.ExpectHGetAll(winnersKey("l1")).SetVal(map[string]string{})

	snap, err := store.Load(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, []Account{"a"}, snap.Players)
	assert.Equal(t, int64(1), monitor.GetMetrics().RedisErrors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_GivesUpAfterRetries(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	store := NewRedisStoreWithRetry(db, NewSilentLogger(), 1, time.Millisecond)
	for i := 0; i < 2; i++ {
		mock.ExpectRPush(playersKey("l1"), "a").SetErr(errors.New("i/o timeout"))
	}

	err := store.AppendTickets(context.Background(), "l1", []Account{"a"})
	require.ErrorIs(t, err, ErrRedisConnectionFailed)

	var le *LotteryError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "append[l1]", le.Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_AppendTickets(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	store := NewRedisStore(db, nil)
	mock.ExpectRPush(playersKey("l1"), "a", "a", "b").SetVal(3)

	require.NoError(t, store.AppendTickets(context.Background(), "l1", []Account{"a", "a", "b"}))
	require.NoError(t, store.AppendTickets(context.Background(), "l1", nil), "empty append sends nothing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_CommitDraw(t *testing.T) {
	t.Run("remaining players", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		defer db.Close()

		store := NewRedisStore(db, nil)
		mock.ExpectTxPipeline()
		mock.ExpectDel(playersKey("l1")).SetVal(1)
		mock.ExpectRPush(playersKey("l1"), "c", "d").SetVal(2)
		mock.ExpectHSet(winnersKey("l1"), "a", "pending", "b", "pending").SetVal(2)
		mock.ExpectTxPipelineExec()

		err := store.CommitDraw(context.Background(), "l1", []Account{"c", "d"}, []Account{"a", "b"})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("last players drawn", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		defer db.Close()

		store := NewRedisStore(db, nil)
		mock.ExpectTxPipeline()
		mock.ExpectDel(playersKey("l1")).SetVal(1)
		mock.ExpectHSet(winnersKey("l1"), "a", "pending").SetVal(1)
		mock.ExpectTxPipelineExec()

		require.NoError(t, store.CommitDraw(context.Background(), "l1", nil, []Account{"a"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRedisStore_CommitClaimState(t *testing.T) {
	ctx := context.Background()
	record := NewTransferRecord("l1", "token", "treasury", "a", big.NewInt(10))
	data, err := serializeTransferRecord(record)
	require.NoError(t, err)

	t.Run("status and record", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		defer db.Close()

		store := NewRedisStore(db, nil)
		mock.ExpectTxPipeline()
		mock.ExpectHSet(winnersKey("l1"), "a", "claimed").SetVal(0)
		mock.ExpectHSet(transfersKey("l1"), "a", string(data)).SetVal(1)
		mock.ExpectTxPipelineExec()

		require.NoError(t, store.CommitClaimState(ctx, "l1", "a", ClaimClaimed, record))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("status only", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		defer db.Close()

		store := NewRedisStore(db, nil)
		mock.ExpectTxPipeline()
		mock.ExpectHSet(winnersKey("l1"), "a", "paid").SetVal(0)
		mock.ExpectTxPipelineExec()

		require.NoError(t, store.CommitClaimState(ctx, "l1", "a", ClaimPaid, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid status", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		defer db.Close()

		store := NewRedisStore(db, nil)
		err := store.CommitClaimState(ctx, "l1", "a", ClaimStatus("lost"), nil)
		require.ErrorIs(t, err, ErrInvalidParameters)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRedisStore_GetTransfer(t *testing.T) {
	ctx := context.Background()
	record := NewTransferRecord("l1", "token", "treasury", "a", big.NewInt(10))
	data, err := serializeTransferRecord(record)
	require.NoError(t, err)

	db, mock := redismock.NewClientMock()
	defer db.Close()
	store := NewRedisStore(db, nil)

	mock.ExpectHGet(transfersKey("l1"), "a").SetVal(string(data))
	mock.ExpectHGet(transfersKey("l1"), "b").RedisNil()
	mock.ExpectHGet(transfersKey("l1"), "c").SetVal(`{"id":""}`)

	got, err := store.GetTransfer(ctx, "l1", "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, "10", got.Amount)
	assert.Equal(t, TransferDispatched, got.State)

	got, err = store.GetTransfer(ctx, "l1", "b")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.GetTransfer(ctx, "l1", "c")
	assert.ErrorIs(t, err, ErrStateCorrupted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_ListTransfers(t *testing.T) {
	ctx := context.Background()

	rb := NewTransferRecord("l1", "token", "treasury", "b", big.NewInt(1))
	ra := NewTransferRecord("l1", "token", "treasury", "a", big.NewInt(1))
	db1, _ := serializeTransferRecord(rb)
	db2, _ := serializeTransferRecord(ra)

	db, mock := redismock.NewClientMock()
	defer db.Close()
	store := NewRedisStore(db, nil)

	mock.ExpectHGetAll(transfersKey("l1")).SetVal(map[string]string{
		"b": string(db1),
		"a": string(db2),
		"z": "not json",
	})

	list, err := store.ListTransfers(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, list, 2, "corrupted records are skipped")
	assert.Equal(t, ra.ID, list[0].ID)
	assert.Equal(t, rb.ID, list[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Ping(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()
	store := NewRedisStore(db, nil)

	mock.ExpectPing().SetVal("PONG")
	mock.ExpectPing().SetErr(errors.New("connection refused"))

	assert.NoError(t, store.Ping(context.Background()))
	assert.ErrorIs(t, store.Ping(context.Background()), ErrRedisConnectionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
