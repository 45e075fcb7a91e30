package lottery

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	snap, err := s.Load(ctx, "l1")
	require.NoError(t, err)
	assert.Empty(t, snap.Players)
	assert.Empty(t, snap.Winners)

	require.NoError(t, s.AppendTickets(ctx, "l1", []Account{"a", "b"}))
	require.NoError(t, s.AppendTickets(ctx, "l1", []Account{"c"}))

	snap, err = s.Load(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, []Account{"a", "b", "c"}, snap.Players)

	require.NoError(t, s.CommitDraw(ctx, "l1", []Account{"c"}, []Account{"a", "b"}))
	snap, err = s.Load(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, []Account{"c"}, snap.Players)
	assert.Equal(t, map[Account]ClaimStatus{"a": ClaimPending, "b": ClaimPending}, snap.Winners)

	record := NewTransferRecord("l1", "token", "treasury", "a", big.NewInt(5))
	require.NoError(t, s.CommitClaimState(ctx, "l1", "a", ClaimClaimed, record))

	got, err := s.GetTransfer(ctx, "l1", "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.ID, got.ID)

	none, err := s.GetTransfer(ctx, "l1", "b")
	require.NoError(t, err)
	assert.Nil(t, none)

	// status-only commit keeps the record
	require.NoError(t, s.CommitClaimState(ctx, "l1", "a", ClaimPaid, nil))
	snap, _ = s.Load(ctx, "l1")
	assert.Equal(t, ClaimPaid, snap.Winners["a"])
	got, _ = s.GetTransfer(ctx, "l1", "a")
	assert.Equal(t, record.ID, got.ID)
}

func TestMemoryStore_Isolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendTickets(ctx, "l1", []Account{"a"}))
	require.NoError(t, s.AppendTickets(ctx, "l2", []Account{"b"}))

	snap, _ := s.Load(ctx, "l1")
	snap.Players[0] = "mutated"
	snap.Winners["x"] = ClaimPaid

	again, _ := s.Load(ctx, "l1")
	assert.Equal(t, []Account{"a"}, again.Players)
	assert.Empty(t, again.Winners)

	other, _ := s.Load(ctx, "l2")
	assert.Equal(t, []Account{"b"}, other.Players)
}

func TestMemoryStore_Validation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.CommitClaimState(ctx, "l1", "a", ClaimStatus("won"), nil)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	err = s.CommitClaimState(ctx, "l1", "a", ClaimClaimed, &TransferRecord{State: TransferDispatched})
	assert.ErrorIs(t, err, ErrStateCorrupted)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Load(cancelled, "l1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Ping(cancelled), context.Canceled)
}

func TestMemoryStore_ListTransfers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	list, err := s.ListTransfers(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, acc := range []Account{"c", "a", "b"} {
		r := NewTransferRecord("l1", "token", "treasury", acc, big.NewInt(1))
		require.NoError(t, s.CommitClaimState(ctx, "l1", acc, ClaimClaimed, r))
	}

	list, err = s.ListTransfers(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, Account("a"), list[0].Recipient)
	assert.Equal(t, Account("b"), list[1].Recipient)
	assert.Equal(t, Account("c"), list[2].Recipient)
}
