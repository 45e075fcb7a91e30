package lottery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLedger returns err from every call and counts the calls
type scriptedLedger struct {
	err   error
	state TransferState
	calls int32
}

func (l *scriptedLedger) Transfer(context.Context, TransferRequest) error {
	atomic.AddInt32(&l.calls, 1)
	return l.err
}

func (l *scriptedLedger) TransferStatus(context.Context, string) (TransferState, error) {
	atomic.AddInt32(&l.calls, 1)
	if l.err != nil {
		return "", l.err
	}
	return l.state, nil
}

func (l *scriptedLedger) Calls() int { return int(atomic.LoadInt32(&l.calls)) }

func testBreakerConfig() *CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	cfg.MinRequests = 3
	cfg.FailureRatio = 0.6
	cfg.Timeout = time.Minute
	cfg.OnStateChange = false
	return cfg
}

func TestCircuitBreakerLedger_TripsOnUnavailable(t *testing.T) {
	ctx := context.Background()
	inner := &scriptedLedger{err: ErrLedgerUnavailable}
	cb := NewCircuitBreakerLedger(inner, testBreakerConfig(), nil)

	for i := 0; i < 3; i++ {
		err := cb.Transfer(ctx, transferTo("alice", 1))
		require.ErrorIs(t, err, ErrLedgerUnavailable)
	}
	assert.Equal(t, "open", cb.GetCircuitBreakerState())

	err := cb.Transfer(ctx, transferTo("alice", 1))
	require.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, IsDefiniteTransferFailure(err), "an open breaker sent nothing")
	assert.Equal(t, 3, inner.Calls(), "fail fast without reaching the ledger")

	_, err = cb.TransferStatus(ctx, "t1")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)

	health := NewCircuitBreakerHealthCheck(cb).Check()
	assert.Equal(t, false, health["healthy"])
	assert.Equal(t, "open", health["state"])

	metrics := NewCircuitBreakerMetrics(cb).CollectMetrics()
	assert.Equal(t, 2, metrics["circuit_breaker_state_numeric"])

	cb.ResetCircuitBreaker()
	assert.Equal(t, "closed", cb.GetCircuitBreakerState())
	assert.Zero(t, cb.GetCircuitBreakerCounts().Requests)
}

func TestCircuitBreakerLedger_RejectionsDoNotTrip(t *testing.T) {
	ctx := context.Background()

	for _, err := range []error{ErrTransferRejected, ErrTransferNotFound} {
		inner := &scriptedLedger{err: err}
		cb := NewCircuitBreakerLedger(inner, testBreakerConfig(), nil)

		for i := 0; i < 10; i++ {
			require.ErrorIs(t, cb.Transfer(ctx, transferTo("alice", 1)), err)
		}
		assert.Equal(t, "closed", cb.GetCircuitBreakerState())
		assert.Equal(t, 10, inner.Calls())
		assert.Equal(t, uint32(10), cb.GetCircuitBreakerCounts().TotalSuccesses)
	}
}

func TestCircuitBreakerLedger_PassThrough(t *testing.T) {
	ctx := context.Background()
	inner := &scriptedLedger{state: TransferCompleted}
	cb := NewCircuitBreakerLedger(inner, testBreakerConfig(), nil)

	require.NoError(t, cb.Transfer(ctx, transferTo("alice", 1)))
	state, err := cb.TransferStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, state)

	health := NewCircuitBreakerHealthCheck(cb).Check()
	assert.Equal(t, true, health["healthy"])
	assert.Equal(t, uint32(2), health["requests"])
	assert.Equal(t, 0.0, health["failure_rate"])
}

func TestCircuitBreakerLedger_Disabled(t *testing.T) {
	ctx := context.Background()
	cfg := testBreakerConfig()
	cfg.Enabled = false

	inner := &scriptedLedger{err: ErrLedgerUnavailable}
	cb := NewCircuitBreakerLedger(inner, cfg, nil)

	for i := 0; i < 10; i++ {
		require.ErrorIs(t, cb.Transfer(ctx, transferTo("alice", 1)), ErrLedgerUnavailable)
	}
	assert.Equal(t, "disabled", cb.GetCircuitBreakerState())
	assert.Equal(t, 10, inner.Calls())

	health := NewCircuitBreakerHealthCheck(cb).Check()
	assert.Equal(t, true, health["healthy"])

	cb.ResetCircuitBreaker()
	assert.Equal(t, "disabled", cb.GetCircuitBreakerState())

	metrics := NewCircuitBreakerMetrics(cb).CollectMetrics()
	assert.Equal(t, false, metrics["circuit_breaker_enabled"])
	assert.NotContains(t, metrics, "circuit_breaker_state")
}

func TestCircuitBreakerLedger_Reconfigure(t *testing.T) {
	ctx := context.Background()
	inner := &scriptedLedger{err: ErrLedgerUnavailable}
	cb := NewCircuitBreakerLedger(inner, testBreakerConfig(), nil)

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Transfer(ctx, transferTo("alice", 1)))
	}
	require.Equal(t, "open", cb.GetCircuitBreakerState())

	cfg := testBreakerConfig()
	cfg.MinRequests = 10
	cb.Reconfigure(cfg)
	cfg.MinRequests = 1 // the breaker keeps its own copy

	assert.Equal(t, "closed", cb.GetCircuitBreakerState(), "a new config starts closed")
	assert.Equal(t, uint32(10), cb.Config().MinRequests)
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, cb.Transfer(ctx, transferTo("alice", 1)), ErrLedgerUnavailable)
	}
	assert.Equal(t, "closed", cb.GetCircuitBreakerState())

	disabled := cb.Config()
	disabled.Enabled = false
	cb.Reconfigure(&disabled)
	assert.Equal(t, "disabled", cb.GetCircuitBreakerState())
	assert.Equal(t, false, NewCircuitBreakerHealthCheck(cb).Check()["circuit_breaker_enabled"])

	cb.Reconfigure(nil)
	assert.Equal(t, *DefaultCircuitBreakerConfig(), cb.Config())
	assert.Equal(t, "closed", cb.GetCircuitBreakerState())
}

func TestStateToNumeric(t *testing.T) {
	assert.Equal(t, 0, stateToNumeric("closed"))
	assert.Equal(t, 1, stateToNumeric("half-open"))
	assert.Equal(t, 2, stateToNumeric("open"))
	assert.Equal(t, -1, stateToNumeric("disabled"))
}
