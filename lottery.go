package lottery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"
)

// Dependencies are the collaborators of a Lottery
type Dependencies struct {
	Store      Store
	Locker     Locker
	Entropy    EntropySource
	Dispatcher *Dispatcher

	// optional
	Monitor *PerformanceMonitor
	Metrics *Metrics
	Logger  Logger
}

// Lottery sells tickets, runs draws and processes claims for one lottery id.
// Every mutation runs under the lottery lock: load, change a Registry copy,
// commit in one store call. An error before the commit changes nothing.
type Lottery struct {
	id       string
	operator Account
	token    Account
	treasury Account
	price    *big.Int
	reward   *big.Int
	derive   IndexDeriver
	confirm  bool

	lockTimeout    time.Duration
	lockExpiration time.Duration

	store      Store
	locker     Locker
	entropy    EntropySource
	dispatcher *Dispatcher

	monitor      *PerformanceMonitor
	metrics      *Metrics
	errorHandler ErrorHandler
	logger       Logger
}

// New creates a lottery from its configuration. With ConfirmTransfers the
// dispatcher reports every outcome back to Settle; without it transfers are
// fire-and-forget and claimed winners stay claimed.
func New(cfg *LotteryConfig, deps Dependencies) (*Lottery, error) {
	if cfg == nil {
		return nil, ErrConfigInvalid.WithDetails("nil lottery configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Locker == nil || deps.Dispatcher == nil {
		return nil, ErrConfigInvalid.WithDetails("store, locker and dispatcher are required")
	}

	price, _ := cfg.TicketPriceValue()
	reward, _ := cfg.RewardAmountValue()

	if deps.Entropy == nil {
		deps.Entropy = NewCryptoEntropy()
	}
	if deps.Monitor == nil {
		deps.Monitor = NewPerformanceMonitor()
	}
	if deps.Logger == nil {
		deps.Logger = &DefaultLogger{}
	}

	l := &Lottery{
		id:             cfg.ID,
		operator:       Account(cfg.OperatorID),
		token:          Account(cfg.RewardTokenID),
		treasury:       Account(cfg.TreasuryID),
		price:          price,
		reward:         reward,
		derive:         cfg.IndexDerivation.Deriver(),
		confirm:        cfg.ConfirmTransfers,
		lockTimeout:    cfg.LockTimeout,
		lockExpiration: cfg.LockExpiration,
		store:          deps.Store,
		locker:         deps.Locker,
		entropy:        deps.Entropy,
		dispatcher:     deps.Dispatcher,
		monitor:        deps.Monitor,
		metrics:        deps.Metrics,
		errorHandler:   NewDefaultErrorHandler(deps.Logger),
		logger:         deps.Logger,
	}

	l.dispatcher.SetGuard(l.beginTransfer)
	if l.confirm {
		l.dispatcher.SetResultHandler(func(ctx context.Context, record *TransferRecord, err error) {
			if _, serr := l.Settle(ctx, record, err); serr != nil {
				l.logger.Error("Settling transfer %s failed, leaving it to reconciliation: %v", record.ID, serr)
			}
		})
	}

	return l, nil
}

// NewMemoryLottery wires a lottery over an in-memory store, a local lock and
// the given ledger. The dispatcher is returned unstarted.
func NewMemoryLottery(cfg *LotteryConfig, ledger TokenLedger, entropy EntropySource, logger Logger) (*Lottery, *Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultLotteryConfig()
	}
	dispatcher := NewDispatcher(ledger, DefaultLedgerConfig(), nil, logger)
	l, err := New(cfg, Dependencies{
		Store:      NewMemoryStore(),
		Locker:     NewLocalLockManager(cfg.RetryAttempts, cfg.RetryInterval),
		Entropy:    entropy,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, dispatcher, nil
}

// ID returns the lottery id
func (l *Lottery) ID() string { return l.id }

// Operator returns the only account allowed to draw
func (l *Lottery) Operator() Account { return l.operator }

// TicketPrice returns a copy of the ticket price
func (l *Lottery) TicketPrice() *big.Int { return new(big.Int).Set(l.price) }

// RewardAmount returns a copy of the reward paid per claim
func (l *Lottery) RewardAmount() *big.Int { return new(big.Int).Set(l.reward) }

// Monitor returns the performance monitor
func (l *Lottery) Monitor() *PerformanceMonitor { return l.monitor }

// withLock runs fn while holding the lottery lock
func (l *Lottery) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lockValue := generateLockValue()
	start := time.Now()

	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	acquired, err := l.locker.AcquireLock(lockCtx, l.id, lockValue, l.lockExpiration)
	cancel()

	if err != nil {
		l.monitor.RecordLockAcquisition(false, time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrLockTimeout.WithCause(err)
		}
		return err
	}
	if !acquired {
		l.monitor.RecordLockAcquisition(false, time.Since(start))
		return ErrLockAcquisitionFailed
	}
	l.monitor.RecordLockAcquisition(true, time.Since(start))

	defer func() {
		// release even if ctx was cancelled mid-operation
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.lockTimeout)
		defer cancel()
		if released, err := l.locker.ReleaseLock(releaseCtx, l.id, lockValue); err != nil {
			l.logger.Error("Failed to release lock of lottery %s: %v", l.id, err)
		} else if released {
			l.monitor.RecordLockRelease()
		} else {
			l.logger.Error("Lock of lottery %s expired before release", l.id)
		}
	}()

	return fn(ctx)
}

func (l *Lottery) load(ctx context.Context) (*Registry, error) {
	snap, err := l.store.Load(ctx, l.id)
	if err != nil {
		return nil, err
	}
	return RestoreRegistry(snap.Players, snap.Winners, l.derive), nil
}

func (l *Lottery) fail(ctx context.Context, op string, err error) error {
	handled := l.errorHandler.HandleError(ctx, err)
	var le *LotteryError
	if errors.As(handled, &le) {
		return le.WithOperation(op)
	}
	return handled
}

// BuyTicket adds one ticket for caller. deposit must equal the ticket price.
func (l *Lottery) BuyTicket(ctx context.Context, caller Account, deposit *big.Int) error {
	return l.BuyTickets(ctx, caller, deposit, 1)
}

// BuyTickets adds count tickets for caller in one commit. deposit must equal
// price × count exactly.
func (l *Lottery) BuyTickets(ctx context.Context, caller Account, deposit *big.Int, count int) (err error) {
	start := time.Now()
	defer func() {
		l.monitor.RecordPurchase(count, err)
		l.metrics.observe("buy_ticket", start, err)
	}()

	l.logger.Debug("BuyTickets called: lottery=%s, caller=%s, count=%d", l.id, caller, count)

	if err := ValidateAccount(caller); err != nil {
		return l.fail(ctx, "buy_ticket", err)
	}
	if err := ValidateCount(count); err != nil {
		return l.fail(ctx, "buy_ticket", err)
	}
	if deposit == nil || deposit.Cmp(TicketCost(l.price, count)) != 0 {
		return l.fail(ctx, "buy_ticket", ErrBadDeposit.WithAccountID(string(caller)))
	}

	tickets := make([]Account, count)
	for i := range tickets {
		tickets[i] = caller
	}

	err = l.withLock(ctx, func(ctx context.Context) error {
		return l.store.AppendTickets(ctx, l.id, tickets)
	})
	if err != nil {
		return l.fail(ctx, "buy_ticket", err)
	}

	l.logger.Info("Sold %d ticket(s) to %s in lottery %s", count, caller, l.id)
	return nil
}

// Draw selects n winners without replacement. Only the operator may draw.
// The drawn accounts are returned in selection order.
func (l *Lottery) Draw(ctx context.Context, caller Account, n uint64) (drawn []Account, err error) {
	start := time.Now()
	defer func() {
		l.monitor.RecordDraw(len(drawn), err == nil, time.Since(start))
		l.metrics.observe("draw", start, err)
	}()

	l.logger.Debug("Draw called: lottery=%s, caller=%s, n=%d", l.id, caller, n)

	if caller != l.operator {
		return nil, l.fail(ctx, "draw", ErrNotAuthorized.WithAccountID(string(caller)))
	}

	err = l.withLock(ctx, func(ctx context.Context) error {
		reg, err := l.load(ctx)
		if err != nil {
			return err
		}
		if n > uint64(reg.Len()) {
			return ErrDrawOverdraw.WithDetails(fmt.Sprintf("n=%d, players=%d", n, reg.Len()))
		}
		if n == 0 {
			drawn = []Account{}
			return nil
		}

		seed, err := l.entropy.Seed(ctx)
		if err != nil {
			return err
		}
		if drawn, err = reg.Draw(n, seed); err != nil {
			return err
		}

		return l.store.CommitDraw(ctx, l.id, reg.Players(), drawn)
	})
	if err != nil {
		drawn = nil
		return nil, l.fail(ctx, "draw", err)
	}

	l.logger.Info("Drew %d winner(s) in lottery %s: %v", len(drawn), l.id, drawn)
	return drawn, nil
}

// Claim moves caller from pending to claimed, commits a transfer record and
// dispatches exactly one reward transfer after the commit.
func (l *Lottery) Claim(ctx context.Context, caller Account) (record *TransferRecord, err error) {
	start := time.Now()
	defer func() {
		l.monitor.RecordClaim(err == nil)
		l.metrics.observe("claim", start, err)
	}()

	l.logger.Debug("Claim called: lottery=%s, caller=%s", l.id, caller)

	if err := ValidateAccount(caller); err != nil {
		return nil, l.fail(ctx, "claim", err)
	}

	err = l.withLock(ctx, func(ctx context.Context) error {
		reg, err := l.load(ctx)
		if err != nil {
			return err
		}
		if err := reg.Claim(caller); err != nil {
			return err
		}
		// a redrawn winner waits for the previous transfer to settle
		prev, err := l.store.GetTransfer(ctx, l.id, caller)
		if err != nil {
			return err
		}
		if prev != nil && prev.State == TransferDispatched {
			return ErrTransferInFlight.WithDetails("transfer " + prev.ID)
		}

		record = NewTransferRecord(l.id, l.token, l.treasury, caller, l.reward)
		return l.store.CommitClaimState(ctx, l.id, caller, ClaimClaimed, record)
	})
	if err != nil {
		return nil, l.fail(ctx, "claim", withAccount(err, caller))
	}

	if derr := l.dispatcher.Dispatch(record); derr != nil {
		// nothing was sent: reopen the claim so the winner can retry
		if _, serr := l.Settle(ctx, record, derr); serr != nil {
			l.logger.Error("Reopening claim of %s after dispatch failure failed: %v", caller, serr)
		}
		return nil, l.fail(ctx, "claim", derr)
	}

	l.logger.Info("Winner %s claimed lottery %s, transfer %s dispatched", caller, l.id, record.ID)
	return record, nil
}

// Settle applies an observed transfer outcome to the record it was observed
// for. Success marks the record completed and a claimed winner paid. A
// definite failure marks it failed and reopens a claimed winner. Anything else
// leaves it dispatched for the Reconciler. A winner redrawn while the transfer
// was in flight keeps its new pending status; only the record moves.
//
// record must be the current version of the recipient's record: an outcome
// for a replaced, already settled or since updated record is ignored. The
// returned state is what the record was moved to, or "" when ignored.
func (l *Lottery) Settle(ctx context.Context, record *TransferRecord, transferErr error) (TransferState, error) {
	if record == nil {
		return "", ErrInvalidParameters
	}

	var (
		applied TransferState
		outcome ClaimStatus
		status  ClaimStatus
	)
	err := l.withLock(ctx, func(ctx context.Context) error {
		current, err := l.store.GetTransfer(ctx, l.id, record.Recipient)
		if err != nil {
			return err
		}
		if current == nil || current.ID != record.ID ||
			current.State != TransferDispatched || !current.UpdatedAt.Equal(record.UpdatedAt) {
			l.logger.Debug("Ignoring stale outcome of transfer %s", record.ID)
			return nil
		}

		reg, err := l.load(ctx)
		if err != nil {
			return err
		}
		status, _ = reg.Status(record.Recipient)
		claimed := status == ClaimClaimed

		var updated *TransferRecord
		switch {
		case transferErr == nil:
			outcome = ClaimPaid
			updated = current.withState(TransferCompleted, nil)
		case IsDefiniteTransferFailure(transferErr):
			outcome = ClaimPending
			updated = current.withState(TransferFailed, transferErr)
		default:
			outcome = ClaimClaimed
			updated = current.withState(TransferDispatched, transferErr)
		}
		if claimed {
			status = outcome
		}

		if err := l.store.CommitClaimState(ctx, l.id, record.Recipient, status, updated); err != nil {
			return err
		}
		applied = updated.State
		return nil
	})
	if err != nil {
		return "", l.fail(ctx, "settle", err)
	}

	if applied != "" {
		l.monitor.RecordSettlement(outcome)
		l.metrics.settled(outcome)
		l.logger.Info("Transfer %s to %s settled as %s: winner is %s", record.ID, record.Recipient, applied, status)
	}
	return applied, nil
}

// beginTransfer is asked by the dispatcher before each send. Only the current
// record of the recipient that is still dispatched is sent. It is stamped
// first, so the Reconciler grace period runs from the send and an outcome
// based on the older version is ignored. A nil record means drop it.
func (l *Lottery) beginTransfer(ctx context.Context, record *TransferRecord) (*TransferRecord, error) {
	var send *TransferRecord
	err := l.withLock(ctx, func(ctx context.Context) error {
		current, err := l.store.GetTransfer(ctx, l.id, record.Recipient)
		if err != nil {
			return err
		}
		if current == nil || current.ID != record.ID || current.State != TransferDispatched {
			l.logger.Info("Dropping transfer %s to %s: no longer owed", record.ID, record.Recipient)
			return nil
		}

		snap, err := l.store.Load(ctx, l.id)
		if err != nil {
			return err
		}
		status, ok := snap.Winners[record.Recipient]
		if !ok {
			return ErrStateCorrupted.WithDetails("transfer " + record.ID + " has no winner")
		}
		stamped := current.touched()
		if err := l.store.CommitClaimState(ctx, l.id, record.Recipient, status, stamped); err != nil {
			return err
		}
		send = stamped
		return nil
	})
	return send, err
}

// Players returns the tickets still in the draw. The order carries no meaning.
func (l *Lottery) Players(ctx context.Context) ([]Account, error) {
	snap, err := l.store.Load(ctx, l.id)
	if err != nil {
		return nil, l.fail(ctx, "get_players", err)
	}
	return snap.Players, nil
}

// Winners returns every drawn account regardless of claim status, sorted
func (l *Lottery) Winners(ctx context.Context) ([]Account, error) {
	reg, err := l.load(ctx)
	if err != nil {
		return nil, l.fail(ctx, "get_winners", err)
	}
	return reg.Winners(), nil
}

// WinnerStatuses returns the claim status of every winner
func (l *Lottery) WinnerStatuses(ctx context.Context) (map[Account]ClaimStatus, error) {
	snap, err := l.store.Load(ctx, l.id)
	if err != nil {
		return nil, l.fail(ctx, "get_winners", err)
	}
	return snap.Winners, nil
}

// WinnerStatus returns the claim status of account or ErrNotAWinner
func (l *Lottery) WinnerStatus(ctx context.Context, account Account) (ClaimStatus, error) {
	snap, err := l.store.Load(ctx, l.id)
	if err != nil {
		return "", l.fail(ctx, "winner_status", err)
	}
	status, ok := snap.Winners[account]
	if !ok {
		return "", ErrNotAWinner.WithAccountID(string(account))
	}
	return status, nil
}

// Transfer returns the latest transfer record of account
func (l *Lottery) Transfer(ctx context.Context, account Account) (*TransferRecord, error) {
	record, err := l.store.GetTransfer(ctx, l.id, account)
	if err != nil {
		return nil, l.fail(ctx, "get_transfer", err)
	}
	if record == nil {
		return nil, ErrTransferNotFound.WithAccountID(string(account))
	}
	return record, nil
}

// UnsettledTransfers returns dispatched transfers not updated for olderThan,
// oldest first.
func (l *Lottery) UnsettledTransfers(ctx context.Context, olderThan time.Duration) ([]*TransferRecord, error) {
	records, err := l.store.ListTransfers(ctx, l.id)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	out := make([]*TransferRecord, 0, len(records))
	for _, r := range records {
		if r.State == TransferDispatched && !r.UpdatedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *TransferRecord) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

// Health pings the store
func (l *Lottery) Health(ctx context.Context) error {
	return l.store.Ping(ctx)
}

func withAccount(err error, account Account) error {
	var le *LotteryError
	if errors.As(err, &le) && le.AccountID == "" {
		return le.WithAccountID(string(account))
	}
	return err
}
