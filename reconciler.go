package lottery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler settles claims whose transfer outcome was never observed, such
// as a lost ledger response or a crash between dispatch and settlement.
type Reconciler struct {
	lottery  *Lottery
	ledger   TokenLedger
	recovery *ErrorRecovery
	logger   Logger

	mu       sync.Mutex
	cron     *cron.Cron
	schedule string
	grace    time.Duration
	running  bool
}

// ReconcileReport summarizes one pass
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Paid     int `json:"paid"`
	Reverted int `json:"reverted"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// NewReconciler 创建对账任务
func NewReconciler(l *Lottery, ledger TokenLedger, cfg *ReconcilerConfig, logger Logger) *Reconciler {
	if cfg == nil {
		cfg = DefaultReconcilerConfig()
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	return &Reconciler{
		lottery:  l,
		ledger:   ledger,
		recovery: NewErrorRecovery(NewErrorHandlerWithBackoff(logger, cfg.RetryDelay, cfg.MaxRetryDelay), cfg.MaxRetries, logger),
		logger:   logger,
		schedule: cfg.Schedule,
		grace:    cfg.GracePeriod,
	}
}

// SetGracePeriod changes how old a dispatched transfer must be before it is checked
func (r *Reconciler) SetGracePeriod(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.grace = d
}

func (r *Reconciler) gracePeriod() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.grace
}

// Start schedules RunOnce on the configured cron schedule
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		report, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("Reconciliation of lottery %s failed: %v", r.lottery.ID(), err)
			return
		}
		if report.Checked > 0 {
			r.logger.Info("Reconciled lottery %s: %+v", r.lottery.ID(), report)
		}
	}); err != nil {
		return ErrConfigInvalid.WithDetails("reconciler.schedule").WithCause(err)
	}

	c.Start()
	r.cron = c
	r.running = true
	r.logger.Info("Reconciler started with schedule %q", r.schedule)
	return nil
}

// Stop stops scheduling and waits for a running pass or ctx
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	r.running = false
	r.cron = nil
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
		r.logger.Info("Reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce checks every unsettled transfer older than the grace period
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	records, err := r.lottery.UnsettledTransfers(ctx, r.gracePeriod())
	if err != nil {
		return report, err
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		var state TransferState
		err := r.recovery.ExecuteWithRetry(ctx, func() error {
			var err error
			state, err = r.ledger.TransferStatus(ctx, record.ID)
			return err
		})

		var outcome error
		switch {
		case errors.Is(err, ErrTransferNotFound):
			outcome = err
		case err != nil:
			r.logger.Error("Cannot read status of transfer %s: %v", record.ID, err)
			report.Errors++
			continue
		case state == TransferCompleted:
			outcome = nil
		case state == TransferFailed:
			outcome = ErrTransferRejected.WithDetails("ledger reports transfer " + record.ID + " failed")
		default:
			report.Skipped++
			continue
		}

		applied, err := r.lottery.Settle(ctx, record, outcome)
		if err != nil {
			r.logger.Error("Settling transfer %s failed: %v", record.ID, err)
			report.Errors++
			continue
		}
		switch applied {
		case TransferCompleted:
			report.Paid++
		case TransferFailed:
			report.Reverted++
		default:
			// sent or settled since it was listed
			report.Skipped++
		}
	}

	return report, nil
}
