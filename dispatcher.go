package lottery

import (
	"context"
	"sync"
	"time"
)

// SettleFunc receives the outcome of one dispatched transfer
type SettleFunc func(ctx context.Context, record *TransferRecord, err error)

// TransferGuard is asked right before a queued record is sent. It returns the
// version of the record to send, or nil when the transfer is no longer owed.
type TransferGuard func(ctx context.Context, record *TransferRecord) (*TransferRecord, error)

// Dispatcher sends reward transfers to the ledger from a bounded pool of
// workers so that a claim never waits on the ledger. Records left in the
// queue at Stop stay dispatched and are picked up by the Reconciler.
type Dispatcher struct {
	ledger   TokenLedger
	logger   Logger
	workers  int
	timeout  time.Duration
	onResult SettleFunc
	guard    TransferGuard

	queue chan *TransferRecord

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDispatcher creates a dispatcher; onResult may be nil for fire-and-forget
func NewDispatcher(ledger TokenLedger, cfg *LedgerConfig, onResult SettleFunc, logger Logger) *Dispatcher {
	if cfg == nil {
		cfg = DefaultLedgerConfig()
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	workers, size := cfg.Workers, cfg.QueueSize
	if workers <= 0 {
		workers = DefaultLedgerWorkers
	}
	if size <= 0 {
		size = DefaultLedgerQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultLedgerTimeout
	}

	return &Dispatcher{
		ledger:   ledger,
		logger:   logger,
		workers:  workers,
		timeout:  timeout,
		onResult: onResult,
		queue:    make(chan *TransferRecord, size),
	}
}

// SetResultHandler replaces the outcome callback; call before Start
func (d *Dispatcher) SetResultHandler(fn SettleFunc) {
	d.mu.Lock()
	d.onResult = fn
	d.mu.Unlock()
}

// SetGuard installs the check run before each send; call before Start
func (d *Dispatcher) SetGuard(fn TransferGuard) {
	d.mu.Lock()
	d.guard = fn
	d.mu.Unlock()
}

// Start launches the workers
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work(runCtx)
		}()
	}

	d.logger.Info("Transfer dispatcher started with %d workers", d.workers)
	return nil
}

// Stop stops the workers and waits for in-flight transfers or ctx
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.logger.Info("Transfer dispatcher stopped, %d transfers left queued", len(d.queue))
	return nil
}

// Dispatch queues record without blocking
func (d *Dispatcher) Dispatch(record *TransferRecord) error {
	select {
	case d.queue <- record:
		return nil
	default:
		return ErrDispatchQueueFull.WithDetails("transfer " + record.ID + " left for reconciliation")
	}
}

// Pending returns the number of queued transfers
func (d *Dispatcher) Pending() int { return len(d.queue) }

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-d.queue:
			d.send(ctx, record)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, record *TransferRecord) {
	d.mu.Lock()
	guard, onResult := d.guard, d.onResult
	d.mu.Unlock()

	if guard != nil {
		current, err := guard(ctx, record)
		if err != nil {
			d.logger.Error("Cannot check transfer %s before sending, leaving it to reconciliation: %v", record.ID, err)
			return
		}
		if current == nil {
			return
		}
		record = current
	}

	req, err := record.Request()
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err = d.ledger.Transfer(callCtx, req)
		cancel()
	}

	if err != nil {
		d.logger.Error("Transfer %s to %s failed: %v", record.ID, record.Recipient, err)
	} else {
		d.logger.Debug("Transfer %s to %s accepted", record.ID, record.Recipient)
	}

	if onResult != nil {
		// detached from the worker ctx so a stop does not abort the settlement write
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		onResult(settleCtx, record, err)
		cancel()
	}
}
