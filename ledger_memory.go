package lottery

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// LedgerFault is an injected outcome for the next Transfer call
type LedgerFault struct {
	// Err is returned to the caller
	Err error

	// Applied moves the tokens anyway, modelling a lost response
	Applied bool
}

// MemoryLedger is an in-memory fungible token. Receivers must be registered
// (storage registration) before they can hold a balance; Mint registers
// implicitly. Transfer is idempotent by request id.
type MemoryLedger struct {
	mu         sync.Mutex
	token      Account
	balances   map[Account]*big.Int
	registered map[Account]bool
	transfers  map[string]memoryTransfer
	faults     []LedgerFault

	// autoRegister opens a balance for unknown recipients
	autoRegister bool
}

type memoryTransfer struct {
	req   TransferRequest
	state TransferState
	err   error
}

// NewMemoryLedger creates a token ledger for token
func NewMemoryLedger(token Account) *MemoryLedger {
	return &MemoryLedger{
		token:      token,
		balances:   make(map[Account]*big.Int),
		registered: make(map[Account]bool),
		transfers:  make(map[string]memoryTransfer),
	}
}

// Register opens a balance for account
func (l *MemoryLedger) Register(account Account) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.register(account)
}

func (l *MemoryLedger) register(account Account) {
	if !l.registered[account] {
		l.registered[account] = true
		l.balances[account] = new(big.Int)
	}
}

// SetAutoRegister makes transfers register unknown recipients instead of
// rejecting them. Used by the daemon's memory ledger mode.
func (l *MemoryLedger) SetAutoRegister(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.autoRegister = on
}

// IsRegistered reports whether account can receive tokens
func (l *MemoryLedger) IsRegistered(account Account) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.registered[account]
}

// Mint registers account if needed and credits amount
func (l *MemoryLedger) Mint(account Account, amount *big.Int) error {
	if err := ValidateAccount(account); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.register(account)
	l.balances[account].Add(l.balances[account], amount)
	return nil
}

// Burn debits amount from account
func (l *MemoryLedger) Burn(account Account, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[account]
	if !ok {
		return ErrTransferRejected.WithDetails(fmt.Sprintf("account %s is not registered", account))
	}
	if bal.Cmp(amount) < 0 {
		return ErrTransferRejected.WithDetails(fmt.Sprintf("account %s has insufficient balance", account))
	}
	bal.Sub(bal, amount)
	return nil
}

// BalanceOf returns a copy of the balance of account; unregistered is zero
func (l *MemoryLedger) BalanceOf(account Account) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bal, ok := l.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// InjectFaults queues outcomes for the next Transfer calls
func (l *MemoryLedger) InjectFaults(faults ...LedgerFault) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.faults = append(l.faults, faults...)
}

// TransferCount returns the number of distinct transfer ids applied
func (l *MemoryLedger) TransferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, t := range l.transfers {
		if t.state == TransferCompleted {
			n++
		}
	}
	return n
}

// Transfer moves tokens from req.Sender to req.Recipient
func (l *MemoryLedger) Transfer(ctx context.Context, req TransferRequest) error {
	if err := ctx.Err(); err != nil {
		return ErrLedgerUnavailable.WithCause(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// a replayed id reports the first outcome and moves nothing
	if prev, ok := l.transfers[req.ID]; ok {
		return prev.err
	}

	if len(l.faults) > 0 {
		fault := l.faults[0]
		l.faults = l.faults[1:]
		if fault.Applied {
			l.apply(req)
		}
		return fault.Err
	}

	l.apply(req)
	return l.transfers[req.ID].err
}

func (l *MemoryLedger) apply(req TransferRequest) {
	if l.autoRegister && req.Recipient != "" {
		l.register(req.Recipient)
	}
	err := l.check(req)
	if err == nil {
		l.balances[req.Sender].Sub(l.balances[req.Sender], req.Amount)
		l.balances[req.Recipient].Add(l.balances[req.Recipient], req.Amount)
		l.transfers[req.ID] = memoryTransfer{req: req, state: TransferCompleted}
		return
	}
	l.transfers[req.ID] = memoryTransfer{req: req, state: TransferFailed, err: err}
}

func (l *MemoryLedger) check(req TransferRequest) error {
	switch {
	case req.ID == "":
		return ErrTransferRejected.WithDetails("missing transfer id")
	case req.Token != l.token:
		return ErrTransferRejected.WithDetails(fmt.Sprintf("unknown token %s", req.Token))
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return ErrTransferRejected.WithDetails("the amount should be a positive number")
	case req.Sender == req.Recipient:
		return ErrTransferRejected.WithDetails("sender and receiver should be different")
	case !l.registered[req.Sender]:
		return ErrTransferRejected.WithDetails(fmt.Sprintf("the account %s is not registered", req.Sender))
	case !l.registered[req.Recipient]:
		return ErrTransferRejected.WithDetails(fmt.Sprintf("the account %s is not registered", req.Recipient))
	case l.balances[req.Sender].Cmp(req.Amount) < 0:
		return ErrTransferRejected.WithDetails("the account doesn't have enough balance")
	}
	return nil
}

// TransferStatus reports the state of a transfer id
func (l *MemoryLedger) TransferStatus(ctx context.Context, transferID string) (TransferState, error) {
	if err := ctx.Err(); err != nil {
		return "", ErrLedgerUnavailable.WithCause(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transfers[transferID]
	if !ok {
		return "", ErrTransferNotFound.WithDetails(transferID)
	}
	return t.state, nil
}
