package lottery

import (
	"context"
	"time"
)

// Store persists the registry collections and transfer records of each
// lottery. Every Commit* call must apply all of its writes or none of them.
type Store interface {
	// Load returns the persisted registry state; an unknown lottery is empty
	Load(ctx context.Context, lotteryID string) (*Snapshot, error)

	// AppendTickets appends entries to the player list
	AppendTickets(ctx context.Context, lotteryID string, accounts []Account) error

	// CommitDraw replaces the player list with remaining and marks drawn as pending
	CommitDraw(ctx context.Context, lotteryID string, remaining, drawn []Account) error

	// CommitClaimState sets the status of one winner and, when record is not
	// nil, stores its transfer record
	CommitClaimState(ctx context.Context, lotteryID string, account Account, status ClaimStatus, record *TransferRecord) error

	// GetTransfer returns the transfer record of account, or nil if none
	GetTransfer(ctx context.Context, lotteryID string, account Account) (*TransferRecord, error)

	// ListTransfers returns every transfer record of the lottery
	ListTransfers(ctx context.Context, lotteryID string) ([]*TransferRecord, error)

	// Ping checks the backing storage
	Ping(ctx context.Context) error
}

// Snapshot is the persisted form of a Registry
type Snapshot struct {
	Players []Account               `json:"players"`
	Winners map[Account]ClaimStatus `json:"winners"`
}

// Locker serializes operations on one lottery
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, lockValue string, expireTime time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error)
}

// TokenLedger is the external fungible-token system that moves rewards
type TokenLedger interface {
	// Transfer moves req.Amount of req.Token to req.Recipient. Implementations
	// treat req.ID as an idempotency key.
	Transfer(ctx context.Context, req TransferRequest) error

	// TransferStatus reports the outcome of a transfer previously submitted
	TransferStatus(ctx context.Context, transferID string) (TransferState, error)
}

// Logger defines the interface for logging operations
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}
