package lottery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// TransferState is the lifecycle state of a reward transfer
type TransferState string

const (
	// TransferDispatched: handed to the ledger, outcome not observed yet
	TransferDispatched TransferState = "dispatched"

	// TransferPending: the ledger knows the transfer but has not finished it
	TransferPending TransferState = "pending"

	// TransferCompleted: the ledger moved the tokens
	TransferCompleted TransferState = "completed"

	// TransferFailed: the ledger refused or reverted the transfer
	TransferFailed TransferState = "failed"
)

// TransferRequest is one outbound call to the token ledger
type TransferRequest struct {
	ID        string   `json:"id"`
	Token     Account  `json:"token"`
	Sender    Account  `json:"sender"`
	Recipient Account  `json:"recipient"`
	Amount    *big.Int `json:"amount"`
	Memo      string   `json:"memo,omitempty"`
}

// TransferRecord tracks the reward transfer of one claim. It is committed
// together with the claimed status so the outcome can be reconciled later.
type TransferRecord struct {
	ID        string        `json:"id"`
	LotteryID string        `json:"lottery_id"`
	Token     Account       `json:"token"`
	Sender    Account       `json:"sender"`
	Recipient Account       `json:"recipient"`
	Amount    string        `json:"amount"`
	State     TransferState `json:"state"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewTransferRecord creates a dispatched record with a fresh transfer id
func NewTransferRecord(lotteryID string, token, sender, recipient Account, amount *big.Int) *TransferRecord {
	now := time.Now().UTC()
	return &TransferRecord{
		ID:        uuid.NewString(),
		LotteryID: lotteryID,
		Token:     token,
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount.String(),
		State:     TransferDispatched,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Request builds the ledger call for this record
func (r *TransferRecord) Request() (TransferRequest, error) {
	amount, err := ParseBalance(r.Amount)
	if err != nil {
		return TransferRequest{}, err
	}
	return TransferRequest{
		ID:        r.ID,
		Token:     r.Token,
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Amount:    amount,
		Memo:      "lottery " + r.LotteryID + " reward",
	}, nil
}

// withState returns a copy moved to state
func (r *TransferRecord) withState(state TransferState, cause error) *TransferRecord {
	c := *r
	c.State = state
	c.Attempts++
	c.UpdatedAt = time.Now().UTC()
	c.Error = ""
	if cause != nil {
		c.Error = cause.Error()
	}
	return &c
}

// touched returns a copy stamped with the current time
func (r *TransferRecord) touched() *TransferRecord {
	c := *r
	c.UpdatedAt = time.Now().UTC()
	return &c
}

// Validate checks the fields a persisted record must carry
func (r *TransferRecord) Validate() error {
	if r.ID == "" || r.Recipient == "" {
		return ErrStateCorrupted.WithDetails("transfer record without id or recipient")
	}
	switch r.State {
	case TransferDispatched, TransferPending, TransferCompleted, TransferFailed:
	default:
		return ErrStateCorrupted.WithDetails(fmt.Sprintf("transfer %s has unknown state %q", r.ID, r.State))
	}
	return nil
}

// serializeTransferRecord serializes a record to JSON bytes
func serializeTransferRecord(r *TransferRecord) ([]byte, error) {
	if r == nil {
		return nil, ErrInvalidParameters
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, ErrSerializationFailed.WithCause(err)
	}
	if len(data) > MaxRecordSize {
		return nil, ErrSerializationFailed.WithDetails(
			fmt.Sprintf("transfer record %s is %d bytes, limit %d", r.ID, len(data), MaxRecordSize))
	}

	return data, nil
}

// deserializeTransferRecord deserializes JSON bytes back to a record
func deserializeTransferRecord(data []byte) (*TransferRecord, error) {
	if len(data) == 0 {
		return nil, ErrInvalidParameters
	}
	if len(data) > MaxRecordSize {
		return nil, ErrDeserializationFailed.WithDetails(fmt.Sprintf("record is %d bytes, limit %d", len(data), MaxRecordSize))
	}

	var r TransferRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, ErrDeserializationFailed.WithCause(err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	return &r, nil
}
