package lottery

import (
	"fmt"
	"math/big"
	"strings"
)

// Account identifies a participant, the operator, or a token contract.
// The registry never looks inside it.
type Account string

// String returns the account as a plain string
func (a Account) String() string { return string(a) }

// ValidateAccount rejects empty or whitespace-only accounts
func ValidateAccount(a Account) error {
	if strings.TrimSpace(string(a)) == "" {
		return ErrInvalidAccount
	}
	return nil
}

// ClaimStatus is the claim state of a drawn account
type ClaimStatus string

const (
	// ClaimPending: drawn, reward not yet claimed
	ClaimPending ClaimStatus = "pending"

	// ClaimClaimed: claim committed and transfer dispatched, outcome unknown
	ClaimClaimed ClaimStatus = "claimed"

	// ClaimPaid: the ledger confirmed the reward transfer
	ClaimPaid ClaimStatus = "paid"
)

// Valid reports whether s is one of the known claim states
func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimPending, ClaimClaimed, ClaimPaid:
		return true
	default:
		return false
	}
}

// ParseBalance parses a non-negative base-10 token amount (smallest unit).
// Amounts can exceed 64 bits, e.g. 1 NEAR = 10^24 yocto.
func ParseBalance(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}

	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a base-10 integer", ErrInvalidAmount, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}

	return v, nil
}

// MustParseBalance is ParseBalance for constants; it panics on bad input.
func MustParseBalance(s string) *big.Int {
	v, err := ParseBalance(s)
	if err != nil {
		panic(err)
	}
	return v
}
