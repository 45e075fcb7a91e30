package lottery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// ValidateCount validates the ticket count of one purchase
func ValidateCount(count int) error {
	if count <= 0 || count > MaxTicketsPerPurchase {
		return ErrInvalidCount
	}
	return nil
}

// generateLockValue generates a unique lock owner value using crypto/rand
func generateLockValue() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based value if crypto/rand fails
		return fmt.Sprintf("lock_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// TicketCost returns price × count
func TicketCost(price *big.Int, count int) *big.Int {
	return new(big.Int).Mul(price, big.NewInt(int64(count)))
}
