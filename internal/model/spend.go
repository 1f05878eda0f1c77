package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SpendStatus is the lifecycle state of a spend ledger entry.
// Entries are created pending and transition to exactly one terminal
// state; the transition happens once and is never reversed.
type SpendStatus string

const (
	SpendPending  SpendStatus = "pending"
	SpendApproved SpendStatus = "approved"
	SpendRejected SpendStatus = "rejected"
	SpendFailed   SpendStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s SpendStatus) Terminal() bool {
	switch s {
	case SpendApproved, SpendRejected, SpendFailed:
		return true
	default:
		return false
	}
}

// ParseSpendStatus converts a stored string into a SpendStatus.
func ParseSpendStatus(s string) (SpendStatus, error) {
	switch SpendStatus(s) {
	case SpendPending, SpendApproved, SpendRejected, SpendFailed:
		return SpendStatus(s), nil
	default:
		return "", fmt.Errorf("model: unknown spend status %q", s)
	}
}

// SpendEntry is one row of the append-only spend ledger. Amount is in
// minor units of the settlement currency. Only approved entries count
// toward the rolling daily total.
type SpendEntry struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Amount    int64       `json:"amount"`
	Currency  string      `json:"currency"`
	Merchant  string      `json:"merchant"`
	Status    SpendStatus `json:"status"`
}

// PaymentChallenge holds the payment requirements parsed from a 402
// response. It is transient: its lifetime is the single orchestration
// call that produced it, and it is never persisted.
type PaymentChallenge struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	PayTo    string `json:"pay_to"`
	Nonce    string `json:"nonce"`
	Scheme   string `json:"scheme"`
}

// Validate checks a parsed challenge before any money movement.
func (c PaymentChallenge) Validate() error {
	if c.Amount <= 0 {
		return fmt.Errorf("model: challenge amount must be positive, got %d", c.Amount)
	}
	if c.PayTo == "" {
		return fmt.Errorf("model: challenge pay_to is required")
	}
	if c.Currency == "" {
		return fmt.Errorf("model: challenge currency is required")
	}
	return nil
}
