// Package policy enforces local spend limits. Every payment passes a
// limit check before any money moves, and the check plus the matching
// ledger append happen under one lock so concurrent payments cannot
// both sneak under the daily ceiling.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoha-ai/kessai/internal/model"
)

// Validation failure reasons, accumulated into Result.Errors.
const (
	reasonNotPositive    = "amount must be positive"
	reasonPerTransaction = "exceeds per-transaction limit"
	reasonDaily          = "would exceed daily limit"
)

// Limits is the local spend policy. Amounts are minor units. A zero
// limit means the corresponding waiver flag must be set explicitly;
// config.Validate enforces that before limits reach this package.
type Limits struct {
	MaxTransaction   int64
	Daily            int64
	AutoApproveUnder int64

	UnlimitedPerTransaction bool
	UnlimitedDaily          bool
}

// Ledger is the slice of the spend ledger the validator needs.
type Ledger interface {
	Append(ctx context.Context, e model.SpendEntry) error
	Transition(ctx context.Context, id uuid.UUID, to model.SpendStatus) error
	ApprovedTotalSince(ctx context.Context, since time.Time) (int64, error)
}

// Result is the outcome of a limit check. Errors carries every reason
// that applies, not just the first.
type Result struct {
	Valid       bool
	AutoApprove bool
	Errors      []string
}

// LimitExceededError reports a rejected amount with all applicable
// reasons. The amount itself is not included; callers log it separately.
type LimitExceededError struct {
	Errors []string
}

func (e *LimitExceededError) Error() string {
	return "policy: " + strings.Join(e.Errors, "; ")
}

// Validator checks amounts against limits and the rolling 24h total.
// Outstanding reservations it created count against the daily limit
// until settled, so overlapping payments cannot both pass against the
// same approved total.
type Validator struct {
	limits Limits
	ledger Ledger
	clock  func() time.Time

	mu          sync.Mutex
	outstanding map[uuid.UUID]int64
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the wall clock, for tests of the rolling window.
func WithClock(clock func() time.Time) Option {
	return func(v *Validator) { v.clock = clock }
}

// New returns a Validator over the given limits and ledger.
func New(limits Limits, ledger Ledger, opts ...Option) *Validator {
	v := &Validator{
		limits:      limits,
		ledger:      ledger,
		clock:       time.Now,
		outstanding: make(map[uuid.UUID]int64),
	}
	for _, fn := range opts {
		fn(v)
	}
	return v
}

// Limits returns the configured policy.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate checks amount against the per-transaction limit and the
// rolling 24h approved total. A non-positive amount fails alone; an
// otherwise valid positive amount accumulates every limit it breaks.
func (v *Validator) Validate(ctx context.Context, amount int64) (Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.validateLocked(ctx, amount)
}

func (v *Validator) validateLocked(ctx context.Context, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{Errors: []string{reasonNotPositive}}, nil
	}

	var reasons []string
	if !v.limits.UnlimitedPerTransaction && amount > v.limits.MaxTransaction {
		reasons = append(reasons, reasonPerTransaction)
	}
	if !v.limits.UnlimitedDaily {
		total, err := v.ledger.ApprovedTotalSince(ctx, v.clock().Add(-24*time.Hour))
		if err != nil {
			return Result{}, fmt.Errorf("policy: daily total: %w", err)
		}
		if total+v.outstandingLocked()+amount > v.limits.Daily {
			reasons = append(reasons, reasonDaily)
		}
	}

	if len(reasons) > 0 {
		return Result{Errors: reasons}, nil
	}
	return Result{
		Valid:       true,
		AutoApprove: v.limits.AutoApproveUnder > 0 && amount <= v.limits.AutoApproveUnder,
	}, nil
}

func (v *Validator) outstandingLocked() int64 {
	var sum int64
	for _, amount := range v.outstanding {
		sum += amount
	}
	return sum
}

// Reserve validates amount and, on success, appends a pending ledger
// entry for it. Check and append hold the same lock, and the reserved
// amount counts against the daily limit until Settle releases it, so
// overlapping reservations cannot jointly exceed the window even
// though only approved entries ever count in the ledger total.
func (v *Validator) Reserve(ctx context.Context, amount int64, currency, merchant string) (model.SpendEntry, Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	res, err := v.validateLocked(ctx, amount)
	if err != nil {
		return model.SpendEntry{}, Result{}, err
	}
	if !res.Valid {
		return model.SpendEntry{}, res, &LimitExceededError{Errors: res.Errors}
	}

	entry := model.SpendEntry{
		ID:        uuid.New(),
		Timestamp: v.clock().UTC(),
		Amount:    amount,
		Currency:  currency,
		Merchant:  merchant,
		Status:    model.SpendPending,
	}
	if err := v.ledger.Append(ctx, entry); err != nil {
		return model.SpendEntry{}, Result{}, fmt.Errorf("policy: reserve: %w", err)
	}
	v.outstanding[entry.ID] = amount
	return entry, res, nil
}

// Settle moves a reserved entry to its terminal status and releases its
// reservation. An approved entry keeps counting through the ledger's
// approved total; a rejected or failed one stops counting entirely.
func (v *Validator) Settle(ctx context.Context, id uuid.UUID, to model.SpendStatus) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ledger.Transition(ctx, id, to); err != nil {
		return fmt.Errorf("policy: settle: %w", err)
	}
	delete(v.outstanding, id)
	return nil
}
