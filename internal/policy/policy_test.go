package policy_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoha-ai/kessai/internal/ledger"
	"github.com/hitoha-ai/kessai/internal/model"
	"github.com/hitoha-ai/kessai/internal/policy"
)

func testValidator(t *testing.T, limits policy.Limits) (*policy.Validator, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return policy.New(limits, store), store
}

func approve(t *testing.T, v *policy.Validator, amount int64) {
	t.Helper()
	entry, res, err := v.Reserve(context.Background(), amount, "USDC", "api.example.com")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NoError(t, v.Settle(context.Background(), entry.ID, model.SpendApproved))
}

func TestValidateTable(t *testing.T) {
	limits := policy.Limits{MaxTransaction: 5000, Daily: 20000, AutoApproveUnder: 100}

	cases := []struct {
		name        string
		amount      int64
		spent       int64 // approved in the last 24h before the check
		valid       bool
		autoApprove bool
		errors      []string
	}{
		{name: "zero", amount: 0, errors: []string{"amount must be positive"}},
		{name: "negative", amount: -5, errors: []string{"amount must be positive"}},
		{name: "small auto-approves", amount: 100, valid: true, autoApprove: true},
		{name: "above threshold no auto-approve", amount: 101, valid: true},
		{name: "at per-transaction limit", amount: 5000, valid: true},
		{name: "over per-transaction limit", amount: 5001, errors: []string{"exceeds per-transaction limit"}},
		{name: "would exceed daily", amount: 5000, spent: 16000, errors: []string{"would exceed daily limit"}},
		{name: "exactly fills daily", amount: 4000, spent: 16000, valid: true},
		{
			name:   "breaks both limits",
			amount: 9000,
			spent:  16000,
			errors: []string{"exceeds per-transaction limit", "would exceed daily limit"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, _ := testValidator(t, limits)
			for remaining := tc.spent; remaining > 0; remaining -= 4000 {
				approve(t, v, min(remaining, 4000))
			}

			res, err := v.Validate(context.Background(), tc.amount)
			require.NoError(t, err)
			assert.Equal(t, tc.valid, res.Valid)
			assert.Equal(t, tc.autoApprove, res.AutoApprove)
			assert.Equal(t, tc.errors, res.Errors)
		})
	}
}

func TestNonPositiveFailsAlone(t *testing.T) {
	// Even with a tiny daily limit already exhausted, a non-positive
	// amount reports only the positivity failure.
	v, _ := testValidator(t, policy.Limits{MaxTransaction: 10, Daily: 10, AutoApproveUnder: 5})
	approve(t, v, 10)

	res, err := v.Validate(context.Background(), -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount must be positive"}, res.Errors)
}

func TestDailyWindowNearBoundary(t *testing.T) {
	v, _ := testValidator(t, policy.Limits{MaxTransaction: 5000, Daily: 20, AutoApproveUnder: 0})
	approve(t, v, 18)

	res, err := v.Validate(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, res.Valid, "18 spent + 5 requested exceeds a 20 daily limit")
	assert.Equal(t, []string{"would exceed daily limit"}, res.Errors)

	res, err = v.Validate(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, res.Valid, "18 + 2 exactly fills the limit")
}

func TestOutstandingReservationCountsTowardDaily(t *testing.T) {
	v, _ := testValidator(t, policy.Limits{MaxTransaction: 5000, Daily: 100, AutoApproveUnder: 0})

	entry, res, err := v.Reserve(context.Background(), 90, "USDC", "a.example.com")
	require.NoError(t, err)
	require.True(t, res.Valid)

	// The 90 is reserved but unsettled; a second 90 must not pass.
	_, res, err = v.Reserve(context.Background(), 90, "USDC", "b.example.com")
	assert.False(t, res.Valid)
	var limitErr *policy.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, []string{"would exceed daily limit"}, limitErr.Errors)

	// A failed settlement releases the reservation without ever
	// counting in the approved window.
	require.NoError(t, v.Settle(context.Background(), entry.ID, model.SpendFailed))
	res, err = v.Validate(context.Background(), 90)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestConcurrentReservationsCannotOverspendDaily(t *testing.T) {
	v, store := testValidator(t, policy.Limits{MaxTransaction: 5000, Daily: 100, AutoApproveUnder: 0})

	const attempts = 8
	entries := make(chan model.SpendEntry, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, res, err := v.Reserve(context.Background(), 90, "USDC", "api.example.com")
			if err == nil && res.Valid {
				entries <- entry
			}
		}()
	}
	wg.Wait()
	close(entries)

	var won []model.SpendEntry
	for entry := range entries {
		won = append(won, entry)
	}
	require.Len(t, won, 1, "only one 90 fits under a 100 daily limit")

	require.NoError(t, v.Settle(context.Background(), won[0].ID, model.SpendApproved))
	total, err := store.ApprovedTotalSince(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(90), total)
}

func TestUnlimitedWaivers(t *testing.T) {
	v, _ := testValidator(t, policy.Limits{
		MaxTransaction:          0,
		Daily:                   0,
		UnlimitedPerTransaction: true,
		UnlimitedDaily:          true,
	})

	res, err := v.Validate(context.Background(), 1_000_000)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.False(t, res.AutoApprove, "auto-approve threshold of zero never auto-approves")
}

func TestReserveRejectedReturnsTypedError(t *testing.T) {
	v, _ := testValidator(t, policy.Limits{MaxTransaction: 100, Daily: 1000})

	_, res, err := v.Reserve(context.Background(), 500, "USDC", "api.example.com")
	assert.False(t, res.Valid)

	var limitErr *policy.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, []string{"exceeds per-transaction limit"}, limitErr.Errors)
}

func TestSettleApprovedCountsImmediately(t *testing.T) {
	v, _ := testValidator(t, policy.Limits{MaxTransaction: 5000, Daily: 100})

	entry, _, err := v.Reserve(context.Background(), 80, "USDC", "api.example.com")
	require.NoError(t, err)
	require.NoError(t, v.Settle(context.Background(), entry.ID, model.SpendApproved))

	res, err := v.Validate(context.Background(), 30)
	require.NoError(t, err)
	assert.False(t, res.Valid, "settled amount counts toward the window")
}

func TestSettleUnknownEntry(t *testing.T) {
	v, _ := testValidator(t, policy.Limits{MaxTransaction: 100, Daily: 1000})
	err := v.Settle(context.Background(), uuid.New(), model.SpendRejected)
	assert.ErrorIs(t, err, ledger.ErrNotPending)
}
