package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage/memory"
	"github.com/rryowa/sessiond/internal/util"
)

func newTestLockoutGuard(t *testing.T) (*LockoutGuard, *memory.InMemoryAccountStore, *models.Account) {
	t.Helper()

	accounts := memory.NewAccountRepository()
	account, err := accounts.CreateAccount(context.Background(), models.Account{
		ID:        uuid.NewString(),
		EmailHash: HashEmail("alice@example.com"),
		Role:      "user",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	cfg := &util.AuthConfig{
		LockoutThreshold:    5,
		LockoutBaseDuration: 15 * time.Minute,
		LockoutMaxDuration:  4 * time.Hour,
		StrikeDecay:         24 * time.Hour,
	}
	return NewLockoutGuard(cfg, accounts, zap.NewNop().Sugar()), accounts, account
}

func TestLockoutThreshold(t *testing.T) {
	guard, accounts, account := newTestLockoutGuard(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		locked, err := guard.RecordFailure(ctx, account.ID, now)
		require.NoError(t, err)
		assert.False(t, locked, "failure %d should not lock", i+1)
	}

	locked, err := guard.RecordFailure(ctx, account.ID, now)
	require.NoError(t, err)
	assert.True(t, locked, "fifth failure locks the account")

	current, err := accounts.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, current.LockedUntil)
	retryAfter := current.LockedUntil.Sub(now)
	assert.InDelta(t, (15 * time.Minute).Seconds(), retryAfter.Seconds(), 1)

	err = guard.Check(current, now)
	var lockedErr *AccountLockedError
	require.ErrorAs(t, err, &lockedErr)
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.InDelta(t, (15 * time.Minute).Seconds(), lockedErr.RetryAfter.Seconds(), 1)
}

func TestLockoutSuccessResetsCounter(t *testing.T) {
	guard, accounts, account := newTestLockoutGuard(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		_, err := guard.RecordFailure(ctx, account.ID, now)
		require.NoError(t, err)
	}
	require.NoError(t, guard.RecordSuccess(ctx, account.ID, now))

	current, err := accounts.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.FailedAttempts)
	assert.Nil(t, current.LockedUntil)
}

func TestLockoutBackoffEscalates(t *testing.T) {
	guard, accounts, account := newTestLockoutGuard(t)
	ctx := context.Background()
	now := time.Now()

	var durations []time.Duration
	for episode := 0; episode < 3; episode++ {
		for i := 0; i < 5; i++ {
			_, err := guard.RecordFailure(ctx, account.ID, now)
			require.NoError(t, err)
		}
		current, err := accounts.GetAccountByID(ctx, account.ID)
		require.NoError(t, err)
		require.NotNil(t, current.LockedUntil)
		durations = append(durations, current.LockedUntil.Sub(now))

		// Wait out the lock, fail again inside the decay window.
		now = current.LockedUntil.Add(time.Minute)
	}

	assert.Less(t, durations[0], durations[1])
	assert.Less(t, durations[1], durations[2])
	assert.InDelta(t, (15 * time.Minute).Seconds(), durations[0].Seconds(), 1)
	assert.InDelta(t, (30 * time.Minute).Seconds(), durations[1].Seconds(), 1)
	assert.InDelta(t, (60 * time.Minute).Seconds(), durations[2].Seconds(), 1)
}

func TestLockoutBackoffCapped(t *testing.T) {
	guard, accounts, account := newTestLockoutGuard(t)
	ctx := context.Background()
	now := time.Now()

	var lockDuration time.Duration
	for episode := 0; episode < 8; episode++ {
		for i := 0; i < 5; i++ {
			_, err := guard.RecordFailure(ctx, account.ID, now)
			require.NoError(t, err)
		}
		current, err := accounts.GetAccountByID(ctx, account.ID)
		require.NoError(t, err)
		lockDuration = current.LockedUntil.Sub(now)
		now = current.LockedUntil.Add(time.Minute)
	}

	assert.Equal(t, 4*time.Hour, lockDuration)
}

func TestLockoutStrikesDecayAfterCleanPeriod(t *testing.T) {
	guard, accounts, account := newTestLockoutGuard(t)
	ctx := context.Background()
	now := time.Now()

	// First episode.
	for i := 0; i < 5; i++ {
		_, err := guard.RecordFailure(ctx, account.ID, now)
		require.NoError(t, err)
	}

	// A day of quiet clears the strike history; the next episode is
	// back at the base duration.
	now = now.Add(25 * time.Hour)
	for i := 0; i < 5; i++ {
		_, err := guard.RecordFailure(ctx, account.ID, now)
		require.NoError(t, err)
	}

	current, err := accounts.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, current.LockedUntil)
	assert.InDelta(t, (15 * time.Minute).Seconds(), current.LockedUntil.Sub(now).Seconds(), 1)
	assert.Equal(t, 1, current.Strikes)
}

func TestLockoutExpiresAutomatically(t *testing.T) {
	guard, accounts, account := newTestLockoutGuard(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, err := guard.RecordFailure(ctx, account.ID, now)
		require.NoError(t, err)
	}

	current, err := accounts.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)

	assert.Error(t, guard.Check(current, now))
	assert.NoError(t, guard.Check(current, current.LockedUntil.Add(time.Second)))
}
