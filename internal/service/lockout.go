package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage"
	"github.com/rryowa/sessiond/internal/util"
)

const lockoutRetryLimit = 5

// LockoutGuard tracks failed-attempt counters per account and enforces
// temporary lockout with exponential backoff per lockout episode.
// Counter updates are optimistic read-modify-write against the account
// row; a lost race is retried so failures are never undercounted.
type LockoutGuard struct {
	accounts     storage.AccountRepository
	threshold    int
	baseDuration time.Duration
	maxDuration  time.Duration
	strikeDecay  time.Duration
	log          *zap.SugaredLogger
}

func NewLockoutGuard(cfg *util.AuthConfig, accounts storage.AccountRepository, log *zap.SugaredLogger) *LockoutGuard {
	return &LockoutGuard{
		accounts:     accounts,
		threshold:    cfg.LockoutThreshold,
		baseDuration: cfg.LockoutBaseDuration,
		maxDuration:  cfg.LockoutMaxDuration,
		strikeDecay:  cfg.StrikeDecay,
		log:          log,
	}
}

// Check rejects while the lock is active. It runs before the credential
// verifier so locked attempts never reach Argon2id.
func (g *LockoutGuard) Check(account *models.Account, now time.Time) error {
	if account.Locked(now) {
		return &AccountLockedError{RetryAfter: account.LockedUntil.Sub(now)}
	}
	return nil
}

// RecordFailure increments the counter and reports whether this failure
// tripped a new lockout episode.
func (g *LockoutGuard) RecordFailure(ctx context.Context, accountID string, now time.Time) (bool, error) {
	for attempt := 0; attempt < lockoutRetryLimit; attempt++ {
		account, err := g.accounts.GetAccountByID(ctx, accountID)
		if err != nil {
			return false, fmt.Errorf("failed to load account for lockout: %w", err)
		}

		next := g.nextOnFailure(account.LockoutState(), now)
		err = g.accounts.UpdateLockoutState(ctx, accountID, account.LockoutVersion, next)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}

		locked := next.LockedUntil != nil && now.Before(*next.LockedUntil)
		if locked {
			g.log.Warnw("account locked",
				"accountID", accountID,
				"strikes", next.Strikes,
				"lockedUntil", next.LockedUntil,
			)
		}
		return locked, nil
	}
	return false, fmt.Errorf("lockout update for account %s: %w", accountID, storage.ErrVersionConflict)
}

// RecordSuccess resets the failure counter. Strikes are kept so a fresh
// run of failures escalates, until the decay window clears them.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, accountID string, now time.Time) error {
	for attempt := 0; attempt < lockoutRetryLimit; attempt++ {
		account, err := g.accounts.GetAccountByID(ctx, accountID)
		if err != nil {
			return fmt.Errorf("failed to load account for lockout reset: %w", err)
		}
		if account.FailedAttempts == 0 {
			return nil
		}

		next := account.LockoutState()
		next.FailedAttempts = 0
		err = g.accounts.UpdateLockoutState(ctx, accountID, account.LockoutVersion, next)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("lockout reset for account %s: %w", accountID, storage.ErrVersionConflict)
}

func (g *LockoutGuard) nextOnFailure(st models.LockoutState, now time.Time) models.LockoutState {
	if st.LastFailedAt != nil && now.Sub(*st.LastFailedAt) >= g.strikeDecay {
		// Clean period passed: the next episode starts at the base
		// duration again.
		st.Strikes = 0
		st.FailedAttempts = 0
	}

	failedAt := now
	st.FailedAttempts++
	st.LastFailedAt = &failedAt

	if st.FailedAttempts >= g.threshold {
		st.Strikes++
		until := now.Add(g.lockDuration(st.Strikes))
		st.LockedUntil = &until
		st.FailedAttempts = 0
	}
	return st
}

// lockDuration doubles per consecutive lockout episode, capped.
func (g *LockoutGuard) lockDuration(strikes int) time.Duration {
	d := g.baseDuration
	for i := 1; i < strikes; i++ {
		d *= 2
		if d >= g.maxDuration {
			return g.maxDuration
		}
	}
	if d > g.maxDuration {
		return g.maxDuration
	}
	return d
}
