package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rryowa/sessiond/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrTokenNotFound   = errors.New("refresh token not found")

	// ErrVersionConflict signals a lost optimistic update on the
	// account lockout columns; the caller re-reads and retries.
	ErrVersionConflict = errors.New("lockout version conflict")

	// ErrRotationConflict signals that another rotation won the race
	// for the same current selector.
	ErrRotationConflict = errors.New("rotation conflict")

	ErrCacheMiss = errors.New("rotation cache miss")
)

type Storage interface {
	AccountRepository
	SessionRepository
}

// DBTX is satisfied by *sql.DB and *sql.Tx so repositories can run both
// standalone and inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type AccountRepository interface {
	CreateAccount(ctx context.Context, account models.Account) (*models.Account, error)
	GetAccountByEmailHash(ctx context.Context, emailHash string) (*models.Account, error)
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
	// UpdateLockoutState writes the lockout columns guarded by the
	// version read alongside them. ErrVersionConflict on a lost race.
	UpdateLockoutState(ctx context.Context, accountID string, expectVersion int64, next models.LockoutState) error
}

type SessionRepository interface {
	// CreateSessionTx inserts a session with its first refresh token,
	// evicting the least-recently-rotated session if the account is at
	// maxSessions. Returned refs are the evicted lineage's unexpired
	// access tokens, to be blacklisted by the caller.
	CreateSessionTx(ctx context.Context, session models.Session, token models.RefreshToken, maxSessions int) ([]models.AccessTokenRef, error)

	GetRefreshToken(ctx context.Context, selector string) (*models.RefreshToken, *models.Session, error)
	GetSessionByID(ctx context.Context, sessionID string) (*models.Session, error)

	// RotateSessionTx advances the lineage: the expected current token
	// becomes previous, the old previous retires, next is inserted as
	// current. ErrRotationConflict if expectSelector is no longer the
	// current one.
	RotateSessionTx(ctx context.Context, sessionID, expectSelector string, next models.RefreshToken, now time.Time) error

	// RevokeSessionTx marks the session revoked and returns the
	// lineage's access tokens that have not yet expired at now.
	// Revoking an already-revoked session is a no-op returning nil.
	RevokeSessionTx(ctx context.Context, sessionID string, now time.Time) ([]models.AccessTokenRef, error)

	RevokeAllSessionsTx(ctx context.Context, accountID string, now time.Time) ([]models.AccessTokenRef, error)

	CountActiveSessions(ctx context.Context, accountID string) (int, error)

	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// RevocationStore is the access-token blacklist consulted on every
// verification. Entries expire together with the tokens they block.
type RevocationStore interface {
	InvalidateToken(ctx context.Context, jti string, ttl time.Duration) error
	IsTokenInvalidated(ctx context.Context, jti string) (bool, error)
}

// RotationCache remembers the outcome of a rotation for the duration of
// the grace window, keyed by the demoted selector, so a duplicate
// refresh observes the identical pair.
type RotationCache interface {
	CacheRotation(ctx context.Context, selector string, pair models.TokenPair, ttl time.Duration) error
	// GetCachedRotation returns ErrCacheMiss when no entry exists.
	GetCachedRotation(ctx context.Context, selector string) (*models.TokenPair, error)
}
