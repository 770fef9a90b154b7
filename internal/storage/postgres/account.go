package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage"
)

const uniqueViolation = "23505"

type AccountRepository struct {
	db storage.DBTX
}

func NewAccountRepository(db storage.DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email_hash, password_hash, role, failed_attempts, strikes, locked_until, last_failed_at, lockout_version, created_at`

func (r *AccountRepository) CreateAccount(ctx context.Context, account models.Account) (*models.Account, error) {
	query := `INSERT INTO accounts (id, email_hash, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + accountColumns
	row := r.db.QueryRowContext(
		ctx,
		query,
		account.ID,
		account.EmailHash,
		account.PasswordHash,
		account.Role,
		account.CreatedAt,
	)

	created, err := scanAccount(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, storage.ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return created, nil
}

func (r *AccountRepository) GetAccountByEmailHash(ctx context.Context, emailHash string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email_hash = $1`
	account, err := scanAccount(r.db.QueryRowContext(ctx, query, emailHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account by email hash: %w", err)
	}
	return account, nil
}

func (r *AccountRepository) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account by id: %w", err)
	}
	return account, nil
}

// UpdateLockoutState is a single guarded statement: the write only lands
// if lockout_version still matches, so two racing failure updates can
// never undercount.
func (r *AccountRepository) UpdateLockoutState(ctx context.Context, accountID string, expectVersion int64, next models.LockoutState) error {
	query := `UPDATE accounts
		SET failed_attempts = $1, strikes = $2, locked_until = $3, last_failed_at = $4,
		    lockout_version = lockout_version + 1
		WHERE id = $5 AND lockout_version = $6`
	res, err := r.db.ExecContext(
		ctx,
		query,
		next.FailedAttempts,
		next.Strikes,
		next.LockedUntil,
		next.LastFailedAt,
		accountID,
		expectVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update lockout state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lockout rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var account models.Account
	var lockedUntil, lastFailedAt sql.NullTime
	err := row.Scan(
		&account.ID,
		&account.EmailHash,
		&account.PasswordHash,
		&account.Role,
		&account.FailedAttempts,
		&account.Strikes,
		&lockedUntil,
		&lastFailedAt,
		&account.LockoutVersion,
		&account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		account.LockedUntil = &lockedUntil.Time
	}
	if lastFailedAt.Valid {
		account.LastFailedAt = &lastFailedAt.Time
	}
	return &account, nil
}
