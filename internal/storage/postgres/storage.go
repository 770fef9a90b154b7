package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage"
)

type Storage struct {
	db *sql.DB
	*AccountRepository
	*SessionRepository
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{
		db:                db,
		AccountRepository: NewAccountRepository(db),
		SessionRepository: NewSessionRepository(db),
	}
}

// CreateSessionTx inserts the new lineage and enforces the per-account
// session cap. The account row lock serializes concurrent logins for
// the same account; locking only the live session rows is not enough,
// because a concurrent login's freshly inserted row is a phantom the
// loser would never see.
func (s *Storage) CreateSessionTx(ctx context.Context, session models.Session, token models.RefreshToken, maxSessions int) ([]models.AccessTokenRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessionRepoTx := NewSessionRepository(tx)

	var lockedID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, session.AccountID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	query := `SELECT id FROM sessions
		WHERE account_id = $1 AND revoked = FALSE
		ORDER BY last_rotated_at ASC
		FOR UPDATE`
	rows, err := tx.QueryContext(ctx, query, session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account sessions: %w", err)
	}
	var active []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		active = append(active, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account sessions: %w", err)
	}

	var evicted []models.AccessTokenRef
	for i := 0; len(active)-i >= maxSessions; i++ {
		oldest := active[i]
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE WHERE id = $1`, oldest); err != nil {
			return nil, fmt.Errorf("failed to evict session: %w", err)
		}
		refs, err := sessionRepoTx.unexpiredTokenRefs(ctx, oldest, session.CreatedAt)
		if err != nil {
			return nil, err
		}
		evicted = append(evicted, refs...)
	}

	if err := sessionRepoTx.insertSession(ctx, session); err != nil {
		return nil, err
	}
	if err := sessionRepoTx.insertRefreshToken(ctx, token); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return evicted, nil
}

// RotateSessionTx advances the lineage one step. The FOR UPDATE on the
// session row serializes concurrent refreshes; the loser of the race
// comes back with ErrRotationConflict and re-reads.
func (s *Storage) RotateSessionTx(ctx context.Context, sessionID, expectSelector string, next models.RefreshToken, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessionRepoTx := NewSessionRepository(tx)

	var revoked bool
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT revoked, expires_at FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).
		Scan(&revoked, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrSessionNotFound
		}
		return fmt.Errorf("failed to lock session: %w", err)
	}
	if revoked {
		return storage.ErrSessionRevoked
	}
	if !expiresAt.After(now) {
		return storage.ErrSessionNotFound
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT selector FROM refresh_tokens WHERE session_id = $1 AND status = $2`,
		sessionID, models.TokenStatusCurrent).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrTokenNotFound
		}
		return fmt.Errorf("failed to get current token: %w", err)
	}
	if current != expectSelector {
		return storage.ErrRotationConflict
	}

	if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET status = $1 WHERE session_id = $2 AND status = $3`,
		models.TokenStatusRetired, sessionID, models.TokenStatusPrevious); err != nil {
		return fmt.Errorf("failed to retire previous token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET status = $1 WHERE session_id = $2 AND status = $3`,
		models.TokenStatusPrevious, sessionID, models.TokenStatusCurrent); err != nil {
		return fmt.Errorf("failed to demote current token: %w", err)
	}
	if err := sessionRepoTx.insertRefreshToken(ctx, next); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_rotated_at = $1 WHERE id = $2`, now, sessionID); err != nil {
		return fmt.Errorf("failed to update rotation time: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Storage) RevokeSessionTx(ctx context.Context, sessionID string, now time.Time) ([]models.AccessTokenRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessionRepoTx := NewSessionRepository(tx)

	var revoked bool
	err = tx.QueryRowContext(ctx, `SELECT revoked FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if revoked {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE WHERE id = $1`, sessionID); err != nil {
		return nil, fmt.Errorf("failed to revoke session: %w", err)
	}
	refs, err := sessionRepoTx.unexpiredTokenRefs(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return refs, nil
}

func (s *Storage) RevokeAllSessionsTx(ctx context.Context, accountID string, now time.Time) ([]models.AccessTokenRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessionRepoTx := NewSessionRepository(tx)

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions WHERE account_id = $1 AND revoked = FALSE FOR UPDATE`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account sessions: %w", err)
	}

	var refs []models.AccessTokenRef
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("failed to revoke session: %w", err)
		}
		lineage, err := sessionRepoTx.unexpiredTokenRefs(ctx, id, now)
		if err != nil {
			return nil, err
		}
		refs = append(refs, lineage...)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return refs, nil
}
