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

type SessionRepository struct {
	db storage.DBTX
}

func NewSessionRepository(db storage.DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) GetRefreshToken(ctx context.Context, selector string) (*models.RefreshToken, *models.Session, error) {
	query := `SELECT rt.selector, rt.session_id, rt.verifier_hash, rt.access_jti, rt.access_expires_at, rt.issued_at, rt.status,
			s.id, s.account_id, s.device_fingerprint, s.remember_me, s.created_at, s.last_rotated_at, s.expires_at, s.revoked
		FROM refresh_tokens rt
		JOIN sessions s ON s.id = rt.session_id
		WHERE rt.selector = $1`

	var token models.RefreshToken
	var session models.Session
	err := r.db.QueryRowContext(ctx, query, selector).Scan(
		&token.Selector,
		&token.SessionID,
		&token.VerifierHash,
		&token.AccessJTI,
		&token.AccessExpiresAt,
		&token.IssuedAt,
		&token.Status,
		&session.ID,
		&session.AccountID,
		&session.DeviceFingerprint,
		&session.RememberMe,
		&session.CreatedAt,
		&session.LastRotatedAt,
		&session.ExpiresAt,
		&session.Revoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, storage.ErrTokenNotFound
		}
		return nil, nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return &token, &session, nil
}

func (r *SessionRepository) GetSessionByID(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `SELECT id, account_id, device_fingerprint, remember_me, created_at, last_rotated_at, expires_at, revoked
		FROM sessions WHERE id = $1`
	var session models.Session
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID,
		&session.AccountID,
		&session.DeviceFingerprint,
		&session.RememberMe,
		&session.CreatedAt,
		&session.LastRotatedAt,
		&session.ExpiresAt,
		&session.Revoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) CountActiveSessions(ctx context.Context, accountID string) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE account_id = $1 AND revoked = FALSE`
	var count int
	if err := r.db.QueryRowContext(ctx, query, accountID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

func (r *SessionRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}
	return affected, nil
}

func (r *SessionRepository) insertSession(ctx context.Context, session models.Session) error {
	query := `INSERT INTO sessions (id, account_id, device_fingerprint, remember_me, created_at, last_rotated_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		session.ID,
		session.AccountID,
		session.DeviceFingerprint,
		session.RememberMe,
		session.CreatedAt,
		session.LastRotatedAt,
		session.ExpiresAt,
		session.Revoked,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) insertRefreshToken(ctx context.Context, token models.RefreshToken) error {
	query := `INSERT INTO refresh_tokens (selector, session_id, verifier_hash, access_jti, access_expires_at, issued_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		token.Selector,
		token.SessionID,
		token.VerifierHash,
		token.AccessJTI,
		token.AccessExpiresAt,
		token.IssuedAt,
		token.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// unexpiredTokenRefs lists the lineage's access tokens still alive at
// now, the set the revocation store has to blacklist.
func (r *SessionRepository) unexpiredTokenRefs(ctx context.Context, sessionID string, now time.Time) ([]models.AccessTokenRef, error) {
	query := `SELECT access_jti, access_expires_at FROM refresh_tokens
		WHERE session_id = $1 AND access_expires_at > $2`
	rows, err := r.db.QueryContext(ctx, query, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list lineage tokens: %w", err)
	}
	defer rows.Close()

	var refs []models.AccessTokenRef
	for rows.Next() {
		var ref models.AccessTokenRef
		if err := rows.Scan(&ref.JTI, &ref.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lineage token: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage tokens: %w", err)
	}
	return refs, nil
}
