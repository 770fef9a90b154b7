package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage"
	"github.com/rryowa/sessiond/internal/util"
)

const defaultRole = "user"

// Invalidity reasons reported by Verify to collaborating services.
const (
	ReasonExpired      = "EXPIRED"
	ReasonRevoked      = "REVOKED"
	ReasonBadSignature = "BAD_SIGNATURE"
	ReasonInvalid      = "INVALID"
)

type AuthService struct {
	storage       storage.Storage
	tokens        *TokenService
	passwords     *PasswordService
	lockout       *LockoutGuard
	webhooks      *WebhookService
	rotationCache storage.RotationCache
	maxSessions   int
	graceWindow   time.Duration
	sweepInterval time.Duration
	log           *zap.SugaredLogger
	now           func() time.Time
}

func NewAuthService(
	cfg *util.AuthConfig,
	store storage.Storage,
	tokens *TokenService,
	passwords *PasswordService,
	lockout *LockoutGuard,
	webhooks *WebhookService,
	rotationCache storage.RotationCache,
	log *zap.SugaredLogger,
) *AuthService {
	return &AuthService{
		storage:       store,
		tokens:        tokens,
		passwords:     passwords,
		lockout:       lockout,
		webhooks:      webhooks,
		rotationCache: rotationCache,
		maxSessions:   cfg.MaxSessions,
		graceWindow:   cfg.GraceWindow,
		sweepInterval: cfg.SweepInterval,
		log:           log,
		now:           time.Now,
	}
}

// LoginResult is everything a successful authentication produces.
type LoginResult struct {
	Pair    models.TokenPair
	Account *models.Account
	Session *models.Session
}

func (s *AuthService) Register(ctx context.Context, email, password, role string) (*models.Account, error) {
	if role == "" {
		role = defaultRole
	}

	passwordHash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account, err := s.storage.CreateAccount(ctx, models.Account{
		ID:           uuid.NewString(),
		EmailHash:    HashEmail(email),
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    s.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return account, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string, rememberMe bool, meta models.DeviceMetadata) (*LoginResult, error) {
	now := s.now()

	account, err := s.storage.GetAccountByEmailHash(ctx, HashEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			if _, verr := s.passwords.Verify(ctx, password, dummyPasswordHash); verr != nil {
				return nil, verr
			}
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.lockout.Check(account, now); err != nil {
		return nil, err
	}

	ok, err := s.passwords.Verify(ctx, password, account.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		locked, failErr := s.lockout.RecordFailure(ctx, account.ID, now)
		if failErr != nil {
			return nil, failErr
		}
		if locked {
			s.webhooks.NotifySecurityEvent(context.WithoutCancel(ctx), models.EventAccountLocked, map[string]interface{}{
				"account_id": account.ID,
			})
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.lockout.RecordSuccess(ctx, account.ID, now); err != nil {
		return nil, err
	}

	session, pair, err := s.issueSession(ctx, account, rememberMe, meta, now)
	if err != nil {
		return nil, err
	}

	return &LoginResult{Pair: *pair, Account: account, Session: session}, nil
}

func (s *AuthService) issueSession(ctx context.Context, account *models.Account, rememberMe bool, meta models.DeviceMetadata, now time.Time) (*models.Session, *models.TokenPair, error) {
	refreshToken, selector, verifierHash, err := s.tokens.CreateRefreshToken()
	if err != nil {
		return nil, nil, err
	}

	sessionID := uuid.NewString()
	accessToken, jti, err := s.tokens.CreateAccessToken(account.ID, account.Role, sessionID, now)
	if err != nil {
		return nil, nil, err
	}

	session := models.Session{
		ID:                sessionID,
		AccountID:         account.ID,
		DeviceFingerprint: util.DeviceFingerprint(meta.UserAgent, meta.IPAddress),
		RememberMe:        rememberMe,
		CreatedAt:         now,
		LastRotatedAt:     now,
		ExpiresAt:         now.Add(s.tokens.RefreshTTL(rememberMe)),
	}
	token := models.RefreshToken{
		Selector:        selector,
		SessionID:       sessionID,
		VerifierHash:    verifierHash,
		AccessJTI:       jti,
		AccessExpiresAt: now.Add(s.tokens.AccessTTL()),
		IssuedAt:        now,
		Status:          models.TokenStatusCurrent,
	}

	evicted, err := s.storage.CreateSessionTx(ctx, session, token, s.maxSessions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.invalidateRefs(ctx, evicted)

	pair := &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
		RememberMe:   rememberMe,
	}
	return &session, pair, nil
}

// Refresh is the replay detector. The presented token is classified
// against the lineage: current rotates, previous inside the grace
// window replays the cached result, anything older burns the lineage.
func (s *AuthService) Refresh(ctx context.Context, presented string) (*models.TokenPair, error) {
	selector, err := s.tokens.SplitRefreshToken(presented)
	if err != nil {
		return nil, err
	}

	// A rotation race can demote the token between classification and
	// the rotate transaction; one re-read resolves it.
	for attempt := 0; attempt < 2; attempt++ {
		token, session, err := s.storage.GetRefreshToken(ctx, selector)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return nil, ErrInvalidRefreshToken
			}
			return nil, err
		}

		if err := s.tokens.ValidateRefreshToken(presented, token.VerifierHash); err != nil {
			return nil, ErrInvalidRefreshToken
		}

		now := s.now()
		if session.Revoked || !session.ExpiresAt.After(now) {
			return nil, ErrInvalidRefreshToken
		}

		switch token.Status {
		case models.TokenStatusCurrent:
			pair, err := s.rotate(ctx, session, selector, now)
			if errors.Is(err, storage.ErrRotationConflict) {
				continue
			}
			return pair, err
		case models.TokenStatusPrevious:
			if now.Sub(session.LastRotatedAt) <= s.graceWindow {
				pair, err := s.rotationCache.GetCachedRotation(ctx, selector)
				if errors.Is(err, storage.ErrCacheMiss) {
					return nil, ErrInvalidRefreshToken
				}
				if err != nil {
					return nil, err
				}
				return pair, nil
			}
			return nil, s.burnLineage(ctx, session, token)
		default:
			return nil, s.burnLineage(ctx, session, token)
		}
	}
	return nil, ErrInvalidRefreshToken
}

func (s *AuthService) rotate(ctx context.Context, session *models.Session, presentedSelector string, now time.Time) (*models.TokenPair, error) {
	account, err := s.storage.GetAccountByID(ctx, session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account for rotation: %w", err)
	}

	refreshToken, selector, verifierHash, err := s.tokens.CreateRefreshToken()
	if err != nil {
		return nil, err
	}
	accessToken, jti, err := s.tokens.CreateAccessToken(account.ID, account.Role, session.ID, now)
	if err != nil {
		return nil, err
	}

	next := models.RefreshToken{
		Selector:        selector,
		SessionID:       session.ID,
		VerifierHash:    verifierHash,
		AccessJTI:       jti,
		AccessExpiresAt: now.Add(s.tokens.AccessTTL()),
		IssuedAt:        now,
		Status:          models.TokenStatusCurrent,
	}

	err = s.storage.RotateSessionTx(ctx, session.ID, presentedSelector, next, now)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) || errors.Is(err, storage.ErrSessionRevoked) || errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	pair := &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
		RememberMe:   session.RememberMe,
	}

	if err := s.rotationCache.CacheRotation(ctx, presentedSelector, *pair, s.graceWindow); err != nil {
		// The rotation itself stands; a retry inside the grace window
		// will just be rejected instead of replayed.
		s.log.Errorw("failed to cache rotation result", "error", err, "sessionID", session.ID)
	}
	return pair, nil
}

// burnLineage is the replay response: the whole session dies and every
// still-live access token issued under it is blacklisted.
func (s *AuthService) burnLineage(ctx context.Context, session *models.Session, token *models.RefreshToken) error {
	now := s.now()
	refs, err := s.storage.RevokeSessionTx(ctx, session.ID, now)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return err
	}
	s.invalidateRefs(ctx, refs)

	s.log.Warnw("refresh token replay detected",
		"accountID", session.AccountID,
		"sessionID", session.ID,
		"selector", token.Selector,
	)
	s.webhooks.NotifySecurityEvent(context.WithoutCancel(ctx), models.EventReplayDetected, map[string]interface{}{
		"account_id":         session.AccountID,
		"session_id":         session.ID,
		"device_fingerprint": session.DeviceFingerprint,
	})

	return ErrReplayDetected
}

// Logout revokes the session behind the presented credentials and
// blacklists the access token. It succeeds no matter what was
// presented.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	now := s.now()

	if accessToken != "" {
		claims, err := s.tokens.ParseAccessToken(ctx, accessToken)
		if err == nil {
			if err := s.tokens.InvalidateJTI(ctx, claims.JTI, time.Unix(claims.ExpiresAt, 0)); err != nil {
				return err
			}
			refs, err := s.storage.RevokeSessionTx(ctx, claims.SessionID, now)
			if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
				return err
			}
			s.invalidateRefs(ctx, refs)
			return nil
		}
	}

	if refreshToken != "" {
		selector, err := s.tokens.SplitRefreshToken(refreshToken)
		if err != nil {
			return nil
		}
		token, session, err := s.storage.GetRefreshToken(ctx, selector)
		if err != nil {
			return nil
		}
		if s.tokens.ValidateRefreshToken(refreshToken, token.VerifierHash) != nil {
			return nil
		}
		refs, err := s.storage.RevokeSessionTx(ctx, session.ID, now)
		if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			return err
		}
		s.invalidateRefs(ctx, refs)
	}
	return nil
}

// LogoutAll revokes every session of the presented account. It is
// idempotent: an expired or revoked token still tears its account
// down, and anything unverifiable revokes nothing and succeeds.
func (s *AuthService) LogoutAll(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.ExtractClaims(accessToken)
	if err != nil {
		return nil
	}

	refs, err := s.storage.RevokeAllSessionsTx(ctx, claims.AccountID, s.now())
	if err != nil {
		return err
	}
	s.invalidateRefs(ctx, refs)
	return nil
}

// Verify is the stateless check collaborating services call for every
// bearer token: signature, expiry, revocation blacklist. No session
// lookup happens here.
func (s *AuthService) Verify(ctx context.Context, accessToken string) (*models.VerifyResponse, error) {
	claims, err := s.tokens.ParseAccessToken(ctx, accessToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			return &models.VerifyResponse{Reason: ReasonExpired}, nil
		case errors.Is(err, ErrTokenRevoked):
			return &models.VerifyResponse{Reason: ReasonRevoked}, nil
		case errors.Is(err, ErrBadSignature):
			return &models.VerifyResponse{Reason: ReasonBadSignature}, nil
		case errors.Is(err, ErrTokenInvalid):
			return &models.VerifyResponse{Reason: ReasonInvalid}, nil
		default:
			return nil, err
		}
	}

	return &models.VerifyResponse{
		Valid:     true,
		AccountID: claims.AccountID,
		Role:      claims.Role,
		SessionID: claims.SessionID,
	}, nil
}

// StartSessionSweeper deletes naturally expired sessions in the
// background until ctx is cancelled.
func (s *AuthService) StartSessionSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.storage.DeleteExpiredSessions(ctx, s.now())
				if err != nil {
					s.log.Errorw("session sweep failed", "error", err)
					continue
				}
				if deleted > 0 {
					s.log.Infow("swept expired sessions", "deleted", deleted)
				}
			}
		}
	}()
}

func (s *AuthService) invalidateRefs(ctx context.Context, refs []models.AccessTokenRef) {
	for _, ref := range refs {
		if err := s.tokens.InvalidateJTI(ctx, ref.JTI, ref.ExpiresAt); err != nil {
			s.log.Errorw("failed to blacklist access token", "error", err, "jti", ref.JTI)
		}
	}
}
