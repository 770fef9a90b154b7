package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage"
	"github.com/rryowa/sessiond/internal/util"
)

type TokenService struct {
	JwtSecretKey  []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rememberMeTTL time.Duration
	revocations   storage.RevocationStore
}

func NewTokenService(cfg *util.TokenConfig, revocations storage.RevocationStore) *TokenService {
	return &TokenService{
		JwtSecretKey:  cfg.JwtSecretKey,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		rememberMeTTL: cfg.RememberMeTTL,
		revocations:   revocations,
	}
}

type jwtClaims struct {
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func (ts *TokenService) AccessTTL() time.Duration { return ts.accessTTL }

func (ts *TokenService) RefreshTTL(rememberMe bool) time.Duration {
	if rememberMe {
		return ts.rememberMeTTL
	}
	return ts.refreshTTL
}

// CreateAccessToken mints the HS512 signed access token bound to a
// session, returning the signed string and its jti.
func (ts *TokenService) CreateAccessToken(accountID, role, sessionID string, now time.Time) (string, string, error) {
	jti := uuid.NewString()
	claims := &jwtClaims{
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signedToken, err := token.SignedString(ts.JwtSecretKey)
	if err != nil {
		return "", "", fmt.Errorf("signed string: %w", err)
	}

	return signedToken, jti, nil
}

func (ts *TokenService) CreateRefreshToken() (token, selector, verifierHash string, err error) {
	rawToken := make([]byte, util.RawTokenLength)
	if _, err = rand.Read(rawToken); err != nil {
		return "", "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	selector = base64.RawURLEncoding.EncodeToString(rawToken[:16])
	verifier := base64.RawURLEncoding.EncodeToString(rawToken[16:])

	hashedVerifierBytes := sha256.Sum256([]byte(verifier))
	verifierHash = hex.EncodeToString(hashedVerifierBytes[:])

	token = selector + "." + verifier

	return token, selector, verifierHash, nil
}

// SplitRefreshToken extracts the selector half of an opaque refresh
// token without validating the verifier.
func (ts *TokenService) SplitRefreshToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != util.TokenPartsExpected || parts[0] == "" || parts[1] == "" {
		return "", ErrInvalidRefreshToken
	}
	return parts[0], nil
}

func (ts *TokenService) ValidateRefreshToken(token, verifierHash string) error {
	parts := strings.Split(token, ".")
	if len(parts) != util.TokenPartsExpected {
		return ErrInvalidRefreshToken
	}

	verifier := parts[1]

	hashedVerifierBytes, err := hex.DecodeString(verifierHash)
	if err != nil {
		return fmt.Errorf("failed to decode stored hash: %w", err)
	}

	newHashBytes := sha256.Sum256([]byte(verifier))

	if subtle.ConstantTimeCompare(newHashBytes[:], hashedVerifierBytes) != 1 {
		return ErrInvalidRefreshToken
	}

	return nil
}

// ParseAccessToken validates signature and expiry, then consults the
// revocation blacklist for the embedded jti.
func (ts *TokenService) ParseAccessToken(ctx context.Context, token string) (*models.AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(util.JWTLeeWay),
		jwt.WithExpirationRequired(),
	}

	parsedToken, err := jwt.ParseWithClaims(
		token,
		&jwtClaims{},
		func(t *jwt.Token) (interface{}, error) {
			return ts.JwtSecretKey, nil
		},
		opts...,
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, ErrBadSignature
		default:
			return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
		}
	}

	claims, ok := parsedToken.Claims.(*jwtClaims)
	if !ok || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}

	revoked, err := ts.revocations.IsTokenInvalidated(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	return &models.AccessClaims{
		AccountID: claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		JTI:       claims.ID,
		IssuedAt:  claims.IssuedAt.Unix(),
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}

// ExtractClaims checks the signature but tolerates expiry and
// revocation, for teardown paths that must keep working on stale
// tokens.
func (ts *TokenService) ExtractClaims(accessToken string) (*models.AccessClaims, error) {
	parsedToken, err := jwt.ParseWithClaims(
		accessToken,
		&jwtClaims{},
		func(t *jwt.Token) (interface{}, error) {
			return ts.JwtSecretKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, ErrBadSignature
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := parsedToken.Claims.(*jwtClaims)
	if !ok || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}
	var issuedAt int64
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Unix()
	}

	return &models.AccessClaims{
		AccountID: claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		JTI:       claims.ID,
		IssuedAt:  issuedAt,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}

// InvalidateAccessToken blacklists the token's jti for the remainder of
// its natural life. Signature is not required: logout of an expired
// token is a no-op, not an error.
func (ts *TokenService) InvalidateAccessToken(ctx context.Context, accessToken string) error {
	claims, err := ts.getClaimsFromToken(accessToken)
	if err != nil {
		return fmt.Errorf("get claims from token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return ErrTokenInvalid
	}

	return ts.InvalidateJTI(ctx, claims.ID, claims.ExpiresAt.Time)
}

func (ts *TokenService) InvalidateJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	if err := ts.revocations.InvalidateToken(ctx, jti, time.Until(expiresAt)); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	return nil
}

func (ts *TokenService) getClaimsFromToken(token string) (*jwtClaims, error) {
	parsedToken, _, err := new(jwt.Parser).ParseUnverified(token, &jwtClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := parsedToken.Claims.(*jwtClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
