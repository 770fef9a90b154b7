package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers every credential failure: unknown
	// email and wrong password are indistinguishable at the boundary.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrEmailTaken         = errors.New("email already registered")

	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrReplayDetected      = errors.New("refresh token replay detected")

	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
	ErrBadSignature = errors.New("token signature invalid")
	ErrTokenInvalid = errors.New("token invalid")

	// ErrServiceBusy is backpressure on password verification, not a
	// credential verdict.
	ErrServiceBusy = errors.New("service busy")
)

// AccountLockedError carries the retry-after hint alongside the
// ErrAccountLocked identity.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
