package models

import "time"

// Account is a registered principal. The email itself is never stored,
// only a sha256 of its lowercased form.
type Account struct {
	ID           string     `json:"id"`
	EmailHash    string     `json:"email_hash"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`

	FailedAttempts int        `json:"failed_attempts"`
	Strikes        int        `json:"strikes"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty"`
	LockoutVersion int64      `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// Locked reports whether the account is under an active lockout at now.
func (a *Account) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// LockoutState is the mutable slice of an Account owned by the lockout
// guard. It is written back as a whole, guarded by LockoutVersion.
type LockoutState struct {
	FailedAttempts int
	Strikes        int
	LockedUntil    *time.Time
	LastFailedAt   *time.Time
}

func (a *Account) LockoutState() LockoutState {
	return LockoutState{
		FailedAttempts: a.FailedAttempts,
		Strikes:        a.Strikes,
		LockedUntil:    a.LockedUntil,
		LastFailedAt:   a.LastFailedAt,
	}
}
