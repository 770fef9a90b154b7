package models

import "time"

// Refresh token statuses inside a session lineage. Exactly one token is
// current; the immediately prior one stays previous until the next
// rotation retires it.
const (
	TokenStatusCurrent  = "current"
	TokenStatusPrevious = "previous"
	TokenStatusRetired  = "retired"
)

// Session is one refresh-token lineage, created at login and advanced
// by every rotation.
type Session struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	RememberMe        bool      `json:"remember_me"`
	CreatedAt         time.Time `json:"created_at"`
	LastRotatedAt     time.Time `json:"last_rotated_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	Revoked           bool      `json:"revoked"`
}

// RefreshToken is one issued refresh credential within a lineage. The
// selector is the public id; only the sha256 of the verifier half is
// kept.
type RefreshToken struct {
	Selector        string    `json:"selector"`
	SessionID       string    `json:"session_id"`
	VerifierHash    string    `json:"verifier_hash"`
	AccessJTI       string    `json:"access_jti"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	IssuedAt        time.Time `json:"issued_at"`
	Status          string    `json:"status"`
}

// AccessTokenRef identifies an access token for blacklisting: the jti
// and its natural expiry (the blacklist entry lives no longer).
type AccessTokenRef struct {
	JTI       string
	ExpiresAt time.Time
}

// DeviceMetadata is what we capture about the caller at login/refresh.
type DeviceMetadata struct {
	UserAgent string `json:"user_agent"`
	IPAddress string `json:"ip_address"`
}
