package models

// Claim values carried by every access token. The schema is fixed and
// versionless on purpose: downstream services rely on exactly these
// fields.
type AccessClaims struct {
	AccountID string
	Role      string
	SessionID string
	JTI       string
	IssuedAt  int64
	ExpiresAt int64
}

// TokenPair is what a successful login or rotation hands back.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RememberMe   bool   `json:"remember_me"`
}

// Webhook event names for the security notifier.
const (
	EventReplayDetected = "replay_detected"
	EventAccountLocked  = "account_locked"
)
