package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage/memory"
	redisstorage "github.com/rryowa/sessiond/internal/storage/redis"
	"github.com/rryowa/sessiond/internal/util"
)

// testStorage combines the in-memory repositories into the full
// storage surface the auth service expects.
type testStorage struct {
	*memory.InMemoryAccountStore
	*memory.InMemorySessionManager
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestAuthService(t *testing.T) (*AuthService, *testStorage, *fakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &testStorage{
		InMemoryAccountStore:   memory.NewAccountRepository(),
		InMemorySessionManager: memory.NewSessionRepository(),
	}

	tokenCfg := &util.TokenConfig{
		JwtSecretKey:  []byte("test-secret-key"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		RememberMeTTL: 30 * 24 * time.Hour,
	}
	authCfg := &util.AuthConfig{
		MaxSessions:         3,
		LockoutThreshold:    5,
		LockoutBaseDuration: 15 * time.Minute,
		LockoutMaxDuration:  4 * time.Hour,
		StrikeDecay:         24 * time.Hour,
		GraceWindow:         30 * time.Second,
		VerifyConcurrency:   4,
		SweepInterval:       time.Hour,
	}

	log := zap.NewNop().Sugar()
	tokens := NewTokenService(tokenCfg, redisstorage.NewRevocationStore(client))
	auth := NewAuthService(
		authCfg,
		store,
		tokens,
		NewPasswordService(authCfg.VerifyConcurrency),
		NewLockoutGuard(authCfg, store, log),
		NewWebhookService(log, ""),
		redisstorage.NewRotationCache(client),
		log,
	)

	clock := &fakeClock{t: time.Now()}
	auth.now = clock.Now
	return auth, store, clock
}

func registerAndLogin(t *testing.T, auth *AuthService, email string) *LoginResult {
	t.Helper()
	ctx := context.Background()

	if _, err := auth.Register(ctx, email, "sup3r secret pass", ""); err != nil {
		require.ErrorIs(t, err, ErrEmailTaken)
	}
	result, err := auth.Login(ctx, email, "sup3r secret pass", false, models.DeviceMetadata{
		UserAgent: "test-agent",
		IPAddress: "10.0.0.1",
	})
	require.NoError(t, err)
	return result
}

func TestLoginIssuesTokenPair(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	result := registerAndLogin(t, auth, "alice@example.com")
	require.NotEmpty(t, result.Pair.AccessToken)
	require.NotEmpty(t, result.Pair.RefreshToken)
	assert.Equal(t, int64((15 * time.Minute).Seconds()), result.Pair.ExpiresIn)
	assert.Equal(t, "user", result.Account.Role)

	verdict, err := auth.Verify(ctx, result.Pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	assert.Equal(t, result.Account.ID, verdict.AccountID)
	assert.Equal(t, result.Session.ID, verdict.SessionID)
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	auth, _, _ := newTestAuthService(t)

	_, err := auth.Login(context.Background(), "nobody@example.com", "whatever pass", false, models.DeviceMetadata{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownEmailCostsAVerification(t *testing.T) {
	auth, _, _ := newTestAuthService(t)

	// A missing account goes through the same bounded verifier as a
	// present one, so saturation answers identically for both.
	for i := 0; i < cap(auth.passwords.sem); i++ {
		auth.passwords.sem <- struct{}{}
	}
	defer func() {
		for i := 0; i < cap(auth.passwords.sem); i++ {
			<-auth.passwords.sem
		}
	}()

	_, err := auth.Login(context.Background(), "nobody@example.com", "whatever pass", false, models.DeviceMetadata{})
	assert.ErrorIs(t, err, ErrServiceBusy)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := auth.Register(ctx, "bob@example.com", "sup3r secret pass", "")
	require.NoError(t, err)
	_, err = auth.Register(ctx, "Bob@Example.com", "another password", "")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLoginFailuresThenSuccessResets(t *testing.T) {
	auth, store, _ := newTestAuthService(t)
	ctx := context.Background()

	account, err := auth.Register(ctx, "carol@example.com", "sup3r secret pass", "")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := auth.Login(ctx, "carol@example.com", "wrong password", false, models.DeviceMetadata{})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err = auth.Login(ctx, "carol@example.com", "sup3r secret pass", false, models.DeviceMetadata{})
	require.NoError(t, err)

	current, err := store.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.FailedAttempts)
}

func TestLoginLockoutRejectsCorrectPassword(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := auth.Register(ctx, "dave@example.com", "sup3r secret pass", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := auth.Login(ctx, "dave@example.com", "wrong password", false, models.DeviceMetadata{})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Sixth attempt, correct credentials: still locked.
	_, err = auth.Login(ctx, "dave@example.com", "sup3r secret pass", false, models.DeviceMetadata{})
	var lockedErr *AccountLockedError
	require.ErrorAs(t, err, &lockedErr)
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.InDelta(t, (15 * time.Minute).Seconds(), lockedErr.RetryAfter.Seconds(), 5)
}

func TestRefreshRotates(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	result := registerAndLogin(t, auth, "erin@example.com")

	pair, err := auth.Refresh(ctx, result.Pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, result.Pair.RefreshToken, pair.RefreshToken)
	assert.NotEqual(t, result.Pair.AccessToken, pair.AccessToken)

	// The rotated pair keeps working.
	verdict, err := auth.Verify(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
}

func TestRefreshGraceWindowIsIdempotent(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	result := registerAndLogin(t, auth, "frank@example.com")

	pair, err := auth.Refresh(ctx, result.Pair.RefreshToken)
	require.NoError(t, err)

	// Duplicate retries inside the grace window observe the identical
	// outcome, not a second lineage.
	replayed, err := auth.Refresh(ctx, result.Pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, replayed.RefreshToken)
	assert.Equal(t, pair.AccessToken, replayed.AccessToken)

	again, err := auth.Refresh(ctx, result.Pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, again.RefreshToken)

	// The rotated token is still the live one.
	next, err := auth.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
}

func TestRefreshKeepsRememberMe(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := auth.Register(ctx, "heidi@example.com", "sup3r secret pass", "")
	require.NoError(t, err)
	result, err := auth.Login(ctx, "heidi@example.com", "sup3r secret pass", true, models.DeviceMetadata{})
	require.NoError(t, err)
	require.True(t, result.Pair.RememberMe)

	// Rotation keeps the long-lived flavor, and so does a grace-window
	// replay of the rotated-away token.
	pair, err := auth.Refresh(ctx, result.Pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, pair.RememberMe)

	replayed, err := auth.Refresh(ctx, result.Pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, replayed.RememberMe)
}

func TestRefreshReplayBurnsLineage(t *testing.T) {
	auth, store, clock := newTestAuthService(t)
	ctx := context.Background()

	result := registerAndLogin(t, auth, "grace@example.com")

	pair, err := auth.Refresh(ctx, result.Pair.RefreshToken)
	require.NoError(t, err)

	// Past the grace window a reuse of the superseded token is theft.
	clock.Advance(time.Minute)
	_, err = auth.Refresh(ctx, result.Pair.RefreshToken)
	assert.ErrorIs(t, err, ErrReplayDetected)

	// The whole lineage is dead: the legitimately rotated token fails
	// too, and every access token issued under the session is revoked.
	_, err = auth.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	for _, accessToken := range []string{result.Pair.AccessToken, pair.AccessToken} {
		verdict, err := auth.Verify(ctx, accessToken)
		require.NoError(t, err)
		assert.False(t, verdict.Valid)
		assert.Equal(t, ReasonRevoked, verdict.Reason)
	}

	count, err := store.CountActiveSessions(ctx, result.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRefreshUnknownToken(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := auth.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = auth.Refresh(ctx, "wellformed.butunknown")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestSessionCapEvictsOldest(t *testing.T) {
	auth, store, clock := newTestAuthService(t)
	ctx := context.Background()

	first := registerAndLogin(t, auth, "henry@example.com")
	clock.Advance(time.Second)
	registerAndLogin(t, auth, "henry@example.com")
	clock.Advance(time.Second)
	registerAndLogin(t, auth, "henry@example.com")
	clock.Advance(time.Second)
	fourth := registerAndLogin(t, auth, "henry@example.com")

	count, err := store.CountActiveSessions(ctx, fourth.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// The oldest lineage went with its access token.
	firstSession, err := store.GetSessionByID(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.True(t, firstSession.Revoked)

	verdict, err := auth.Verify(ctx, first.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, ReasonRevoked, verdict.Reason)

	_, err = auth.Refresh(ctx, first.Pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestConcurrentLoginsRespectCap(t *testing.T) {
	auth, store, _ := newTestAuthService(t)
	ctx := context.Background()

	account, err := auth.Register(ctx, "henry2@example.com", "sup3r secret pass", "")
	require.NoError(t, err)

	const logins = 8
	var wg sync.WaitGroup
	errs := make([]error, logins)
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = auth.Login(ctx, "henry2@example.com", "sup3r secret pass", false, models.DeviceMetadata{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			// Only the verifier semaphore may turn a login away here.
			assert.ErrorIs(t, err, ErrServiceBusy)
		}
	}
	require.GreaterOrEqual(t, succeeded, 1)

	count, err := store.CountActiveSessions(ctx, account.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, 3)
}

func TestLogoutIsIdempotent(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	result := registerAndLogin(t, auth, "iris@example.com")

	require.NoError(t, auth.Logout(ctx, result.Pair.AccessToken, result.Pair.RefreshToken))

	verdict, err := auth.Verify(ctx, result.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, ReasonRevoked, verdict.Reason)

	_, err = auth.Refresh(ctx, result.Pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// Logging out again, or with nothing at all, still succeeds.
	require.NoError(t, auth.Logout(ctx, result.Pair.AccessToken, result.Pair.RefreshToken))
	require.NoError(t, auth.Logout(ctx, "", ""))
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	auth, store, clock := newTestAuthService(t)
	ctx := context.Background()

	var results []*LoginResult
	for i := 0; i < 3; i++ {
		results = append(results, registerAndLogin(t, auth, "judy@example.com"))
		clock.Advance(time.Second)
	}

	require.NoError(t, auth.LogoutAll(ctx, results[2].Pair.AccessToken))

	count, err := store.CountActiveSessions(ctx, results[0].Account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	for _, r := range results {
		verdict, err := auth.Verify(ctx, r.Pair.AccessToken)
		require.NoError(t, err)
		assert.False(t, verdict.Valid)
		assert.Equal(t, ReasonRevoked, verdict.Reason)

		_, err = auth.Refresh(ctx, r.Pair.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	}
}

func TestLogoutAllToleratesStaleTokens(t *testing.T) {
	auth, store, _ := newTestAuthService(t)
	ctx := context.Background()

	result := registerAndLogin(t, auth, "ken@example.com")

	// Garbage and forged tokens succeed without touching anything.
	require.NoError(t, auth.LogoutAll(ctx, "not a jwt at all"))
	foreign := NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("someone elses key"),
		AccessTTL:    15 * time.Minute,
	}, nil)
	forged, _, err := foreign.CreateAccessToken(result.Account.ID, "admin", "sess", time.Now())
	require.NoError(t, err)
	require.NoError(t, auth.LogoutAll(ctx, forged))

	count, err := store.CountActiveSessions(ctx, result.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// An expired token with a good signature still tears down its
	// account, and doing it again stays a success.
	expired, _, err := auth.tokens.CreateAccessToken(result.Account.ID, "user", result.Session.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, auth.LogoutAll(ctx, expired))

	count, err = store.CountActiveSessions(ctx, result.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, auth.LogoutAll(ctx, expired))
	require.NoError(t, auth.LogoutAll(ctx, result.Pair.AccessToken))
}

func TestVerifyReasons(t *testing.T) {
	auth, _, _ := newTestAuthService(t)
	ctx := context.Background()

	expired, _, err := auth.tokens.CreateAccessToken("acc", "user", "sess", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	verdict, err := auth.Verify(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, verdict.Reason)

	foreign := NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("someone elses key"),
		AccessTTL:    15 * time.Minute,
	}, nil)
	forged, _, err := foreign.CreateAccessToken("acc", "admin", "sess", time.Now())
	require.NoError(t, err)
	verdict, err = auth.Verify(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, ReasonBadSignature, verdict.Reason)

	verdict, err = auth.Verify(ctx, "not a jwt at all")
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.NotEmpty(t, verdict.Reason)
}

func TestConcurrentRefreshKeepsOneLineage(t *testing.T) {
	auth, store, _ := newTestAuthService(t)
	ctx := context.Background()

	result := registerAndLogin(t, auth, "kate@example.com")

	const racers = 10
	var wg sync.WaitGroup
	pairs := make([]*models.TokenPair, racers)
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pairs[i], errs[i] = auth.Refresh(ctx, result.Pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	issued := make(map[string]struct{})
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			// A racer that loses the rotation and misses the cache is
			// turned away, never classified as an attack.
			assert.ErrorIs(t, errs[i], ErrInvalidRefreshToken)
			continue
		}
		issued[pairs[i].RefreshToken] = struct{}{}
	}
	// No divergent lineages: every successful racer saw the same pair.
	assert.Equal(t, 1, len(issued))

	count, err := store.CountActiveSessions(ctx, result.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The surviving token continues the lineage.
	for token := range issued {
		_, err := auth.Refresh(ctx, token)
		assert.NoError(t, err)
	}
}
