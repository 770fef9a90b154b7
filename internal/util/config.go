package util

import (
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

//nolint:gochecknoglobals // here its ok
var once sync.Once

func init() {
	once.Do(func() {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("Warning: could not load .env file: %v", err)
		}
	})
}

const (
	defaultServerAddr      = "localhost:8080"
	defaultWriteTimeout    = 10 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultGracefulTimeout = 5 * time.Second

	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 7 * 24 * time.Hour
	defaultRememberMeTTL = 30 * 24 * time.Hour

	defaultMaxSessions         = 3
	defaultLockoutThreshold    = 5
	defaultLockoutBaseDuration = 15 * time.Minute
	defaultLockoutMaxDuration  = 4 * time.Hour
	defaultStrikeDecay         = 24 * time.Hour
	defaultGraceWindow         = 30 * time.Second
	defaultVerifyConcurrency   = 8

	defaultSweepInterval = 1 * time.Hour

	TokenPartsExpected = 2
	RawTokenLength     = 32
	JWTLeeWay          = 5 * time.Second
)

type ServerConfig struct {
	ServerAddr      string
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	GracefulTimeout time.Duration
}

func NewServerConfig() *ServerConfig {
	addr := os.Getenv("SERVER_ADDRESS")
	if addr == "" {
		addr = defaultServerAddr
	}

	return &ServerConfig{
		ServerAddr:      addr,
		WriteTimeout:    parseDurationOrDefault("WRITE_TIMEOUT", defaultWriteTimeout),
		ReadTimeout:     parseDurationOrDefault("READ_TIMEOUT", defaultReadTimeout),
		IdleTimeout:     parseDurationOrDefault("IDLE_TIMEOUT", defaultIdleTimeout),
		GracefulTimeout: parseDurationOrDefault("GRACEFUL_TIMEOUT", defaultGracefulTimeout),
	}
}

type TokenConfig struct {
	JwtSecretKey  []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberMeTTL time.Duration
}

func NewTokenConfig() *TokenConfig {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	return &TokenConfig{
		JwtSecretKey:  []byte(secret),
		AccessTTL:     parseDurationOrDefault("ACCESS_TOKEN_TTL", defaultAccessTTL),
		RefreshTTL:    parseDurationOrDefault("REFRESH_TOKEN_TTL", defaultRefreshTTL),
		RememberMeTTL: parseDurationOrDefault("REMEMBER_ME_TTL", defaultRememberMeTTL),
	}
}

// AuthConfig bundles the session-cap, lockout and refresh-grace knobs.
type AuthConfig struct {
	MaxSessions         int
	LockoutThreshold    int
	LockoutBaseDuration time.Duration
	LockoutMaxDuration  time.Duration
	StrikeDecay         time.Duration
	GraceWindow         time.Duration
	VerifyConcurrency   int
	SweepInterval       time.Duration
}

func NewAuthConfig() *AuthConfig {
	return &AuthConfig{
		MaxSessions:         parseIntOrDefault("MAX_SESSIONS", defaultMaxSessions),
		LockoutThreshold:    parseIntOrDefault("LOCKOUT_THRESHOLD", defaultLockoutThreshold),
		LockoutBaseDuration: parseDurationOrDefault("LOCKOUT_BASE_DURATION", defaultLockoutBaseDuration),
		LockoutMaxDuration:  parseDurationOrDefault("LOCKOUT_MAX_DURATION", defaultLockoutMaxDuration),
		StrikeDecay:         parseDurationOrDefault("LOCKOUT_STRIKE_DECAY", defaultStrikeDecay),
		GraceWindow:         parseDurationOrDefault("REFRESH_GRACE_WINDOW", defaultGraceWindow),
		VerifyConcurrency:   parseIntOrDefault("VERIFY_CONCURRENCY", defaultVerifyConcurrency),
		SweepInterval:       parseDurationOrDefault("SESSION_SWEEP_INTERVAL", defaultSweepInterval),
	}
}

func GetWebhookURL() string {
	return os.Getenv("WEBHOOK_URL")
}

func parseIntOrDefault(varName string, def int) int {
	if v := os.Getenv(varName); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Invalid integer in %s: %s, using default %d", varName, v, def)
	}
	return def
}

func parseDurationOrDefault(varName string, def time.Duration) time.Duration {
	if v := os.Getenv(varName); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("Invalid duration in %s: %s, using default %s", varName, v, def)
	}
	return def
}
