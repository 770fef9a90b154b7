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
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonMemoryKB    uint32 = 64 * 1024
	argonTime        uint32 = 3
	argonParallelism uint8  = 2
	argonSaltLength         = 16
	argonKeyLength   uint32 = 32
)

var errMalformedHash = errors.New("malformed password hash")

// dummyPasswordHash never matches; verifying against it burns the same
// Argon2id cost as a real mismatch, so an account lookup miss cannot be
// told apart from a wrong password by response time.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// PasswordService hashes and verifies credentials. Argon2id is
// deliberately expensive, so concurrent verifications are bounded by a
// semaphore; when it is full the attempt is rejected with
// ErrServiceBusy instead of queueing.
type PasswordService struct {
	sem chan struct{}
}

func NewPasswordService(concurrency int) *PasswordService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &PasswordService{sem: make(chan struct{}, concurrency)}
}

func (p *PasswordService) Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to read random salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemoryKB, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemoryKB,
		argonTime,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches the stored PHC-format hash.
// The comparison is constant time; the result never says which part of
// the credential pair was wrong.
func (p *PasswordService) Verify(ctx context.Context, password, encodedHash string) (bool, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	default:
		return false, ErrServiceBusy
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	memory, timeCost, parallelism, salt, key, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), salt, timeCost, memory, parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(computed, key) == 1, nil
}

// HashEmail normalizes and hashes an email address for lookup; the raw
// address is never persisted.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

func parsePHC(encodedHash string) (memory, timeCost uint32, parallelism uint8, salt, key []byte, err error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	for _, kv := range strings.Split(parts[3], ",") {
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 {
			return 0, 0, 0, nil, nil, errMalformedHash
		}
		v, parseErr := strconv.ParseUint(pair[1], 10, 32)
		if parseErr != nil {
			return 0, 0, 0, nil, nil, errMalformedHash
		}
		switch pair[0] {
		case "m":
			memory = uint32(v)
		case "t":
			timeCost = uint32(v)
		case "p":
			parallelism = uint8(v)
		default:
			return 0, 0, 0, nil, nil, errMalformedHash
		}
	}
	if memory == 0 || timeCost == 0 || parallelism == 0 {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, errMalformedHash
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	return memory, timeCost, parallelism, salt, key, nil
}
