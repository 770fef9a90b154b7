package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeviceFingerprint derives a stable identifier for the client device
// from what the request exposes. Raw user agent and address are not
// persisted, only this digest.
func DeviceFingerprint(userAgent, ipAddress string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + ipAddress))
	return hex.EncodeToString(sum[:])
}
