package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Sign computes the signature header for payload sent at ts. The MAC covers
// "<unix seconds>.<payload>" so a captured delivery cannot be replayed with a
// fresh timestamp.
func Sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + ",sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign and rejects timestamps
// older than tolerance. A zero tolerance skips the age check.
func Verify(payload []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	var ts int64
	var sum string
	if _, err := fmt.Sscanf(header, "t=%d,sha256=%s", &ts, &sum); err != nil {
		return false
	}
	sent := time.Unix(ts, 0)
	if tolerance > 0 && now.Sub(sent) > tolerance {
		return false
	}
	expected := Sign(payload, secret, sent)
	return hmac.Equal([]byte(header), []byte(expected))
}

// GenerateSecret generates a cryptographically secure random secret for webhook signing
func GenerateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return "whsec_" + base64.RawURLEncoding.EncodeToString(bytes), nil
}
