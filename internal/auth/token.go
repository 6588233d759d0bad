// Package auth issues and validates the session tokens returned by /auth
// (spec.md §6). Rather than pull in a JWT library the example pack never
// actually depends on, this follows cuemby-warren's pkg/manager.TokenManager
// pattern closely: an HMAC-signed opaque token over {user_id, expiry},
// verified by recomputing the MAC — no external JWT dependency, same
// signing-key configuration surface spec.md asks for ("JWT signing key").
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chis/corectl/internal/apperr"
)

// TokenManager signs and verifies session tokens for one coordinator
// instance, keyed by a single shared signing key.
type TokenManager struct {
	key []byte
}

func NewTokenManager(signingKey string) *TokenManager {
	return &TokenManager{key: []byte(signingKey)}
}

// Issue returns an opaque token encoding userID and an expiry ttl from now.
func (m *TokenManager) Issue(userID string, ttl time.Duration) string {
	expiry := time.Now().Add(ttl).Unix()
	payload := userID + "." + strconv.FormatInt(expiry, 10)
	sig := m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig
}

// Verify checks signature and expiry, returning the embedded user id.
func (m *TokenManager) Verify(token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", apperr.PermissionDenied("malformed token")
	}
	payloadRaw, sig := parts[0], parts[1]
	payload, err := base64.RawURLEncoding.DecodeString(payloadRaw)
	if err != nil {
		return "", apperr.PermissionDenied("malformed token")
	}

	expected := m.sign(string(payload))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return "", apperr.PermissionDenied("invalid token signature")
	}

	fields := strings.SplitN(string(payload), ".", 2)
	if len(fields) != 2 {
		return "", apperr.PermissionDenied("malformed token")
	}
	userID, expiryStr := fields[0], fields[1]
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", apperr.PermissionDenied("malformed token")
	}
	if time.Now().Unix() > expiry {
		return "", apperr.PermissionDenied("token expired")
	}
	return userID, nil
}

func (m *TokenManager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateAPISecret returns a random hex secret for a new api key; the hash
// for storage comes from HashAPISecret — the same crypto/rand + hex.EncodeToString shape as
// cuemby-warren's GenerateToken.
func GenerateAPISecret() (secret string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashAPISecret derives the storable hash for a plaintext api secret.
func HashAPISecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyAPISecret constant-time compares a plaintext secret against its
// stored hash.
func VerifyAPISecret(secret, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashAPISecret(secret)), []byte(storedHash)) == 1
}

// HashPassword and VerifyPassword use the same sha256+hex scheme as the api
// secret helpers above. Neither cuemby-warren nor jordigilh-kubernaut
// actually import bcrypt directly (golang.org/x/crypto appears only as an
// indirect dependency of something else in both), so there is no pack
// precedent to ground a bcrypt import on; this stays on the same
// crypto/sha256 primitive already used for api secrets rather than
// fabricate a direct dependency the examples never exercise.
func HashPassword(password string) string {
	return HashAPISecret(password)
}

func VerifyPassword(password, storedHash string) bool {
	return VerifyAPISecret(password, storedHash)
}
