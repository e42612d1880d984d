package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	ResetTokenBytes = 32

	APITokenPrefix     = "nhp_"
	APITokenBytes      = 32
	APITokenDisplayLen = 12
	apiTokenEncodedLen = 43 // base64url(32 bytes), unpadded
)

// HashToken is the one-way digest stored for refresh, reset and API tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateResetToken returns the raw token for out-of-band delivery and the
// hash to persist.
func GenerateResetToken() (token string, hash string, err error) {
	buf := make([]byte, ResetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate reset token: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, HashToken(token), nil
}

// GenerateAPIToken returns the raw token (shown once), its hash and the short
// display prefix kept for recognition.
func GenerateAPIToken() (token string, hash string, displayPrefix string, err error) {
	buf := make([]byte, APITokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate api token: %w", err)
	}
	token = APITokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return token, HashToken(token), token[:APITokenDisplayLen], nil
}

// LooksLikeAPIToken is a cheap shape check done before any store lookup.
func LooksLikeAPIToken(token string) bool {
	body, ok := strings.CutPrefix(token, APITokenPrefix)
	if !ok || len(body) != apiTokenEncodedLen {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(body)
	return err == nil
}
