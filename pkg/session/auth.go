package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
)

// Fingerprint is the stored form of an access token. The token itself is
// never persisted.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewAccessToken mints a durable agent credential.
func NewAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: token generation: %v", domain.ErrInternal, err)
	}
	return hex.EncodeToString(buf), nil
}

// checkBootstrapToken compares the presented enrollment secret in constant
// time.
func checkBootstrapToken(presented, expected string) error {
	if expected == "" {
		return fmt.Errorf("%w: bootstrap enrollment is disabled", domain.ErrAuthFailed)
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return fmt.Errorf("%w: bad bootstrap token", domain.ErrAuthFailed)
	}
	return nil
}
