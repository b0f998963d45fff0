package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// NewToken returns nbytes of randomness, base64url encoded.
func NewToken(nbytes int) (string, error) {
	if nbytes < 16 {
		return "", errors.New("token size too small")
	}
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewID returns a 128-bit opaque identifier as 32 lowercase hex chars.
// User ids double as home folder names, so the alphabet stays filesystem safe.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// IsID reports whether s has the shape produced by NewID.
func IsID(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
