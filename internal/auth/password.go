// Package auth implements the password credential codec and the random
// identifiers used for users, shares and sessions.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// MaxPasswordBytes caps the KDF input so a huge password cannot be used
// to burn CPU. Both hashing and verification truncate to this length.
const MaxPasswordBytes = 512

// Bounds on parameters accepted from stored records. scrypt needs about
// 128*N*r bytes, so a corrupt record could otherwise exhaust memory.
const (
	maxCost      = 1 << 20
	maxBlockSize = 32
	maxParallel  = 16
	maxKeyLen    = 64
	maxMemory    = 256 << 20
)

type Params struct {
	N       int
	R       int
	P       int
	SaltLen int
	KeyLen  int
}

// DefaultParams derives in tens of milliseconds on commodity hardware.
func DefaultParams() Params {
	return Params{
		N:       1 << 12,
		R:       8,
		P:       4,
		SaltLen: 16,
		KeyLen:  32,
	}
}

// Record is the parsed form of a stored hash.
// Format: <salt hex>$<N>$<r>$<p>$<derived key hex>
type Record struct {
	Salt []byte
	N    int
	R    int
	P    int
	Key  []byte
}

func (r Record) String() string {
	return fmt.Sprintf("%s$%d$%d$%d$%s",
		hex.EncodeToString(r.Salt),
		r.N,
		r.R,
		r.P,
		hex.EncodeToString(r.Key),
	)
}

// ParseRecord parses a stored hash string.
func ParseRecord(s string) (Record, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 5 {
		return Record{}, errors.New("invalid password hash format")
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return Record{}, errors.New("invalid password hash salt")
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n <= 1 || n&(n-1) != 0 || n > maxCost {
		return Record{}, errors.New("invalid scrypt cost")
	}
	r, err := strconv.Atoi(parts[2])
	if err != nil || r <= 0 || r > maxBlockSize || 128*int64(n)*int64(r) > maxMemory {
		return Record{}, errors.New("invalid scrypt block size")
	}
	p, err := strconv.Atoi(parts[3])
	if err != nil || p <= 0 || p > maxParallel {
		return Record{}, errors.New("invalid scrypt parallelization")
	}
	key, err := hex.DecodeString(parts[4])
	if err != nil || len(key) == 0 || len(key) > maxKeyLen {
		return Record{}, errors.New("invalid password hash")
	}
	return Record{Salt: salt, N: n, R: r, P: p, Key: key}, nil
}

// HashPassword returns a self-describing scrypt record for password.
// The parameters travel with the hash so they can change later without
// invalidating existing records.
func HashPassword(password string, p Params) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := scrypt.Key(truncate(password), salt, p.N, p.R, p.P, p.KeyLen)
	if err != nil {
		return "", err
	}
	return Record{Salt: salt, N: p.N, R: p.R, P: p.P, Key: key}.String(), nil
}

// VerifyPassword reports whether password matches the stored record.
// A nil or malformed record still costs one full derivation so "no such
// user" and "wrong password" take the same time. It never panics.
func VerifyPassword(password string, stored *string) bool {
	rec, ok := placeholder(), false
	if stored != nil {
		if parsed, err := ParseRecord(*stored); err == nil {
			rec, ok = parsed, true
		}
	}
	got, err := scrypt.Key(truncate(password), rec.Salt, rec.N, rec.R, rec.P, len(rec.Key))
	if err != nil {
		return false
	}
	// Compare hex forms of equal length, like the stored representation.
	match := subtle.ConstantTimeCompare([]byte(hex.EncodeToString(got)), []byte(hex.EncodeToString(rec.Key))) == 1
	return ok && match
}

// placeholder has the default cost so the dummy derivation is as slow as
// a real one.
func placeholder() Record {
	p := DefaultParams()
	return Record{
		Salt: make([]byte, p.SaltLen),
		N:    p.N,
		R:    p.R,
		P:    p.P,
		Key:  make([]byte, p.KeyLen),
	}
}

func truncate(password string) []byte {
	b := []byte(password)
	if len(b) > MaxPasswordBytes {
		b = b[:MaxPasswordBytes]
	}
	return b
}
