// Package db defines the persisted records of the file host.
package db

import "time"

// User is an account. ID doubles as the home folder name.
type User struct {
	ID       string
	Username string
	// PassHash is nil for key-only accounts.
	PassHash    *string
	AccessLevel int
	CreatedAt   int64
	UpdatedAt   int64
}

// AdminLevel is the lowest access level that may administer users.
// Level 0 is the least privileged.
const AdminLevel = 2

// IsAdmin reports whether the user reaches AdminLevel.
func (u User) IsAdmin() bool { return u.AccessLevel >= AdminLevel }

// PublicKey is an SSH public key bound to one user.
type PublicKey struct {
	// Key is the SSH wire encoding.
	Key         []byte
	Owner       string
	Name        string
	Fingerprint string
	CreatedAt   int64
}

// Share publishes a file or directory of its owner's home.
type Share struct {
	ID    string
	Owner string
	// Path is relative to the upload directory: "<owner id>/<sub path>".
	Path            string
	Expires         *time.Time
	AnonymousAccess bool
	Collaborative   bool
	// Whitelist holds user ids. nil means no whitelist.
	Whitelist []string
	CreatedAt int64
}

// Expired reports whether the share has an expiry at or before now.
func (s Share) Expired(now time.Time) bool {
	return s.Expires != nil && !now.Before(*s.Expires)
}
