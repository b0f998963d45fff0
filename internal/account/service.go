// Package account manages users: creation, login, credentials, renames and
// removal. The durable store is always updated before the session table.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"

	"vaporous/internal/apperr"
	"vaporous/internal/auth"
	"vaporous/internal/db"
	"vaporous/internal/logging"
	"vaporous/internal/session"
	"vaporous/internal/storage"
	"vaporous/internal/validate"
)

// keyNameMax bounds public key display names.
const keyNameMax = 32

type Enrollment struct {
	Enabled            bool
	Passcode           string
	DefaultAccessLevel int
}

type Options struct {
	// SingleSession signs the user out elsewhere on every login.
	SingleSession bool
	Enrollment    Enrollment
	// Hash defaults to auth.DefaultParams.
	Hash   auth.Params
	Logger *slog.Logger
}

type Service struct {
	db       *db.DB
	store    *storage.Store
	sessions *session.Manager
	opt      Options
	log      *slog.Logger

	mu       sync.Mutex
	onRemove []func(userID string)
}

func New(d *db.DB, store *storage.Store, sessions *session.Manager, opt Options) *Service {
	if opt.Hash.N == 0 {
		opt.Hash = auth.DefaultParams()
	}
	return &Service{db: d, store: store, sessions: sessions, opt: opt, log: logging.OrDefault(opt.Logger)}
}

// OnRemove registers fn to run after a user is removed, with the removed
// user's id. Front ends use it to drop per-user state.
func (s *Service) OnRemove(fn func(userID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

func (s *Service) removed(userID string) {
	s.mu.Lock()
	hooks := append([]func(string){}, s.onRemove...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(userID)
	}
}

// Sessions exposes the session table for request authentication.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// EnrollmentEnabled reports whether self sign-up is open.
func (s *Service) EnrollmentEnabled() bool { return s.opt.Enrollment.Enabled }

// Login checks a password and opens a session. The password is always
// derived, even for unknown users.
func (s *Service) Login(ctx context.Context, username, password string) (string, bool) {
	u, ok := s.Authenticate(ctx, username, password)
	if !ok {
		return "", false
	}
	id, err := s.sessions.Create(ctx, u.Username, s.opt.SingleSession)
	if err != nil {
		s.log.Error("session create", "username", u.Username, "err", err)
		return "", false
	}
	s.log.Info("login", "username", u.Username)
	return id, true
}

// Authenticate checks a password without opening a session.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*db.User, bool) {
	var (
		u     *db.User
		found bool
		err   error
	)
	// Over-long names match nobody but still pay for a derivation.
	if utf8.RuneCountInString(username) <= validate.UsernameMaxLen {
		u, found, err = s.db.GetUserByUsername(ctx, username)
		if err != nil {
			s.log.Error("user lookup", "err", err)
		}
	}
	var rec *string
	if found {
		rec = u.PassHash
	}
	match := auth.VerifyPassword(password, rec)
	if err != nil || !found || !match {
		return nil, false
	}
	return u, true
}

// AuthenticateKey checks that key is registered to username.
func (s *Service) AuthenticateKey(ctx context.Context, username string, key ssh.PublicKey) (*db.User, bool) {
	if utf8.RuneCountInString(username) > validate.UsernameMaxLen {
		return nil, false
	}
	u, ok, err := s.db.GetUserByUsername(ctx, username)
	if err != nil || !ok {
		return nil, false
	}
	k, ok, err := s.db.GetPublicKey(ctx, key.Marshal())
	if err != nil || !ok || k.Owner != u.ID {
		return nil, false
	}
	return u, true
}

type NewUser struct {
	Username string
	Password string
	// AuthorizedKey is one line in authorized_keys format.
	AuthorizedKey string
	KeyName       string
	AccessLevel   int
}

// AddUser creates the account and its home and returns the new user id.
func (s *Service) AddUser(ctx context.Context, nu NewUser) (string, apperr.Result) {
	if err := validate.Username(nu.Username); err != nil {
		return "", apperr.Fail(apperr.ErrInvalidInput, "Invalid username")
	}
	if nu.Password == "" && strings.TrimSpace(nu.AuthorizedKey) == "" {
		return "", apperr.Fail(apperr.ErrInvalidInput, "A password or a public key is required")
	}
	if nu.AccessLevel < 0 {
		return "", apperr.Fail(apperr.ErrInvalidInput, "Access level must not be negative")
	}
	if _, ok, err := s.db.GetUserByUsername(ctx, nu.Username); err != nil {
		return "", apperr.FromError(err)
	} else if ok {
		return "", apperr.Fail(apperr.ErrConflict, "User already exists")
	}

	var key *db.PublicKey
	if strings.TrimSpace(nu.AuthorizedKey) != "" {
		k, err := parseKey(nu.AuthorizedKey, nu.KeyName)
		if err != nil {
			return "", apperr.Fail(apperr.ErrInvalidInput, "Invalid public key")
		}
		key = &k
	}
	var hash *string
	if nu.Password != "" {
		h, err := auth.HashPassword(nu.Password, s.opt.Hash)
		if err != nil {
			return "", apperr.FromError(err)
		}
		hash = &h
	}

	if key != nil {
		if _, taken, err := s.db.GetPublicKey(ctx, key.Key); err != nil {
			return "", apperr.FromError(err)
		} else if taken {
			return "", apperr.Fail(apperr.ErrConflict, "Public key already registered")
		}
	}

	u := db.User{ID: auth.NewID(), Username: nu.Username, PassHash: hash, AccessLevel: nu.AccessLevel}
	if err := s.store.CreateHome(u.ID); err != nil {
		return "", apperr.Result{Message: "Could not create home folder", Err: err}
	}
	if err := s.db.CreateUserWithKey(ctx, u, key); err != nil {
		if rerr := s.store.RemoveEmptyHome(u.ID); rerr != nil {
			s.log.Warn("home rollback", "user_id", u.ID, "err", rerr)
		}
		return "", apperr.FromError(err)
	}
	s.log.Info("user added", "username", u.Username, "user_id", u.ID, "access_level", u.AccessLevel)
	return u.ID, apperr.OK("User created")
}

// Enroll is self sign-up. It only works when enrollment is enabled.
func (s *Service) Enroll(ctx context.Context, username, password, confirm, passcode string) (string, apperr.Result) {
	e := s.opt.Enrollment
	if !e.Enabled {
		return "", apperr.Fail(apperr.ErrForbidden, "Sign-up is disabled")
	}
	if e.Passcode != "" && subtle.ConstantTimeCompare([]byte(passcode), []byte(e.Passcode)) != 1 {
		return "", apperr.Fail(apperr.ErrForbidden, "Invalid passcode")
	}
	if password == "" {
		return "", apperr.Fail(apperr.ErrInvalidInput, "Password is required")
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(confirm)) != 1 {
		return "", apperr.Fail(apperr.ErrInvalidInput, "Passwords do not match")
	}
	return s.AddUser(ctx, NewUser{Username: username, Password: password, AccessLevel: e.DefaultAccessLevel})
}

// RemoveUser deletes the account. Shares and keys go with the record,
// sessions are dropped and the home is renamed out of the way.
func (s *Service) RemoveUser(ctx context.Context, username string) apperr.Result {
	u, r, ok := s.lookup(ctx, username)
	if !ok {
		return r
	}
	if err := s.db.DeleteUser(ctx, u.ID); err != nil {
		return apperr.FromError(err)
	}
	s.sessions.DropUser(u.Username)
	s.removed(u.ID)
	if err := s.store.SoftDeleteHome(u.ID); err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.log.Error("soft delete home", "username", u.Username, "err", err)
			return apperr.Result{Message: "User removed, but the home folder could not be archived", Err: err}
		}
		s.log.Warn("user had no home folder", "username", u.Username)
	}
	s.log.Info("user removed", "username", u.Username)
	return apperr.OK("User removed")
}

// ChangePassword sets a new password. When oldPassword is non-nil it must
// match the current one.
func (s *Service) ChangePassword(ctx context.Context, username, newPassword string, oldPassword *string) apperr.Result {
	u, r, ok := s.lookup(ctx, username)
	if !ok {
		return r
	}
	if oldPassword != nil && !auth.VerifyPassword(*oldPassword, u.PassHash) {
		return apperr.Fail(apperr.ErrForbidden, "Incorrect password")
	}
	if r := s.setPassword(ctx, u, newPassword); !r.OK {
		return r
	}
	s.log.Info("password changed", "username", u.Username)
	return apperr.OK("Password changed")
}

// AddPassword gives a key-only account a password.
func (s *Service) AddPassword(ctx context.Context, username, password string) apperr.Result {
	u, r, ok := s.lookup(ctx, username)
	if !ok {
		return r
	}
	if u.PassHash != nil {
		return apperr.Fail(apperr.ErrConflict, "Account already has a password")
	}
	if r := s.setPassword(ctx, u, password); !r.OK {
		return r
	}
	s.log.Info("password added", "username", u.Username)
	return apperr.OK("Password added")
}

// RemovePassword makes the account key-only. At least one public key must
// remain as a credential.
func (s *Service) RemovePassword(ctx context.Context, username string) apperr.Result {
	u, r, ok := s.lookup(ctx, username)
	if !ok {
		return r
	}
	if u.PassHash == nil {
		return apperr.Fail(apperr.ErrInvalidInput, "Account has no password")
	}
	n, err := s.db.CountPublicKeys(ctx, u.ID)
	if err != nil {
		return apperr.FromError(err)
	}
	if n == 0 {
		return apperr.Fail(apperr.ErrForbidden, "Add a public key before removing the password")
	}
	if err := s.db.SetUserPasswordHash(ctx, u.ID, nil); err != nil {
		return apperr.FromError(err)
	}
	s.log.Info("password removed", "username", u.Username)
	return apperr.OK("Password removed")
}

func (s *Service) setPassword(ctx context.Context, u *db.User, password string) apperr.Result {
	if password == "" {
		return apperr.Fail(apperr.ErrInvalidInput, "Password is required")
	}
	h, err := auth.HashPassword(password, s.opt.Hash)
	if err != nil {
		return apperr.FromError(err)
	}
	if err := s.db.SetUserPasswordHash(ctx, u.ID, &h); err != nil {
		return apperr.FromError(err)
	}
	return apperr.OK("")
}

// ChangeUsername renames an account and its live sessions.
func (s *Service) ChangeUsername(ctx context.Context, oldName, newName string) apperr.Result {
	if err := validate.Username(newName); err != nil {
		return apperr.Fail(apperr.ErrInvalidInput, "Invalid username")
	}
	u, r, ok := s.lookup(ctx, oldName)
	if !ok {
		return r
	}
	if newName == u.Username {
		return apperr.OK("Username unchanged")
	}
	if err := s.db.SetUsername(ctx, u.ID, newName); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return apperr.Fail(apperr.ErrConflict, "Username taken")
		}
		return apperr.FromError(err)
	}
	s.sessions.RenameUser(u.Username, newName)
	s.log.Info("username changed", "username", newName, "previous", u.Username)
	return apperr.OK("Username changed")
}

// ChangeAccessLevel updates the stored level and every live session.
func (s *Service) ChangeAccessLevel(ctx context.Context, username string, level int) apperr.Result {
	if level < 0 {
		return apperr.Fail(apperr.ErrInvalidInput, "Access level must not be negative")
	}
	u, r, ok := s.lookup(ctx, username)
	if !ok {
		return r
	}
	if err := s.db.SetAccessLevel(ctx, u.ID, level); err != nil {
		return apperr.FromError(err)
	}
	s.sessions.SetAccessLevel(u.Username, level)
	s.log.Info("access level changed", "username", u.Username, "access_level", level)
	return apperr.OK(fmt.Sprintf("Access level set to %d", level))
}

// ListUsers returns every account sorted by username.
func (s *Service) ListUsers(ctx context.Context) ([]db.User, error) {
	return s.db.ListUsers(ctx)
}

// UserByUsername looks a user up.
func (s *Service) UserByUsername(ctx context.Context, username string) (*db.User, bool, error) {
	return s.db.GetUserByUsername(ctx, username)
}

// AddPublicKey registers an authorized_keys line for username. An empty
// name falls back to the key comment.
func (s *Service) AddPublicKey(ctx context.Context, username, authorizedKey, name string) apperr.Result {
	u, r, ok := s.lookup(ctx, username)
	if !ok {
		return r
	}
	k, err := parseKey(authorizedKey, name)
	if err != nil {
		return apperr.Fail(apperr.ErrInvalidInput, "Invalid public key")
	}
	k.Owner = u.ID
	if err := s.db.AddPublicKey(ctx, k); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return apperr.Fail(apperr.ErrConflict, "Key already registered")
		}
		return apperr.FromError(err)
	}
	s.log.Info("public key added", "username", u.Username, "fingerprint", k.Fingerprint)
	return apperr.OK("Key added: " + k.Fingerprint)
}

// ListPublicKeys returns username's keys.
func (s *Service) ListPublicKeys(ctx context.Context, username string) ([]db.PublicKey, error) {
	u, ok, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no such user", apperr.ErrNotFound)
	}
	return s.db.ListPublicKeys(ctx, u.ID)
}

// RemovePublicKey deletes one key by fingerprint. The last credential of an
// account cannot be removed.
func (s *Service) RemovePublicKey(ctx context.Context, username, fingerprint string) apperr.Result {
	u, r, ok := s.lookup(ctx, username)
	if !ok {
		return r
	}
	if u.PassHash == nil {
		n, err := s.db.CountPublicKeys(ctx, u.ID)
		if err != nil {
			return apperr.FromError(err)
		}
		if n <= 1 {
			return apperr.Fail(apperr.ErrForbidden, "Cannot remove the last credential")
		}
	}
	removed, err := s.db.DeletePublicKey(ctx, u.ID, fingerprint)
	if err != nil {
		return apperr.FromError(err)
	}
	if !removed {
		return apperr.Fail(apperr.ErrNotFound, "Key not found")
	}
	s.log.Info("public key removed", "username", u.Username, "fingerprint", fingerprint)
	return apperr.OK("Key removed")
}

func (s *Service) lookup(ctx context.Context, username string) (*db.User, apperr.Result, bool) {
	u, ok, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, apperr.FromError(err), false
	}
	if !ok {
		return nil, apperr.Fail(apperr.ErrNotFound, "User not found"), false
	}
	return u, apperr.Result{}, true
}

func parseKey(line, name string) (db.PublicKey, error) {
	key, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return db.PublicKey{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = comment
	}
	return db.PublicKey{
		Key:         key.Marshal(),
		Name:        truncateRunes(name, keyNameMax),
		Fingerprint: ssh.FingerprintSHA256(key),
	}, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
