// Package db contains database query helpers.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vaporous/internal/apperr"
)

// nowUnix returns the current Unix timestamp in seconds.
func nowUnix() int64 { return time.Now().Unix() }

// GetConfig fetches a single config key from the database.
// The boolean indicates whether the key exists.
func (d *DB) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&v)
	if err == nil {
		return v, true, nil
	}
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return "", false, err
}

// SetConfig upserts a config key/value pair and updates its timestamp.
func (d *DB) SetConfig(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("config key is required")
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO config(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, nowUnix())
	return err
}

// IsInitialized reports whether setup has completed.
func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	v, ok, err := d.GetConfig(ctx, "initialized")
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// SetInitialized marks the database as setup-complete.
func (d *DB) SetInitialized(ctx context.Context) error {
	return d.SetConfig(ctx, "initialized", "1")
}

const userColumns = `id, username, password_hash, access_level, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (User, error) {
	var u User
	var hash sql.NullString
	if err := r.Scan(&u.ID, &u.Username, &hash, &u.AccessLevel, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, err
	}
	if hash.Valid {
		h := hash.String
		u.PassHash = &h
	}
	return u, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateUser inserts u. A taken username or id yields apperr.ErrConflict.
func (d *DB) CreateUser(ctx context.Context, u User) error {
	return insertUser(ctx, d.sql, u)
}

// CreateUserWithKey inserts u and, when k is non-nil, its first public key
// in one transaction. Either both rows are written or neither is.
func (d *DB) CreateUserWithKey(ctx context.Context, u User, k *PublicKey) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertUser(ctx, tx, u); err != nil {
		return err
	}
	if k != nil {
		k.Owner = u.ID
		if err := insertPublicKey(ctx, tx, *k); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertUser(ctx context.Context, x execer, u User) error {
	if u.ID == "" || u.Username == "" {
		return errors.New("user id and username are required")
	}
	if u.AccessLevel < 0 {
		return fmt.Errorf("%w: access level must not be negative", apperr.ErrInvalidInput)
	}
	now := nowUnix()
	_, err := x.ExecContext(ctx, `
INSERT INTO users(`+userColumns+`)
VALUES(?, ?, ?, ?, ?, ?)
`, u.ID, u.Username, nullString(u.PassHash), u.AccessLevel, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user already exists", apperr.ErrConflict)
	}
	return err
}

// GetUserByUsername looks up a user by username.
func (d *DB) GetUserByUsername(ctx context.Context, username string) (*User, bool, error) {
	return d.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username)
}

// GetUserByID looks up a user by ID.
func (d *DB) GetUserByID(ctx context.Context, id string) (*User, bool, error) {
	return d.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
}

func (d *DB) getUser(ctx context.Context, q string, arg any) (*User, bool, error) {
	u, err := scanUser(d.sql.QueryRowContext(ctx, q, arg))
	if err == nil {
		return &u, true, nil
	}
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	return nil, false, err
}

// ListUsers returns all users sorted by username.
func (d *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountUsers returns the number of accounts.
func (d *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// UsernamesByID maps user ids to usernames. Unknown ids are omitted.
func (d *DB) UsernamesByID(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		var name string
		err := d.sql.QueryRowContext(ctx, `SELECT username FROM users WHERE id=?`, id).Scan(&name)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, nil
}

// SetUserPasswordHash replaces the password hash. nil removes it.
func (d *DB) SetUserPasswordHash(ctx context.Context, id string, passHash *string) error {
	return d.updateUser(ctx, `UPDATE users SET password_hash=?, updated_at=? WHERE id=?`, nullString(passHash), nowUnix(), id)
}

// SetUsername renames a user. A taken username yields apperr.ErrConflict.
func (d *DB) SetUsername(ctx context.Context, id, username string) error {
	if username == "" {
		return errors.New("username is required")
	}
	err := d.updateUser(ctx, `UPDATE users SET username=?, updated_at=? WHERE id=?`, username, nowUnix(), id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username taken", apperr.ErrConflict)
	}
	return err
}

// SetAccessLevel updates a user's access level.
func (d *DB) SetAccessLevel(ctx context.Context, id string, level int) error {
	if level < 0 {
		return fmt.Errorf("%w: access level must not be negative", apperr.ErrInvalidInput)
	}
	return d.updateUser(ctx, `UPDATE users SET access_level=?, updated_at=? WHERE id=?`, level, nowUnix(), id)
}

// DeleteUser removes a user by ID. Keys and shares go with it.
func (d *DB) DeleteUser(ctx context.Context, id string) error {
	return d.updateUser(ctx, `DELETE FROM users WHERE id=?`, id)
}

func (d *DB) updateUser(ctx context.Context, q string, args ...any) error {
	res, err := d.sql.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no such user", apperr.ErrNotFound)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// boolToInt maps booleans to SQLite-friendly integer flags.
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
