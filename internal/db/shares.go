package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaporous/internal/apperr"
)

// whitelistSep joins user ids in the whitelist column.
const whitelistSep = "$"

const shareColumns = `id, owner, path, expires_at, anonymous_access, collaborative, whitelist, created_at`

// underPath matches a path column equal to ?1 or below it.
const underPath = `(path = ?1 OR substr(path, 1, length(?1) + 1) = ?1 || '/')`

func encodeWhitelist(ids []string) sql.NullString {
	if ids == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.Join(ids, whitelistSep), Valid: true}
}

func decodeWhitelist(v sql.NullString) []string {
	if !v.Valid {
		return nil
	}
	if v.String == "" {
		return []string{}
	}
	return strings.Split(v.String, whitelistSep)
}

func scanShare(r rowScanner) (Share, error) {
	var s Share
	var expires sql.NullInt64
	var anon, collab int
	var wl sql.NullString
	if err := r.Scan(&s.ID, &s.Owner, &s.Path, &expires, &anon, &collab, &wl, &s.CreatedAt); err != nil {
		return Share{}, err
	}
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		s.Expires = &t
	}
	s.AnonymousAccess = anon != 0
	s.Collaborative = collab != 0
	s.Whitelist = decodeWhitelist(wl)
	return s, nil
}

// CreateShare inserts s. CreatedAt is filled in when zero.
func (d *DB) CreateShare(ctx context.Context, s Share) error {
	if s.ID == "" || s.Owner == "" || s.Path == "" {
		return errors.New("share id, owner and path are required")
	}
	for _, id := range s.Whitelist {
		if id == "" || strings.Contains(id, whitelistSep) {
			return fmt.Errorf("%w: bad whitelist entry", apperr.ErrInvalidInput)
		}
	}
	var expires sql.NullInt64
	if s.Expires != nil {
		expires = sql.NullInt64{Int64: s.Expires.Unix(), Valid: true}
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = nowUnix()
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO shares(`+shareColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, s.ID, s.Owner, s.Path, expires, boolToInt(s.AnonymousAccess), boolToInt(s.Collaborative), encodeWhitelist(s.Whitelist), s.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: share id in use", apperr.ErrConflict)
	}
	return err
}

// GetShare looks up a share by id.
func (d *DB) GetShare(ctx context.Context, id string) (*Share, bool, error) {
	s, err := scanShare(d.sql.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE id=?`, id))
	if err == nil {
		return &s, true, nil
	}
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	return nil, false, err
}

// ListSharesByOwner returns the owner's shares, oldest first.
func (d *DB) ListSharesByOwner(ctx context.Context, owner string) ([]Share, error) {
	return d.listShares(ctx, `SELECT `+shareColumns+` FROM shares WHERE owner=? ORDER BY created_at ASC, id ASC`, owner)
}

// ListSharesUnder returns shares whose path is p or lies beneath p.
func (d *DB) ListSharesUnder(ctx context.Context, p string) ([]Share, error) {
	return d.listShares(ctx, `SELECT `+shareColumns+` FROM shares WHERE `+underPath+` ORDER BY id ASC`, p)
}

func (d *DB) listShares(ctx context.Context, q string, args ...any) ([]Share, error) {
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteShare removes a share. The boolean reports whether it existed.
func (d *DB) DeleteShare(ctx context.Context, id string) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM shares WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteSharesUnder removes every share at or beneath p.
func (d *DB) DeleteSharesUnder(ctx context.Context, p string) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM shares WHERE `+underPath, p)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MoveSharesUnder rewrites the path prefix from to to for every share at or
// beneath from.
func (d *DB) MoveSharesUnder(ctx context.Context, from, to string) (int64, error) {
	if from == "" || to == "" {
		return 0, errors.New("share paths are required")
	}
	res, err := d.sql.ExecContext(ctx, `
UPDATE shares SET path = ?2 || substr(path, length(?1) + 1)
WHERE `+underPath, from, to)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
