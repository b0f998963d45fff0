package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vaporous/internal/apperr"
)

// AddPublicKey stores k. A key already bound to any user yields
// apperr.ErrConflict.
func (d *DB) AddPublicKey(ctx context.Context, k PublicKey) error {
	return insertPublicKey(ctx, d.sql, k)
}

func insertPublicKey(ctx context.Context, x execer, k PublicKey) error {
	if len(k.Key) == 0 || k.Owner == "" || k.Fingerprint == "" {
		return errors.New("key, owner and fingerprint are required")
	}
	_, err := x.ExecContext(ctx, `
INSERT INTO public_keys(key, owner, name, fingerprint, created_at)
VALUES(?, ?, ?, ?, ?)
`, k.Key, k.Owner, k.Name, k.Fingerprint, nowUnix())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: key already registered", apperr.ErrConflict)
	}
	return err
}

// GetPublicKey finds the record for an SSH wire-encoded key.
func (d *DB) GetPublicKey(ctx context.Context, key []byte) (*PublicKey, bool, error) {
	var k PublicKey
	err := d.sql.QueryRowContext(ctx, `
SELECT key, owner, name, fingerprint, created_at FROM public_keys WHERE key=?
`, key).Scan(&k.Key, &k.Owner, &k.Name, &k.Fingerprint, &k.CreatedAt)
	if err == nil {
		return &k, true, nil
	}
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	return nil, false, err
}

// ListPublicKeys returns the keys registered by owner.
func (d *DB) ListPublicKeys(ctx context.Context, owner string) ([]PublicKey, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT key, owner, name, fingerprint, created_at
FROM public_keys WHERE owner=? ORDER BY created_at ASC, fingerprint ASC
`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PublicKey
	for rows.Next() {
		var k PublicKey
		if err := rows.Scan(&k.Key, &k.Owner, &k.Name, &k.Fingerprint, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CountPublicKeys returns how many keys owner has.
func (d *DB) CountPublicKeys(ctx context.Context, owner string) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM public_keys WHERE owner=?`, owner).Scan(&n)
	return n, err
}

// DeletePublicKey removes one of owner's keys by fingerprint.
func (d *DB) DeletePublicKey(ctx context.Context, owner, fingerprint string) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM public_keys WHERE owner=? AND fingerprint=?`, owner, fingerprint)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
