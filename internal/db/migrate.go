package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies embedded migrations in name order. Each migration runs in
// its own transaction. An applied migration whose body changed is an error.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  name TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, file := range names {
		body, err := migrationsFS.ReadFile(file)
		if err != nil {
			return err
		}
		name := path.Base(file)
		sum := checksum(body)

		applied, ok, err := appliedChecksum(ctx, db, name)
		if err != nil {
			return err
		}
		if ok {
			if applied != sum {
				return fmt.Errorf("migration %s was modified after being applied", name)
			}
			continue
		}
		if err := applyMigration(ctx, db, name, sum, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func checksum(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

func appliedChecksum(ctx context.Context, db *sql.DB, name string) (string, bool, error) {
	var v string
	err := db.QueryRowContext(ctx, "SELECT checksum FROM schema_migrations WHERE name = ?", name).Scan(&v)
	if err == nil {
		return v, true, nil
	}
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return "", false, err
}

func applyMigration(ctx context.Context, db *sql.DB, name, sum, sqlText string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations(name, checksum, applied_at) VALUES(?, ?, strftime('%s','now'))", name, sum); err != nil {
		return err
	}
	return tx.Commit()
}
