package db

import "strings"

// IsBusy identifies transient SQLite lock errors.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	// modernc/sqlite errors are commonly surfaced as strings containing these.
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "sqlite_busy") ||
		strings.Contains(s, "busy")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unique constraint failed") ||
		strings.Contains(s, "constraint failed: primary key") ||
		strings.Contains(s, "sqlite_constraint_unique") ||
		strings.Contains(s, "sqlite_constraint_primarykey")
}
