package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"vaporous/internal/apperr"
	"vaporous/internal/fsutil"
)

// deletedPrefix marks soft-deleted homes.
const deletedPrefix = "acct_del-"

func (s *Store) homeDir(userID string) (string, error) {
	name := fsutil.Sanitize(userID)
	if name == "" || name == "." || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: bad user id", apperr.ErrInvalidInput)
	}
	return filepath.Join(s.root, name), nil
}

// CreateHome creates the home directory of userID. An existing directory is
// fine; anything else at that path is apperr.ErrInconsistent.
func (s *Store) CreateHome(userID string) error {
	dir, err := s.homeDir(userID)
	if err != nil {
		return err
	}
	st, err := s.fs.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("%w: home path %s is not a directory", apperr.ErrInconsistent, filepath.Base(dir))
	case !os.IsNotExist(err):
		return err
	}
	if err := s.fs.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return s.CreateHome(userID)
		}
		return err
	}
	s.log.Info("home created", "user_id", userID)
	return nil
}

// SoftDeleteHome renames the home of userID out of the way. Nothing is
// erased.
func (s *Store) SoftDeleteHome(userID string) error {
	dir, err := s.homeDir(userID)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: home does not exist", apperr.ErrNotFound)
		}
		return err
	}
	dst := filepath.Join(s.root, deletedPrefix+filepath.Base(dir))
	if _, err := s.fs.Stat(dst); err == nil {
		return fmt.Errorf("%w: %s already exists", apperr.ErrConflict, filepath.Base(dst))
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := s.fs.Rename(dir, dst); err != nil {
		return err
	}
	s.sizes.Invalidate(s.root, dir)
	s.log.Info("home soft-deleted", "user_id", userID, "moved_to", filepath.Base(dst))
	return nil
}

// RemoveEmptyHome undoes CreateHome. A home that already holds files is left
// alone and reported as apperr.ErrConflict.
func (s *Store) RemoveEmptyHome(userID string) error {
	dir, err := s.homeDir(userID)
	if err != nil {
		return err
	}
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: home is not empty", apperr.ErrConflict)
	}
	return s.fs.Remove(dir)
}
