// Package storage lays user homes and the public directory out under one
// upload directory, and lists, serves and mutates files inside them.
//
// Bases are slash paths relative to the upload directory: a user id, the
// public directory name, or a share path.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"vaporous/internal/fsutil"
	"vaporous/internal/logging"
)

// ShareIndex is told about removals and renames so shares can follow the
// files they point at. Paths are upload-relative slash paths.
type ShareIndex interface {
	PathRemoved(ctx context.Context, rel string) error
	PathMoved(ctx context.Context, oldRel, newRel string) error
}

type Options struct {
	UploadDir string
	// PublicDir is the public directory name under UploadDir. Empty
	// disables the public area.
	PublicDir         string
	PublicAccessLevel int
	// Protected lists sub-paths of the public directory that cannot be
	// deleted, renamed or moved.
	Protected    []string
	Fs           afero.Fs
	Index        ShareIndex
	SizeCacheTTL time.Duration
	Logger       *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	root        string
	publicName  string
	publicLevel int
	protected   []string
	fs          afero.Fs
	osBacked    bool
	index       ShareIndex
	sizes       *sizeCache
	log         *slog.Logger
}

func New(opt Options) (*Store, error) {
	if opt.UploadDir == "" {
		return nil, errors.New("upload directory is required")
	}
	root, err := filepath.Abs(opt.UploadDir)
	if err != nil {
		return nil, err
	}
	if opt.Fs == nil {
		opt.Fs = afero.NewOsFs()
	}
	_, osBacked := opt.Fs.(*afero.OsFs)

	pub := strings.Trim(path.Clean("/"+filepath.ToSlash(opt.PublicDir)), "/")
	if strings.Contains(pub, "/") {
		return nil, errors.New("public directory must be a single folder name")
	}
	var protected []string
	for _, p := range opt.Protected {
		p = strings.Trim(path.Clean("/"+filepath.ToSlash(p)), "/")
		if p != "" {
			protected = append(protected, p)
		}
	}

	sizes, err := newSizeCache(opt.SizeCacheTTL)
	if err != nil {
		return nil, err
	}
	return &Store{
		root:        filepath.Clean(root),
		publicName:  pub,
		publicLevel: opt.PublicAccessLevel,
		protected:   protected,
		fs:          opt.Fs,
		osBacked:    osBacked,
		index:       opt.Index,
		sizes:       sizes,
		log:         logging.OrDefault(opt.Logger),
	}, nil
}

// SetIndex installs the share index. It must be called before the store is
// shared between goroutines.
func (s *Store) SetIndex(idx ShareIndex) { s.index = idx }

// Close releases the size cache.
func (s *Store) Close() { s.sizes.Close() }

// Root is the absolute upload directory.
func (s *Store) Root() string { return s.root }

// Fs is the filesystem the store operates on.
func (s *Store) Fs() afero.Fs { return s.fs }

// PublicBase is the base of the public directory, or "" when disabled.
func (s *Store) PublicBase() string { return s.publicName }

// PublicAccessLevel is the level needed to see the public directory.
func (s *Store) PublicAccessLevel() int { return s.publicLevel }

// baseDir resolves a base to its absolute directory.
func (s *Store) baseDir(base string) (string, error) {
	return s.join(s.root, base)
}

// resolve maps a client path under base to an absolute path.
func (s *Store) resolve(base, p string) (string, string, error) {
	b, err := s.baseDir(base)
	if err != nil {
		return "", "", err
	}
	full, err := s.join(b, p)
	if err != nil {
		return "", "", err
	}
	return b, full, nil
}

func (s *Store) join(root, p string) (string, error) {
	if s.osBacked {
		return fsutil.ResolveWithinRoot(root, p)
	}
	// Non-OS filesystems have no links to follow.
	return fsutil.SafeJoin(root, p)
}

// Rel returns the upload-relative slash path of abs.
func (s *Store) Rel(abs string) (string, error) {
	return fsutil.RelSlash(s.root, abs)
}

// Exists reports whether p exists under base and whether it is a directory.
func (s *Store) Exists(base, p string) (exists, isDir bool, err error) {
	_, full, err := s.resolve(base, p)
	if err != nil {
		return false, false, err
	}
	st, err := s.fs.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, st.IsDir(), nil
}

func (s *Store) publicDir() string {
	if s.publicName == "" {
		return ""
	}
	return filepath.Join(s.root, s.publicName)
}

// isProtected reports whether abs lies under a protected public sub-path.
func (s *Store) isProtected(abs string) bool {
	pub := s.publicDir()
	if pub == "" || len(s.protected) == 0 || !fsutil.Within(pub, abs) {
		return false
	}
	rel, err := fsutil.RelSlash(pub, abs)
	if err != nil || rel == "" {
		return false
	}
	for _, p := range s.protected {
		if fsutil.HasPathPrefix(rel, p) {
			return true
		}
	}
	return false
}
