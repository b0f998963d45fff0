package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"vaporous/internal/apperr"
	"vaporous/internal/fsutil"
	"vaporous/internal/validate"
)

// CompressedSuffix is appended to uploads stored with compression.
const CompressedSuffix = ".zst"

// Incoming is one uploaded file.
type Incoming struct {
	Name string
	Body io.Reader
}

var (
	protectedResult = apperr.Fail(apperr.ErrForbidden, "This item is protected")
	missingResult   = apperr.Fail(apperr.ErrNotFound, "File or folder does not exist")
)

// Open returns the file at p under base for reading. found is false for
// missing paths and directories.
func (s *Store) Open(base, p string) (afero.File, os.FileInfo, bool, error) {
	_, full, err := s.resolve(base, p)
	if err != nil {
		return nil, nil, false, err
	}
	st, err := s.fs.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	if st.IsDir() {
		return nil, nil, false, nil
	}
	f, err := s.fs.Open(full)
	if err != nil {
		return nil, nil, false, err
	}
	return f, st, true, nil
}

// Upload stores files in the directory p under base, one Result per file.
// Existing names are never overwritten. A positive level compresses the
// content with zstd at that level and appends CompressedSuffix.
func (s *Store) Upload(base, p string, files []Incoming, level int) []apperr.Result {
	out := make([]apperr.Result, len(files))
	_, dir, err := s.resolve(base, p)
	if err == nil {
		var ok bool
		if ok, err = s.isDir(dir); err == nil && !ok {
			err = fmt.Errorf("%w: upload folder does not exist", apperr.ErrNotFound)
		}
	}
	if err != nil {
		for i := range out {
			out[i] = apperr.FromError(err)
		}
		return out
	}

	for i, f := range files {
		out[i] = s.uploadOne(dir, f, level)
	}
	s.sizes.Invalidate(s.root, dir)
	return out
}

func (s *Store) uploadOne(dir string, in Incoming, level int) apperr.Result {
	name, err := validate.Name(in.Name)
	if err != nil {
		return apperr.Fail(apperr.ErrInvalidInput, "Invalid file name")
	}
	if level > 0 {
		name += CompressedSuffix
	}
	target := filepath.Join(dir, name)

	f, err := s.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperr.Failf(apperr.ErrConflict, "%s: Already exists", name)
		}
		return apperr.FromError(err)
	}

	werr := s.writeBody(f, in.Body, level)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = s.fs.Remove(target)
		s.log.Error("upload failed", "name", name, "err", werr)
		return apperr.FromError(werr)
	}
	return apperr.OK("Uploaded " + name)
}

func (s *Store) writeBody(w io.Writer, r io.Reader, level int) error {
	if level <= 0 {
		_, err := io.Copy(w, r)
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Delete removes the file or folder p under base and every share under it.
func (s *Store) Delete(ctx context.Context, base, p string) apperr.Result {
	baseAbs, target, err := s.resolve(base, p)
	if err != nil {
		return apperr.FromError(err)
	}
	if target == baseAbs {
		return apperr.Fail(apperr.ErrInvalidInput, "Cannot delete the top folder")
	}
	if _, err := s.fs.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return missingResult
		}
		return apperr.FromError(err)
	}
	if s.isProtected(target) {
		return protectedResult
	}
	if err := s.fs.RemoveAll(target); err != nil {
		return apperr.FromError(err)
	}
	s.sizes.Invalidate(s.root, target)

	if err := s.removedShares(ctx, target); err != nil {
		return apperr.FromError(err)
	}
	return apperr.OK("Deleted " + filepath.Base(target))
}

// Rename gives p under base a new name in the same folder.
func (s *Store) Rename(ctx context.Context, base, p, newName string) apperr.Result {
	name, err := validate.Name(newName)
	if err != nil {
		return apperr.Fail(apperr.ErrInvalidInput, "Invalid name")
	}
	baseAbs, src, err := s.resolve(base, p)
	if err != nil {
		return apperr.FromError(err)
	}
	if src == baseAbs {
		return apperr.Fail(apperr.ErrInvalidInput, "Cannot rename the top folder")
	}
	if _, err := s.fs.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return missingResult
		}
		return apperr.FromError(err)
	}
	if s.isProtected(src) {
		return protectedResult
	}
	dst := filepath.Join(filepath.Dir(src), name)
	if dst == src {
		return apperr.OK("Nothing to rename")
	}
	if r, ok := s.relocate(ctx, src, dst); !ok {
		return r
	}
	return apperr.OK("Renamed to " + name)
}

// Move puts p under base into the folder to under toBase, keeping its name.
func (s *Store) Move(ctx context.Context, base, toBase, p, to string) apperr.Result {
	baseAbs, src, err := s.resolve(base, p)
	if err != nil {
		return apperr.FromError(err)
	}
	if src == baseAbs {
		return apperr.Fail(apperr.ErrInvalidInput, "Cannot move the top folder")
	}
	st, err := s.fs.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return missingResult
		}
		return apperr.FromError(err)
	}
	if s.isProtected(src) {
		return protectedResult
	}

	_, destDir, err := s.resolve(toBase, to)
	if err != nil {
		return apperr.FromError(err)
	}
	if ok, err := s.isDir(destDir); err != nil {
		return apperr.FromError(err)
	} else if !ok {
		return apperr.Fail(apperr.ErrNotFound, "Destination folder does not exist")
	}

	dst := filepath.Join(destDir, filepath.Base(src))
	if dst == src {
		return apperr.OK("Nothing to move")
	}
	if st.IsDir() && fsutil.Within(src, destDir) {
		return apperr.Fail(apperr.ErrInvalidInput, "Cannot move a folder into itself")
	}
	if s.isProtected(dst) {
		return protectedResult
	}
	if r, ok := s.relocate(ctx, src, dst); !ok {
		return r
	}
	return apperr.OK("Moved " + filepath.Base(src))
}

// relocate renames src to dst and updates shares. dst must not exist.
func (s *Store) relocate(ctx context.Context, src, dst string) (apperr.Result, bool) {
	if _, err := s.lstat(dst); err == nil {
		return apperr.Fail(apperr.ErrConflict, "Already exists"), false
	} else if !os.IsNotExist(err) {
		return apperr.FromError(err), false
	}
	if err := s.fs.Rename(src, dst); err != nil {
		return apperr.FromError(err), false
	}
	s.sizes.Invalidate(s.root, src)
	s.sizes.Invalidate(s.root, dst)

	if err := s.movedShares(ctx, src, dst); err != nil {
		return apperr.FromError(err), false
	}
	return apperr.Result{}, true
}

// NewFolder creates the folder name inside p under base.
func (s *Store) NewFolder(base, p, name string) apperr.Result {
	clean, err := validate.Name(name)
	if err != nil {
		return apperr.Fail(apperr.ErrInvalidInput, "Invalid folder name")
	}
	_, parent, err := s.resolve(base, p)
	if err != nil {
		return apperr.FromError(err)
	}
	if ok, err := s.isDir(parent); err != nil {
		return apperr.FromError(err)
	} else if !ok {
		return apperr.Fail(apperr.ErrNotFound, "Parent folder does not exist")
	}
	dst := filepath.Join(parent, clean)
	if err := s.fs.Mkdir(dst, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperr.Fail(apperr.ErrConflict, "Already exists")
		}
		return apperr.FromError(err)
	}
	s.sizes.Invalidate(s.root, parent)
	return apperr.OK("Created " + clean)
}

func (s *Store) lstat(abs string) (os.FileInfo, error) {
	if l, ok := s.fs.(afero.Lstater); ok {
		st, _, err := l.LstatIfPossible(abs)
		return st, err
	}
	return s.fs.Stat(abs)
}

func (s *Store) isDir(abs string) (bool, error) {
	st, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return st.IsDir(), nil
}

func (s *Store) removedShares(ctx context.Context, abs string) error {
	if s.index == nil {
		return nil
	}
	rel, err := s.Rel(abs)
	if err != nil {
		return err
	}
	if err := s.index.PathRemoved(ctx, rel); err != nil {
		s.log.Error("share cascade after delete", "path", rel, "err", err)
		return err
	}
	return nil
}

// movedShares rewrites shares under src. Shares belong to the home they
// point into, so when dst is outside that home they are removed.
func (s *Store) movedShares(ctx context.Context, src, dst string) error {
	if s.index == nil {
		return nil
	}
	oldRel, err := s.Rel(src)
	if err != nil {
		return err
	}
	newRel, err := s.Rel(dst)
	if err != nil {
		return err
	}
	if topDir(oldRel) != topDir(newRel) {
		err = s.index.PathRemoved(ctx, oldRel)
	} else {
		err = s.index.PathMoved(ctx, oldRel, newRel)
	}
	if err != nil {
		s.log.Error("share cascade after move", "from", oldRel, "to", newRel, "err", err)
	}
	return err
}

func topDir(rel string) string {
	top, _, _ := strings.Cut(rel, "/")
	return top
}
