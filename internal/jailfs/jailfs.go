// Package jailfs is an afero.Fs confined to one directory under the upload
// root. Removals and renames are reported so shares can follow them.
package jailfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"vaporous/internal/fsutil"
)

// Observer hears about removals and renames, with upload-relative slash
// paths.
type Observer interface {
	PathRemoved(ctx context.Context, rel string) error
	PathMoved(ctx context.Context, oldRel, newRel string) error
}

type FS struct {
	upload string
	root   string
	osfs   afero.Fs
	obs    Observer
	ctx    context.Context
}

// New confines the filesystem to uploadDir/base. obs may be nil.
func New(uploadDir, base string, obs Observer) *FS {
	upload := filepath.Clean(uploadDir)
	if abs, err := filepath.Abs(upload); err == nil {
		upload = abs
	}
	root := upload
	if j, err := fsutil.SafeJoin(upload, base); err == nil {
		root = j
	}
	return &FS{upload: upload, root: root, osfs: afero.NewOsFs(), obs: obs, ctx: context.Background()}
}

// WithContext returns a copy whose observer calls use ctx.
func (f *FS) WithContext(ctx context.Context) *FS {
	c := *f
	c.ctx = ctx
	return &c
}

// Root is the absolute directory the filesystem is confined to.
func (f *FS) Root() string { return f.root }

func (f *FS) Create(name string) (afero.File, error) {
	p, err := f.local(name)
	if err != nil {
		return nil, err
	}
	return f.osfs.Create(p)
}

func (f *FS) Mkdir(name string, perm os.FileMode) error {
	p, err := f.local(name)
	if err != nil {
		return err
	}
	return f.osfs.Mkdir(p, perm)
}

func (f *FS) MkdirAll(path string, perm os.FileMode) error {
	p, err := f.local(path)
	if err != nil {
		return err
	}
	return f.osfs.MkdirAll(p, perm)
}

func (f *FS) Open(name string) (afero.File, error) {
	p, err := f.local(name)
	if err != nil {
		return nil, err
	}
	return f.osfs.Open(p)
}

func (f *FS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	p, err := f.local(name)
	if err != nil {
		return nil, err
	}
	return f.osfs.OpenFile(p, flag, perm)
}

func (f *FS) Remove(name string) error {
	p, err := f.mutable(name)
	if err != nil {
		return err
	}
	if err := f.osfs.Remove(p); err != nil {
		return err
	}
	return f.removed(p)
}

func (f *FS) RemoveAll(path string) error {
	p, err := f.mutable(path)
	if err != nil {
		return err
	}
	if err := f.osfs.RemoveAll(p); err != nil {
		return err
	}
	return f.removed(p)
}

func (f *FS) Rename(oldname, newname string) error {
	oldp, err := f.mutable(oldname)
	if err != nil {
		return err
	}
	newp, err := f.mutable(newname)
	if err != nil {
		return err
	}
	if err := f.osfs.Rename(oldp, newp); err != nil {
		return err
	}
	if f.obs == nil {
		return nil
	}
	oldRel, err := fsutil.RelSlash(f.upload, oldp)
	if err != nil {
		return err
	}
	newRel, err := fsutil.RelSlash(f.upload, newp)
	if err != nil {
		return err
	}
	return f.obs.PathMoved(f.ctx, oldRel, newRel)
}

func (f *FS) Stat(name string) (os.FileInfo, error) {
	p, err := f.local(name)
	if err != nil {
		return nil, err
	}
	return f.osfs.Stat(p)
}

func (f *FS) Name() string { return "jailfs" }

func (f *FS) Chmod(name string, mode os.FileMode) error {
	p, err := f.local(name)
	if err != nil {
		return err
	}
	return f.osfs.Chmod(p, mode)
}

func (f *FS) Chown(string, int, int) error {
	return errors.New("chown not supported")
}

func (f *FS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	p, err := f.local(name)
	if err != nil {
		return err
	}
	return f.osfs.Chtimes(p, atime, mtime)
}

func (f *FS) local(name string) (string, error) {
	return fsutil.ResolveWithinRoot(f.root, name)
}

// mutable is local but refuses the root itself.
func (f *FS) mutable(name string) (string, error) {
	p, err := f.local(name)
	if err != nil {
		return "", err
	}
	if p == f.root {
		return "", os.ErrPermission
	}
	return p, nil
}

func (f *FS) removed(p string) error {
	if f.obs == nil {
		return nil
	}
	rel, err := fsutil.RelSlash(f.upload, p)
	if err != nil {
		return err
	}
	return f.obs.PathRemoved(f.ctx, rel)
}

var _ afero.Fs = (*FS)(nil)
