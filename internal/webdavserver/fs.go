package webdavserver

import (
	"context"
	"os"

	"golang.org/x/net/webdav"

	"vaporous/internal/jailfs"
)

// JailFS adapts a jailfs.FS to webdav.FileSystem.
type JailFS struct {
	fs *jailfs.FS
}

// NewJailFS wraps fs.
func NewJailFS(fs *jailfs.FS) *JailFS {
	return &JailFS{fs: fs}
}

func (j *JailFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return j.fs.WithContext(ctx).Mkdir(name, perm)
}

func (j *JailFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	f, err := j.fs.WithContext(ctx).OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (j *JailFS) RemoveAll(ctx context.Context, name string) error {
	return j.fs.WithContext(ctx).RemoveAll(name)
}

func (j *JailFS) Rename(ctx context.Context, oldName, newName string) error {
	return j.fs.WithContext(ctx).Rename(oldName, newName)
}

func (j *JailFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	return j.fs.WithContext(ctx).Stat(name)
}

var _ webdav.FileSystem = (*JailFS)(nil)
