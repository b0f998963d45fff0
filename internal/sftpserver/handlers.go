// Package sftpserver serves user homes over SFTP.
package sftpserver

import (
	"errors"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"

	"vaporous/internal/jailfs"
)

// Handlers implements sftp.Handlers over a confined filesystem.
type Handlers struct {
	FS *jailfs.FS
}

func (h Handlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	f, err := h.FS.Open(r.Filepath)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (h Handlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	pf := r.Pflags()
	flags := 0
	if pf.Read && pf.Write {
		flags |= os.O_RDWR
	} else if pf.Write {
		flags |= os.O_WRONLY
	} else {
		flags |= os.O_RDONLY
	}
	if pf.Creat {
		flags |= os.O_CREATE
		if err := h.FS.MkdirAll(path.Dir(r.Filepath), 0o700); err != nil {
			return nil, err
		}
	}
	if pf.Trunc {
		flags |= os.O_TRUNC
	}
	if pf.Excl {
		flags |= os.O_EXCL
	}

	// No O_APPEND with WriterAt.
	f, err := h.FS.OpenFile(r.Filepath, flags, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (h Handlers) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		attrs := r.Attributes()
		flags := r.AttrFlags()
		if flags.Permissions {
			if err := h.FS.Chmod(r.Filepath, attrs.FileMode()); err != nil {
				return err
			}
		}
		if flags.Acmodtime {
			if err := h.FS.Chtimes(r.Filepath, attrs.AccessTime(), attrs.ModTime()); err != nil {
				return err
			}
		}
		if flags.UidGid {
			return errors.New("chown not supported")
		}
		return nil
	case "Rename":
		if err := h.FS.MkdirAll(path.Dir(r.Target), 0o700); err != nil {
			return err
		}
		return h.FS.Rename(r.Filepath, r.Target)
	case "Rmdir", "Remove":
		return h.FS.Remove(r.Filepath)
	case "Mkdir":
		return h.FS.MkdirAll(r.Filepath, 0o700)
	case "Link", "Symlink":
		return errors.New("links not supported")
	default:
		return errors.New("unsupported command")
	}
}

func (h Handlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		infos, err := afero.ReadDir(h.FS, r.Filepath)
		if err != nil {
			return nil, err
		}
		return staticLister(infos), nil
	case "Stat":
		fi, err := h.FS.Stat(r.Filepath)
		if err != nil {
			return nil, err
		}
		return staticLister([]os.FileInfo{fi}), nil
	case "Readlink":
		return nil, errors.New("readlink not supported")
	default:
		return nil, errors.New("unsupported list")
	}
}

// staticLister pages over a fixed slice.
type staticLister []os.FileInfo

func (l staticLister) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset < 0 || offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if int64(n)+offset >= int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}
