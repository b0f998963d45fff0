package storage

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// NoPublicAccess is an access level that never sees the public directory.
// Share listings use it.
const NoPublicAccess = math.MinInt

// Entry is one row of a directory listing. Path is relative to the listed
// base, in slash form.
type Entry struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Kind      Kind   `json:"kind"`
	Size      int64  `json:"size"`
	SizeLabel string `json:"size_label"`
	Protected bool   `json:"protected,omitempty"`
}

// IsDir reports whether the entry can be descended into.
func (e Entry) IsDir() bool {
	return e.Kind == KindDirectory || e.Kind == KindPublicDirectory
}

// List returns the children of sub under base, sorted for display. found is
// false when the directory does not exist or is a file.
//
// At the top of a home the public directory is injected as a pseudo-entry
// when the caller's access level allows it.
func (s *Store) List(base, sub string, accessLevel int) ([]Entry, bool, error) {
	baseAbs, dir, err := s.resolve(base, sub)
	if err != nil {
		return nil, false, err
	}
	st, err := s.fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !st.IsDir() {
		return nil, false, nil
	}

	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, false, err
	}
	out := make([]Entry, 0, len(infos)+1)

	if dir == baseAbs {
		if e, ok := s.publicEntry(baseAbs, accessLevel); ok {
			out = append(out, e)
		}
	}

	for _, info := range infos {
		full := filepath.Join(dir, info.Name())
		rel, err := relTo(baseAbs, full)
		if err != nil {
			return nil, false, err
		}
		e := Entry{
			Name:      info.Name(),
			Path:      rel,
			Protected: s.isProtected(full),
		}
		if info.IsDir() {
			e.Kind = KindDirectory
			n, err := s.dirSize(full)
			if err != nil {
				return nil, false, err
			}
			e.Size = n
		} else {
			e.Kind = Classify(info.Name())
			e.Size = info.Size()
		}
		e.SizeLabel = FormatSize(e.Size)
		out = append(out, e)
	}

	SortEntries(out)
	return out, true, nil
}

func (s *Store) publicEntry(baseAbs string, accessLevel int) (Entry, bool) {
	pub := s.publicDir()
	if pub == "" || pub == baseAbs || baseAbs == s.root || accessLevel < s.publicLevel {
		return Entry{}, false
	}
	st, err := s.fs.Stat(pub)
	if err != nil || !st.IsDir() {
		return Entry{}, false
	}
	n, err := s.dirSize(pub)
	if err != nil {
		s.log.Warn("public directory size", "err", err)
	}
	return Entry{
		Name:      s.publicName,
		Kind:      KindPublicDirectory,
		Size:      n,
		SizeLabel: FormatSize(n),
	}, true
}

// SortEntries orders the public pseudo-entry first, then directories, then
// by case-folded name. Ties keep their input order.
func SortEntries(es []Entry) {
	rank := func(e Entry) int {
		switch e.Kind {
		case KindPublicDirectory:
			return 0
		case KindDirectory:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(es, func(i, j int) bool {
		ri, rj := rank(es[i]), rank(es[j])
		if ri != rj {
			return ri < rj
		}
		return strings.ToLower(es[i].Name) < strings.ToLower(es[j].Name)
	})
}

func relTo(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
