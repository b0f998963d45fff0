package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/spf13/afero"
)

const defaultSizeTTL = 30 * time.Second

// sizeCache memoizes recursive directory sizes by absolute path.
type sizeCache struct {
	c   *ristretto.Cache[string, int64]
	ttl time.Duration
}

func newSizeCache(ttl time.Duration) (*sizeCache, error) {
	if ttl <= 0 {
		ttl = defaultSizeTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, int64]{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("size cache: %w", err)
	}
	return &sizeCache{c: c, ttl: ttl}, nil
}

func (c *sizeCache) Get(abs string) (int64, bool) {
	return c.c.Get(abs)
}

func (c *sizeCache) Set(abs string, n int64) {
	c.c.SetWithTTL(abs, n, 1, c.ttl)
}

// Invalidate drops abs and every ancestor up to and including root.
func (c *sizeCache) Invalidate(root, abs string) {
	root = filepath.Clean(root)
	cur := filepath.Clean(abs)
	for {
		c.c.Del(cur)
		if cur == root {
			return
		}
		parent := filepath.Dir(cur)
		if parent == cur || len(parent) < len(root) {
			return
		}
		cur = parent
	}
}

func (c *sizeCache) Close() { c.c.Close() }

// dirSize sums the sizes of regular files under abs.
func (s *Store) dirSize(abs string) (int64, error) {
	if n, ok := s.sizes.Get(abs); ok {
		return n, nil
	}
	var total int64
	err := afero.Walk(s.fs, abs, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			// Entries vanishing mid-walk are not an error for a size estimate.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.sizes.Set(abs, total)
	return total, nil
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders n bytes as "0B", "512B", "1.50KB" ... Sizes past the
// last unit stay in TB.
func FormatSize(n int64) string {
	if n < 1024 {
		if n < 0 {
			n = 0
		}
		return fmt.Sprintf("%dB", n)
	}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f%s", v, sizeUnits[i])
}
