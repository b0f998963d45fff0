// Package validate contains simple input validation helpers.
package validate

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"vaporous/internal/apperr"
	"vaporous/internal/fsutil"
)

const (
	UsernameMinLen = 3
	UsernameMaxLen = 24
	// NameMaxLen bounds new folder and file names.
	NameMaxLen = 40
)

// forbiddenNameChars may not appear in usernames or file names.
const forbiddenNameChars = `<>:"/\|*?`

var (
	once sync.Once
	v    *validator.Validate
)

// Validator returns the shared validator instance. Callers may register
// struct-level rules on it during init.
func Validator() *validator.Validate {
	once.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
	})
	return v
}

// usernameRule: 0x7C is '|', which validator would otherwise read as an
// OR separator.
const usernameRule = `min=3,max=24,excludesall=<>:"/\0x7C*?`

// Username validates a username string for length and allowed characters.
// Length is counted in runes.
func Username(s string) error {
	if err := Validator().Var(s, usernameRule); err != nil {
		return fmt.Errorf("%w: invalid username", apperr.ErrInvalidInput)
	}
	return nil
}

// ValidUsername is the boolean form of Username.
func ValidUsername(s string) bool {
	return Username(s) == nil
}

// Name cleans a single path component supplied by a client: it is cut to
// NameMaxLen runes, characters from forbiddenNameChars and control
// characters are dropped, and runs of dots are collapsed. An empty result,
// or one that is only dots, is rejected.
func Name(s string) (string, error) {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > NameMaxLen {
		s = string([]rune(s)[:NameMaxLen])
	}
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbiddenNameChars, r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(fsutil.Sanitize(s))
	if s == "" || strings.Trim(s, ".") == "" {
		return "", fmt.Errorf("%w: invalid name", apperr.ErrInvalidInput)
	}
	return s, nil
}

// RootPath validates and normalizes a filesystem root path.
func RootPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("root path is required")
	}
	clean := filepath.Clean(p)
	if !filepath.IsAbs(clean) {
		return "", errors.New("root path must be absolute")
	}
	// Reject volume root ("/", "C:\\", etc.).
	if filepath.Dir(clean) == clean {
		return "", errors.New("root path cannot be filesystem root")
	}
	// Avoid trailing separators for stable comparisons.
	clean = strings.TrimRight(clean, string(filepath.Separator))
	if clean == "" {
		return "", errors.New("invalid root path")
	}
	return clean, nil
}
