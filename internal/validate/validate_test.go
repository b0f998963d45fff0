package validate

import (
	"errors"
	"strings"
	"testing"

	"vaporous/internal/apperr"
)

func TestUsername(t *testing.T) {
	valid := []string{"test", "Test", "an unusual username", "val_id", "this%should&work", "abc", strings.Repeat("z", 24), "ユーザー名です"}
	for _, u := range valid {
		if !ValidUsername(u) {
			t.Fatalf("expected %q to be valid", u)
		}
	}
	invalid := []string{"", "ab", "&&||", "/etc/passwd", "?????????", "not:valid", "not*valid", `back\slash`, `"quoted"`, "<tag>", "pipe|name", strings.Repeat("z", 25), "this_is_way_too_long_to_be_a_username"}
	for _, u := range invalid {
		err := Username(u)
		if err == nil {
			t.Fatalf("expected %q to be invalid", u)
		}
		if !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("expected invalid input kind for %q, got %v", u, err)
		}
	}
}

func TestName(t *testing.T) {
	cases := map[string]string{
		"photos":           "photos",
		"  spaced  ":       "spaced",
		"a..b":             "a.b",
		"what?.txt":        "what.txt",
		"dir/with/slashes": "dirwithslashes",
		".profile":         ".profile",
	}
	for in, want := range cases {
		got, err := Name(in)
		if err != nil {
			t.Fatalf("Name(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Name(%q) = %q, want %q", in, got, want)
		}
	}

	long, err := Name(strings.Repeat("n", 100))
	if err != nil {
		t.Fatalf("Name(long): %v", err)
	}
	if len(long) != NameMaxLen {
		t.Fatalf("expected name bounded to %d, got %d", NameMaxLen, len(long))
	}

	for _, bad := range []string{"", " ", ".", "..", "...", "???", "/"} {
		if _, err := Name(bad); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("Name(%q) expected invalid input, got %v", bad, err)
		}
	}
}

func TestRootPath(t *testing.T) {
	if _, err := RootPath("relative/dir"); err == nil {
		t.Fatalf("expected relative path to be rejected")
	}
	if _, err := RootPath("/"); err == nil {
		t.Fatalf("expected filesystem root to be rejected")
	}
	got, err := RootPath("/srv/uploads/")
	if err != nil {
		t.Fatalf("RootPath: %v", err)
	}
	if got != "/srv/uploads" {
		t.Fatalf("RootPath = %q", got)
	}
}
