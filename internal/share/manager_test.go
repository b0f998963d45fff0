package share

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaporous/internal/apperr"
	"vaporous/internal/auth"
	"vaporous/internal/db"
	"vaporous/internal/logging"
	"vaporous/internal/session"
	"vaporous/internal/storage"
)

var _ storage.ShareIndex = (*Manager)(nil)

type fixture struct {
	db    *db.DB
	store *storage.Store
	m     *Manager
	owner db.User
	other db.User
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	store, err := storage.New(storage.Options{UploadDir: t.TempDir(), PublicDir: "public", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(store.Close)

	f := &fixture{db: d, store: store, now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.m = New(d, store, Options{Logger: logging.Discard(), Now: func() time.Time { return f.now }})
	store.SetIndex(f.m)

	f.owner = db.User{ID: auth.NewID(), Username: "alice", AccessLevel: 1}
	f.other = db.User{ID: auth.NewID(), Username: "bob", AccessLevel: 1}
	for _, u := range []db.User{f.owner, f.other} {
		if err := d.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if err := store.CreateHome(u.ID); err != nil {
			t.Fatalf("CreateHome: %v", err)
		}
	}
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.store.Root(), f.owner.ID, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (f *fixture) sess(u db.User) *session.Session {
	return &session.Session{ID: "s", Username: u.Username, UserID: u.ID, AccessLevel: u.AccessLevel}
}

func TestCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "docs/a.txt", "hello")

	if _, r := f.m.Create(ctx, f.owner.ID, "/", DefaultCreateOptions()); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("sharing the home must fail, got %+v", r)
	}
	if _, r := f.m.Create(ctx, f.owner.ID, "docs/..", DefaultCreateOptions()); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("sharing the home via .. must fail, got %+v", r)
	}
	if _, r := f.m.Create(ctx, f.owner.ID, f.owner.ID, DefaultCreateOptions()); r.OK || !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("sharing the home by its id must fail, got %+v", r)
	}
	if _, r := f.m.Create(ctx, f.owner.ID, "/"+f.owner.ID+"/", DefaultCreateOptions()); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("sharing the home by its id must fail, got %+v", r)
	}
	if _, r := f.m.Create(ctx, f.owner.ID, "nope.txt", DefaultCreateOptions()); !r.Is(apperr.ErrNotFound) {
		t.Fatalf("missing target must fail, got %+v", r)
	}
	if _, r := f.m.Create(ctx, f.owner.ID, "../"+f.other.ID, DefaultCreateOptions()); r.OK {
		t.Fatalf("escaping the home must fail")
	}

	id, r := f.m.Create(ctx, f.owner.ID, "docs/a.txt", CreateOptions{AnonymousAccess: true, Collaborative: true})
	if !r.OK {
		t.Fatalf("Create: %+v", r)
	}
	if len(id) != 32 || !auth.IsID(id) {
		t.Fatalf("unexpected id %q", id)
	}
	sh, err := f.m.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sh.Path != f.owner.ID+"/docs/a.txt" || sh.Collaborative {
		t.Fatalf("unexpected share %+v", sh)
	}

	prefixed, r := f.m.Create(ctx, f.owner.ID, f.owner.ID+"/docs/a.txt", DefaultCreateOptions())
	if !r.OK {
		t.Fatalf("Create with owner prefix: %+v", r)
	}
	if sh, err := f.m.Resolve(ctx, prefixed); err != nil || sh.Path != f.owner.ID+"/docs/a.txt" {
		t.Fatalf("prefixed share %+v, %v", sh, err)
	}

	if _, err := f.m.Resolve(ctx, "xyz"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected malformed id error, got %v", err)
	}
	if _, err := f.m.Resolve(ctx, auth.NewID()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.txt", "x")
	exp := f.now.Add(time.Hour)
	id, r := f.m.Create(ctx, f.owner.ID, "a.txt", CreateOptions{Expires: &exp, AnonymousAccess: true})
	if !r.OK {
		t.Fatalf("Create: %+v", r)
	}
	if _, err := f.m.Resolve(ctx, id); err != nil {
		t.Fatalf("Resolve before expiry: %v", err)
	}
	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.m.Resolve(ctx, id); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expired share must resolve as missing, got %v", err)
	}

	past := f.now.Add(-time.Minute)
	if _, r := f.m.Create(ctx, f.owner.ID, "a.txt", CreateOptions{Expires: &past}); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("expected past expiry to be rejected, got %+v", r)
	}
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	owner, other := f.sess(f.owner), f.sess(f.other)

	anon := db.Share{AnonymousAccess: true}
	if f.m.Authorize(anon, nil) != nil || f.m.Authorize(anon, other) != nil {
		t.Fatalf("anonymous share must admit everyone")
	}

	private := db.Share{}
	if err := f.m.Authorize(private, nil); !errors.Is(err, ErrLoginRequired) || !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected login required, got %v", err)
	}
	if f.m.Authorize(private, other) != nil {
		t.Fatalf("any session may open a non-anonymous share")
	}

	listed := db.Share{AnonymousAccess: true, Whitelist: []string{f.other.ID}}
	if f.m.Authorize(listed, other) != nil {
		t.Fatalf("listed user must pass")
	}
	for _, s := range []*session.Session{nil, owner} {
		err := f.m.Authorize(listed, s)
		if !errors.Is(err, apperr.ErrForbidden) || errors.Is(err, ErrLoginRequired) {
			t.Fatalf("whitelist overrides anonymous access, got %v", err)
		}
	}

	collab := db.Share{Collaborative: true, AnonymousAccess: true}
	if !f.m.Redirect(collab, false) || f.m.Redirect(collab, true) {
		t.Fatalf("collaborative shares belong to the collab routes")
	}
	if !f.m.Redirect(anon, true) || f.m.Redirect(anon, false) {
		t.Fatalf("plain shares belong to the share routes")
	}
	if f.m.CanWrite(collab, nil) != nil {
		t.Fatalf("anonymous collaborative share is writable")
	}
	if err := f.m.CanWrite(anon, other); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("plain share is read-only, got %v", err)
	}
}

func TestListWithWhitelistNames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "docs/a.txt", "x")
	f.write(t, "b.txt", "y")

	if _, r := f.m.Create(ctx, f.owner.ID, "docs", CreateOptions{Collaborative: true, Whitelist: []string{"bob"}}); !r.OK {
		t.Fatalf("Create: %+v", r)
	}
	if _, r := f.m.Create(ctx, f.owner.ID, "b.txt", DefaultCreateOptions()); !r.OK {
		t.Fatalf("Create: %+v", r)
	}
	if _, r := f.m.Create(ctx, f.owner.ID, "b.txt", CreateOptions{Whitelist: []string{"ghost"}}); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("unknown whitelist user must fail, got %+v", r)
	}

	all, err := f.m.List(ctx, f.owner.ID, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(all))
	}
	only, err := f.m.List(ctx, f.owner.ID, "/docs/")
	if err != nil || len(only) != 1 {
		t.Fatalf("filtered List = %v, %v", only, err)
	}
	if !only[0].Collaborative || strings.Join(only[0].Whitelist, ",") != "bob" || only[0].Path != "docs" {
		t.Fatalf("unexpected summary %+v", only[0])
	}
	none, _ := f.m.List(ctx, f.other.ID, "")
	if len(none) != 0 {
		t.Fatalf("other user has no shares")
	}
}

func TestDeleteOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a.txt", "x")
	id, _ := f.m.Create(ctx, f.owner.ID, "a.txt", DefaultCreateOptions())

	foreign := f.m.Delete(ctx, id, f.other.ID)
	missing := f.m.Delete(ctx, auth.NewID(), f.owner.ID)
	if foreign.OK || missing.OK || foreign.Message != missing.Message {
		t.Fatalf("foreign and missing must fail alike: %+v / %+v", foreign, missing)
	}
	if r := f.m.Delete(ctx, id, f.owner.ID); !r.OK {
		t.Fatalf("Delete: %+v", r)
	}
	if _, err := f.m.Resolve(ctx, id); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("share should be gone, got %v", err)
	}
}

func TestFileMutationsCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "docs/a.txt", "x")
	f.write(t, "docs/sub/b.txt", "y")
	f.write(t, "docsx/c.txt", "z")

	a, _ := f.m.Create(ctx, f.owner.ID, "docs/a.txt", DefaultCreateOptions())
	b, _ := f.m.Create(ctx, f.owner.ID, "docs/sub", DefaultCreateOptions())
	c, _ := f.m.Create(ctx, f.owner.ID, "docsx", DefaultCreateOptions())

	if r := f.store.Rename(ctx, f.owner.ID, "docs", "papers"); !r.OK {
		t.Fatalf("Rename: %+v", r)
	}
	sh, err := f.m.Resolve(ctx, a)
	if err != nil || sh.Path != f.owner.ID+"/papers/a.txt" {
		t.Fatalf("rename should rewrite share path, got %+v %v", sh, err)
	}

	if r := f.store.Delete(ctx, f.owner.ID, "papers"); !r.OK {
		t.Fatalf("Delete: %+v", r)
	}
	for _, id := range []string{a, b} {
		if _, err := f.m.Resolve(ctx, id); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("share %s should cascade, got %v", id, err)
		}
	}
	if _, err := f.m.Resolve(ctx, c); err != nil {
		t.Fatalf("sibling share must survive: %v", err)
	}
}
