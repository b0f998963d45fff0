package account

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"vaporous/internal/apperr"
	"vaporous/internal/auth"
	"vaporous/internal/db"
	"vaporous/internal/logging"
	"vaporous/internal/session"
	"vaporous/internal/share"
	"vaporous/internal/storage"
)

var cheapHash = auth.Params{N: 1 << 10, R: 8, P: 1, SaltLen: 16, KeyLen: 32}

type env struct {
	svc      *Service
	db       *db.DB
	store    *storage.Store
	sessions *session.Manager
	shares   *share.Manager
}

func newEnv(t *testing.T, opt Options) *env {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	store, err := storage.New(storage.Options{UploadDir: t.TempDir(), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(store.Close)
	shares := share.New(d, store, share.Options{Logger: logging.Discard()})
	store.SetIndex(shares)
	sessions := session.New(d, session.Options{Logger: logging.Discard()})

	opt.Hash = cheapHash
	opt.Logger = logging.Discard()
	return &env{svc: New(d, store, sessions, opt), db: d, store: store, sessions: sessions, shares: shares}
}

func (e *env) add(t *testing.T, nu NewUser) string {
	t.Helper()
	id, r := e.svc.AddUser(context.Background(), nu)
	if !r.OK {
		t.Fatalf("AddUser(%s): %+v", nu.Username, r)
	}
	return id
}

func newAuthorizedKey(t *testing.T, comment string) (string, ssh.PublicKey) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sp, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sp))) + " " + comment
	return line, sp
}

func TestAddUserAndLogin(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{SingleSession: true})
	id := e.add(t, NewUser{Username: "alice", Password: "pw1", AccessLevel: 2})

	if st, err := os.Stat(filepath.Join(e.store.Root(), id)); err != nil || !st.IsDir() {
		t.Fatalf("expected home folder: %v", err)
	}

	if _, r := e.svc.AddUser(ctx, NewUser{Username: "alice", Password: "x"}); !r.Is(apperr.ErrConflict) {
		t.Fatalf("expected duplicate to conflict, got %+v", r)
	}
	if _, r := e.svc.AddUser(ctx, NewUser{Username: "bob"}); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("expected credential requirement, got %+v", r)
	}
	if _, r := e.svc.AddUser(ctx, NewUser{Username: "a/b", Password: "x"}); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid username, got %+v", r)
	}

	first, ok := e.svc.Login(ctx, "alice", "pw1")
	if !ok {
		t.Fatalf("expected login")
	}
	s, ok := e.sessions.Lookup(first)
	if !ok || s.UserID != id || s.AccessLevel != 2 {
		t.Fatalf("unexpected session %+v", s)
	}
	if _, ok := e.svc.Login(ctx, "alice", "wrong"); ok {
		t.Fatalf("wrong password must fail")
	}
	if _, ok := e.svc.Login(ctx, "nobody", "pw1"); ok {
		t.Fatalf("unknown user must fail")
	}
	second, _ := e.svc.Login(ctx, "alice", "pw1")
	if _, ok := e.sessions.Lookup(first); ok {
		t.Fatalf("single session mode must sign out the previous session")
	}
	if _, ok := e.sessions.Lookup(second); !ok {
		t.Fatalf("latest session must be live")
	}
}

func TestLoginRejectsOverlongNames(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	name := strings.Repeat("a", 24)
	e.add(t, NewUser{Username: name, Password: "pw1", AccessLevel: 1})

	if _, ok := e.svc.Login(ctx, name, "pw1"); !ok {
		t.Fatalf("expected login at the length limit")
	}
	if _, ok := e.svc.Login(ctx, name+"-not-me", "pw1"); ok {
		t.Fatalf("a longer name must not authenticate as its prefix")
	}
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	closed := newEnv(t, Options{})
	if _, r := closed.svc.Enroll(ctx, "carol", "pw", "pw", ""); !r.Is(apperr.ErrForbidden) {
		t.Fatalf("enrollment disabled must refuse, got %+v", r)
	}

	e := newEnv(t, Options{Enrollment: Enrollment{Enabled: true, Passcode: "open sesame", DefaultAccessLevel: 3}})
	if _, r := e.svc.Enroll(ctx, "carol", "pw", "pw", "nope"); !r.Is(apperr.ErrForbidden) {
		t.Fatalf("wrong passcode must refuse, got %+v", r)
	}
	if _, r := e.svc.Enroll(ctx, "carol", "pw", "pw2", "open sesame"); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("mismatched passwords must refuse, got %+v", r)
	}
	if _, r := e.svc.Enroll(ctx, "carol", "pw", "pw", "open sesame"); !r.OK {
		t.Fatalf("Enroll: %+v", r)
	}
	u, ok, _ := e.svc.UserByUsername(ctx, "carol")
	if !ok || u.AccessLevel != 3 {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestRemoveUserCascades(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	id := e.add(t, NewUser{Username: "alice", Password: "pw"})
	if err := os.WriteFile(filepath.Join(e.store.Root(), id, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	shareID, r := e.shares.Create(ctx, id, "a.txt", share.DefaultCreateOptions())
	if !r.OK {
		t.Fatalf("share Create: %+v", r)
	}
	sid, _ := e.svc.Login(ctx, "alice", "pw")
	var forgotten []string
	e.svc.OnRemove(func(userID string) { forgotten = append(forgotten, userID) })

	if r := e.svc.RemoveUser(ctx, "alice"); !r.OK {
		t.Fatalf("RemoveUser: %+v", r)
	}
	if len(forgotten) != 1 || forgotten[0] != id {
		t.Fatalf("remove hooks got %v, want [%s]", forgotten, id)
	}
	if _, ok := e.sessions.Lookup(sid); ok {
		t.Fatalf("sessions must be dropped")
	}
	if _, err := e.shares.Resolve(ctx, shareID); err == nil {
		t.Fatalf("shares must be deleted with the user")
	}
	if _, err := os.Stat(filepath.Join(e.store.Root(), "acct_del-"+id, "a.txt")); err != nil {
		t.Fatalf("home must be soft-deleted: %v", err)
	}
	if r := e.svc.RemoveUser(ctx, "alice"); !r.Is(apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %+v", r)
	}
}

func TestPasswordLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	e.add(t, NewUser{Username: "alice", Password: "old"})

	wrong := "nope"
	if r := e.svc.ChangePassword(ctx, "alice", "new", &wrong); !r.Is(apperr.ErrForbidden) {
		t.Fatalf("expected wrong old password refusal, got %+v", r)
	}
	old := "old"
	if r := e.svc.ChangePassword(ctx, "alice", "new", &old); !r.OK {
		t.Fatalf("ChangePassword: %+v", r)
	}
	if _, ok := e.svc.Login(ctx, "alice", "new"); !ok {
		t.Fatalf("new password must work")
	}
	if r := e.svc.AddPassword(ctx, "alice", "x"); !r.Is(apperr.ErrConflict) {
		t.Fatalf("AddPassword with existing password must conflict, got %+v", r)
	}
	if r := e.svc.RemovePassword(ctx, "alice"); !r.Is(apperr.ErrForbidden) {
		t.Fatalf("RemovePassword without keys must refuse, got %+v", r)
	}

	line, _ := newAuthorizedKey(t, "laptop")
	if r := e.svc.AddPublicKey(ctx, "alice", line, ""); !r.OK {
		t.Fatalf("AddPublicKey: %+v", r)
	}
	if r := e.svc.RemovePassword(ctx, "alice"); !r.OK {
		t.Fatalf("RemovePassword: %+v", r)
	}
	if _, ok := e.svc.Login(ctx, "alice", "new"); ok {
		t.Fatalf("removed password must not log in")
	}
	if r := e.svc.AddPassword(ctx, "alice", "again"); !r.OK {
		t.Fatalf("AddPassword: %+v", r)
	}
	if _, ok := e.svc.Login(ctx, "alice", "again"); !ok {
		t.Fatalf("added password must work")
	}
}

func TestPublicKeys(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	line, pub := newAuthorizedKey(t, "first-key-with-a-really-long-comment-name")
	e.add(t, NewUser{Username: "alice", AuthorizedKey: line})
	e.add(t, NewUser{Username: "bob", Password: "pw"})

	if _, ok := e.svc.AuthenticateKey(ctx, "alice", pub); !ok {
		t.Fatalf("registered key must authenticate")
	}
	if _, ok := e.svc.AuthenticateKey(ctx, "bob", pub); ok {
		t.Fatalf("key must not authenticate another user")
	}
	if _, ok := e.svc.Authenticate(ctx, "alice", ""); ok {
		t.Fatalf("key-only account has no password")
	}

	keys, err := e.svc.ListPublicKeys(ctx, "alice")
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListPublicKeys = %v, %v", keys, err)
	}
	if len([]rune(keys[0].Name)) != keyNameMax || keys[0].Fingerprint != ssh.FingerprintSHA256(pub) {
		t.Fatalf("unexpected key %+v", keys[0])
	}

	if r := e.svc.AddPublicKey(ctx, "bob", line, "dup"); !r.Is(apperr.ErrConflict) {
		t.Fatalf("a key belongs to one user, got %+v", r)
	}
	if r := e.svc.AddPublicKey(ctx, "bob", "ssh-ed25519 garbage", ""); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid key, got %+v", r)
	}
	if r := e.svc.RemovePublicKey(ctx, "alice", keys[0].Fingerprint); !r.Is(apperr.ErrForbidden) {
		t.Fatalf("last credential must stay, got %+v", r)
	}

	line2, _ := newAuthorizedKey(t, "second")
	if r := e.svc.AddPublicKey(ctx, "alice", line2, "backup"); !r.OK {
		t.Fatalf("AddPublicKey: %+v", r)
	}
	if r := e.svc.RemovePublicKey(ctx, "alice", keys[0].Fingerprint); !r.OK {
		t.Fatalf("RemovePublicKey: %+v", r)
	}
	if r := e.svc.RemovePublicKey(ctx, "alice", "SHA256:missing"); !r.Is(apperr.ErrForbidden) && !r.Is(apperr.ErrNotFound) {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestRenameAndLevelCascadeToSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	e.add(t, NewUser{Username: "alice", Password: "pw", AccessLevel: 1})
	e.add(t, NewUser{Username: "bob", Password: "pw"})
	sid, _ := e.svc.Login(ctx, "alice", "pw")

	if r := e.svc.ChangeUsername(ctx, "alice", "bob"); !r.Is(apperr.ErrConflict) {
		t.Fatalf("expected taken username, got %+v", r)
	}
	if r := e.svc.ChangeUsername(ctx, "alice", "x"); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid username, got %+v", r)
	}
	if r := e.svc.ChangeUsername(ctx, "alice", "alicia"); !r.OK {
		t.Fatalf("ChangeUsername: %+v", r)
	}
	s, ok := e.sessions.Lookup(sid)
	if !ok || s.Username != "alicia" {
		t.Fatalf("session not renamed: %+v", s)
	}

	if r := e.svc.ChangeAccessLevel(ctx, "alicia", -1); !r.Is(apperr.ErrInvalidInput) {
		t.Fatalf("negative level must be rejected, got %+v", r)
	}
	if r := e.svc.ChangeAccessLevel(ctx, "alicia", db.AdminLevel); !r.OK {
		t.Fatalf("ChangeAccessLevel: %+v", r)
	}
	s, _ = e.sessions.Lookup(sid)
	if s.AccessLevel != db.AdminLevel {
		t.Fatalf("session level not updated: %+v", s)
	}
	users, err := e.svc.ListUsers(ctx)
	if err != nil || len(users) != 2 || users[0].Username != "alicia" || !users[0].IsAdmin() {
		t.Fatalf("unexpected users %+v %v", users, err)
	}
}

func TestAddUserKeyConflictLeavesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	line, _ := newAuthorizedKey(t, "shared")
	e.add(t, NewUser{Username: "first", AuthorizedKey: line})

	id, r := e.svc.AddUser(ctx, NewUser{Username: "second", AuthorizedKey: line})
	if !r.Is(apperr.ErrConflict) || id != "" {
		t.Fatalf("expected key conflict, got id=%q %+v", id, r)
	}
	if _, ok, err := e.db.GetUserByUsername(ctx, "second"); err != nil || ok {
		t.Fatalf("no user may be left behind: ok=%v err=%v", ok, err)
	}
	entries, err := os.ReadDir(e.store.Root())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("only the first home should exist, got %d entries", len(entries))
	}
	// The name stays free.
	e.add(t, NewUser{Username: "second", Password: "pw"})
}
