// Package share publishes scoped views of a user's home to other people.
package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"vaporous/internal/apperr"
	"vaporous/internal/auth"
	"vaporous/internal/db"
	"vaporous/internal/fsutil"
	"vaporous/internal/logging"
	"vaporous/internal/session"
)

// ErrLoginRequired is returned by Authorize when a visitor without a
// session hits a share that is not anonymous. It wraps apperr.ErrForbidden.
var ErrLoginRequired = fmt.Errorf("%w: login required", apperr.ErrForbidden)

var errNotListed = fmt.Errorf("%w: not on share list", apperr.ErrForbidden)

// Records is the durable share store.
type Records interface {
	CreateShare(ctx context.Context, s db.Share) error
	GetShare(ctx context.Context, id string) (*db.Share, bool, error)
	ListSharesByOwner(ctx context.Context, owner string) ([]db.Share, error)
	DeleteShare(ctx context.Context, id string) (bool, error)
	DeleteSharesUnder(ctx context.Context, p string) (int64, error)
	MoveSharesUnder(ctx context.Context, from, to string) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*db.User, bool, error)
	UsernamesByID(ctx context.Context, ids []string) (map[string]string, error)
}

// Files answers existence questions about a home.
type Files interface {
	Exists(base, p string) (exists, isDir bool, err error)
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type Manager struct {
	records Records
	files   Files
	log     *slog.Logger
	now     func() time.Time
}

func New(records Records, files Files, opt Options) *Manager {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Manager{records: records, files: files, log: logging.OrDefault(opt.Logger), now: opt.Now}
}

type CreateOptions struct {
	Expires         *time.Time
	AnonymousAccess bool
	// Collaborative is ignored for files.
	Collaborative bool
	// Whitelist holds usernames. When non-nil only these users get in.
	Whitelist []string
}

// DefaultCreateOptions is an anonymous, read-only share without expiry.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{AnonymousAccess: true}
}

// Create shares p, relative to the owner's home, and returns the share id.
// p may also carry the stored "<owner id>/..." form.
func (m *Manager) Create(ctx context.Context, ownerID, p string, opt CreateOptions) (string, apperr.Result) {
	rel, err := homeRel(ownerID, p)
	if err != nil {
		return "", apperr.FromError(err)
	}
	if rel == "" {
		return "", apperr.Fail(apperr.ErrInvalidInput, "You cannot share your whole home folder")
	}
	exists, isDir, err := m.files.Exists(ownerID, rel)
	if err != nil {
		return "", apperr.FromError(err)
	}
	if !exists {
		return "", apperr.Fail(apperr.ErrNotFound, "File or folder does not exist")
	}
	if opt.Expires != nil && !opt.Expires.After(m.now()) {
		return "", apperr.Fail(apperr.ErrInvalidInput, "Expiry must be in the future")
	}

	var whitelist []string
	if opt.Whitelist != nil {
		whitelist = make([]string, 0, len(opt.Whitelist))
		for _, name := range opt.Whitelist {
			u, ok, err := m.records.GetUserByUsername(ctx, strings.TrimSpace(name))
			if err != nil {
				return "", apperr.FromError(err)
			}
			if !ok {
				return "", apperr.Failf(apperr.ErrInvalidInput, "Unknown user %q", name)
			}
			whitelist = append(whitelist, u.ID)
		}
	}

	sh := db.Share{
		ID:              auth.NewID(),
		Owner:           ownerID,
		Path:            ownerID + "/" + rel,
		Expires:         opt.Expires,
		AnonymousAccess: opt.AnonymousAccess,
		Collaborative:   opt.Collaborative && isDir,
		Whitelist:       whitelist,
	}
	if err := m.records.CreateShare(ctx, sh); err != nil {
		return "", apperr.FromError(err)
	}
	m.log.Info("share created", "share_id", sh.ID, "owner", ownerID, "collaborative", sh.Collaborative)
	return sh.ID, apperr.OK("Share created")
}

// Resolve returns a live share. Expired shares are reported as missing.
func (m *Manager) Resolve(ctx context.Context, id string) (db.Share, error) {
	if !auth.IsID(id) {
		return db.Share{}, fmt.Errorf("%w: invalid share id", apperr.ErrInvalidInput)
	}
	sh, ok, err := m.records.GetShare(ctx, strings.ToLower(id))
	if err != nil {
		return db.Share{}, err
	}
	if !ok || sh.Expired(m.now()) {
		return db.Share{}, fmt.Errorf("%w: share not found", apperr.ErrNotFound)
	}
	return *sh, nil
}

// Authorize decides whether sess may read sh. sess is nil for anonymous
// visitors. A whitelist, when present, is the only gate.
func (m *Manager) Authorize(sh db.Share, sess *session.Session) error {
	if sh.Whitelist != nil {
		if sess != nil && slices.Contains(sh.Whitelist, sess.UserID) {
			return nil
		}
		return errNotListed
	}
	if sh.AnonymousAccess || sess != nil {
		return nil
	}
	return ErrLoginRequired
}

// Redirect reports whether sh must be viewed through the other route
// family: collaborative shares live under /collab, the rest under /s.
func (m *Manager) Redirect(sh db.Share, collabRoute bool) bool {
	return sh.Collaborative != collabRoute
}

// CanWrite reports whether sess may mutate files inside sh.
func (m *Manager) CanWrite(sh db.Share, sess *session.Session) error {
	if !sh.Collaborative {
		return fmt.Errorf("%w: not a collaborative share", apperr.ErrForbidden)
	}
	return m.Authorize(sh, sess)
}

// Summary is the owner's view of a share.
type Summary struct {
	ID              string     `json:"id"`
	Path            string     `json:"path"`
	Expires         *time.Time `json:"expires,omitempty"`
	AnonymousAccess bool       `json:"anonymous_access"`
	Collaborative   bool       `json:"collaborative"`
	// Whitelist holds usernames; ids of deleted users are dropped.
	Whitelist []string `json:"whitelist,omitempty"`
}

// List returns the shares of ownerID. A non-empty filter keeps only the
// share of that owner-relative path.
func (m *Manager) List(ctx context.Context, ownerID, filter string) ([]Summary, error) {
	want := ""
	if filter != "" {
		rel, err := homeRel(ownerID, filter)
		if err != nil {
			return nil, err
		}
		want = rel
	}
	shares, err := m.records.ListSharesByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, sh := range shares {
		ids = append(ids, sh.Whitelist...)
	}
	names, err := m.records.UsernamesByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(shares))
	for _, sh := range shares {
		rel := strings.TrimPrefix(sh.Path, ownerID+"/")
		if want != "" && rel != want {
			continue
		}
		sum := Summary{
			ID:              sh.ID,
			Path:            rel,
			Expires:         sh.Expires,
			AnonymousAccess: sh.AnonymousAccess,
			Collaborative:   sh.Collaborative,
		}
		if sh.Whitelist != nil {
			sum.Whitelist = []string{}
			for _, id := range sh.Whitelist {
				if n, ok := names[id]; ok {
					sum.Whitelist = append(sum.Whitelist, n)
				}
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

// Delete removes a share of requesterID. Missing and foreign shares fail
// the same way.
func (m *Manager) Delete(ctx context.Context, id, requesterID string) apperr.Result {
	notFound := apperr.Fail(apperr.ErrNotFound, "Share not found")
	if !auth.IsID(id) {
		return notFound
	}
	sh, ok, err := m.records.GetShare(ctx, strings.ToLower(id))
	if err != nil {
		return apperr.FromError(err)
	}
	if !ok || sh.Owner != requesterID {
		return notFound
	}
	if _, err := m.records.DeleteShare(ctx, sh.ID); err != nil {
		return apperr.FromError(err)
	}
	m.log.Info("share deleted", "share_id", sh.ID, "owner", requesterID)
	return apperr.OK("Share deleted")
}

// PathRemoved drops every share at or below rel.
func (m *Manager) PathRemoved(ctx context.Context, rel string) error {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return errors.New("refusing to drop shares for the upload root")
	}
	n, err := m.records.DeleteSharesUnder(ctx, rel)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info("shares removed with path", "path", rel, "count", n)
	}
	return nil
}

// PathMoved rewrites every share at or below oldRel to live under newRel.
func (m *Manager) PathMoved(ctx context.Context, oldRel, newRel string) error {
	oldRel, newRel = strings.Trim(oldRel, "/"), strings.Trim(newRel, "/")
	if oldRel == "" || newRel == "" {
		return errors.New("share paths are required")
	}
	n, err := m.records.MoveSharesUnder(ctx, oldRel, newRel)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info("shares moved with path", "from", oldRel, "to", newRel, "count", n)
	}
	return nil
}

// ownerRel cleans a client path to a home-relative slash path.
// homeRel is ownerRel with a leading owner id component removed, so
// "<owner id>" alone names the home itself.
func homeRel(ownerID, p string) (string, error) {
	rel, err := ownerRel(p)
	if err != nil {
		return "", err
	}
	if rel == ownerID {
		return "", nil
	}
	return strings.TrimPrefix(rel, ownerID+"/"), nil
}

func ownerRel(p string) (string, error) {
	j, err := fsutil.SafeJoin("/", p)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(path.Clean(j), "/"), nil
}
