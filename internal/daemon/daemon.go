// Package daemon assembles the record store, file store, share index,
// session table and account service from a loaded config, and runs the
// HTTP and SSH front ends on top of them.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"vaporous/internal/account"
	"vaporous/internal/config"
	"vaporous/internal/db"
	"vaporous/internal/httpapi"
	"vaporous/internal/logging"
	"vaporous/internal/session"
	"vaporous/internal/sftpserver"
	"vaporous/internal/share"
	"vaporous/internal/storage"
	"vaporous/internal/webdavserver"
)

// Core is the wired service graph. The CLI user commands use it without the
// network front ends.
type Core struct {
	DB       *db.DB
	Store    *storage.Store
	Shares   *share.Manager
	Sessions *session.Manager
	Accounts *account.Service
}

// Open opens the database and builds the services. The caller must Close it.
func Open(ctx context.Context, c config.Config, lg *slog.Logger) (*Core, error) {
	lg = logging.OrDefault(lg)
	d, err := db.Open(ctx, c.DB.Path)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(storage.Options{
		UploadDir:         c.UploadDirectory,
		PublicDir:         c.Public.Directory,
		PublicAccessLevel: c.Public.AccessLevel,
		Protected:         c.Public.Protected,
		Logger:            lg,
	})
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	shares := share.New(d, store, share.Options{Logger: lg})
	store.SetIndex(shares)
	sessions := session.New(d, session.Options{
		TTL:           c.Session.TTL,
		SweepInterval: c.Session.SweepInterval,
		Logger:        lg,
	})
	accounts := account.New(d, store, sessions, account.Options{
		SingleSession: c.Session.SingleSession,
		Enrollment: account.Enrollment{
			Enabled:            c.Enrollment.Enabled,
			Passcode:           c.Enrollment.Passcode,
			DefaultAccessLevel: c.Enrollment.DefaultAccessLevel,
		},
		Logger: lg,
	})
	return &Core{DB: d, Store: store, Shares: shares, Sessions: sessions, Accounts: accounts}, nil
}

func (c *Core) Close() error {
	c.Sessions.Stop()
	c.Store.Close()
	return c.DB.Close()
}

// Run serves until ctx is done or a listener fails.
func Run(ctx context.Context, c config.Config, lg *slog.Logger) error {
	lg = logging.OrDefault(lg)
	core, err := Open(ctx, c, lg)
	if err != nil {
		return err
	}
	defer core.Close()

	initialized, err := core.DB.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !initialized {
		return errors.New("not initialized; run setup")
	}

	certPath, keyPath := c.HTTP.TLS.CertPath, c.HTTP.TLS.KeyPath
	if certPath == "" && keyPath == "" {
		if certPath, keyPath, err = storedTLS(ctx, core.DB); err != nil {
			return err
		}
	}

	hostKey := c.SSH.HostKeyPath
	if c.SSH.Enable && hostKey == "" {
		v, ok, err := core.DB.GetConfig(ctx, "ssh_host_key_path")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("missing ssh host key config; run setup")
		}
		hostKey = v
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	core.Sessions.Start(ctx)

	api := &httpapi.Server{
		Accounts:            core.Accounts,
		Store:               core.Store,
		Shares:              core.Shares,
		Logger:              lg,
		BindAddr:            c.HTTP.Bind,
		Port:                c.HTTP.Port,
		CertPath:            certPath,
		KeyPath:             keyPath,
		PublicRequiresLogin: c.Public.RequiresLogin,
		MaxUploadBytes:      int64(c.Upload.MaxMB) << 20,
		CompressionLevel:    c.Upload.CompressionLevel,
		AdminAllow:          c.HTTP.AdminAllow,
	}
	if c.WebDAV.Enable {
		prefix := "/" + strings.Trim(c.WebDAV.Prefix, "/")
		api.WebDAVPrefix = prefix
		dav := &webdavserver.Handler{
			Accounts:  core.Accounts,
			UploadDir: c.UploadDirectory,
			Index:     core.Shares,
			Prefix:    prefix,
			Logger:    lg,
		}
		core.Accounts.OnRemove(dav.Forget)
		api.WebDAV = dav
	}

	errCh := make(chan error, 2)
	go func() { errCh <- api.ListenAndServe(ctx) }()
	lg.Info("http listening", "addr", config.Addr(c.HTTP.Bind, c.HTTP.Port), "tls", certPath != "", "webdav", c.WebDAV.Enable)

	running := 1
	if c.SSH.Enable {
		addr := config.Addr(c.SSH.Bind, c.SSH.Port)
		go func() {
			errCh <- sftpserver.ListenAndServe(ctx, sftpserver.Options{
				Addr:        addr,
				Accounts:    core.Accounts,
				UploadDir:   c.UploadDirectory,
				Index:       core.Shares,
				HostKeyPath: hostKey,
				Logger:      lg,
			})
		}()
		running++
		lg.Info("sftp listening", "addr", addr)
	}

	// The first listener to return ends the daemon; the rest are drained
	// after cancel so they close their sockets.
	err = <-errCh
	cancel()
	for i := 1; i < running; i++ {
		if e := <-errCh; err == nil {
			err = e
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("stopped")
	return nil
}

// storedTLS returns the pair written by setup, or empty strings for plain
// HTTP when setup recorded none.
func storedTLS(ctx context.Context, d *db.DB) (string, string, error) {
	cert, okCert, err := d.GetConfig(ctx, "tls_cert_path")
	if err != nil {
		return "", "", err
	}
	key, okKey, err := d.GetConfig(ctx, "tls_key_path")
	if err != nil {
		return "", "", err
	}
	if okCert != okKey {
		return "", "", errors.New("incomplete tls config in database; run setup")
	}
	return cert, key, nil
}
