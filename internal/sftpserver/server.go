package sftpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"vaporous/internal/account"
	"vaporous/internal/db"
	"vaporous/internal/jailfs"
	"vaporous/internal/logging"
)

type Options struct {
	Addr        string
	Accounts    *account.Service
	UploadDir   string
	Index       jailfs.Observer
	HostKeyPath string
	Logger      *slog.Logger
}

var errInvalidCredentials = errors.New("invalid credentials")

func permissions(u *db.User) *ssh.Permissions {
	return &ssh.Permissions{Extensions: map[string]string{"user_id": u.ID, "username": u.Username}}
}

// ServerConfig builds the ssh configuration with password and public key
// authentication against the account service.
func ServerConfig(ctx context.Context, opt Options) (*ssh.ServerConfig, error) {
	hostSigner, err := loadSigner(opt.HostKeyPath)
	if err != nil {
		return nil, err
	}
	conf := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			u, ok := opt.Accounts.Authenticate(ctx, c.User(), string(pass))
			if !ok {
				return nil, errInvalidCredentials
			}
			return permissions(u), nil
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			u, ok := opt.Accounts.AuthenticateKey(ctx, c.User(), key)
			if !ok {
				return nil, errInvalidCredentials
			}
			return permissions(u), nil
		},
	}
	conf.AddHostKey(hostSigner)
	return conf, nil
}

func ListenAndServe(ctx context.Context, opt Options) error {
	if opt.Accounts == nil {
		return errors.New("account service is required")
	}
	if opt.Addr == "" {
		return errors.New("addr is required")
	}
	if opt.HostKeyPath == "" {
		return errors.New("host key path is required")
	}
	if opt.UploadDir == "" {
		return errors.New("upload directory is required")
	}

	conf, err := ServerConfig(ctx, opt)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", opt.Addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, conf, opt)
}

// Serve accepts connections on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, conf *ssh.ServerConfig, opt Options) error {
	defer ln.Close()
	lg := logging.OrDefault(opt.Logger)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go handleConn(ctx, conf, c, opt, lg)
	}
}

func handleConn(ctx context.Context, conf *ssh.ServerConfig, netConn net.Conn, opt Options, lg *slog.Logger) {
	defer netConn.Close()
	_ = netConn.SetDeadline(time.Now().Add(30 * time.Second))
	serverConn, chans, reqs, err := ssh.NewServerConn(netConn, conf)
	if err != nil {
		lg.Debug("ssh handshake failed", "remote", netConn.RemoteAddr().String(), "err", err)
		return
	}
	defer serverConn.Close()
	_ = netConn.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)

	userID := serverConn.Permissions.Extensions["user_id"]
	username := serverConn.Permissions.Extensions["username"]
	lg.Info("sftp login", "username", username, "remote", netConn.RemoteAddr().String())

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range reqs {
				if req.Type == "subsystem" && len(req.Payload) >= 4 && string(req.Payload[4:]) == "sftp" {
					_ = req.Reply(true, nil)
					h := Handlers{FS: jailfs.New(opt.UploadDir, userID, opt.Index).WithContext(ctx)}
					s := sftp.NewRequestServer(ch, sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h})
					if err := s.Serve(); err != nil && !errors.Is(err, os.ErrClosed) {
						lg.Debug("sftp session ended", "username", username, "err", err)
					}
					return
				}
				_ = req.Reply(false, nil)
			}
		}()
	}
}

func loadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}
