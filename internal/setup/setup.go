// Package setup prepares a fresh installation: directories, database, the
// first administrator, a self-signed TLS pair and the SSH host key.
package setup

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"vaporous/internal/account"
	"vaporous/internal/config"
	"vaporous/internal/daemon"
	"vaporous/internal/db"
	"vaporous/internal/logging"
)

type Options struct {
	Config        config.Config
	AdminUsername string
	// AdminPassword skips the prompt when set.
	AdminPassword string
	// NoTLS leaves the HTTP listener on plain HTTP unless the config names
	// a pair.
	NoTLS  bool
	Logger *slog.Logger
}

func Run(ctx context.Context, opt Options) error {
	c := opt.Config
	lg := logging.OrDefault(opt.Logger)
	if opt.AdminUsername == "" {
		return errors.New("admin username is required")
	}
	for _, dir := range []string{c.DataDir, filepath.Dir(c.DB.Path)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(c.UploadDirectory, 0o755); err != nil {
		return err
	}
	if c.Public.Directory != "" {
		if err := os.MkdirAll(filepath.Join(c.UploadDirectory, c.Public.Directory), 0o755); err != nil {
			return err
		}
	}

	core, err := daemon.Open(ctx, c, lg)
	if err != nil {
		return err
	}
	defer core.Close()
	_ = os.Chmod(c.DB.Path, 0o600)

	initialized, err := core.DB.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if initialized {
		return errors.New("already initialized")
	}

	pass := opt.AdminPassword
	if pass == "" {
		if pass, err = PromptPassword(fmt.Sprintf("Set password for %s", opt.AdminUsername)); err != nil {
			return err
		}
	}
	if _, res := core.Accounts.AddUser(ctx, account.NewUser{
		Username:    opt.AdminUsername,
		Password:    pass,
		AccessLevel: db.AdminLevel,
	}); !res.OK {
		return fmt.Errorf("create admin: %s", res.Message)
	}

	if !opt.NoTLS && c.HTTP.TLS.CertPath == "" {
		certPath := filepath.Join(c.DataDir, "tls.crt")
		keyPath := filepath.Join(c.DataDir, "tls.key")
		if err := ensureTLSCert(certPath, keyPath); err != nil {
			return err
		}
		if err := core.DB.SetConfig(ctx, "tls_cert_path", certPath); err != nil {
			return err
		}
		if err := core.DB.SetConfig(ctx, "tls_key_path", keyPath); err != nil {
			return err
		}
		lg.Info("generated tls certificate", "path", certPath)
	}

	if c.SSH.HostKeyPath == "" {
		hostKey := filepath.Join(c.DataDir, "ssh_host_ed25519")
		if err := ensureSSHHostKey(hostKey); err != nil {
			return err
		}
		if err := core.DB.SetConfig(ctx, "ssh_host_key_path", hostKey); err != nil {
			return err
		}
		lg.Info("generated ssh host key", "path", hostKey)
	}

	return core.DB.SetInitialized(ctx)
}

func ensureTLSCert(certPath, keyPath string) error {
	if fileExists(certPath) && fileExists(keyPath) {
		_, err := tls.LoadX509KeyPair(certPath, keyPath)
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "vaporous"},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(3650 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return err
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	if err := writePEM(certPath, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return err
	}
	if err := writePEM(keyPath, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}); err != nil {
		return err
	}
	_, err = tls.LoadX509KeyPair(certPath, keyPath)
	return err
}

func ensureSSHHostKey(path string) error {
	if fileExists(path) {
		_, err := loadSSHSigner(path)
		return err
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	block, err := ssh.MarshalPrivateKey(priv, "vaporous host key")
	if err != nil {
		return err
	}
	if err := writePEM(path, block); err != nil {
		return err
	}
	_, err = loadSSHSigner(path)
	return err
}

func writePEM(path string, b *pem.Block) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(b), 0o600)
}

func loadSSHSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
