// Package config loads and validates the Vaporous YAML configuration.
// Defaults are applied before validation so the daemon can rely on fully
// populated values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=trace debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type DBConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type PublicConfig struct {
	// Directory is a folder name under the upload directory. Empty disables
	// the public area.
	Directory     string   `yaml:"directory" validate:"excludesall=/\\"`
	AccessLevel   int      `yaml:"access_level" validate:"gte=-1"`
	RequiresLogin bool     `yaml:"requires_login"`
	Protected     []string `yaml:"protected" validate:"dive,required"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl" validate:"gte=1m"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=1s"`
	SingleSession bool          `yaml:"single_session"`
}

type EnrollmentConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Passcode           string `yaml:"passcode"`
	DefaultAccessLevel int    `yaml:"default_access_level" validate:"gte=0"`
}

type UploadConfig struct {
	MaxMB int `yaml:"max_mb" validate:"min=1,max=102400"`
	// CompressionLevel above zero stores uploads zstd-compressed.
	CompressionLevel int `yaml:"compression_level" validate:"min=0,max=22"`
}

// TLSConfig falls back to the pair generated by setup when both paths are
// empty.
type TLSConfig struct {
	CertPath string `yaml:"cert_path" validate:"required_with=KeyPath"`
	KeyPath  string `yaml:"key_path" validate:"required_with=CertPath"`
}

type HTTPConfig struct {
	Bind       string    `yaml:"bind"`
	Port       int       `yaml:"port" validate:"min=1,max=65535"`
	TLS        TLSConfig `yaml:"tls"`
	AdminAllow []string  `yaml:"admin_allow" validate:"dive,cidr|ip"`
}

type SSHConfig struct {
	Enable      bool   `yaml:"enable"`
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port" validate:"min=1,max=65535"`
	// HostKeyPath falls back to the key generated by setup.
	HostKeyPath string `yaml:"host_key_path"`
}

type WebDAVConfig struct {
	Enable bool   `yaml:"enable"`
	Prefix string `yaml:"prefix" validate:"startswith=/"`
}

// Config mirrors the vaporous.yaml schema.
type Config struct {
	Log             LogConfig        `yaml:"log"`
	DB              DBConfig         `yaml:"db"`
	DataDir         string           `yaml:"data_dir" validate:"required"`
	UploadDirectory string           `yaml:"upload_directory" validate:"required"`
	Public          PublicConfig     `yaml:"public"`
	Session         SessionConfig    `yaml:"session"`
	Enrollment      EnrollmentConfig `yaml:"enrollment"`
	Upload          UploadConfig     `yaml:"upload"`
	HTTP            HTTPConfig       `yaml:"http"`
	SSH             SSHConfig        `yaml:"ssh"`
	WebDAV          WebDAVConfig     `yaml:"webdav"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Log:             LogConfig{Level: "info"},
		DB:              DBConfig{Path: "./data/vaporous.db"},
		DataDir:         "./data",
		UploadDirectory: "./uploads",
		Public:          PublicConfig{AccessLevel: -1, RequiresLogin: true},
		Session:         SessionConfig{TTL: 72 * time.Hour, SweepInterval: 10 * time.Hour, SingleSession: true},
		Enrollment:      EnrollmentConfig{DefaultAccessLevel: 1},
		Upload:          UploadConfig{MaxMB: 512},
		HTTP:            HTTPConfig{Bind: "127.0.0.1", Port: 8080},
		SSH:             SSHConfig{Port: 2022},
		WebDAV:          WebDAVConfig{Prefix: "/webdav"},
	}
}

// Load reads a YAML config file, applies defaults, resolves relative paths
// against the file's directory and validates the result. The upload
// directory must already exist.
func Load(path string) (Config, error) {
	c, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if st, err := os.Stat(c.UploadDirectory); err != nil || !st.IsDir() {
		return Config{}, fmt.Errorf("upload_directory %q does not exist", c.UploadDirectory)
	}
	return c, nil
}

// Read is Load without the filesystem check. Setup uses it before the
// directories exist.
func Read(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, err
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Config{}, err
	}
	c.resolvePaths(dir)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Parse decodes YAML over Default and fills blank strings back in. It does
// not validate.
func Parse(b []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	applyDefaults(&c)
	return c, nil
}

// applyDefaults restores defaults for values set to blank in the file.
func applyDefaults(c *Config) {
	d := Default()
	trim := func(p *string, def string) {
		*p = strings.TrimSpace(*p)
		if *p == "" {
			*p = def
		}
	}
	trim(&c.Log.Level, d.Log.Level)
	c.Log.Level = strings.ToLower(c.Log.Level)
	trim(&c.DB.Path, d.DB.Path)
	trim(&c.DataDir, d.DataDir)
	trim(&c.UploadDirectory, d.UploadDirectory)
	trim(&c.HTTP.Bind, d.HTTP.Bind)
	trim(&c.SSH.Bind, c.HTTP.Bind)
	trim(&c.WebDAV.Prefix, d.WebDAV.Prefix)
	c.Public.Directory = strings.Trim(strings.TrimSpace(c.Public.Directory), "/")
	c.HTTP.TLS.CertPath = strings.TrimSpace(c.HTTP.TLS.CertPath)
	c.HTTP.TLS.KeyPath = strings.TrimSpace(c.HTTP.TLS.KeyPath)
	c.SSH.HostKeyPath = strings.TrimSpace(c.SSH.HostKeyPath)
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	abs(&c.DB.Path)
	abs(&c.DataDir)
	abs(&c.UploadDirectory)
	abs(&c.HTTP.TLS.CertPath)
	abs(&c.HTTP.TLS.KeyPath)
	abs(&c.SSH.HostKeyPath)
}

var structValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks field rules and cross-field constraints.
func (c Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldError(fe))
			}
			return errors.New("invalid config: " + strings.Join(msgs, "; "))
		}
		return err
	}
	if c.SSH.Enable && c.SSH.Bind == c.HTTP.Bind && c.SSH.Port == c.HTTP.Port {
		return errors.New("ssh and http cannot listen on the same address")
	}
	if c.WebDAV.Enable {
		p := "/" + strings.Trim(c.WebDAV.Prefix, "/")
		for _, reserved := range []string{"/", "/api", "/s", "/collab"} {
			if p == reserved {
				return fmt.Errorf("webdav.prefix %q collides with a built-in route", c.WebDAV.Prefix)
			}
		}
	}
	return nil
}

// fieldError renders "public.access_level: gte=-1" style messages.
func fieldError(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return ns + ": " + fe.Tag() + "=" + fe.Param()
	}
	return ns + ": " + fe.Tag()
}

// Addr joins a bind address and port.
func Addr(bind string, port int) string {
	return fmt.Sprintf("%s:%d", bind, port)
}
