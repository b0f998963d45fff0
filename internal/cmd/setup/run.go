// Package setup implements the "vaporous setup" subcommand.
package setup

import (
	"context"
	"flag"

	"vaporous/internal/config"
	"vaporous/internal/logging"
	isetup "vaporous/internal/setup"
)

type Options struct {
	ConfigPath       string
	AdminUsername    string
	AdminPassword    string
	AdminPasswordEnv bool
	NoTLS            bool
}

func Run(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	var opt Options
	fs.StringVar(&opt.ConfigPath, "config", "./vaporous.yaml", "path to vaporous.yaml")
	fs.StringVar(&opt.AdminUsername, "admin", "admin", "username of the first administrator")
	fs.StringVar(&opt.AdminPassword, "password", "", "admin password (prompted when empty)")
	fs.BoolVar(&opt.AdminPasswordEnv, "password-env", false, "read admin password from "+isetup.PasswordEnv)
	fs.BoolVar(&opt.NoTLS, "no-tls", false, "do not generate a self-signed TLS certificate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := config.Read(opt.ConfigPath)
	if err != nil {
		return err
	}
	lg, _, err := logging.New(logging.Options{Level: c.Log.Level, JSON: c.Log.JSON})
	if err != nil {
		return err
	}
	pass := ""
	if opt.AdminPassword != "" || opt.AdminPasswordEnv {
		if pass, err = isetup.ResolvePassword("", opt.AdminPassword, opt.AdminPasswordEnv); err != nil {
			return err
		}
	}
	return isetup.Run(context.Background(), isetup.Options{
		Config:        c,
		AdminUsername: opt.AdminUsername,
		AdminPassword: pass,
		NoTLS:         opt.NoTLS,
		Logger:        lg,
	})
}
