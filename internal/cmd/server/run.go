// Package server implements the "vaporous server" subcommand.
package server

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"vaporous/internal/config"
	"vaporous/internal/daemon"
	"vaporous/internal/logging"
	"vaporous/internal/version"
)

type Options struct {
	ConfigPath string
	// LogLevel overrides log.level from the config file when set.
	LogLevel string
	LogJSON  bool
}

func Run(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var opt Options
	var showVersion bool
	fs.StringVar(&opt.ConfigPath, "config", "./vaporous.yaml", "path to vaporous.yaml")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&opt.LogLevel, "log-level", "", "log level: debug|info|warning|error (overrides config)")
	fs.BoolVar(&opt.LogJSON, "log-json", false, "log as JSON (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("vaporous server %s\n", version.Version)
		return nil
	}

	c, err := config.Load(opt.ConfigPath)
	if err != nil {
		return err
	}
	level := c.Log.Level
	if strings.TrimSpace(opt.LogLevel) != "" {
		level = opt.LogLevel
	}
	lg, _, err := logging.New(logging.Options{Level: level, JSON: c.Log.JSON || opt.LogJSON, DefaultSlog: true})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	lg.Info("starting", "version", version.Version, "config", opt.ConfigPath)
	return daemon.Run(ctx, c, lg)
}
