// Package user implements "vaporous user", the offline account control
// panel. It works on the database directly and does not need the server.
package user

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"vaporous/internal/account"
	"vaporous/internal/config"
	"vaporous/internal/daemon"
	"vaporous/internal/logging"
	isetup "vaporous/internal/setup"
)

const usageLine = "vaporous user <add|passwd|rename|level|list|del> [flags] [args]"

// Run dispatches to the user subcommand named by args[0].
func Run(args []string) error {
	return run(context.Background(), args, os.Stdout)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usageLine)
		return errors.New("missing user subcommand")
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("user "+sub, flag.ContinueOnError)
	configPath := fs.String("config", "./vaporous.yaml", "path to vaporous.yaml")
	password := fs.String("password", "", "password (prompted when empty)")
	passwordEnv := fs.Bool("password-env", false, "read password from "+isetup.PasswordEnv)
	level := fs.Int("level", 1, "access level for add")
	key := fs.String("key", "", "authorized_keys line for add")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()

	want := map[string]int{"add": 1, "passwd": 1, "rename": 2, "level": 2, "list": 0, "del": 1}
	n, ok := want[sub]
	if !ok {
		fmt.Fprintln(os.Stderr, usageLine)
		return fmt.Errorf("unknown user subcommand: %s", sub)
	}
	if len(rest) != n {
		return fmt.Errorf("user %s expects %d argument(s)", sub, n)
	}

	c, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	core, err := daemon.Open(ctx, c, logging.Discard())
	if err != nil {
		return err
	}
	defer core.Close()
	accts := core.Accounts

	switch sub {
	case "add":
		pass := ""
		if *key == "" || *password != "" || *passwordEnv {
			if pass, err = isetup.ResolvePassword("Password for "+rest[0], *password, *passwordEnv); err != nil {
				return err
			}
		}
		id, res := accts.AddUser(ctx, account.NewUser{Username: rest[0], Password: pass, AuthorizedKey: *key, AccessLevel: *level})
		if err := report(out, res.OK, res.Message); err != nil {
			return err
		}
		fmt.Fprintln(out, id)
		return nil
	case "passwd":
		pass, err := isetup.ResolvePassword("New password for "+rest[0], *password, *passwordEnv)
		if err != nil {
			return err
		}
		res := accts.ChangePassword(ctx, rest[0], pass, nil)
		return report(out, res.OK, res.Message)
	case "rename":
		res := accts.ChangeUsername(ctx, rest[0], rest[1])
		return report(out, res.OK, res.Message)
	case "level":
		lvl, err := strconv.Atoi(rest[1])
		if err != nil {
			return fmt.Errorf("invalid level %q", rest[1])
		}
		res := accts.ChangeAccessLevel(ctx, rest[0], lvl)
		return report(out, res.OK, res.Message)
	case "del":
		res := accts.RemoveUser(ctx, rest[0])
		return report(out, res.OK, res.Message)
	default:
		users, err := accts.ListUsers(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USERNAME\tLEVEL\tPASSWORD\tID\tCREATED")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\n", u.Username, u.AccessLevel, u.PassHash != nil, u.ID,
				time.Unix(u.CreatedAt, 0).UTC().Format(time.RFC3339))
		}
		return tw.Flush()
	}
}

func report(out io.Writer, ok bool, msg string) error {
	if !ok {
		return errors.New(msg)
	}
	fmt.Fprintln(out, msg)
	return nil
}
