// Command vaporous is the server and administration binary.
package main

import (
	"fmt"
	"os"

	"vaporous/internal/cmd/server"
	"vaporous/internal/cmd/setup"
	"vaporous/internal/cmd/user"
	"vaporous/internal/version"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// run dispatches argv[1] to its subcommand.
func run(argv []string) error {
	if len(argv) < 2 {
		usage()
		return fmt.Errorf("missing subcommand")
	}

	switch argv[1] {
	case "setup":
		return setup.Run(argv[2:])
	case "server":
		return server.Run(argv[2:])
	case "user":
		return user.Run(argv[2:])
	case "version":
		fmt.Println(version.Version)
		return nil
	case "-h", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown subcommand: %s", argv[1])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "vaporous <setup|server|user|version> [flags]")
}
