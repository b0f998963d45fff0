package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PasswordEnv is read by ResolvePassword when asked to.
const PasswordEnv = "VAPOROUS_PASSWORD"

var errPasswordMismatch = errors.New("passwords do not match")

// ResolvePassword picks the password from a flag value, the environment or
// an interactive prompt, in that order of preference. flagValue and fromEnv
// are mutually exclusive.
func ResolvePassword(label, flagValue string, fromEnv bool) (string, error) {
	if flagValue != "" && fromEnv {
		return "", errors.New("choose one of -password or -password-env")
	}
	if fromEnv {
		v := strings.TrimSpace(os.Getenv(PasswordEnv))
		if v == "" {
			return "", fmt.Errorf("%s is empty", PasswordEnv)
		}
		return v, nil
	}
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, nil
	}
	return PromptPassword(label)
}

// PromptPassword asks twice on stderr. Echo is suppressed on terminals;
// piped input is read line by line.
func PromptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	var read func() (string, error)
	if term.IsTerminal(fd) {
		read = func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stderr)
			return string(b), err
		}
	} else {
		r := bufio.NewReader(os.Stdin)
		read = func() (string, error) {
			line, err := r.ReadString('\n')
			if err == io.EOF && line != "" {
				err = nil
			}
			return line, err
		}
	}
	for {
		fmt.Fprintf(os.Stderr, "%s: ", label)
		p1, err := read()
		if err != nil {
			return "", err
		}
		fmt.Fprint(os.Stderr, "Confirm password: ")
		p2, err := read()
		if err != nil {
			return "", err
		}
		p, err := confirmPassword(p1, p2)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		return p, nil
	}
}

func confirmPassword(p1, p2 string) (string, error) {
	p1, p2 = strings.TrimSpace(p1), strings.TrimSpace(p2)
	if p1 == "" {
		return "", errors.New("password cannot be empty")
	}
	if p1 != p2 {
		return "", errPasswordMismatch
	}
	return p1, nil
}
