package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/kvarchive/vefs"
)

// archiveOptions is the flag set every commandlet shares: which archive to
// operate on and how to obtain its key. Exactly one of rawKey/password may
// be supplied, mirroring the original CLI's single key-provider rule.
type archiveOptions struct {
	path     string
	rawKey   string
	password bool
}

func (o *archiveOptions) resolvePRK() ([32]byte, error) {
	var prk [32]byte

	haveKey := o.rawKey != ""
	if haveKey == o.password {
		if !haveKey {
			return prk, fmt.Errorf("you need to specify exactly one key provider: --key or --password")
		}
		return prk, fmt.Errorf("you must not specify more than one key provider")
	}

	if haveKey {
		decoded, err := base64.StdEncoding.DecodeString(o.rawKey)
		if err != nil {
			return prk, fmt.Errorf("--key is not valid base64: %w", err)
		}
		if len(decoded) != len(prk) {
			return prk, fmt.Errorf("--key must decode to %d bytes, got %d", len(prk), len(decoded))
		}
		copy(prk[:], decoded)
		return prk, nil
	}

	passphrase, err := readPassphrase()
	if err != nil {
		return prk, err
	}
	return vefs.DerivePRKFromPassphrase(passphrase), nil
}

// readPassphrase prompts for a passphrase on the controlling terminal with
// echo disabled, falling back to a plain line read from stdin when stdin
// isn't a terminal (e.g. piped input in scripts/tests).
func readPassphrase() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}

	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return line, nil
}
