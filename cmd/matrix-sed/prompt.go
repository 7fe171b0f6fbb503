// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/aiku/matrix-sed/pkg/sedbot"
)

var errNoTerminal = errors.New("no password configured and stdin is not a terminal")

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// terminalPrompt reads the password from the controlling terminal without
// echoing it.
func terminalPrompt(username string) sedbot.PasswordPrompt {
	return func(ctx context.Context) (string, error) {
		if !isTerminal(os.Stdin) {
			return "", errNoTerminal
		}
		type result struct {
			password []byte
			err      error
		}
		done := make(chan result, 1)
		fmt.Fprintf(os.Stderr, "Password for %s: ", username)
		go func() {
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			done <- result{password, err}
		}()
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return "", ctx.Err()
		case res := <-done:
			fmt.Fprintln(os.Stderr)
			if res.err != nil {
				return "", fmt.Errorf("failed to read password: %w", res.err)
			}
			return string(res.password), nil
		}
	}
}
