// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-sed is a Matrix bot that answers sed-style substitution
// commands ("s/teh/the/") with the corrected message.
package main

import (
	"fmt"
	"os"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	rootCmd := runCmd()
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime)
	rootCmd.AddCommand(exampleConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
