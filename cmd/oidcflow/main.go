// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the oidcflow CLI.
package main

import (
	"os"

	"github.com/oidcflow/oidcflow/cmd/oidcflow/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
