// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Load and print the provider's discovery document",
		Long: `Fetch the OpenID Connect discovery document from the configured issuer,
validate it, and print the endpoints that would be used.`,
		RunE: runDiscover,
	}
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, 30*time.Second)
	defer cancel()

	doc, err := e.LoadDiscoveryDocument(ctx, "")
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
