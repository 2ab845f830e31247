// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored tokens and their validity",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if !e.HasValidAccessToken() && e.Store().AccessToken() == "" {
		fmt.Fprintln(out, "Not logged in")
		return nil
	}

	fmt.Fprintf(out, "Access token valid: %t\n", e.HasValidAccessToken())
	if expiry, ok := e.Store().AccessTokenExpiration(); ok {
		fmt.Fprintf(out, "Access token expires: %s\n", expiry.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "ID token valid: %t\n", e.HasValidIDToken())
	if scopes := e.Store().GrantedScopes(); len(scopes) > 0 {
		fmt.Fprintf(out, "Granted scopes: %s\n", strings.Join(scopes, " "))
	}
	fmt.Fprintf(out, "Refresh token stored: %t\n", e.Store().RefreshToken() != "")

	claims, err := e.Store().IdentityClaims()
	if err != nil {
		return err
	}
	if sub, ok := claims["sub"].(string); ok {
		fmt.Fprintf(out, "Subject: %s\n", sub)
	}
	return nil
}
