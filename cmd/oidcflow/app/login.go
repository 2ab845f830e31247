// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oidcflow/oidcflow/pkg/flow"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in through the system browser",
		Long: `Run the authorization code flow with PKCE: discover the provider, open the
authorization URL in the system browser, and receive the callback on a local
loopback listener. The resulting tokens are stored for later commands.`,
		RunE: runLogin,
	}
	cmd.Flags().Duration("timeout", 5*time.Minute, "How long to wait for the browser login")
	cmd.Flags().String("login-hint", "", "Pre-fill the provider's login form")
	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	loginHint, err := cmd.Flags().GetString("login-hint")
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, timeout)
	defer cancel()

	if err := discoverFirst(ctx, e); err != nil {
		return err
	}

	if err := e.InitLoginFlowInPopup(ctx, flow.LoginOptions{LoginHint: loginHint}); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	claims, err := e.Store().IdentityClaims()
	if err != nil {
		return err
	}
	if sub, ok := claims["sub"].(string); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", sub)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Logged in")
	}
	return nil
}
