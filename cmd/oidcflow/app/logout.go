// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Revoke the stored tokens and clear the token store",
		RunE:  runLogout,
	}
	cmd.Flags().Bool("no-revoke", false, "Clear local state without revoking at the server")
	return cmd
}

func runLogout(cmd *cobra.Command, _ []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}

	noRevoke, err := cmd.Flags().GetBool("no-revoke")
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, 30*time.Second)
	defer cancel()

	if noRevoke {
		if err := e.LogOut(true, ""); err != nil {
			return err
		}
	} else {
		if err := discoverFirst(ctx, e); err != nil {
			return err
		}
		if err := e.RevokeTokenAndLogout(ctx, true); err != nil {
			return err
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}
