// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored refresh token for fresh tokens",
		RunE:  runRefresh,
	}
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, 30*time.Second)
	defer cancel()

	if err := discoverFirst(ctx, e); err != nil {
		return err
	}
	if err := e.RefreshToken(ctx); err != nil {
		return err
	}

	if expiry, ok := e.Store().AccessTokenExpiration(); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "Access token refreshed, valid until %s\n",
			expiry.Format(time.RFC3339))
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Access token refreshed")
	}
	return nil
}
