// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newUserinfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "userinfo",
		Short: "Fetch the userinfo document with the stored access token",
		RunE:  runUserinfo,
	}
}

func runUserinfo(cmd *cobra.Command, _ []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, 30*time.Second)
	defer cancel()

	if err := discoverFirst(ctx, e); err != nil {
		return err
	}

	profile, err := e.LoadUserProfile(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
