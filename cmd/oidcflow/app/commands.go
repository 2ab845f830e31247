// SPDX-FileCopyrightText: Copyright 2025 The oidcflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the oidcflow command-line
// application.
package app

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oidcflow/oidcflow/pkg/config"
	"github.com/oidcflow/oidcflow/pkg/engine"
	"github.com/oidcflow/oidcflow/pkg/events"
	"github.com/oidcflow/oidcflow/pkg/host"
	"github.com/oidcflow/oidcflow/pkg/logger"
	"github.com/oidcflow/oidcflow/pkg/networking"
	"github.com/oidcflow/oidcflow/pkg/store"
)

// keyringService namespaces the token entries in the OS keyring.
const keyringService = "oidcflow"

var rootCmd = &cobra.Command{
	Use:               "oidcflow",
	DisableAutoGenTag: true,
	Short:             "oidcflow is an OAuth2/OIDC token lifecycle client",
	Long: `oidcflow drives the full OAuth2/OIDC token lifecycle from the command line:
provider discovery, browser-based login with PKCE, token refresh, userinfo,
revocation, and logout. Tokens are kept in the OS keyring so they survive
between invocations.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the oidcflow CLI.
func NewRootCmd() *cobra.Command {
	flags := rootCmd.PersistentFlags()
	flags.Bool("debug", false, "Enable debug mode")
	flags.String("issuer", "", "Issuer URL of the authorization server")
	flags.String("client-id", "", "OAuth2 client ID")
	flags.String("client-secret", "", "OAuth2 client secret (omit for public clients)")
	flags.String("scope", "", "Requested scopes, space separated")
	flags.Bool("insecure-allow-http", false, "Allow plain HTTP endpoints beyond localhost")
	flags.Bool("memory-store", false, "Keep tokens in memory instead of the OS keyring")

	for _, name := range []string{
		"debug", "issuer", "client-id", "client-secret", "scope",
		"insecure-allow-http", "memory-store",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newUserinfoCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLogoutCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

// buildEngine constructs the engine from the persistent flags, with the
// loopback host and the keyring token store.
func buildEngine() (*engine.Engine, error) {
	cfg := config.Config{
		Issuer:       viper.GetString("issuer"),
		ClientID:     viper.GetString("client-id"),
		ClientSecret: viper.GetString("client-secret"),
		Scope:        viper.GetString("scope"),
		ResponseType: "code",
	}
	if viper.GetBool("insecure-allow-http") {
		cfg.HTTPSPolicy = networking.PolicyNone
	}

	var backend store.Backend = store.NewKeyring(keyringService)
	if viper.GetBool("memory-store") {
		backend = store.NewMemory()
	}

	e, err := engine.New(cfg,
		engine.WithBackend(backend),
		engine.WithEnvironment(&host.LoopbackEnvironment{}),
	)
	if err != nil {
		return nil, err
	}

	go logEvents(e.Events().Subscribe())
	return e, nil
}

// logEvents mirrors lifecycle events onto the log until the bus closes.
func logEvents(sub *events.Subscription) {
	for event := range sub.C {
		switch typed := event.(type) {
		case events.Error:
			logger.Warnf("event %s: %v", typed.Type, typed.Reason)
		default:
			logger.Debugf("event %s", event.EventType())
		}
	}
}

// discoverFirst loads the discovery document before running an operation
// that needs endpoints.
func discoverFirst(ctx context.Context, e *engine.Engine) error {
	_, err := e.LoadDiscoveryDocument(ctx, "")
	return err
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
