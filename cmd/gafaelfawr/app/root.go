// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package app implements the gafaelfawr CLI commands.
package app

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
)

// defaultSettingsPath is used when neither the flag nor the environment
// variable names a settings file.
const defaultSettingsPath = "/etc/gafaelfawr/gafaelfawr.yaml"

var settingsPath string

// NewRootCmd creates the root command and its subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gafaelfawr",
		Short: "Authentication and authorization gateway",
		Long: `Gafaelfawr is the authentication and authorization gateway for a
Kubernetes cluster, handling web authentication via an upstream identity
provider and authorization decisions for the ingress.`,
		SilenceUsage: true,
	}

	defaultSettings := os.Getenv(config.SettingsPathEnv)
	if defaultSettings == "" {
		defaultSettings = defaultSettingsPath
	}
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings",
		defaultSettings, "Application settings file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newGenerateKeyCmd())
	rootCmd.AddCommand(newGenerateTokenCmd())

	return rootCmd
}
