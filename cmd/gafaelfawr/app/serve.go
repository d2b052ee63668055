// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/server"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
)

func newServeCmd() *cobra.Command {
	var address string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(
				context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(settingsPath)
			if err != nil {
				return err
			}
			srv, err := server.New(ctx, cfg)
			if err != nil {
				return err
			}
			return srv.Serve(ctx, address)
		},
	}
	serveCmd.Flags().StringVar(&address, "address", ":8080", "Address to listen on")
	return serveCmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the database storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(settingsPath)
			if err != nil {
				return err
			}
			// Opening the database applies any pending migrations.
			db, err := sqlite.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			return db.Close()
		},
	}
}
