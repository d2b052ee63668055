// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/keys"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func newGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Generate a new RSA key pair and print the private key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pem, err := keys.Generate()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(pem))
			return nil
		},
	}
}

func newGenerateTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-token",
		Short: "Generate an encoded token (such as the bootstrap token)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := token.New()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.String())
			return nil
		},
	}
}
