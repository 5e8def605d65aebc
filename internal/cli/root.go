// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package cli wires together the Mould root Cobra command.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand constructs the Mould root Cobra command.
func NewRootCommand() *cobra.Command {
	version := os.Getenv("MOULD_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "mould",
		Short:         "Mould – deployment orchestration server",
		Long:          "Mould runs typed jobs against configured environments through loadable resource extensions.",
		SilenceUsage:  true, // don't dump usage on user errors
		SilenceErrors: true, // centralize error printing in main()
	}

	cmd.PersistentFlags().StringP("config", "c", "mould.yml", "path to the config file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of Mould",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Mould version %s\n", version)
		},
	})

	cmd.AddCommand(NewServeCommand())

	return cmd
}
