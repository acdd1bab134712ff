// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "verify",
			Short: "Cross-check the ledger, the in-memory table, and the usage summary",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *bcachefs.FS, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := fs.VerifyAccountingClean(ctx); err != nil {
				return err
			}
			dlog.Info(ctx, "accounting is clean")
			return nil
		},
	})
}
