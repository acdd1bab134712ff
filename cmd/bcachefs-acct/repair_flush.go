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
	repairers = append(repairers, subcommand{
		Command: cobra.Command{
			Use:   "flush",
			Short: "Fold all pending journal records into the accounting btree",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *bcachefs.FS, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := fs.Store.Flush(ctx); err != nil {
				return err
			}
			fs.Acct.CompactZeros()
			dlog.Infof(ctx, "flushed; %v live accounting entries", fs.Acct.Len())
			return nil
		},
	})
}
