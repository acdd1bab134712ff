// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsledger"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:  "dbg",
			Args: cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *bcachefs.FS, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := bufio.NewWriter(os.Stdout)

			spewer := &spew.ConfigState{
				DisablePointerAddresses: true,
				DisableCapacities:       true,
			}

			dlog.Info(ctx, "Dumping in-memory accounting entries...")
			spewer.Fdump(out, fs.Acct.EntriesRead(bcachefsacct.MaskAll()))

			dlog.Info(ctx, "Dumping superblock replicas entries...")
			spewer.Fdump(out, fs.SB.Entries())

			dlog.Info(ctx, "Dumping journal records...")
			var recs []bcachefsledger.JournalRec
			err := fs.Store.IterJournal(ctx, func(rec bcachefsledger.JournalRec) error {
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
			spewer.Fdump(out, recs)

			return out.Flush()
		},
	})
}
