// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs"
)

type replicasReport struct {
	Marked []replicasEntryReport
}

type replicasEntryReport struct {
	DataType   string
	NrRequired uint8
	Devs       []uint8
	Sectors    int64
}

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "replicas",
			Short: "Show the superblock's marked replica configurations and their usage",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *bcachefs.FS, _ *cobra.Command, _ []string) error {
			usage := make(map[string]int64)
			for _, u := range fs.Acct.ReplicasUsageRead() {
				usage[u.Entry.String()] = u.Sectors
			}
			var report replicasReport
			for _, e := range fs.SB.Entries() {
				devs := make([]uint8, len(e.Devs))
				for i, dev := range e.Devs {
					devs[i] = uint8(dev)
				}
				report.Marked = append(report.Marked, replicasEntryReport{
					DataType:   e.DataType.String(),
					NrRequired: e.NrRequired,
					Devs:       devs,
					Sectors:    usage[e.String()],
				})
			}
			return writeJSONFile(os.Stdout, report, lowmemjson.ReEncoderConfig{
				Indent:                "\t",
				ForceTrailingNewlines: true,
				CompactIfUnder:        120, //nolint:gomnd // This is what looks nice.
			})
		},
	})
}
