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
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
)

type devUsageReport struct {
	Dev   bcachefsprim.DeviceID
	Usage bcachefs.DevUsage
}

type usageReport struct {
	Filesystem bcachefs.UsageBase
	Devices    []devUsageReport
}

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "usage",
			Short: "Show filesystem and per-device space usage",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *bcachefs.FS, _ *cobra.Command, _ []string) error {
			report := usageReport{
				Filesystem: fs.Usage(),
			}
			for _, dev := range fs.Devices() {
				du, ok := fs.DevUsageRead(dev)
				if !ok {
					continue
				}
				report.Devices = append(report.Devices, devUsageReport{
					Dev:   dev,
					Usage: du,
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
