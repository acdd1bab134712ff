// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"strconv"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
)

func parseDevArg(arg string) (bcachefsprim.DeviceID, error) {
	n, err := strconv.ParseUint(arg, 10, 8)
	if err != nil {
		return 0, err
	}
	return bcachefsprim.DeviceID(n), nil
}

func init() {
	repairers = append(repairers, subcommand{
		Command: cobra.Command{
			Use:   "init-dev-usage DEVID",
			Short: "Seed accounting for a newly added device (requires --devices)",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(fs *bcachefs.FS, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dev, err := parseDevArg(args[0])
			if err != nil {
				return err
			}
			if err := fs.DevUsageInit(ctx, dev); err != nil {
				return err
			}
			dlog.Infof(ctx, "initialized usage for device %v", dev)
			return nil
		},
	})

	repairers = append(repairers, subcommand{
		Command: cobra.Command{
			Use:   "remove-dev-usage DEVID",
			Short: "Tear down a device's accounting ahead of removing the device",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(fs *bcachefs.FS, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dev, err := parseDevArg(args[0])
			if err != nil {
				return err
			}
			if err := fs.DevUsageRemove(ctx, dev); err != nil {
				return err
			}
			dlog.Infof(ctx, "removed usage for device %v", dev)
			return nil
		},
	})
}
