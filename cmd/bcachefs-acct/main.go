// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/profile"
	"git.lukeshu.com/bcachefs-progs-ng/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(*bcachefs.FS, *cobra.Command, []string) error
}

var inspectors, repairers []subcommand

type deviceGeometry struct {
	Dev         bcachefsprim.DeviceID
	FirstBucket int64
	NBuckets    int64
	BucketSize  int64
}

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var ledgerFlag string
	var devicesFlag string

	argparser := &cobra.Command{
		Use:   "bcachefs-acct {[flags]|SUBCOMMAND}",
		Short: "Inspect and repair bcachefs disk accounting",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&ledgerFlag, "ledger", "", "open the accounting ledger in `directory`")
	if err := argparser.MarkPersistentFlagDirname("ledger"); err != nil {
		panic(err)
	}
	if err := argparser.MarkPersistentFlagRequired("ledger"); err != nil {
		panic(err)
	}
	argparser.PersistentFlags().StringVar(&devicesFlag, "devices", "", "load member device geometry from external JSON file `devices.json`")
	if err := argparser.MarkPersistentFlagFilename("devices"); err != nil {
		panic(err)
	}
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile.")

	readwrite := false

	argparserInspect := &cobra.Command{
		Use:   "inspect {[flags]|SUBCOMMAND}",
		Short: "Inspect (but don't modify) the accounting state",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,
	}
	argparser.AddCommand(argparserInspect)

	argparserRepair := &cobra.Command{
		Use:   "repair {[flags]|SUBCOMMAND}",
		Short: "Modify the accounting state",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			readwrite = true
			return nil
		},
	}
	argparser.AddCommand(argparserRepair)

	for _, cmdgrp := range []struct {
		parent   *cobra.Command
		children []subcommand
	}{
		{argparserInspect, inspectors},
		{argparserRepair, repairers},
	} {
		for _, child := range cmdgrp.children {
			cmd := child.Command
			runE := child.RunE
			cmd.RunE = func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
				ctx = dlog.WithLogger(ctx, logger)
				ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
				dlog.SetFallbackLogger(logger.WithField("bcachefs-progs.THIS_IS_A_BUG", true))

				grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
					EnableSignalHandling: true,
				})
				grp.Go("main", func(ctx context.Context) (err error) {
					maybeSetErr := func(_err error) {
						if _err != nil && err == nil {
							err = _err
						}
					}
					fs, err := bcachefs.Open(ctx, ledgerFlag)
					if err != nil {
						return err
					}
					defer func() {
						maybeSetErr(fs.Close(ctx))
					}()

					if devicesFlag != "" {
						devsJSON, err := readJSONFile[[]deviceGeometry](devicesFlag)
						if err != nil {
							return err
						}
						for _, dev := range devsJSON {
							err := fs.RegisterDevice(dev.Dev, bcachefs.DevInfo{
								FirstBucket: dev.FirstBucket,
								NBuckets:    dev.NBuckets,
								BucketSize:  dev.BucketSize,
							})
							if err != nil {
								return err
							}
						}
					}

					if readwrite {
						fs.GoRW()
					}

					cmd.SetContext(ctx)
					return runE(fs, cmd, args)
				})
				return grp.Wait()
			}
			cmdgrp.parent.AddCommand(&cmd)
		}
	}

	err := argparser.ExecuteContext(context.Background())
	if _err := stopProfiling(); err == nil {
		err = _err
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
