// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
)

func init() {
	var typesFlag []string

	cmd := subcommand{
		Command: cobra.Command{
			Use:   "dump-accounting",
			Short: "Dump the in-memory accounting table, one entry per line",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *bcachefs.FS, _ *cobra.Command, _ []string) error {
			out := bufio.NewWriter(os.Stdout)

			if len(typesFlag) == 0 {
				fs.Acct.ToText(out)
				return out.Flush()
			}

			mask, err := parseTypeMask(typesFlag)
			if err != nil {
				return err
			}
			for _, e := range fs.Acct.EntriesRead(mask) {
				fmt.Fprintf(out, "%v:", e.Key)
				for _, c := range e.Counters {
					fmt.Fprintf(out, " %d", c)
				}
				fmt.Fprintln(out)
			}
			return out.Flush()
		},
	}
	cmd.Command.Flags().StringArrayVar(&typesFlag, "type", nil,
		"only dump entries of `type` (nr_inodes, replicas, ...); may be given multiple times")
	inspectors = append(inspectors, cmd)
}

func parseTypeMask(names []string) (bcachefsacct.TypeMask, error) {
	var mask bcachefsacct.TypeMask
	for _, name := range names {
		found := false
		for t := bcachefsacct.Type(0); t < bcachefsacct.NrKeyTypes; t++ {
			if t.String() == name {
				mask |= bcachefsacct.MaskOf(t)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown accounting type: %q", name)
		}
	}
	return mask, nil
}
