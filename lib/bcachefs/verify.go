// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
)

// VerifyAccountingClean cross-checks the three views of accounting
// state against each other: the persistent btree against the
// in-memory table (after a flush the sums must agree exactly), and
// the cached usage summary against a recomputation from the table.
// Every discrepancy is logged; any discrepancy makes the return
// non-nil.
func (fs *FS) VerifyAccountingClean(ctx context.Context) error {
	if err := fs.Store.Flush(ctx); err != nil {
		return err
	}

	var mismatches int
	seen := make(map[bcachefsacct.Pos]struct{})
	err := fs.Store.IterAcct(ctx, func(pos bcachefsacct.Pos, val bcachefsacct.Value) error {
		seen[pos] = struct{}{}
		mem := make([]int64, len(val.D))
		fs.Acct.Read(pos, mem, false)
		if !slices.Equal(mem, val.D) {
			k, _ := bcachefsacct.DecodePos(pos)
			dlog.Errorf(ctx, "verify: btree disagrees with mem for %v: btree %v mem %v", k, val.D, mem)
			mismatches++
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Nonzero table entries missing from the btree are the other
	// direction of the same inconsistency.
	fs.Acct.ForEach(false, func(pos bcachefsacct.Pos, _ bcachefsprim.Bversion, counters []int64) bool {
		if _, ok := seen[pos]; ok {
			return true
		}
		if (bcachefsacct.Value{D: counters}).IsZero() {
			return true
		}
		k, _ := bcachefsacct.DecodePos(pos)
		dlog.Errorf(ctx, "verify: mem has %v=%v but the btree has no such key", k, counters)
		mismatches++
		return true
	})

	want := fs.recomputeUsage()
	fs.usageMu.Lock()
	have := fs.usage
	fs.usageMu.Unlock()
	// Hidden depends on what device geometry was registered when
	// each delta was applied, so it is not recomputable here.
	want.Hidden = have.Hidden
	if want != have {
		dlog.Errorf(ctx, "verify: cached usage %+v but table sums to %+v", have, want)
		mismatches++
	}

	if mismatches > 0 {
		return fmt.Errorf("bcachefs: accounting not clean: %v mismatches", mismatches)
	}
	return nil
}

func (fs *FS) recomputeUsage() UsageBase {
	var u UsageBase
	for _, e := range fs.Acct.EntriesRead(bcachefsacct.MaskAll()) {
		switch k := e.Key.(type) {
		case bcachefsacct.NrInodes:
			u.NrInodes += e.Counters[0]
		case bcachefsacct.PersistentReserved:
			u.Reserved += e.Counters[0] * int64(k.NrReplicas)
		case bcachefsacct.Replicas:
			if base := dataTypeToBase(&u, k.DataType); base != nil {
				*base += e.Counters[0]
			}
		}
	}
	return u
}
