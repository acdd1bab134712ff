// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefs

import (
	"context"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
)

// GCAccountingStart begins a GC pass: a shadow set of counters is
// allocated, and until GCAccountingDone the caller recomputes the
// filesystem's accounting into it (via AccountingMod with gc=true)
// while normal updates keep flowing into the live counters.
func (fs *FS) GCAccountingStart(ctx context.Context) error {
	return fs.Acct.GCStart()
}

// GCAccountingDone ends a GC pass by comparing the recomputed shadow
// counters against the live ones.  With repair set, each mismatched
// entry gets a corrective delta committed through the normal
// transaction path, so the fix is journaled and versioned like any
// other update; without it, mismatches are only logged.
func (fs *FS) GCAccountingDone(ctx context.Context, repair bool) error {
	var fix func(ctx context.Context, k bcachefsacct.Key, deltas []int64) error
	if repair {
		fix = func(ctx context.Context, k bcachefsacct.Key, deltas []int64) error {
			t := fs.NewTrans()
			if err := t.AccountingMod(k, deltas, false); err != nil {
				return err
			}
			return t.Commit(ctx)
		}
	}
	return fs.Acct.GCDone(ctx, fix)
}

// GCAccountingAbort throws away the shadow counters without
// reconciling.
func (fs *FS) GCAccountingAbort() {
	fs.Acct.GCFree()
}
