// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefs

import (
	"context"
	"sort"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsledger"
)

// AccountingRead populates the in-memory accounting table at mount:
// first from the accounting btree's accumulated sums, then by
// replaying any journal records the write buffer had not flushed.
// The version check in the table makes replay idempotent, so a replay
// interrupted and restarted does not double-count.
//
// Afterwards it checks that every live replicas entry is marked in
// the superblock (marking any that are not), and seeds the cached
// usage summary.
func (fs *FS) AccountingRead(ctx context.Context) error {
	err := fs.Store.IterAcct(ctx, func(pos bcachefsacct.Pos, val bcachefsacct.Value) error {
		if err := bcachefsacct.Validate(pos, val.Version); err != nil {
			dlog.Warnf(ctx, "accounting read: dropping invalid btree key: %v", err)
			return nil
		}
		return fs.Acct.Mod(pos, val.Version, val.D, bcachefsacct.ModeRead, 0)
	})
	if err != nil {
		return err
	}

	var recs []bcachefsledger.JournalRec
	err = fs.Store.IterJournal(ctx, func(rec bcachefsledger.JournalRec) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool {
		if c := recs[i].Pos.Compare(recs[j].Pos); c != 0 {
			return c < 0
		}
		return recs[i].Val.Version.Compare(recs[j].Val.Version) < 0
	})

	// Consecutive records for the same position coalesce into one
	// table update; Accumulate keeps the highest version stamp.
	var pending *bcachefsledger.JournalRec
	flushPending := func() error {
		if pending == nil {
			return nil
		}
		err := fs.Acct.Mod(pending.Pos, pending.Val.Version, pending.Val.D, bcachefsacct.ModeRead, 0)
		pending = nil
		return err
	}
	for i := range recs {
		rec := recs[i]
		if err := bcachefsacct.Validate(rec.Pos, rec.Val.Version); err != nil {
			dlog.Warnf(ctx, "accounting read: dropping invalid journal record: %v", err)
			continue
		}
		if have, ok := fs.Acct.Version(rec.Pos); ok && rec.Val.Version.Compare(have) <= 0 {
			continue
		}
		if pending != nil && pending.Pos == rec.Pos {
			bcachefsacct.Accumulate(&pending.Val, rec.Val)
			continue
		}
		if err := flushPending(); err != nil {
			return err
		}
		pending = &rec
	}
	if err := flushPending(); err != nil {
		return err
	}

	if err := fs.checkReplicasMarked(ctx); err != nil {
		return err
	}

	fs.seedUsage()
	dlog.Debugf(ctx, "accounting read: %v entries, %v journal records replayed",
		fs.Acct.Len(), len(recs))
	return nil
}

// checkReplicasMarked repairs the superblock's replicas section: any
// replica configuration that the accounting table says holds data
// must be marked there.
func (fs *FS) checkReplicasMarked(ctx context.Context) error {
	var unmarked []bcachefsacct.Replicas
	for _, e := range fs.Acct.EntriesRead(bcachefsacct.MaskOf(bcachefsacct.TypeReplicas)) {
		r, ok := e.Key.(bcachefsacct.Replicas)
		if !ok {
			continue
		}
		if !fs.SB.MarkedReplicas(r) {
			unmarked = append(unmarked, r)
		}
	}
	for _, r := range unmarked {
		dlog.Warnf(ctx, "accounting read: %v has data but is not marked in the superblock, marking", r)
		if err := fs.SB.MarkReplicas(r); err != nil {
			return err
		}
	}
	return nil
}

// seedUsage recomputes the cached usage summary from the table.
func (fs *FS) seedUsage() {
	entries := fs.Acct.EntriesRead(bcachefsacct.MaskAll())
	fs.usageMu.Lock()
	defer fs.usageMu.Unlock()
	fs.usage = UsageBase{}
	for dev := range fs.devUsage {
		fs.devUsage[dev] = new(DevUsage)
	}
	for _, e := range entries {
		fs.usageApplyLocked(e.Key, e.Counters)
	}
}
