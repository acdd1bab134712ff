// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsledger"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
)

// ErrReadOnly is returned by Trans.Commit while the filesystem has
// not gone read-write yet.
var ErrReadOnly = errors.New("bcachefs: filesystem is read-only")

type acctUpdate struct {
	k      bcachefsacct.Key
	pos    bcachefsacct.Pos
	deltas []int64
	gc     bool
}

// A Trans batches accounting deltas to be committed atomically: on
// Commit every delta gets a version stamp from the same journal
// sequence number, lands in the in-memory table, and is appended to
// the ledger's journal.
type Trans struct {
	fs      *FS
	shard   int
	updates []acctUpdate
}

func (fs *FS) NewTrans() *Trans {
	return &Trans{
		fs:    fs,
		shard: int(atomic.AddUint32(&fs.nextShard, 1)) % fs.nrShards,
	}
}

// AccountingMod queues one accounting delta.  The number of deltas
// must match the key type's counter count; a mismatch is a caller
// bug.  gc routes the delta to the GC shadow counters instead of the
// live table, and such deltas are not journaled.
//
// Deltas for the same position coalesce within the transaction.
func (t *Trans) AccountingMod(k bcachefsacct.Key, deltas []int64, gc bool) error {
	if len(deltas) != bcachefsacct.NrCounters(k) {
		panic(fmt.Errorf("bcachefs: AccountingMod: %v deltas for %v (want %v)",
			len(deltas), k, bcachefsacct.NrCounters(k)))
	}
	k = bcachefsacct.Normalize(k)
	pos, err := bcachefsacct.EncodePos(k)
	if err != nil {
		return err
	}
	for i := range t.updates {
		if t.updates[i].pos == pos && t.updates[i].gc == gc {
			for j, d := range deltas {
				t.updates[i].deltas[j] += d
			}
			return nil
		}
	}
	t.updates = append(t.updates, acctUpdate{
		k:      k,
		pos:    pos,
		deltas: append([]int64{}, deltas...),
		gc:     gc,
	})
	return nil
}

// ModDevCachedSectors adjusts the cached-data sector count on one
// device; the eviction and promote paths use it directly since they
// only ever touch single-device cached replicas.
func (t *Trans) ModDevCachedSectors(dev bcachefsprim.DeviceID, sectors int64) error {
	return t.AccountingMod(bcachefsacct.Replicas{
		DataType:   bcachefsprim.DataCached,
		NrRequired: 1,
		Devs:       []bcachefsprim.DeviceID{dev},
	}, []int64{sectors}, false)
}

// Commit applies the queued deltas.  The in-memory table sees them
// first (with marking of any not-yet-marked replicas configuration
// persisted beforehand); then they are appended to the journal.  If
// the journal append fails, the table changes are reverted, so an
// error leaves both sides unchanged.
func (t *Trans) Commit(ctx context.Context) error {
	if len(t.updates) == 0 {
		return nil
	}
	if !t.fs.MayCommit() {
		return ErrReadOnly
	}

	// First pass: make sure every entry exists, so that applying
	// cannot fail on allocation halfway through the batch.
	for _, upd := range t.updates {
		if err := t.fs.Acct.Preallocate(upd.pos, len(upd.deltas)); err != nil {
			return err
		}
	}

	seq := t.fs.Store.NextSeq()
	var recs []bcachefsledger.JournalRec
	var applied []acctUpdate
	for i, upd := range t.updates {
		if upd.gc {
			if err := t.fs.Acct.Mod(upd.pos, 0, upd.deltas, bcachefsacct.ModeGC, t.shard); err != nil {
				t.revert(applied)
				return err
			}
			applied = append(applied, upd)
			continue
		}

		version := bcachefsprim.BversionFromJournalPos(seq, uint32(i))
		err := t.fs.Acct.Mod(upd.pos, version, upd.deltas, bcachefsacct.ModeNormal, t.shard)
		if errors.Is(err, bcachefsacct.ErrNeedsMarkReplicas) {
			if err = t.fs.SB.MarkReplicas(upd.k.(bcachefsacct.Replicas)); err == nil {
				err = t.fs.Acct.Mod(upd.pos, version, upd.deltas, bcachefsacct.ModeNormal, t.shard)
			}
		}
		if err != nil {
			t.revert(applied)
			return err
		}
		applied = append(applied, upd)
		recs = append(recs, bcachefsledger.JournalRec{
			Pos: upd.pos,
			Val: bcachefsacct.Value{Version: version, D: upd.deltas},
		})
	}

	if err := t.fs.Store.JournalAppend(ctx, recs); err != nil {
		t.revert(applied)
		return err
	}

	t.fs.usageMu.Lock()
	for _, upd := range t.updates {
		if !upd.gc {
			t.fs.usageApplyLocked(upd.k, upd.deltas)
		}
	}
	t.fs.usageMu.Unlock()

	t.updates = t.updates[:0]
	return nil
}

// revert undoes already-applied deltas after a mid-commit failure,
// gc-mode ones in the shadow counters, so a failed commit leaves
// neither side of the table disturbed.
func (t *Trans) revert(applied []acctUpdate) {
	for _, upd := range applied {
		neg := make([]int64, len(upd.deltas))
		for i, d := range upd.deltas {
			neg[i] = -d
		}
		mode := bcachefsacct.ModeNormal
		if upd.gc {
			mode = bcachefsacct.ModeGC
		}
		_ = t.fs.Acct.Mod(upd.pos, 0, neg, mode, t.shard)
	}
}
