// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
)

// DevUsageInit seeds dev's accounting after the device is added: the
// whole usable range starts out as free buckets.
func (fs *FS) DevUsageInit(ctx context.Context, dev bcachefsprim.DeviceID) error {
	info, ok := fs.DevInfo(dev)
	if !ok {
		return fmt.Errorf("bcachefs: device %v is not registered", dev)
	}
	t := fs.NewTrans()
	err := t.AccountingMod(bcachefsacct.DevDataType{
		Dev:      dev,
		DataType: bcachefsprim.DataFree,
	}, []int64{info.NBuckets - info.FirstBucket, 0, 0}, false)
	if err != nil {
		return err
	}
	return t.Commit(ctx)
}

// DevUsageRemove tears down dev's accounting before the device is
// removed: every dev_data_type entry for it is zeroed through the
// normal transaction path, flushed, and then deleted from the btree,
// so that both the table and the ledger forget the device.
func (fs *FS) DevUsageRemove(ctx context.Context, dev bcachefsprim.DeviceID) error {
	t := fs.NewTrans()
	var doomed []bcachefsacct.Pos
	fs.Acct.ForEach(false, func(pos bcachefsacct.Pos, _ bcachefsprim.Bversion, counters []int64) bool {
		k, err := bcachefsacct.DecodePos(pos)
		if err != nil {
			return true
		}
		ddt, ok := k.(bcachefsacct.DevDataType)
		if !ok || ddt.Dev != dev {
			return true
		}
		neg := make([]int64, len(counters))
		for i, c := range counters {
			neg[i] = -c
		}
		doomed = append(doomed, pos)
		// Queue only; fn must not commit while the table walk
		// holds the lock.
		if err := t.AccountingMod(k, neg, false); err != nil {
			dlog.Errorf(ctx, "dev usage remove: %v", err)
		}
		return true
	})
	if err := t.Commit(ctx); err != nil {
		return err
	}
	if err := fs.Store.Flush(ctx); err != nil {
		return err
	}
	if err := fs.Store.DeleteAcct(ctx, doomed); err != nil {
		return err
	}
	fs.Acct.CompactZeros()

	fs.usageMu.Lock()
	delete(fs.devs, dev)
	delete(fs.devUsage, dev)
	fs.usageMu.Unlock()
	return nil
}
