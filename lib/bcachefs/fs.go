// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bcachefs ties the disk-accounting pieces together into a
// filesystem handle: the persistent ledger (bcachefsledger), the
// superblock replicas registry (bcachefssb), and the in-memory
// accounting table (bcachefsacct), plus the transaction layer that
// keeps them coherent.
package bcachefs

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsledger"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefssb"
)

// DevInfo describes one member device's geometry, as the allocator
// needs it for usage math.
type DevInfo struct {
	FirstBucket int64
	NBuckets    int64
	BucketSize  int64
}

// A UsageBase is the filesystem-wide usage summary, derivable from
// (and verified against) the accounting table, but kept up to date at
// transaction commit so that statfs does not need a table walk.
type UsageBase struct {
	Hidden   int64
	Btree    int64
	Data     int64
	Cached   int64
	Reserved int64
	NrInodes int64
}

// A DevUsageType is one device's usage for one data type.
type DevUsageType struct {
	Buckets    int64
	Sectors    int64
	Fragmented int64
}

// A DevUsage is one device's per-data-type usage breakdown.
type DevUsage [bcachefsprim.NrDataTypes]DevUsageType

// FS is an open filesystem.
type FS struct {
	Store *bcachefsledger.Store
	SB    *bcachefssb.Superblock
	Acct  *bcachefsacct.Mem

	// rw gates whether transactions may commit; accounting starts
	// read-only and GoRW flips it once replay has finished.
	rw atomic.Bool

	// nextShard hands each transaction a counter shard.
	nextShard uint32
	nrShards  int

	usageMu  sync.Mutex
	usage    UsageBase
	devs     map[bcachefsprim.DeviceID]DevInfo
	devUsage map[bcachefsprim.DeviceID]*DevUsage
}

// Open opens the filesystem whose ledger lives at dir (empty dir for
// in-memory, in tests), replays any pending journal into the
// in-memory accounting table, and seeds the cached usage summary.
func Open(ctx context.Context, dir string) (*FS, error) {
	store, err := bcachefsledger.Open(ctx, dir)
	if err != nil {
		return nil, err
	}
	sb, err := bcachefssb.Open(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	fs := &FS{
		Store:    store,
		SB:       sb,
		Acct:     bcachefsacct.NewMem(sb, runtime.NumCPU()),
		nrShards: runtime.NumCPU(),
		devs:     make(map[bcachefsprim.DeviceID]DevInfo),
		devUsage: make(map[bcachefsprim.DeviceID]*DevUsage),
	}
	if err := fs.AccountingRead(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return fs, nil
}

// Close flushes the write buffer and releases the ledger.  The
// in-memory table just gets garbage-collected; there is nothing in it
// that is not re-derivable from the ledger at the next Open.
func (fs *FS) Close(ctx context.Context) error {
	fs.rw.Store(false)
	if err := fs.Store.Flush(ctx); err != nil {
		_ = fs.Store.Close()
		return err
	}
	if fs.Acct.Len() > 0 {
		fs.Acct.CompactZeros()
		dlog.Debugf(ctx, "shutdown: %v accounting entries", fs.Acct.Len())
	}
	return fs.Store.Close()
}

// GoRW marks the filesystem read-write; transactions may commit.
func (fs *FS) GoRW() {
	fs.rw.Store(true)
}

// MayCommit reports whether transactions may commit accounting
// updates.
func (fs *FS) MayCommit() bool {
	return fs.rw.Load()
}

// RegisterDevice tells the accounting layer about a member device's
// geometry.  Devices must be registered before their dev_data_type
// usage can be initialized or reported.
func (fs *FS) RegisterDevice(dev bcachefsprim.DeviceID, info DevInfo) error {
	if info.BucketSize <= 0 || info.NBuckets <= info.FirstBucket {
		return fmt.Errorf("bcachefs: device %v: bad geometry %+v", dev, info)
	}
	fs.usageMu.Lock()
	defer fs.usageMu.Unlock()
	fs.devs[dev] = info
	if _, ok := fs.devUsage[dev]; !ok {
		fs.devUsage[dev] = new(DevUsage)
	}
	return nil
}

// Devices returns the registered device IDs, sorted.
func (fs *FS) Devices() []bcachefsprim.DeviceID {
	fs.usageMu.Lock()
	defer fs.usageMu.Unlock()
	ret := make([]bcachefsprim.DeviceID, 0, len(fs.devs))
	for dev := range fs.devs {
		ret = append(ret, dev)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// DevInfo returns the registered geometry for dev.
func (fs *FS) DevInfo(dev bcachefsprim.DeviceID) (DevInfo, bool) {
	fs.usageMu.Lock()
	defer fs.usageMu.Unlock()
	info, ok := fs.devs[dev]
	return info, ok
}

// Usage returns the cached filesystem-wide usage summary.
func (fs *FS) Usage() UsageBase {
	fs.usageMu.Lock()
	defer fs.usageMu.Unlock()
	return fs.usage
}

// DevUsageRead returns the cached per-data-type usage for dev.
func (fs *FS) DevUsageRead(dev bcachefsprim.DeviceID) (DevUsage, bool) {
	fs.usageMu.Lock()
	defer fs.usageMu.Unlock()
	du, ok := fs.devUsage[dev]
	if !ok {
		return DevUsage{}, false
	}
	return *du, true
}

// dataTypeToBase says which UsageBase field a replicas-class entry of
// the given data type contributes its sectors to.
func dataTypeToBase(u *UsageBase, dt bcachefsprim.DataType) *int64 {
	switch dt {
	case bcachefsprim.DataBtree:
		return &u.Btree
	case bcachefsprim.DataUser, bcachefsprim.DataParity:
		return &u.Data
	case bcachefsprim.DataCached:
		return &u.Cached
	default:
		return nil
	}
}

// usageApplyLocked folds one accounting delta into the cached usage
// summary.  Caller holds usageMu.
func (fs *FS) usageApplyLocked(k bcachefsacct.Key, deltas []int64) {
	switch k := k.(type) {
	case bcachefsacct.NrInodes:
		fs.usage.NrInodes += deltas[0]
	case bcachefsacct.PersistentReserved:
		fs.usage.Reserved += deltas[0] * int64(k.NrReplicas)
	case bcachefsacct.Replicas:
		if base := dataTypeToBase(&fs.usage, k.DataType); base != nil {
			*base += deltas[0]
		}
	case bcachefsacct.DevDataType:
		du, ok := fs.devUsage[k.Dev]
		if !ok {
			du = new(DevUsage)
			fs.devUsage[k.Dev] = du
		}
		if k.DataType < bcachefsprim.NrDataTypes {
			d := &du[k.DataType]
			if len(deltas) > 0 {
				d.Buckets += deltas[0]
			}
			if len(deltas) > 1 {
				d.Sectors += deltas[1]
			}
			if len(deltas) > 2 {
				d.Fragmented += deltas[2]
			}
		}
		// Superblock and journal buckets hold no user-visible
		// data; their space shows up as "hidden".
		if k.DataType == bcachefsprim.DataSB || k.DataType == bcachefsprim.DataJournal {
			bucketSize := int64(1)
			if info, ok := fs.devs[k.Dev]; ok {
				bucketSize = info.BucketSize
			}
			fs.usage.Hidden += deltas[0] * bucketSize
		}
	}
}
