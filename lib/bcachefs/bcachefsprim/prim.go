// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bcachefsprim contains the primitive types that the rest of
// the bcachefs packages are built on.
package bcachefsprim

import (
	"fmt"
)

// A DeviceID identifies one member device of the filesystem.
type DeviceID uint8

func (id DeviceID) String() string {
	return fmt.Sprintf("%d", uint8(id))
}

// A DataType says what kind of data a bucket (or a replicas entry)
// holds.
type DataType uint8

const (
	DataFree DataType = iota
	DataSB
	DataJournal
	DataBtree
	DataUser
	DataCached
	DataParity
	DataStripe
	DataNeedGCGens
	DataNeedDiscard

	NrDataTypes
)

var dataTypeNames = [NrDataTypes]string{
	DataFree:        "free",
	DataSB:          "sb",
	DataJournal:     "journal",
	DataBtree:       "btree",
	DataUser:        "user",
	DataCached:      "cached",
	DataParity:      "parity",
	DataStripe:      "stripe",
	DataNeedGCGens:  "need_gc_gens",
	DataNeedDiscard: "need_discard",
}

func (t DataType) String() string {
	if t < NrDataTypes {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("(unknown data type %d)", uint8(t))
}

type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionLZ4Old
	CompressionGzipOld
	CompressionLZ4
	CompressionGzip
	CompressionZstd
	CompressionIncompressible

	NrCompressionTypes
)

var compressionTypeNames = [NrCompressionTypes]string{
	CompressionNone:           "none",
	CompressionLZ4Old:         "lz4_old",
	CompressionGzipOld:        "gzip_old",
	CompressionLZ4:            "lz4",
	CompressionGzip:           "gzip",
	CompressionZstd:           "zstd",
	CompressionIncompressible: "incompressible",
}

func (t CompressionType) String() string {
	if t < NrCompressionTypes {
		return compressionTypeNames[t]
	}
	return fmt.Sprintf("(unknown compression type %d)", uint8(t))
}

// A BtreeID identifies one of the filesystem's btrees.
type BtreeID uint32

const (
	BtreeExtents BtreeID = iota
	BtreeInodes
	BtreeDirents
	BtreeXattrs
	BtreeAlloc
	BtreeQuotas
	BtreeStripes
	BtreeReflink
	BtreeSubvolumes
	BtreeSnapshots
	BtreeLRU
	BtreeFreespace
	BtreeNeedDiscard
	BtreeBackpointers
	BtreeBucketGens
	BtreeSnapshotTrees
	BtreeDeletedInodes
	BtreeLoggedOps
	BtreeRebalanceWork
	BtreeAccounting

	NrBtreeIDs
)

var btreeIDNames = [NrBtreeIDs]string{
	BtreeExtents:       "extents",
	BtreeInodes:        "inodes",
	BtreeDirents:       "dirents",
	BtreeXattrs:        "xattrs",
	BtreeAlloc:         "alloc",
	BtreeQuotas:        "quotas",
	BtreeStripes:       "stripes",
	BtreeReflink:       "reflink",
	BtreeSubvolumes:    "subvolumes",
	BtreeSnapshots:     "snapshots",
	BtreeLRU:           "lru",
	BtreeFreespace:     "freespace",
	BtreeNeedDiscard:   "need_discard",
	BtreeBackpointers:  "backpointers",
	BtreeBucketGens:    "bucket_gens",
	BtreeSnapshotTrees: "snapshot_trees",
	BtreeDeletedInodes: "deleted_inodes",
	BtreeLoggedOps:     "logged_ops",
	BtreeRebalanceWork: "rebalance_work",
	BtreeAccounting:    "accounting",
}

func (id BtreeID) String() string {
	if id < NrBtreeIDs {
		return btreeIDNames[id]
	}
	return fmt.Sprintf("(unknown btree %d)", uint32(id))
}

// A SnapshotID identifies one snapshot node in the snapshots btree.
type SnapshotID uint32
