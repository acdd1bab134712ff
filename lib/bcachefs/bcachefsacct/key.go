// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bcachefsacct implements the disk accounting subsystem: the
// accounting key codec, and the in-memory accounting table that
// mirrors the persistent accounting btree.
//
// There are two parallel sets of counters, and both must be kept in
// sync:
//
//   - persistent accounting, stored in the accounting btree as keys
//     whose values are deltas, accumulated into the existing sum when
//     the write buffer flushes them; and
//
//   - in-memory accounting, a sorted array of per-shard counters that
//     is cheap to read but not persistent.
//
// The transaction commit path assigns every accounting update a
// Bversion; journal replay uses it to decide which updates have
// already been applied.
package bcachefsacct

import (
	"fmt"

	"golang.org/x/exp/slices"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/binstruct"
)

// A Type tags which category of counter an accounting key describes.
type Type uint8

const (
	TypeNrInodes Type = iota
	TypePersistentReserved
	TypeReplicas
	TypeDevDataType
	TypeCompression
	TypeSnapshot
	TypeBtree
	TypeRebalanceWork

	NrKeyTypes
)

var typeNames = [NrKeyTypes]string{
	TypeNrInodes:           "nr_inodes",
	TypePersistentReserved: "persistent_reserved",
	TypeReplicas:           "replicas",
	TypeDevDataType:        "dev_data_type",
	TypeCompression:        "compression",
	TypeSnapshot:           "snapshot",
	TypeBtree:              "btree",
	TypeRebalanceWork:      "rebalance_work",
}

func (t Type) String() string {
	if t < NrKeyTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("unknown type %d", uint8(t))
}

// A Key is one of the accounting key variants.  The zero counters of
// a Key's entry mean the entry may as well not exist; readers of
// absent keys get zeroes, not errors.
type Key interface {
	isKey()
	AcctType() Type
	fmt.Stringer
}

// NrInodes counts inodes; 1 counter.
type NrInodes struct{}

func (NrInodes) isKey()         {}
func (NrInodes) AcctType() Type { return TypeNrInodes }
func (NrInodes) String() string { return "nr_inodes" }

// PersistentReserved tracks space reserved with a given replication
// factor; 1 counter (sectors).
type PersistentReserved struct {
	NrReplicas    uint8 `bin:"off=0x0, siz=0x1"`
	binstruct.End `bin:"off=0x1"`
}

func (PersistentReserved) isKey()         {}
func (PersistentReserved) AcctType() Type { return TypePersistentReserved }
func (k PersistentReserved) String() string {
	return fmt.Sprintf("persistent_reserved replicas=%d", k.NrReplicas)
}

// Replicas tracks space used by a specific replica configuration; 1
// counter (sectors).  Devs must be sorted ascending and deduplicated;
// Normalize takes care of that.
type Replicas struct {
	DataType   bcachefsprim.DataType
	NrRequired uint8
	Devs       []bcachefsprim.DeviceID
}

func (Replicas) isKey()         {}
func (Replicas) AcctType() Type { return TypeReplicas }
func (k Replicas) String() string {
	return fmt.Sprintf("replicas %v: %d/%d %v", k.DataType, k.NrRequired, len(k.Devs), k.Devs)
}

var (
	_ binstruct.Marshaler   = Replicas{}
	_ binstruct.Unmarshaler = (*Replicas)(nil)
)

// MarshalBinary implements binstruct.Marshaler.
func (k Replicas) MarshalBinary() ([]byte, error) {
	if len(k.Devs) > MaxDevs {
		return nil, fmt.Errorf("replicas entry with %d devs does not fit in an accounting pos (max %d)",
			len(k.Devs), MaxDevs)
	}
	ret := make([]byte, 0, 3+len(k.Devs))
	ret = append(ret, byte(k.DataType), k.NrRequired, byte(len(k.Devs)))
	for _, dev := range k.Devs {
		ret = append(ret, byte(dev))
	}
	return ret, nil
}

// UnmarshalBinary implements binstruct.Unmarshaler.
func (k *Replicas) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < 3 {
		return 0, fmt.Errorf("replicas entry: need at least 3 bytes, only have %v", len(dat))
	}
	k.DataType = bcachefsprim.DataType(dat[0])
	k.NrRequired = dat[1]
	nrDevs := int(dat[2])
	if len(dat) < 3+nrDevs {
		return 3, fmt.Errorf("replicas entry: nr_devs=%v but only %v payload bytes", nrDevs, len(dat)-3)
	}
	k.Devs = make([]bcachefsprim.DeviceID, nrDevs)
	for i := 0; i < nrDevs; i++ {
		k.Devs[i] = bcachefsprim.DeviceID(dat[3+i])
	}
	return 3 + nrDevs, nil
}

// DevDataType tracks per-device usage of one data type; 3 counters
// (buckets, sectors, fragmented).
type DevDataType struct {
	Dev           bcachefsprim.DeviceID `bin:"off=0x0, siz=0x1"`
	DataType      bcachefsprim.DataType `bin:"off=0x1, siz=0x1"`
	binstruct.End `bin:"off=0x2"`
}

func (DevDataType) isKey()         {}
func (DevDataType) AcctType() Type { return TypeDevDataType }
func (k DevDataType) String() string {
	return fmt.Sprintf("dev_data_type dev=%v data_type=%v", k.Dev, k.DataType)
}

// Compression tracks compressed space by compression type; 3 counters
// (nr_extents, sectors_uncompressed, sectors_compressed).
type Compression struct {
	Type          bcachefsprim.CompressionType `bin:"off=0x0, siz=0x1"`
	binstruct.End `bin:"off=0x1"`
}

func (Compression) isKey()         {}
func (Compression) AcctType() Type { return TypeCompression }
func (k Compression) String() string {
	return fmt.Sprintf("compression %v", k.Type)
}

// Snapshot tracks space by snapshot; 1 counter (sectors).
type Snapshot struct {
	ID            bcachefsprim.SnapshotID `bin:"off=0x0, siz=0x4"`
	binstruct.End `bin:"off=0x4"`
}

func (Snapshot) isKey()           {}
func (Snapshot) AcctType() Type   { return TypeSnapshot }
func (k Snapshot) String() string { return fmt.Sprintf("snapshot id=%d", k.ID) }

// Btree tracks per-btree space consumption; 1 counter (sectors).
type Btree struct {
	ID            bcachefsprim.BtreeID `bin:"off=0x0, siz=0x4"`
	binstruct.End `bin:"off=0x4"`
}

func (Btree) isKey()           {}
func (Btree) AcctType() Type   { return TypeBtree }
func (k Btree) String() string { return fmt.Sprintf("btree btree=%v", k.ID) }

// RebalanceWork counts sectors waiting on the rebalance thread; 1
// counter.
type RebalanceWork struct{}

func (RebalanceWork) isKey()         {}
func (RebalanceWork) AcctType() Type { return TypeRebalanceWork }
func (RebalanceWork) String() string { return "rebalance_work" }

// Unknown is a key whose tag byte this version of the code does not
// know; it round-trips and passes validation so that newer
// filesystems degrade gracefully.
type Unknown struct {
	Tag uint8
	Dat []byte
}

func (Unknown) isKey()           {}
func (k Unknown) AcctType() Type { return Type(k.Tag) }
func (k Unknown) String() string { return fmt.Sprintf("unknown type %d", k.Tag) }

// NrCounters says how many counters a key's entry carries.
func NrCounters(k Key) int {
	switch k.(type) {
	case DevDataType, Compression:
		return 3
	default:
		return 1
	}
}

// Normalize returns the canonical form of a key: for replicas keys
// the device list is sorted and deduplicated.  Normalization must
// happen before any encode or lookup, so that the persisted position
// is canonical.
func Normalize(k Key) Key {
	r, ok := k.(Replicas)
	if !ok {
		return k
	}
	devs := slices.Clone(r.Devs)
	slices.Sort(devs)
	r.Devs = slices.Compact(devs)
	return r
}

// EncodePos serializes a key to its byte-comparable position.  The
// key must already be normalized.
func EncodePos(k Key) (Pos, error) {
	var p Pos
	p[0] = byte(k.AcctType())
	var payload []byte
	switch k := k.(type) {
	case NrInodes, RebalanceWork:
		// no payload
	case Unknown:
		payload = k.Dat
	default:
		var err error
		payload, err = binstruct.Marshal(k)
		if err != nil {
			return Pos{}, err
		}
	}
	if len(payload) > PosSize-1 {
		return Pos{}, fmt.Errorf("accounting key payload of %v bytes does not fit in a pos", len(payload))
	}
	copy(p[1:], payload)
	return p, nil
}

// DecodePos is the inverse of EncodePos.  It never fails on an
// unrecognized tag byte; it fails only on a payload that does not
// parse.
func DecodePos(p Pos) (Key, error) {
	k, _, err := decodePos(p)
	return k, err
}

// decodePos additionally returns the offset of the first byte past
// the variant's defined payload, for the trailing-junk check.
func decodePos(p Pos) (Key, int, error) {
	payload := p[1:]
	switch Type(p[0]) {
	case TypeNrInodes:
		return NrInodes{}, 1, nil
	case TypePersistentReserved:
		var k PersistentReserved
		n, err := binstruct.Unmarshal(payload, &k)
		return k, 1 + n, err
	case TypeReplicas:
		var k Replicas
		n, err := binstruct.Unmarshal(payload, &k)
		return k, 1 + n, err
	case TypeDevDataType:
		var k DevDataType
		n, err := binstruct.Unmarshal(payload, &k)
		return k, 1 + n, err
	case TypeCompression:
		var k Compression
		n, err := binstruct.Unmarshal(payload, &k)
		return k, 1 + n, err
	case TypeSnapshot:
		var k Snapshot
		n, err := binstruct.Unmarshal(payload, &k)
		return k, 1 + n, err
	case TypeBtree:
		var k Btree
		n, err := binstruct.Unmarshal(payload, &k)
		return k, 1 + n, err
	case TypeRebalanceWork:
		return RebalanceWork{}, 1, nil
	default:
		return Unknown{Tag: p[0], Dat: slices.Clone(payload)}, PosSize, nil
	}
}
