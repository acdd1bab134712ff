// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsacct

import (
	"bytes"
	"fmt"

	"git.lukeshu.com/bcachefs-progs-ng/lib/containers"
)

const (
	// PosSize is the serialized size of an accounting key
	// position.  A position is byte-comparable; everything past
	// the key variant's defined payload must be all-zero.
	PosSize = 24

	// MaxCounters is the maximum number of counters an accounting
	// entry may carry.
	MaxCounters = 3

	// MaxDevs is the longest device list that fits in a replicas
	// position: PosSize minus the tag byte and the data_type,
	// nr_required, and nr_devs bytes.
	MaxDevs = PosSize - 4
)

// A Pos is the serialized, byte-comparable position of an accounting
// key in the accounting btree.  Byte 0 is the Type tag; the remainder
// is the variant's little-endian payload, zero-padded.
type Pos [PosSize]byte

var (
	MinPos = Pos{}
	MaxPos = func() Pos {
		var p Pos
		for i := range p {
			p[i] = 0xff
		}
		return p
	}()
)

func (a Pos) Compare(b Pos) int {
	return bytes.Compare(a[:], b[:])
}

var _ containers.Ordered[Pos] = Pos{}

// AcctType returns the position's tag byte, which may name a type
// this version of the code does not know about.
func (p Pos) AcctType() Type {
	return Type(p[0])
}

// Successor returns the lowest position greater than p.  It is used
// to resume an ordered scan after the table has been perturbed.
func (p Pos) Successor() Pos {
	for i := PosSize - 1; i >= 0; i-- {
		p[i]++
		if p[i] != 0 {
			break
		}
	}
	return p
}

func (p Pos) String() string {
	k, _, err := decodePos(p)
	if err != nil {
		return fmt.Sprintf("(corrupt accounting pos %x)", p[:])
	}
	return k.String()
}
