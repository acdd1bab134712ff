// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsprim

import (
	"fmt"

	"git.lukeshu.com/bcachefs-progs-ng/lib/containers"
)

// A Bversion is the monotonic version stamp that the transaction
// commit path assigns to every accounting update, derived from the
// commit's journal sequence number and the update's offset within
// that journal buffer.  Journal replay uses it to decide whether an
// update has already been applied.
type Bversion uint64

const journalOffsetBits = 20

func BversionFromJournalPos(seq uint64, offset uint32) Bversion {
	return Bversion(seq<<journalOffsetBits | uint64(offset)&(1<<journalOffsetBits-1))
}

func (v Bversion) JournalSeq() uint64 {
	return uint64(v) >> journalOffsetBits
}

func (v Bversion) JournalOffset() uint32 {
	return uint32(uint64(v) & (1<<journalOffsetBits - 1))
}

func (v Bversion) Zero() bool { return v == 0 }

func (a Bversion) Compare(b Bversion) int {
	return containers.NativeCompare(a, b)
}

func (v Bversion) String() string {
	return fmt.Sprintf("%d:%d", v.JournalSeq(), v.JournalOffset())
}

var _ containers.Ordered[Bversion] = Bversion(0)
