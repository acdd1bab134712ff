// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsacct

import (
	"fmt"
	"io"

	"golang.org/x/exp/slices"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
)

// A TypeMask selects which key types an export includes.
type TypeMask uint32

func MaskOf(types ...Type) TypeMask {
	var ret TypeMask
	for _, t := range types {
		ret |= 1 << t
	}
	return ret
}

// MaskAll selects every known key type.
func MaskAll() TypeMask {
	return 1<<NrKeyTypes - 1
}

func (m TypeMask) Has(t Type) bool {
	return t < 32 && m&(1<<t) != 0
}

// An Entry is one exported accounting entry: the normalized key and
// its current summed counters.
type Entry struct {
	Key      Key
	Counters []int64
}

// EntriesRead returns the current nonzero entries whose type is
// selected by mask, in position order.  This is the view used by
// administrative reporting tools.
func (m *Mem) EntriesRead(mask TypeMask) []Entry {
	var ret []Entry
	m.ForEach(false, func(pos Pos, _ bcachefsprim.Bversion, counters []int64) bool {
		if !mask.Has(pos.AcctType()) {
			return true
		}
		if (Value{D: counters}).IsZero() {
			return true
		}
		k, _, err := decodePos(pos)
		if err != nil {
			return true
		}
		ret = append(ret, Entry{Key: k, Counters: slices.Clone(counters)})
		return true
	})
	return ret
}

// A ReplicasUsage pairs one replica configuration with its current
// sector count; a narrower legacy-compatible view of the same data,
// for quota/usage reporting tooling.
type ReplicasUsage struct {
	Entry   Replicas
	Sectors int64
}

func (m *Mem) ReplicasUsageRead() []ReplicasUsage {
	var ret []ReplicasUsage
	m.ForEach(false, func(pos Pos, _ bcachefsprim.Bversion, counters []int64) bool {
		k, _, err := decodePos(pos)
		if err != nil {
			return true
		}
		r, ok := k.(Replicas)
		if !ok {
			return true
		}
		ret = append(ret, ReplicasUsage{Entry: r, Sectors: counters[0]})
		return true
	})
	return ret
}

// ToText renders every live entry as one `<key>: <counters>` line,
// for human inspection and debug logs.
func (m *Mem) ToText(w io.Writer) {
	m.ForEach(false, func(pos Pos, _ bcachefsprim.Bversion, counters []int64) bool {
		k, _, err := decodePos(pos)
		if err != nil {
			fmt.Fprintf(w, "(corrupt accounting pos %x):", pos[:])
		} else {
			fmt.Fprintf(w, "%v:", k)
		}
		for _, c := range counters {
			fmt.Fprintf(w, " %d", c)
		}
		fmt.Fprintln(w)
		return true
	})
}
