// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsacct

import (
	"encoding/binary"
	"fmt"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/binstruct"
)

// A Value is the payload of an accounting key: the version stamp
// assigned at transaction commit, and 1..MaxCounters signed counters.
// In the journal and the write buffer the counters are deltas; in the
// persistent accounting btree they are the accumulated sums.
type Value struct {
	Version bcachefsprim.Bversion
	D       []int64
}

var (
	_ binstruct.Marshaler   = Value{}
	_ binstruct.Unmarshaler = (*Value)(nil)
)

// MarshalBinary implements binstruct.Marshaler.
func (v Value) MarshalBinary() ([]byte, error) {
	if len(v.D) == 0 || len(v.D) > MaxCounters {
		return nil, fmt.Errorf("accounting value with %v counters (must be 1..%v)",
			len(v.D), MaxCounters)
	}
	ret := make([]byte, 0, 8+1+8*len(v.D))
	ret = binary.LittleEndian.AppendUint64(ret, uint64(v.Version))
	ret = append(ret, byte(len(v.D)))
	for _, d := range v.D {
		ret = binary.LittleEndian.AppendUint64(ret, uint64(d))
	}
	return ret, nil
}

// UnmarshalBinary implements binstruct.Unmarshaler.
func (v *Value) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < 9 {
		return 0, fmt.Errorf("accounting value: need at least 9 bytes, only have %v", len(dat))
	}
	v.Version = bcachefsprim.Bversion(binary.LittleEndian.Uint64(dat))
	nr := int(dat[8])
	if nr == 0 || nr > MaxCounters {
		return 9, fmt.Errorf("accounting value with %v counters (must be 1..%v)", nr, MaxCounters)
	}
	if len(dat) < 9+8*nr {
		return 9, fmt.Errorf("accounting value: nr_counters=%v but only %v payload bytes", nr, len(dat)-9)
	}
	v.D = make([]int64, nr)
	for i := 0; i < nr; i++ {
		v.D[i] = int64(binary.LittleEndian.Uint64(dat[9+8*i:]))
	}
	return 9 + 8*nr, nil
}

// IsZero reports whether every counter is zero.  A key whose counters
// are all zero may as well not exist.
func (v Value) IsZero() bool {
	for _, d := range v.D {
		if d != 0 {
			return false
		}
	}
	return true
}

// Accumulate folds src's counters into dst; dst ends up with the
// higher of the two version stamps.
func Accumulate(dst *Value, src Value) {
	for len(dst.D) < len(src.D) {
		dst.D = append(dst.D, 0)
	}
	for i, d := range src.D {
		dst.D[i] += d
	}
	if dst.Version.Compare(src.Version) < 0 {
		dst.Version = src.Version
	}
}
