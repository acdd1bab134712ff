// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsacct

import (
	"fmt"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
)

// An Inconsistency is a named, fsck-checkable problem with on-disk
// accounting data.  Read paths log it and keep going rather than
// aborting the whole scan.
type Inconsistency struct {
	Name string
	Msg  string
}

func (e *Inconsistency) Error() string {
	return e.Name + ": " + e.Msg
}

func inconsistencyf(name, format string, a ...any) *Inconsistency {
	return &Inconsistency{
		Name: name,
		Msg:  fmt.Sprintf(format, a...),
	}
}

// Validate checks an accounting position (and the version stamp of
// the key at that position) for consistency.  Unrecognized tag bytes
// pass, so that newer filesystems degrade gracefully.
func Validate(pos Pos, version bcachefsprim.Bversion) error {
	if version.Zero() {
		return inconsistencyf("accounting_key_version_0",
			"accounting key with version=0")
	}

	k, payloadEnd, err := decodePos(pos)
	if err != nil {
		return inconsistencyf("accounting_key_invalid",
			"accounting key does not parse: %v", err)
	}

	if r, ok := k.(Replicas); ok {
		if len(r.Devs) == 0 {
			return inconsistencyf("accounting_key_replicas_nr_devs_0",
				"accounting key replicas entry with nr_devs=0")
		}
		if r.NrRequired < 1 ||
			int(r.NrRequired) > len(r.Devs) ||
			(r.NrRequired > 1 && int(r.NrRequired) == len(r.Devs)) {
			return inconsistencyf("accounting_key_replicas_nr_required_bad",
				"accounting key replicas entry with bad nr_required: %v", r)
		}
		for i := 0; i+1 < len(r.Devs); i++ {
			if r.Devs[i] >= r.Devs[i+1] {
				return inconsistencyf("accounting_key_replicas_devs_unsorted",
					"accounting key replicas entry with unsorted devs: %v", r.Devs)
			}
		}
	}

	for _, b := range pos[payloadEnd:] {
		if b != 0 {
			return inconsistencyf("accounting_key_junk_at_end",
				"junk at end of accounting key: %x", pos[payloadEnd:])
		}
	}
	return nil
}
