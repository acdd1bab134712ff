// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bcachefssb implements the superblock's replicas section:
// the registry of replica configurations in use.  The accounting
// subsystem consults it (a replicas-class key is only valid once its
// configuration is marked) and amends it when an update requires a
// configuration that is not yet marked.
package bcachefssb

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/binstruct"
)

// Store is where the superblock persists its replicas section.
type Store interface {
	LoadReplicas() ([]byte, error)
	SaveReplicas([]byte) error
}

// Superblock holds the mutable, persisted replicas registry for one
// mounted filesystem.
type Superblock struct {
	store Store

	mu      sync.RWMutex
	entries []bcachefsacct.Replicas
}

var _ bcachefsacct.ReplicasRegistry = (*Superblock)(nil)

func Open(store Store) (*Superblock, error) {
	sb := &Superblock{store: store}
	dat, err := store.LoadReplicas()
	if err != nil {
		return nil, fmt.Errorf("superblock: loading replicas section: %w", err)
	}
	for n := 0; n < len(dat); {
		var e bcachefsacct.Replicas
		_n, err := binstruct.Unmarshal(dat[n:], &e)
		if err != nil {
			return nil, fmt.Errorf("superblock: parsing replicas section at offset %v: %w", n, err)
		}
		n += _n
		sb.entries = append(sb.entries, e)
	}
	return sb, nil
}

func replicasEqual(a, b bcachefsacct.Replicas) bool {
	return a.DataType == b.DataType &&
		a.NrRequired == b.NrRequired &&
		slices.Equal(a.Devs, b.Devs)
}

// MarkedReplicas implements bcachefsacct.ReplicasRegistry.
func (sb *Superblock) MarkedReplicas(e bcachefsacct.Replicas) bool {
	e = bcachefsacct.Normalize(e).(bcachefsacct.Replicas)
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	for _, have := range sb.entries {
		if replicasEqual(have, e) {
			return true
		}
	}
	return false
}

// MarkReplicas implements bcachefsacct.ReplicasRegistry.  Marking is
// idempotent; the amended section is persisted before the call
// returns, since an update that depends on the mark must not become
// durable first.
func (sb *Superblock) MarkReplicas(e bcachefsacct.Replicas) error {
	e = bcachefsacct.Normalize(e).(bcachefsacct.Replicas)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, have := range sb.entries {
		if replicasEqual(have, e) {
			return nil
		}
	}
	entries := append(slices.Clone(sb.entries), e)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DataType != entries[j].DataType {
			return entries[i].DataType < entries[j].DataType
		}
		if entries[i].NrRequired != entries[j].NrRequired {
			return entries[i].NrRequired < entries[j].NrRequired
		}
		return slices.Compare(entries[i].Devs, entries[j].Devs) < 0
	})

	var dat []byte
	for _, have := range entries {
		bs, err := binstruct.Marshal(have)
		if err != nil {
			return fmt.Errorf("superblock: serializing replicas entry %v: %w", have, err)
		}
		dat = append(dat, bs...)
	}
	if err := sb.store.SaveReplicas(dat); err != nil {
		return fmt.Errorf("superblock: writing replicas section: %w", err)
	}
	sb.entries = entries
	return nil
}

// Entries returns a copy of the marked configurations.
func (sb *Superblock) Entries() []bcachefsacct.Replicas {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return slices.Clone(sb.entries)
}
