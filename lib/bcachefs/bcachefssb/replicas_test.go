// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefssb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefssb"
)

// memStore is an in-memory bcachefssb.Store.
type memStore struct {
	dat []byte
}

func (s *memStore) LoadReplicas() ([]byte, error) { return s.dat, nil }
func (s *memStore) SaveReplicas(dat []byte) error {
	s.dat = append([]byte(nil), dat...)
	return nil
}

func TestMarkReplicas(t *testing.T) {
	t.Parallel()
	store := new(memStore)
	sb, err := bcachefssb.Open(store)
	require.NoError(t, err)

	e := bcachefsacct.Replicas{
		DataType:   bcachefsprim.DataUser,
		NrRequired: 1,
		Devs:       []bcachefsprim.DeviceID{1, 3},
	}
	assert.False(t, sb.MarkedReplicas(e))

	require.NoError(t, sb.MarkReplicas(e))
	assert.True(t, sb.MarkedReplicas(e))

	// Marking normalizes, so an unsorted query matches.
	assert.True(t, sb.MarkedReplicas(bcachefsacct.Replicas{
		DataType:   bcachefsprim.DataUser,
		NrRequired: 1,
		Devs:       []bcachefsprim.DeviceID{3, 1},
	}))

	// Marking is idempotent.
	require.NoError(t, sb.MarkReplicas(e))
	assert.Len(t, sb.Entries(), 1)
}

func TestMarkReplicasPersists(t *testing.T) {
	t.Parallel()
	store := new(memStore)
	sb, err := bcachefssb.Open(store)
	require.NoError(t, err)

	entries := []bcachefsacct.Replicas{
		{DataType: bcachefsprim.DataBtree, NrRequired: 1, Devs: []bcachefsprim.DeviceID{0, 1}},
		{DataType: bcachefsprim.DataUser, NrRequired: 1, Devs: []bcachefsprim.DeviceID{2}},
		{DataType: bcachefsprim.DataUser, NrRequired: 1, Devs: []bcachefsprim.DeviceID{0, 1}},
	}
	for _, e := range entries {
		require.NoError(t, sb.MarkReplicas(e))
	}

	sb2, err := bcachefssb.Open(store)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, sb2.MarkedReplicas(e))
	}
	assert.Equal(t, sb.Entries(), sb2.Entries())
}
