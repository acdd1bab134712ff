// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsacct_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/textui"
)

// fakeRegistry is an in-memory bcachefsacct.ReplicasRegistry.
type fakeRegistry struct {
	marked []bcachefsacct.Replicas
}

func (r *fakeRegistry) MarkedReplicas(e bcachefsacct.Replicas) bool {
	for _, have := range r.marked {
		if have.String() == e.String() {
			return true
		}
	}
	return false
}

func (r *fakeRegistry) MarkReplicas(e bcachefsacct.Replicas) error {
	if !r.MarkedReplicas(e) {
		r.marked = append(r.marked, e)
	}
	return nil
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	logger := textui.NewLogger(&testWriter{t: t}, dlog.LogLevelTrace)
	return dlog.WithLogger(context.Background(), logger)
}

type testWriter struct{ t *testing.T }

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestMemModRead(t *testing.T) {
	t.Parallel()
	m := bcachefsacct.NewMem(new(fakeRegistry), 4)
	pos := mustEncode(t, bcachefsacct.NrInodes{})

	out := make([]int64, 1)
	m.Read(pos, out, false)
	assert.Equal(t, []int64{0}, out, "reads of absent keys yield zeroes")

	require.NoError(t, m.Mod(pos, 0, []int64{5}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(pos, 0, []int64{-2}, bcachefsacct.ModeNormal, 3))
	m.Read(pos, out, false)
	assert.Equal(t, []int64{3}, out, "reads sum the deltas across shards")
}

func TestMemVersionIdempotence(t *testing.T) {
	t.Parallel()
	m := bcachefsacct.NewMem(new(fakeRegistry), 1)
	pos := mustEncode(t, bcachefsacct.NrInodes{})

	v1 := bcachefsprim.BversionFromJournalPos(1, 0)
	v2 := bcachefsprim.BversionFromJournalPos(1, 1)

	require.NoError(t, m.Mod(pos, v1, []int64{5}, bcachefsacct.ModeRead, 0))
	require.NoError(t, m.Mod(pos, v1, []int64{5}, bcachefsacct.ModeRead, 0))
	require.NoError(t, m.Mod(pos, v2, []int64{2}, bcachefsacct.ModeRead, 0))
	require.NoError(t, m.Mod(pos, v1, []int64{100}, bcachefsacct.ModeRead, 0))

	out := make([]int64, 1)
	m.Read(pos, out, false)
	assert.Equal(t, []int64{7}, out, "replaying an already-applied version must be a no-op")

	have, ok := m.Version(pos)
	require.True(t, ok)
	assert.Equal(t, v2, have)
}

func TestMemCommitOrderIndependent(t *testing.T) {
	t.Parallel()
	m := bcachefsacct.NewMem(new(fakeRegistry), 1)
	pos := mustEncode(t, bcachefsacct.NrInodes{})

	v1 := bcachefsprim.BversionFromJournalPos(1, 0)
	v2 := bcachefsprim.BversionFromJournalPos(2, 0)

	// Two racing commits can apply in the opposite order of their
	// sequence numbers; both deltas must land.
	require.NoError(t, m.Mod(pos, v2, []int64{4}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(pos, v1, []int64{3}, bcachefsacct.ModeNormal, 0))

	out := make([]int64, 1)
	m.Read(pos, out, false)
	assert.Equal(t, []int64{7}, out, "a committed delta must never be dropped")
}

func TestMemEntryWidth(t *testing.T) {
	t.Parallel()
	m := bcachefsacct.NewMem(new(fakeRegistry), 1)
	pos := mustEncode(t, bcachefsacct.DevDataType{Dev: 1, DataType: bcachefsprim.DataJournal})

	// A truncated ledger value must not freeze the entry narrower
	// than its key variant defines; later full-width deltas still
	// land whole.
	require.NoError(t, m.Mod(pos, bcachefsprim.BversionFromJournalPos(1, 0), []int64{4}, bcachefsacct.ModeRead, 0))
	require.NoError(t, m.Mod(pos, 0, []int64{1, 2, 3}, bcachefsacct.ModeNormal, 0))

	out := make([]int64, 3)
	m.Read(pos, out, false)
	assert.Equal(t, []int64{5, 2, 3}, out)
}

func TestMemNeedsMark(t *testing.T) {
	t.Parallel()
	sb := new(fakeRegistry)
	m := bcachefsacct.NewMem(sb, 1)
	r := bcachefsacct.Replicas{
		DataType:   bcachefsprim.DataUser,
		NrRequired: 1,
		Devs:       []bcachefsprim.DeviceID{1, 2},
	}
	pos := mustEncode(t, r)

	err := m.Mod(pos, 0, []int64{8}, bcachefsacct.ModeNormal, 0)
	require.ErrorIs(t, err, bcachefsacct.ErrNeedsMarkReplicas)

	out := make([]int64, 1)
	m.Read(pos, out, false)
	assert.Equal(t, []int64{0}, out, "a rejected update must not leave a partial entry")

	require.NoError(t, sb.MarkReplicas(r))
	require.NoError(t, m.Mod(pos, 0, []int64{8}, bcachefsacct.ModeNormal, 0))
	m.Read(pos, out, false)
	assert.Equal(t, []int64{8}, out)

	// Mount-time reads are trusted; marking is checked afterwards.
	m2 := bcachefsacct.NewMem(new(fakeRegistry), 1)
	require.NoError(t, m2.Mod(pos, bcachefsprim.BversionFromJournalPos(1, 0), []int64{8}, bcachefsacct.ModeRead, 0))
}

func TestMemCompactZeros(t *testing.T) {
	t.Parallel()
	m := bcachefsacct.NewMem(new(fakeRegistry), 2)
	posA := mustEncode(t, bcachefsacct.NrInodes{})
	posB := mustEncode(t, bcachefsacct.Snapshot{ID: 1})

	require.NoError(t, m.Mod(posA, 0, []int64{4}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(posA, 0, []int64{-4}, bcachefsacct.ModeNormal, 1))
	require.NoError(t, m.Mod(posB, 0, []int64{1}, bcachefsacct.ModeNormal, 0))
	assert.Equal(t, 2, m.Len())

	m.CompactZeros()
	assert.Equal(t, 1, m.Len())

	out := make([]int64, 1)
	m.Read(posB, out, false)
	assert.Equal(t, []int64{1}, out)
}

func TestMemMaxEntries(t *testing.T) {
	t.Parallel()
	m := bcachefsacct.NewMem(new(fakeRegistry), 1)
	m.SetMaxEntries(2)

	require.NoError(t, m.Mod(mustEncode(t, bcachefsacct.Snapshot{ID: 1}), 0, []int64{1}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(mustEncode(t, bcachefsacct.Snapshot{ID: 2}), 0, []int64{1}, bcachefsacct.ModeNormal, 0))
	err := m.Mod(mustEncode(t, bcachefsacct.Snapshot{ID: 3}), 0, []int64{1}, bcachefsacct.ModeNormal, 0)
	require.ErrorIs(t, err, bcachefsacct.ErrNoMemDiskAccounting)

	// Existing entries must still be modifiable.
	require.NoError(t, m.Mod(mustEncode(t, bcachefsacct.Snapshot{ID: 1}), 0, []int64{1}, bcachefsacct.ModeNormal, 0))
}

func TestMemGC(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	m := bcachefsacct.NewMem(new(fakeRegistry), 2)
	posA := mustEncode(t, bcachefsacct.NrInodes{})
	posB := mustEncode(t, bcachefsacct.Snapshot{ID: 7})
	posC := mustEncode(t, bcachefsacct.Snapshot{ID: 9})

	require.NoError(t, m.Mod(posA, 0, []int64{10}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(posB, 0, []int64{20}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(posC, 0, []int64{30}, bcachefsacct.ModeNormal, 0))

	require.NoError(t, m.GCStart())
	assert.True(t, m.GCRunning())

	// Recompute: posA agrees, posB is short by 5, posC is absent
	// (counts as zero).
	require.NoError(t, m.Mod(posA, 0, []int64{10}, bcachefsacct.ModeGC, 1))
	require.NoError(t, m.Mod(posB, 0, []int64{15}, bcachefsacct.ModeGC, 0))

	var fixed []bcachefsacct.Key
	var deltas [][]int64
	err := m.GCDone(ctx, func(_ context.Context, k bcachefsacct.Key, d []int64) error {
		fixed = append(fixed, k)
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, m.GCRunning())

	require.Len(t, fixed, 2)
	assert.Equal(t, bcachefsacct.Snapshot{ID: 7}, fixed[0])
	assert.Equal(t, []int64{-5}, deltas[0])
	assert.Equal(t, bcachefsacct.Snapshot{ID: 9}, fixed[1])
	assert.Equal(t, []int64{-30}, deltas[1])
}

func TestMemGCReportOnly(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	m := bcachefsacct.NewMem(new(fakeRegistry), 1)
	pos := mustEncode(t, bcachefsacct.NrInodes{})

	require.NoError(t, m.Mod(pos, 0, []int64{10}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.GCStart())
	require.NoError(t, m.GCDone(ctx, nil))

	out := make([]int64, 1)
	m.Read(pos, out, false)
	assert.Equal(t, []int64{10}, out, "without a fix callback the live counters are untouched")
}

func TestMemGCScanTerminates(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	m := bcachefsacct.NewMem(new(fakeRegistry), 1)

	// An entry at the maximal position has no successor; the
	// reconciliation scan must still end.
	require.NoError(t, m.Mod(mustEncode(t, bcachefsacct.NrInodes{}), 0, []int64{5}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(bcachefsacct.MaxPos, 0, []int64{1}, bcachefsacct.ModeNormal, 0))

	require.NoError(t, m.GCStart())
	require.NoError(t, m.GCDone(ctx, nil))
	assert.False(t, m.GCRunning())
}

func TestMemEntriesRead(t *testing.T) {
	t.Parallel()
	m := bcachefsacct.NewMem(new(fakeRegistry), 1)

	require.NoError(t, m.Mod(mustEncode(t, bcachefsacct.NrInodes{}), 0, []int64{3}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(mustEncode(t, bcachefsacct.Snapshot{ID: 1}), 0, []int64{0}, bcachefsacct.ModeNormal, 0))
	require.NoError(t, m.Mod(mustEncode(t, bcachefsacct.Btree{ID: bcachefsprim.BtreeExtents}), 0, []int64{9}, bcachefsacct.ModeNormal, 0))

	all := m.EntriesRead(bcachefsacct.MaskAll())
	require.Len(t, all, 2, "all-zero entries are not exported")
	assert.Equal(t, bcachefsacct.NrInodes{}, all[0].Key)
	assert.Equal(t, []int64{3}, all[0].Counters)

	onlyBtree := m.EntriesRead(bcachefsacct.MaskOf(bcachefsacct.TypeBtree))
	require.Len(t, onlyBtree, 1)
	assert.Equal(t, []int64{9}, onlyBtree[0].Counters)
}
