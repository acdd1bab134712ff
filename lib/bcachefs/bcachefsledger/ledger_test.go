// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsledger_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsledger"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/textui"
)

type testWriter struct{ t *testing.T }

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	logger := textui.NewLogger(&testWriter{t: t}, dlog.LogLevelInfo)
	return dlog.WithLogger(context.Background(), logger)
}

func mustEncode(t *testing.T, k bcachefsacct.Key) bcachefsacct.Pos {
	t.Helper()
	pos, err := bcachefsacct.EncodePos(k)
	require.NoError(t, err)
	return pos
}

func TestFlushAccumulates(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	store, err := bcachefsledger.Open(ctx, "")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, store.Close())
	}()

	pos := mustEncode(t, bcachefsacct.NrInodes{})
	seq := store.NextSeq()
	require.NoError(t, store.JournalAppend(ctx, []bcachefsledger.JournalRec{
		{Pos: pos, Val: bcachefsacct.Value{Version: bcachefsprim.BversionFromJournalPos(seq, 0), D: []int64{5}}},
		{Pos: pos, Val: bcachefsacct.Value{Version: bcachefsprim.BversionFromJournalPos(seq, 1), D: []int64{2}}},
	}))

	_, ok, err := store.ReadAcct(pos)
	require.NoError(t, err)
	assert.False(t, ok, "journal records must not be visible in the btree before flush")

	require.NoError(t, store.Flush(ctx))

	val, ok, err := store.ReadAcct(pos)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{7}, val.D)
	assert.Equal(t, bcachefsprim.BversionFromJournalPos(seq, 1), val.Version)

	var left int
	require.NoError(t, store.IterJournal(ctx, func(bcachefsledger.JournalRec) error {
		left++
		return nil
	}))
	assert.Zero(t, left, "flush must consume the journal")

	// A second flush is a no-op.
	require.NoError(t, store.Flush(ctx))
	val, ok, err = store.ReadAcct(pos)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{7}, val.D)
}

func TestFlushOutOfOrderVersions(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	store, err := bcachefsledger.Open(ctx, "")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, store.Close())
	}()

	pos := mustEncode(t, bcachefsacct.NrInodes{})
	seq1 := store.NextSeq()
	seq2 := store.NextSeq()

	// Two racing commits can reach the journal in the opposite
	// order of their sequence numbers; both deltas must survive the
	// fold.
	require.NoError(t, store.JournalAppend(ctx, []bcachefsledger.JournalRec{
		{Pos: pos, Val: bcachefsacct.Value{Version: bcachefsprim.BversionFromJournalPos(seq2, 0), D: []int64{4}}},
	}))
	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.JournalAppend(ctx, []bcachefsledger.JournalRec{
		{Pos: pos, Val: bcachefsacct.Value{Version: bcachefsprim.BversionFromJournalPos(seq1, 0), D: []int64{3}}},
	}))
	require.NoError(t, store.Flush(ctx))

	val, ok, err := store.ReadAcct(pos)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{7}, val.D, "a committed delta must never be dropped")
	assert.Equal(t, bcachefsprim.BversionFromJournalPos(seq2, 0), val.Version,
		"the stored stamp is the highest ever folded")
}

func TestSeqRecovery(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	dir := t.TempDir()

	store, err := bcachefsledger.Open(ctx, dir)
	require.NoError(t, err)
	pos := mustEncode(t, bcachefsacct.NrInodes{})
	var lastSeq uint64
	for i := 0; i < 3; i++ {
		lastSeq = store.NextSeq()
		require.NoError(t, store.JournalAppend(ctx, []bcachefsledger.JournalRec{
			{Pos: pos, Val: bcachefsacct.Value{Version: bcachefsprim.BversionFromJournalPos(lastSeq, 0), D: []int64{1}}},
		}))
	}
	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.Close())

	store, err = bcachefsledger.Open(ctx, dir)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, store.Close())
	}()
	assert.Greater(t, store.NextSeq(), lastSeq,
		"sequence numbers must stay monotonic across a reopen")
}

func TestDeleteAcct(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	store, err := bcachefsledger.Open(ctx, "")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, store.Close())
	}()

	pos := mustEncode(t, bcachefsacct.DevDataType{Dev: 1, DataType: bcachefsprim.DataFree})
	require.NoError(t, store.JournalAppend(ctx, []bcachefsledger.JournalRec{
		{Pos: pos, Val: bcachefsacct.Value{Version: bcachefsprim.BversionFromJournalPos(store.NextSeq(), 0), D: []int64{4, 0, 0}}},
	}))
	require.NoError(t, store.Flush(ctx))

	require.NoError(t, store.DeleteAcct(ctx, []bcachefsacct.Pos{pos}))
	_, ok, err := store.ReadAcct(pos)
	require.NoError(t, err)
	assert.False(t, ok)
}
