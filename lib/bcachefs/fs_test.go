// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefs_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs"
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

func openTestFS(t *testing.T, ctx context.Context) *bcachefs.FS {
	t.Helper()
	fs, err := bcachefs.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, fs.Close(ctx))
	})
	fs.GoRW()
	return fs
}

func readKey(t *testing.T, fs *bcachefs.FS, k bcachefsacct.Key) []int64 {
	t.Helper()
	pos, err := bcachefsacct.EncodePos(bcachefsacct.Normalize(k))
	require.NoError(t, err)
	out := make([]int64, bcachefsacct.NrCounters(k))
	fs.Acct.Read(pos, out, false)
	return out
}

func TestCommit(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	fs := openTestFS(t, ctx)

	tx := fs.NewTrans()
	require.NoError(t, tx.AccountingMod(bcachefsacct.NrInodes{}, []int64{2}, false))
	require.NoError(t, tx.AccountingMod(bcachefsacct.Replicas{
		DataType:   bcachefsprim.DataUser,
		NrRequired: 1,
		Devs:       []bcachefsprim.DeviceID{0, 1},
	}, []int64{128}, false))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []int64{2}, readKey(t, fs, bcachefsacct.NrInodes{}))

	usage := fs.Usage()
	assert.Equal(t, int64(2), usage.NrInodes)
	assert.Equal(t, int64(128), usage.Data)

	// The replicas configuration got marked as a side effect.
	assert.True(t, fs.SB.MarkedReplicas(bcachefsacct.Replicas{
		DataType:   bcachefsprim.DataUser,
		NrRequired: 1,
		Devs:       []bcachefsprim.DeviceID{0, 1},
	}))

	require.NoError(t, fs.VerifyAccountingClean(ctx))
}

func TestCommitReadOnly(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	fs, err := bcachefs.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, fs.Close(ctx))
	})

	tx := fs.NewTrans()
	require.NoError(t, tx.AccountingMod(bcachefsacct.NrInodes{}, []int64{1}, false))
	require.ErrorIs(t, tx.Commit(ctx), bcachefs.ErrReadOnly)
}

func TestCommitCoalesces(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	fs := openTestFS(t, ctx)

	tx := fs.NewTrans()
	require.NoError(t, tx.ModDevCachedSectors(3, 10))
	require.NoError(t, tx.ModDevCachedSectors(3, -4))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []int64{6}, readKey(t, fs, bcachefsacct.Replicas{
		DataType:   bcachefsprim.DataCached,
		NrRequired: 1,
		Devs:       []bcachefsprim.DeviceID{3},
	}))
	assert.Equal(t, int64(6), fs.Usage().Cached)
}

func TestPersistence(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	dir := t.TempDir()

	fs, err := bcachefs.Open(ctx, dir)
	require.NoError(t, err)
	fs.GoRW()
	tx := fs.NewTrans()
	require.NoError(t, tx.AccountingMod(bcachefsacct.NrInodes{}, []int64{42}, false))
	require.NoError(t, tx.AccountingMod(bcachefsacct.PersistentReserved{NrReplicas: 2}, []int64{100}, false))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, fs.Close(ctx))

	fs, err = bcachefs.Open(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, fs.Close(ctx))
	})
	assert.Equal(t, []int64{42}, readKey(t, fs, bcachefsacct.NrInodes{}))

	usage := fs.Usage()
	assert.Equal(t, int64(42), usage.NrInodes)
	assert.Equal(t, int64(200), usage.Reserved, "reserved space counts each replica")
	require.NoError(t, fs.VerifyAccountingClean(ctx))
}

func TestJournalReplay(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	dir := t.TempDir()

	// Hand-write journal records without flushing them, as a crash
	// between commit and write-buffer flush would leave them.
	store, err := bcachefsledger.Open(ctx, dir)
	require.NoError(t, err)
	pos, err := bcachefsacct.EncodePos(bcachefsacct.NrInodes{})
	require.NoError(t, err)
	seq := store.NextSeq()
	require.NoError(t, store.JournalAppend(ctx, []bcachefsledger.JournalRec{
		{Pos: pos, Val: bcachefsacct.Value{Version: bcachefsprim.BversionFromJournalPos(seq, 0), D: []int64{3}}},
		{Pos: pos, Val: bcachefsacct.Value{Version: bcachefsprim.BversionFromJournalPos(seq, 1), D: []int64{4}}},
	}))
	require.NoError(t, store.Close())

	fs, err := bcachefs.Open(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, fs.Close(ctx))
	})
	assert.Equal(t, []int64{7}, readKey(t, fs, bcachefsacct.NrInodes{}),
		"unflushed journal records replay into the table at mount")
	assert.Equal(t, int64(7), fs.Usage().NrInodes)
	require.NoError(t, fs.VerifyAccountingClean(ctx))
}

func TestCommitRevert(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	fs, err := bcachefs.Open(ctx, "")
	require.NoError(t, err)
	fs.GoRW()
	require.NoError(t, fs.GCAccountingStart(ctx))

	key := bcachefsacct.Snapshot{ID: 3}
	tx := fs.NewTrans()
	require.NoError(t, tx.AccountingMod(key, []int64{7}, true))
	require.NoError(t, tx.AccountingMod(bcachefsacct.NrInodes{}, []int64{1}, false))

	// Killing the store makes the journal append fail after the
	// table deltas have been applied.
	require.NoError(t, fs.Store.Close())
	require.Error(t, tx.Commit(ctx))

	assert.Equal(t, []int64{0}, readKey(t, fs, bcachefsacct.NrInodes{}))

	pos, err := bcachefsacct.EncodePos(key)
	require.NoError(t, err)
	out := make([]int64, 1)
	fs.Acct.Read(pos, out, true)
	assert.Equal(t, []int64{0}, out,
		"a failed commit must not leave shadow deltas behind")
}

func TestGCReconcile(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	fs := openTestFS(t, ctx)

	key := bcachefsacct.Snapshot{ID: 12}
	tx := fs.NewTrans()
	require.NoError(t, tx.AccountingMod(key, []int64{20}, false))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, fs.GCAccountingStart(ctx))

	// The recomputation says 15, not 20.
	tx = fs.NewTrans()
	require.NoError(t, tx.AccountingMod(key, []int64{15}, true))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, fs.GCAccountingDone(ctx, true))
	assert.Equal(t, []int64{15}, readKey(t, fs, key))
	require.NoError(t, fs.VerifyAccountingClean(ctx))
}

func TestGCAbort(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	fs := openTestFS(t, ctx)

	key := bcachefsacct.Snapshot{ID: 12}
	tx := fs.NewTrans()
	require.NoError(t, tx.AccountingMod(key, []int64{20}, false))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, fs.GCAccountingStart(ctx))
	fs.GCAccountingAbort()
	assert.False(t, fs.Acct.GCRunning())
	assert.Equal(t, []int64{20}, readKey(t, fs, key))
}

func TestDevUsage(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	fs := openTestFS(t, ctx)

	const dev = bcachefsprim.DeviceID(2)
	require.NoError(t, fs.RegisterDevice(dev, bcachefs.DevInfo{
		FirstBucket: 16,
		NBuckets:    1024,
		BucketSize:  512,
	}))
	require.NoError(t, fs.DevUsageInit(ctx, dev))

	du, ok := fs.DevUsageRead(dev)
	require.True(t, ok)
	assert.Equal(t, int64(1008), du[bcachefsprim.DataFree].Buckets)

	// Move some buckets to the journal; journal space is hidden.
	tx := fs.NewTrans()
	require.NoError(t, tx.AccountingMod(bcachefsacct.DevDataType{
		Dev:      dev,
		DataType: bcachefsprim.DataFree,
	}, []int64{-8, 0, 0}, false))
	require.NoError(t, tx.AccountingMod(bcachefsacct.DevDataType{
		Dev:      dev,
		DataType: bcachefsprim.DataJournal,
	}, []int64{8, 8 * 512, 0}, false))
	require.NoError(t, tx.Commit(ctx))

	du, ok = fs.DevUsageRead(dev)
	require.True(t, ok)
	assert.Equal(t, int64(1000), du[bcachefsprim.DataFree].Buckets)
	assert.Equal(t, int64(8), du[bcachefsprim.DataJournal].Buckets)
	assert.Equal(t, int64(8*512), fs.Usage().Hidden)

	require.NoError(t, fs.DevUsageRemove(ctx, dev))
	_, ok = fs.DevUsageRead(dev)
	assert.False(t, ok)
	assert.Equal(t, []int64{0, 0, 0}, readKey(t, fs, bcachefsacct.DevDataType{
		Dev:      dev,
		DataType: bcachefsprim.DataJournal,
	}))
	require.NoError(t, fs.VerifyAccountingClean(ctx))
}
