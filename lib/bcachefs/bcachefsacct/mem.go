// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsacct

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/textui"
)

// Mode says on whose authority an update is being applied.
type Mode int8

const (
	// ModeNormal is an ordinary runtime update from a committing
	// transaction.
	ModeNormal Mode = iota
	// ModeRead is a trusted mount-time update from reading the
	// persisted ledger or replaying the journal; replicas-marking
	// is not enforced, it is checked (and repaired) afterwards.
	ModeRead
	// ModeGC applies into the GC shadow counters instead of the
	// live ones.
	ModeGC
)

// ReplicasRegistry is the accounting table's view of the superblock's
// replicas section: every replicas-class key must be marked there
// before an update to it may proceed.
type ReplicasRegistry interface {
	MarkedReplicas(e Replicas) bool
	MarkReplicas(e Replicas) error
}

var (
	// ErrNoMemDiskAccounting is returned when per-shard counter
	// storage (or room in the table) cannot be allocated; the
	// triggering update is aborted with no partial entry left
	// behind.
	ErrNoMemDiskAccounting = errors.New("disk accounting: cannot allocate in-memory entry")

	// ErrNeedsMarkReplicas is returned when a replicas-class
	// update cannot proceed until its configuration is registered
	// in the superblock; the caller marks the registry and
	// retries the same update.
	ErrNeedsMarkReplicas = errors.New("disk accounting: replicas entry not marked in superblock")
)

const (
	ctrLive   = 0
	ctrShadow = 1
)

type memEntry struct {
	pos Pos

	// version is the highest stamp seen for this position.  Only
	// the single-threaded read/replay path writes it; committing
	// transactions never touch it.
	version    bcachefsprim.Bversion
	nrCounters int

	// Per-shard counter storage, nrCounters slots per shard,
	// accessed with atomics.  v[ctrShadow] is only allocated
	// while a GC pass is running.
	v [2][]int64
}

// Mem is the in-memory accounting table: one per mounted filesystem,
// created at mount and destroyed at teardown.  Entries are kept in an
// array sorted by position; all references into it are indices, since
// the array moves when it grows.
type Mem struct {
	sb       ReplicasRegistry
	nrShards int

	// maxEntries caps table growth so that an allocation-failure
	// path exists and is testable.
	maxEntries int

	// markLock guards the table.  Ordinary delta application and
	// read-aggregation take the shared side (per-shard counter
	// mutation needs no structural exclusivity); insertion,
	// compaction, and the GC start/done transitions take the
	// exclusive side.  Exclusive acquisition mid-operation must
	// drop the shared side first and retake it after.
	markLock  sync.RWMutex
	k         []memEntry
	gcRunning bool
}

func NewMem(sb ReplicasRegistry, nrShards int) *Mem {
	if nrShards < 1 {
		nrShards = 1
	}
	return &Mem{
		sb:         sb,
		nrShards:   nrShards,
		maxEntries: textui.Tunable(1 << 20),
	}
}

// SetMaxEntries adjusts the cap on table growth.
func (m *Mem) SetMaxEntries(n int) {
	m.markLock.Lock()
	defer m.markLock.Unlock()
	m.maxEntries = n
}

// findIdxLocked binary-searches the sorted entry array.  Caller must
// hold markLock (either side).
func (m *Mem) findIdxLocked(pos Pos) (int, bool) {
	i := sort.Search(len(m.k), func(i int) bool {
		return m.k[i].pos.Compare(pos) >= 0
	})
	return i, i < len(m.k) && m.k[i].pos == pos
}

// posNrCounters sizes a new entry.  A malformed ledger value may
// carry fewer counters than the key variant defines; sizing by the
// variant keeps later full-width deltas from being truncated.
func posNrCounters(pos Pos, fallback int) int {
	k, _, err := decodePos(pos)
	if err != nil {
		return fallback
	}
	if n := NrCounters(k); n > fallback {
		return n
	}
	return fallback
}

func (m *Mem) insertLocked(pos Pos, nrCounters int) error {
	// Raced with another insert, already present:
	if _, ok := m.findIdxLocked(pos); ok {
		return nil
	}
	if len(m.k) >= m.maxEntries {
		return ErrNoMemDiskAccounting
	}
	e := memEntry{
		pos:        pos,
		nrCounters: posNrCounters(pos, nrCounters),
	}
	e.v[ctrLive] = make([]int64, e.nrCounters*m.nrShards)
	if m.gcRunning {
		e.v[ctrShadow] = make([]int64, e.nrCounters*m.nrShards)
	}
	m.k = append(m.k, e)
	sort.Slice(m.k, func(i, j int) bool {
		return m.k[i].pos.Compare(m.k[j].pos) < 0
	})
	return nil
}

// insert is called with the shared side of markLock held; taking the
// exclusive side requires dropping shared first and retaking it
// after, so the caller must re-do its lookup afterwards.
func (m *Mem) insert(pos Pos, nrCounters int) error {
	m.markLock.RUnlock()
	m.markLock.Lock()
	err := m.insertLocked(pos, nrCounters)
	m.markLock.Unlock()
	m.markLock.RLock()
	return err
}

// Preallocate ensures an entry exists for pos, so that a later Mod
// cannot fail on allocation.  An entry with all-zero counters is
// semantically absent, so preallocating is not observable.
func (m *Mem) Preallocate(pos Pos, nrCounters int) error {
	m.markLock.RLock()
	defer m.markLock.RUnlock()
	if _, ok := m.findIdxLocked(pos); ok {
		return nil
	}
	return m.insert(pos, nrCounters)
}

// Mod applies a delta to the entry at pos, inserting it if absent.
// shard selects the per-shard counter slot; the caller's transaction
// context owns its shard for the duration of the call.
//
// In read/replay mode, a nonzero version that does not exceed the
// entry's last-applied version makes the call a no-op: that is what
// makes journal replay idempotent.  Committed deltas always
// accumulate; their stamps are only consulted at the next replay,
// so two commits racing on the same key both land regardless of
// which sequence number applies first.
func (m *Mem) Mod(pos Pos, version bcachefsprim.Bversion, deltas []int64, mode Mode, shard int) error {
	if len(deltas) == 0 || len(deltas) > MaxCounters {
		panic(fmt.Errorf("bcachefsacct: Mod: nr_counters=%v out of range", len(deltas)))
	}
	m.markLock.RLock()
	defer m.markLock.RUnlock()
	return m.modLocked(pos, version, deltas, mode, shard)
}

func (m *Mem) modLocked(pos Pos, version bcachefsprim.Bversion, deltas []int64, mode Mode, shard int) error {
	if mode != ModeRead && pos.AcctType() == TypeReplicas {
		if k, _, err := decodePos(pos); err == nil {
			if r, ok := k.(Replicas); ok && !m.sb.MarkedReplicas(r) {
				return ErrNeedsMarkReplicas
			}
		}
	}

	idx, ok := m.findIdxLocked(pos)
	if !ok {
		if err := m.insert(pos, len(deltas)); err != nil {
			return err
		}
		// insert dropped and retook the lock; look up again.
		idx, ok = m.findIdxLocked(pos)
		if !ok {
			panic(fmt.Errorf("bcachefsacct: Mod: entry for %v vanished after insert", pos))
		}
	}
	e := &m.k[idx]

	which := ctrLive
	switch {
	case mode == ModeGC:
		which = ctrShadow
		if e.v[ctrShadow] == nil {
			panic(fmt.Errorf("bcachefsacct: Mod: gc-mode update while no gc pass is running"))
		}
	case mode == ModeRead && !version.Zero():
		if version.Compare(e.version) <= 0 {
			return nil
		}
		e.version = version
	}

	base := (shard % m.nrShards) * e.nrCounters
	for i, d := range deltas {
		if i >= e.nrCounters {
			break
		}
		atomic.AddInt64(&e.v[which][base+i], d)
	}
	return nil
}

// Read sums the per-shard counters at pos into out.  Reads of absent
// keys yield zeroes; there is no "not found" error.
func (m *Mem) Read(pos Pos, out []int64, gcCounters bool) {
	for i := range out {
		out[i] = 0
	}
	m.markLock.RLock()
	defer m.markLock.RUnlock()
	idx, ok := m.findIdxLocked(pos)
	if !ok {
		return
	}
	m.readCountersLocked(idx, out, gcCounters)
}

func (m *Mem) readCountersLocked(idx int, out []int64, gcCounters bool) {
	e := &m.k[idx]
	which := ctrLive
	if gcCounters {
		which = ctrShadow
		if e.v[ctrShadow] == nil {
			return
		}
	}
	n := len(out)
	if e.nrCounters < n {
		n = e.nrCounters
	}
	for s := 0; s < m.nrShards; s++ {
		base := s * e.nrCounters
		for i := 0; i < n; i++ {
			out[i] += atomic.LoadInt64(&e.v[which][base+i])
		}
	}
}

// Version returns the last-applied version stamp for pos.
func (m *Mem) Version(pos Pos) (bcachefsprim.Bversion, bool) {
	m.markLock.RLock()
	defer m.markLock.RUnlock()
	idx, ok := m.findIdxLocked(pos)
	if !ok {
		return 0, false
	}
	return m.k[idx].version, true
}

// Len returns the number of entries (including all-zero ones that
// compaction has not swept yet).
func (m *Mem) Len() int {
	m.markLock.RLock()
	defer m.markLock.RUnlock()
	return len(m.k)
}

var counterBufPool = typedsync.Pool[[]int64]{
	New: func() []int64 {
		return make([]int64, MaxCounters)
	},
}

// ForEach visits every entry in position order with its summed
// counters.  fn must not call back into m, and must not retain the
// counters slice.
func (m *Mem) ForEach(gcCounters bool, fn func(pos Pos, version bcachefsprim.Bversion, counters []int64) bool) {
	buf, _ := counterBufPool.Get()
	defer counterBufPool.Put(buf)
	m.markLock.RLock()
	defer m.markLock.RUnlock()
	for idx := range m.k {
		counters := buf[:m.k[idx].nrCounters]
		for i := range counters {
			counters[i] = 0
		}
		m.readCountersLocked(idx, counters, gcCounters)
		if !fn(m.k[idx].pos, m.k[idx].version, counters) {
			break
		}
	}
}

func (m *Mem) entryIsZeroLocked(idx int) bool {
	e := &m.k[idx]
	for s := 0; s < m.nrShards; s++ {
		base := s * e.nrCounters
		for i := 0; i < e.nrCounters; i++ {
			if atomic.LoadInt64(&e.v[ctrLive][base+i]) != 0 {
				return false
			}
			if e.v[ctrShadow] != nil && atomic.LoadInt64(&e.v[ctrShadow][base+i]) != 0 {
				return false
			}
		}
	}
	return true
}

// CompactZeros removes every entry whose counters are all zero.
// Filtering preserves the sort order.
func (m *Mem) CompactZeros() {
	m.markLock.Lock()
	defer m.markLock.Unlock()
	dst := m.k[:0]
	for idx := range m.k {
		if m.entryIsZeroLocked(idx) {
			continue
		}
		dst = append(dst, m.k[idx])
	}
	m.k = dst
}

// GCStart allocates a shadow counter buffer for every current entry
// and marks the table as GC-active; entries inserted while the pass
// runs get their shadow buffer at insert time.
func (m *Mem) GCStart() error {
	m.markLock.Lock()
	defer m.markLock.Unlock()
	for idx := range m.k {
		m.k[idx].v[ctrShadow] = make([]int64, m.k[idx].nrCounters*m.nrShards)
	}
	m.gcRunning = true
	return nil
}

func (m *Mem) GCRunning() bool {
	m.markLock.RLock()
	defer m.markLock.RUnlock()
	return m.gcRunning
}

func (m *Mem) gcFreeLocked() {
	for idx := range m.k {
		m.k[idx].v[ctrShadow] = nil
	}
	m.gcRunning = false
}

// GCFree discards the shadow buffers without reconciling; used when a
// GC pass is aborted.
func (m *Mem) GCFree() {
	m.markLock.Lock()
	defer m.markLock.Unlock()
	m.gcFreeLocked()
}

func (m *Mem) findGELocked(pos Pos) int {
	return sort.Search(len(m.k), func(i int) bool {
		return m.k[i].pos.Compare(pos) >= 0
	})
}

// GCDone compares shadow vs live counters for every entry.  For a
// mismatch, the corrective delta (shadow minus live) is handed to
// fix, which is expected to commit it as a normal ledger update; if
// fix is nil the mismatch is only reported.  Afterwards the shadow
// buffers are freed and the table leaves GC-active state.
//
// fix is called with markLock dropped, because committing re-enters
// the table; the scan resumes at the successor position since the
// table may have changed in the meantime.
func (m *Mem) GCDone(ctx context.Context, fix func(ctx context.Context, k Key, deltas []int64) error) error {
	m.markLock.Lock()
	defer m.markLock.Unlock()

	pos := MinPos
	// Successor wraps back to MinPos past the maximal position;
	// that ends the scan.
	for wrapped := false; !wrapped; {
		idx := m.findGELocked(pos)
		if idx >= len(m.k) {
			break
		}
		e := &m.k[idx]
		pos = e.pos.Successor()
		wrapped = pos == MinPos

		k, _, err := decodePos(e.pos)
		if err != nil {
			continue
		}
		if _, unknown := k.(Unknown); unknown {
			continue
		}

		liveV := make([]int64, e.nrCounters)
		gcV := make([]int64, e.nrCounters)
		m.readCountersLocked(idx, liveV, false)
		m.readCountersLocked(idx, gcV, true)
		if slices.Equal(liveV, gcV) {
			continue
		}

		msg := fmt.Sprintf("accounting mismatch for %v: got %v should be %v", k, liveV, gcV)
		if fix == nil {
			dlog.Warnln(ctx, msg)
			continue
		}
		dlog.Errorf(ctx, "%s, fixing", msg)

		for i := range gcV {
			gcV[i] -= liveV[i]
		}

		// e may move while the lock is dropped; don't touch it
		// after this point.
		m.markLock.Unlock()
		err = fix(ctx, k, gcV)
		m.markLock.Lock()
		if err != nil {
			return err
		}
	}

	m.gcFreeLocked()
	return nil
}
