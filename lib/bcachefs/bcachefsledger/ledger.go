// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bcachefsledger implements the persistent side of disk
// accounting: the accounting btree (where counters are accumulated
// sums) and the journal of not-yet-flushed deltas, both stored in a
// Badger keyspace.
//
// An accounting update becomes durable in two steps: the committing
// transaction appends a delta record to the journal, and a later
// write-buffer flush folds the delta into the accounting btree.
// Reading from the btree is comparatively expensive, which is why the
// in-memory table (bcachefsacct.Mem) exists; point reads here go
// through a small LRU cache.
package bcachefsledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v2"
	lru "github.com/hashicorp/golang-lru"

	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsacct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/bcachefs/bcachefsprim"
	"git.lukeshu.com/bcachefs-progs-ng/lib/binstruct"
	"git.lukeshu.com/bcachefs-progs-ng/lib/textui"
)

var (
	acctPrefix    = []byte("a:")
	journalPrefix = []byte("j:")
	sbReplicasKey = []byte("s:replicas")
)

// flushBatch bounds how many journal records one flush transaction
// folds, to stay under Badger's transaction size limit.
var flushBatch = textui.Tunable(128)

// A JournalRec is one pending accounting delta: the position it
// applies to, and the stamped delta value.
type JournalRec struct {
	Pos bcachefsacct.Pos
	Val bcachefsacct.Value
}

// Store is the persistent ledger for one mounted filesystem.
type Store struct {
	db    *badger.DB
	cache *lru.Cache

	// seq is the last journal sequence number handed out;
	// recovered at open from the highest stamp found on disk.
	seq uint64
}

// Open opens (creating if needed) the ledger at dir.  An empty dir
// opens an in-memory store, for tests.
func Open(ctx context.Context, dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{ctx: ctx})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %q: %w", dir, err)
	}
	cache, err := lru.New(textui.Tunable(1024))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{
		db:    db,
		cache: cache,
	}
	if err := s.recoverSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// recoverSeq scans for the highest journal sequence ever stamped, so
// that sequence numbers stay monotonic across a crash.
func (s *Store) recoverSeq() error {
	var max uint64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: journalPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			seq := binary.BigEndian.Uint64(it.Item().Key()[len(journalPrefix):])
			if seq > max {
				max = seq
			}
		}
		it2 := txn.NewIterator(badger.IteratorOptions{Prefix: acctPrefix})
		defer it2.Close()
		for it2.Rewind(); it2.Valid(); it2.Next() {
			err := it2.Item().Value(func(dat []byte) error {
				var val bcachefsacct.Value
				if _, err := binstruct.Unmarshal(dat, &val); err != nil {
					return nil //nolint:nilerr // replay validates; here we only want the seq
				}
				if seq := val.Version.JournalSeq(); seq > max {
					max = seq
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: recovering journal sequence: %w", err)
	}
	atomic.StoreUint64(&s.seq, max)
	return nil
}

// NextSeq allocates the journal sequence number for one transaction
// commit.
func (s *Store) NextSeq() uint64 {
	return atomic.AddUint64(&s.seq, 1)
}

func acctKey(pos bcachefsacct.Pos) []byte {
	return append(append([]byte{}, acctPrefix...), pos[:]...)
}

func journalKey(version bcachefsprim.Bversion) []byte {
	ret := append([]byte{}, journalPrefix...)
	ret = binary.BigEndian.AppendUint64(ret, version.JournalSeq())
	ret = binary.BigEndian.AppendUint32(ret, version.JournalOffset())
	return ret
}

func marshalRec(rec JournalRec) ([]byte, error) {
	val, err := binstruct.Marshal(rec.Val)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, rec.Pos[:]...), val...), nil
}

func unmarshalRec(dat []byte) (JournalRec, error) {
	var rec JournalRec
	if len(dat) < bcachefsacct.PosSize {
		return rec, fmt.Errorf("journal record of %v bytes is too short", len(dat))
	}
	copy(rec.Pos[:], dat)
	if _, err := binstruct.Unmarshal(dat[bcachefsacct.PosSize:], &rec.Val); err != nil {
		return rec, err
	}
	return rec, nil
}

// JournalAppend durably appends stamped delta records; they become
// part of the accounting btree at the next Flush.
func (s *Store) JournalAppend(ctx context.Context, recs []JournalRec) error {
	if len(recs) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			dat, err := marshalRec(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(journalKey(rec.Val.Version), dat); err != nil {
				return err
			}
		}
		return nil
	})
}

// IterJournal enumerates pending journal records in commit order.
func (s *Store) IterJournal(ctx context.Context, fn func(JournalRec) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: journalPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec JournalRec
			err := it.Item().Value(func(dat []byte) error {
				var err error
				rec, err = unmarshalRec(dat)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// IterAcct enumerates the accounting btree in position order.
func (s *Store) IterAcct(ctx context.Context, fn func(pos bcachefsacct.Pos, val bcachefsacct.Value) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: acctPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var pos bcachefsacct.Pos
			copy(pos[:], item.Key()[len(acctPrefix):])
			var val bcachefsacct.Value
			err := item.Value(func(dat []byte) error {
				_, err := binstruct.Unmarshal(dat, &val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(pos, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadAcct reads the accumulated sum at pos from the accounting
// btree.  Absent keys are not an error.
func (s *Store) ReadAcct(pos bcachefsacct.Pos) (bcachefsacct.Value, bool, error) {
	if cached, ok := s.cache.Get(pos); ok {
		val := cached.(bcachefsacct.Value)
		return val, true, nil
	}
	var val bcachefsacct.Value
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(acctKey(pos))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(dat []byte) error {
			_, err := binstruct.Unmarshal(dat, &val)
			return err
		})
	})
	if err != nil || !found {
		return bcachefsacct.Value{}, false, err
	}
	s.cache.Add(pos, val)
	return val, true, nil
}

// Flush folds every pending journal record into the accounting
// btree: the record's counters are added to whatever sum already
// exists at that position, and the stored version stamp becomes the
// higher of the two.  The fold and the journal-record delete happen
// in one store transaction, so a crash mid-flush leaves each record
// either untouched or fully applied, never double-counted.
func (s *Store) Flush(ctx context.Context) error {
	for {
		n, err := s.flushSome(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (s *Store) flushSome(ctx context.Context) (int, error) {
	var flushed int
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: journalPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid() && flushed < flushBatch; it.Next() {
			jkey := it.Item().KeyCopy(nil)
			var rec JournalRec
			err := it.Item().Value(func(dat []byte) error {
				var err error
				rec, err = unmarshalRec(dat)
				return err
			})
			if err != nil {
				return err
			}

			cur := bcachefsacct.Value{D: []int64{}}
			item, err := txn.Get(acctKey(rec.Pos))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				// first delta for this position
			case err != nil:
				return err
			default:
				if err := item.Value(func(dat []byte) error {
					_, err := binstruct.Unmarshal(dat, &cur)
					return err
				}); err != nil {
					return err
				}
			}

			bcachefsacct.Accumulate(&cur, rec.Val)
			dat, err := binstruct.Marshal(cur)
			if err != nil {
				return err
			}
			if err := txn.Set(acctKey(rec.Pos), dat); err != nil {
				return err
			}
			if err := txn.Delete(jkey); err != nil {
				return err
			}
			s.cache.Remove(rec.Pos)
			flushed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: flushing write buffer: %w", err)
	}
	return flushed, nil
}

// DeleteAcct removes accounting btree keys outright (device
// removal).  Pending journal records are the caller's problem; flush
// first.
func (s *Store) DeleteAcct(ctx context.Context, poss []bcachefsacct.Pos) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, pos := range poss {
			if err := txn.Delete(acctKey(pos)); err != nil {
				return err
			}
			s.cache.Remove(pos)
		}
		return nil
	})
}

// LoadReplicas implements bcachefssb.Store.
func (s *Store) LoadReplicas() ([]byte, error) {
	var dat []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sbReplicasKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		dat, err = item.ValueCopy(nil)
		return err
	})
	return dat, err
}

// SaveReplicas implements bcachefssb.Store.
func (s *Store) SaveReplicas(dat []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sbReplicasKey, dat)
	})
}
