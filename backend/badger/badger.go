// Package badger stores both tables in one badger keyspace, keys being the
// table byte followed by the uid.
package badger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"
	"findex/lib/utils/parallel"

	"github.com/dgraph-io/badger/v3"
	"github.com/samber/mo"
	"go.uber.org/zap"
)

const (
	READ_PARALLELISM = 16
	DB_BATCH_SIZE    = 32
	// conditional upserts are retried on transaction conflicts at most this
	// many times before giving up
	MAX_CONFLICT_RETRIES = 100
)

type Backend struct {
	opts        badger.Options
	db          *badger.DB
	readWorkers *parallel.WorkerPool[findex.Uid, mo.Option[[]byte]]
	closeWg     sync.WaitGroup
	closeCh     chan struct{}
}

// Open opens the database at dir, or an in-memory one when dir is empty.
func Open(dir string) (*Backend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(NewLogger(zap.L()))
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	return New(opts)
}

func New(opts badger.Options) (*Backend, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badgerdb: %w", err)
	}
	if !opts.InMemory {
		if err = db.VerifyChecksum(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to verify checksum of the badgerdb instance: %w", err)
		}
	}
	zap.L().Info("Successfully opened badgerdb", zap.Uint64("max_data_version", db.MaxVersion()))
	b := &Backend{
		opts:        opts,
		db:          db,
		readWorkers: parallel.NewWorkerPool[findex.Uid, mo.Option[[]byte]]("findex_badger_read", READ_PARALLELISM),
		closeCh:     make(chan struct{}),
	}
	if !opts.InMemory {
		b.closeWg.Add(1)
		go b.runPeriodicGC()
	}
	return b, nil
}

func (b *Backend) runPeriodicGC() {
	defer b.closeWg.Done()
	interval := time.Hour
	// start at a random point of the first hour so that co-located
	// instances do not collect at the same time
	t := time.NewTimer(time.Duration(float64(interval) * rand.Float64()))
	defer t.Stop()
	for {
		select {
		case <-b.closeCh:
			zap.L().Info("PeriodicGC goroutine got closing signal, returning...")
			return
		case <-t.C:
			discardRatio := 0.5
			err := b.db.RunValueLogGC(discardRatio)
			if errors.Is(err, badger.ErrRejected) && b.db.IsClosed() {
				zap.L().Info("DB is closed, stopping value log GC")
				return
			} else if errors.Is(err, badger.ErrNoRewrite) {
				zap.L().Debug("Value log GC resulted in no rewrite")
			} else if err != nil {
				zap.L().Warn("Value log GC failed", zap.Error(err))
			}
			t.Reset(interval)
		}
	}
}

func dbKey(table findex.Table, uid findex.Uid) []byte {
	k := make([]byte, 1+findex.UidLength)
	k[0] = byte(table)
	copy(k[1:], uid[:])
	return k
}

// Fetch reads the uids in batches, each batch in its own read transaction.
func (b *Backend) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.badger.fetch")
	defer t.Stop()
	backend.Observe("badger", backend.OpFetch, table, len(uids))
	uids = backend.Dedupe(uids)
	vals, err := b.readWorkers.Process(ctx, uids, func(batch []findex.Uid, out []mo.Option[[]byte]) error {
		return b.db.View(func(txn *badger.Txn) error {
			for i, u := range batch {
				item, err := txn.Get(dbKey(table, u))
				switch err {
				case badger.ErrKeyNotFound:
				case nil:
					v, err := item.ValueCopy(nil)
					if err != nil {
						return err
					}
					out[i] = mo.Some(v)
				default:
					return err
				}
			}
			return nil
		})
	}, DB_BATCH_SIZE)
	if err != nil {
		return nil, backend.Wrap(backend.OpFetch, table, uids, err)
	}
	ret := make(map[findex.Uid][]byte, len(uids))
	for i, v := range vals {
		if v.IsPresent() {
			ret[uids[i]] = nonNil(v.MustGet())
		}
	}
	return ret, nil
}

func (b *Backend) Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error {
	t := timer.Start("backend.badger.insert")
	defer t.Stop()
	backend.Observe("badger", backend.OpInsert, table, len(values))
	err := b.update(ctx, func(txn *badger.Txn) error {
		for u, v := range values {
			if err := txn.Set(dbKey(table, u), v); err != nil {
				return fmt.Errorf("failed to set entry: %w", err)
			}
		}
		return nil
	})
	return backend.Wrap(backend.OpInsert, table, backend.UidsOf(values), err)
}

func (b *Backend) ConditionalUpsert(ctx context.Context, pairs map[findex.Uid]findex.EntryValuePair) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.badger.conditional_upsert")
	defer t.Stop()
	backend.Observe("badger", backend.OpConditionalUpsert, findex.Entry, len(pairs))
	var conflicts map[findex.Uid][]byte
	err := b.update(ctx, func(txn *badger.Txn) error {
		// the closure may run several times, start from scratch each time
		conflicts = make(map[findex.Uid][]byte)
		for u, p := range pairs {
			k := dbKey(findex.Entry, u)
			var stored []byte
			item, err := txn.Get(k)
			switch err {
			case badger.ErrKeyNotFound:
			case nil:
				if stored, err = item.ValueCopy(nil); err != nil {
					return err
				}
			default:
				return err
			}
			if !backend.Equal(stored, err == nil, p.Previous) {
				conflicts[u] = nonNil(stored)
				continue
			}
			if err := txn.Set(k, p.New); err != nil {
				return fmt.Errorf("failed to set entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, backend.UidsOf(pairs), err)
	}
	backend.ObserveConflicts("badger", len(conflicts))
	return conflicts, nil
}

func (b *Backend) Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error {
	t := timer.Start("backend.badger.delete")
	defer t.Stop()
	backend.Observe("badger", backend.OpDelete, table, len(uids))
	err := b.update(ctx, func(txn *badger.Txn) error {
		for _, u := range uids {
			if err := txn.Delete(dbKey(table, u)); err != nil {
				return fmt.Errorf("failed to delete key: %w", err)
			}
		}
		return nil
	})
	return backend.Wrap(backend.OpDelete, table, uids, err)
}

// update runs fn in a read-write transaction and retries it, after a short
// random sleep, when the commit conflicts with a concurrent transaction.
func (b *Backend) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, badger.ErrConflict) && attempt < MAX_CONFLICT_RETRIES:
			zap.L().Debug("badgerdb: conflict detected, retrying", zap.Int("attempt", attempt))
			// Add random jitter to avoid cascading conflicts.
			time.Sleep(time.Millisecond * time.Duration(1+rand.Intn(10)))
		default:
			return err
		}
	}
}

func (b *Backend) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	t := timer.Start("backend.badger.list_entries")
	defer t.Stop()
	var ret []findex.Uid
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{byte(findex.Entry)}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			u, err := findex.UidFromBytes(it.Item().Key()[1:])
			if err != nil {
				return err
			}
			ret = append(ret, u)
		}
		return nil
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	return ret, nil
}

func (b *Backend) Close() error {
	close(b.closeCh)
	b.readWorkers.Close()
	b.closeWg.Wait()
	return b.db.Close()
}

func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.EntryLister = (*Backend)(nil)
