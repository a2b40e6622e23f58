// Package bolt keeps each table in its own bbolt bucket. bbolt allows a
// single writer, so every write batch is one serializable transaction.
package bolt

import (
	"context"
	"fmt"
	"time"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var buckets = map[findex.Table][]byte{
	findex.Entry: []byte("entry"),
	findex.Chain: []byte("chain"),
}

type Backend struct {
	db *bbolt.DB
}

// Open opens or creates the database file at path.
func Open(path string, noSync bool) (*Backend, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	zap.L().Debug("opened bolt backend", zap.String("path", path), zap.Bool("no_sync", noSync))
	return &Backend{db: db}, nil
}

func (b *Backend) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.bolt.fetch")
	defer t.Stop()
	backend.Observe("bolt", backend.OpFetch, table, len(uids))
	ret := make(map[findex.Uid][]byte, len(uids))
	err := b.view(ctx, table, func(bucket *bbolt.Bucket) error {
		for _, u := range uids {
			// values are only valid for the life of the transaction
			if v := bucket.Get(u[:]); v != nil {
				ret[u] = append([]byte{}, v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpFetch, table, uids, err)
	}
	return ret, nil
}

func (b *Backend) Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error {
	t := timer.Start("backend.bolt.insert")
	defer t.Stop()
	backend.Observe("bolt", backend.OpInsert, table, len(values))
	err := b.update(ctx, table, func(bucket *bbolt.Bucket) error {
		for u, v := range values {
			// bbolt reads a nil value back as missing
			if v == nil {
				v = []byte{}
			}
			if err := bucket.Put(u[:], v); err != nil {
				return err
			}
		}
		return nil
	})
	return backend.Wrap(backend.OpInsert, table, backend.UidsOf(values), err)
}

func (b *Backend) ConditionalUpsert(ctx context.Context, pairs map[findex.Uid]findex.EntryValuePair) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.bolt.conditional_upsert")
	defer t.Stop()
	backend.Observe("bolt", backend.OpConditionalUpsert, findex.Entry, len(pairs))
	conflicts := make(map[findex.Uid][]byte)
	err := b.update(ctx, findex.Entry, func(bucket *bbolt.Bucket) error {
		for u, p := range pairs {
			stored := bucket.Get(u[:])
			if !backend.Equal(stored, stored != nil, p.Previous) {
				conflicts[u] = append([]byte{}, stored...)
				continue
			}
			v := p.New
			if v == nil {
				v = []byte{}
			}
			if err := bucket.Put(u[:], v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, backend.UidsOf(pairs), err)
	}
	backend.ObserveConflicts("bolt", len(conflicts))
	return conflicts, nil
}

func (b *Backend) Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error {
	t := timer.Start("backend.bolt.delete")
	defer t.Stop()
	backend.Observe("bolt", backend.OpDelete, table, len(uids))
	err := b.update(ctx, table, func(bucket *bbolt.Bucket) error {
		for _, u := range uids {
			if err := bucket.Delete(u[:]); err != nil {
				return err
			}
		}
		return nil
	})
	return backend.Wrap(backend.OpDelete, table, uids, err)
}

func (b *Backend) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	var ret []findex.Uid
	err := b.view(ctx, findex.Entry, func(bucket *bbolt.Bucket) error {
		return bucket.ForEach(func(k, _ []byte) error {
			u, err := findex.UidFromBytes(k)
			if err != nil {
				return err
			}
			ret = append(ret, u)
			return nil
		})
	})
	if err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	return ret, nil
}

func (b *Backend) view(ctx context.Context, table findex.Table, fn func(*bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(buckets[table]))
	})
}

func (b *Backend) update(ctx context.Context, table findex.Table, fn func(*bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(buckets[table]))
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.EntryLister = (*Backend)(nil)
