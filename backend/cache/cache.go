// Package cache puts a ristretto cache in front of the chain table of another
// backend. Entry values change through compare-and-swap and always go to the
// inner backend.
//
// Cached values carry the epoch of their uid's stripe at the time they were
// read. Writes and deletes bump the epoch, which turns every older copy
// stale, including copies ristretto has not finished admitting yet.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"

	"github.com/dgraph-io/ristretto"
	"github.com/zeebo/xxh3"
)

const (
	avgChainValueSize = 256
	EPOCH_STRIPES     = 1024
)

type item struct {
	value []byte
	epoch uint64
}

type Backend struct {
	backend.Backend
	cache   *ristretto.Cache
	epochs  [EPOCH_STRIPES]uint64
	closeCh chan struct{}
}

// New wraps inner with a cache holding at most maxBytes of chain values.
func New(inner backend.Backend, maxBytes int64) (*Backend, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxBytes)
	}
	counters := 10 * maxBytes / avgChainValueSize
	if counters < 100 {
		counters = 100
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		BufferItems: 64,
		NumCounters: counters,
		MaxCost:     maxBytes,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	b := &Backend{Backend: inner, cache: c, closeCh: make(chan struct{})}
	reportPeriodically("chain", c, 10*time.Second, b.closeCh)
	return b, nil
}

func (c *Backend) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	if table != findex.Chain {
		return c.Backend.Fetch(ctx, table, uids)
	}
	t := timer.Start("backend.cache.fetch")
	defer t.Stop()
	ret := make(map[findex.Uid][]byte, len(uids))
	var missing []findex.Uid
	for _, u := range backend.Dedupe(uids) {
		u := u
		if v, ok := c.cache.Get(u[:]); ok {
			if it := v.(item); it.epoch == c.epoch(u) {
				ret[u] = append([]byte{}, it.value...)
				continue
			}
		}
		missing = append(missing, u)
	}
	if len(missing) == 0 {
		return ret, nil
	}
	// epochs are read before the inner fetch so that a concurrent write
	// makes what we are about to cache stale
	epochs := make([]uint64, len(missing))
	for i, u := range missing {
		epochs[i] = c.epoch(u)
	}
	found, err := c.Backend.Fetch(ctx, table, missing)
	if err != nil {
		return nil, err
	}
	for i, u := range missing {
		u := u
		v, ok := found[u]
		if !ok {
			continue
		}
		ret[u] = v
		c.cache.Set(u[:], item{append([]byte{}, v...), epochs[i]}, int64(len(v)+findex.UidLength))
	}
	return ret, nil
}

// Insert and Delete invalidate both before and after the write: a fetch
// racing with the write cannot leave the old value behind.
func (c *Backend) Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error {
	if table != findex.Chain {
		return c.Backend.Insert(ctx, table, values)
	}
	uids := backend.UidsOf(values)
	c.invalidate(uids)
	defer c.invalidate(uids)
	return c.Backend.Insert(ctx, table, values)
}

func (c *Backend) Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error {
	if table != findex.Chain {
		return c.Backend.Delete(ctx, table, uids)
	}
	c.invalidate(uids)
	defer c.invalidate(uids)
	return c.Backend.Delete(ctx, table, uids)
}

func stripe(u findex.Uid) int {
	return int(xxh3.Hash(u[:]) % EPOCH_STRIPES)
}

func (c *Backend) epoch(u findex.Uid) uint64 {
	return atomic.LoadUint64(&c.epochs[stripe(u)])
}

func (c *Backend) invalidate(uids []findex.Uid) {
	for i := range uids {
		atomic.AddUint64(&c.epochs[stripe(uids[i])], 1)
		c.cache.Del(uids[i][:])
	}
}

// FetchAllEntryUids forwards to the inner backend when it can list entries.
func (c *Backend) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	lister, ok := c.Backend.(backend.EntryLister)
	if !ok {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, backend.ErrUnsupported)
	}
	return lister.FetchAllEntryUids(ctx)
}

// ListRemoved forwards to the inner backend when it knows the system of
// record.
func (c *Backend) ListRemoved(ctx context.Context, locations []findex.Location) ([]findex.Location, error) {
	lister, ok := c.Backend.(backend.RemovedLister)
	if !ok {
		return nil, backend.Wrap(backend.OpListRemoved, findex.Entry, nil, backend.ErrUnsupported)
	}
	return lister.ListRemoved(ctx, locations)
}

func (c *Backend) Close() error {
	close(c.closeCh)
	c.cache.Close()
	return c.Backend.Close()
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.EntryLister = (*Backend)(nil)
var _ backend.RemovedLister = (*Backend)(nil)
