// Package pebble stores both tables in one pebble keyspace. Pebble has no
// transactions, so writes are serialized per uid through striped locks and
// applied as a single batch.
package pebble

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"
	"findex/lib/utils/parallel"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

const (
	READ_PARALLELISM = 16
	DB_BATCH_SIZE    = 32
	LOCK_STRIPES     = 256
)

var statsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "findex_pebble_stats",
	Help: "Stats about the pebble backend",
}, []string{"metric"})

type Backend struct {
	db          *pebble.DB
	writeOpts   *pebble.WriteOptions
	stripes     [LOCK_STRIPES]sync.Mutex
	readWorkers *parallel.WorkerPool[findex.Uid, mo.Option[[]byte]]

	closeCh chan struct{}
	closeWg sync.WaitGroup
}

// Open opens the database at dir, or an in-memory one when dir is empty.
func Open(dir string) (*Backend, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	return New(dir, opts)
}

func New(dirname string, opts *pebble.Options) (*Backend, error) {
	db, err := pebble.Open(dirname, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}
	p := &Backend{
		db:          db,
		writeOpts:   pebble.Sync,
		readWorkers: parallel.NewWorkerPool[findex.Uid, mo.Option[[]byte]]("findex_pebble_read", READ_PARALLELISM),
		closeCh:     make(chan struct{}),
	}
	p.startReportingMetrics()
	return p, nil
}

func (p *Backend) startReportingMetrics() {
	p.closeWg.Add(1)
	go func() {
		defer p.closeWg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-p.closeCh:
				return
			case <-ticker.C:
				m := p.db.Metrics()
				statsGauge.WithLabelValues("disk_space_usage").Set(float64(m.DiskSpaceUsage()))
				statsGauge.WithLabelValues("compactions").Set(float64(m.Compact.Count))
			}
		}
	}()
}

func dbKey(table findex.Table, uid findex.Uid) []byte {
	k := make([]byte, 1+findex.UidLength)
	k[0] = byte(table)
	copy(k[1:], uid[:])
	return k
}

func (p *Backend) get(k []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(k)
	switch err {
	case pebble.ErrNotFound:
		return nil, false, nil
	case nil:
		defer closer.Close()
		return append([]byte{}, v...), true, nil
	default:
		return nil, false, err
	}
}

// lock takes the stripes of the given uids in ascending order.
func (p *Backend) lock(uids []findex.Uid) func() {
	ids := lo.Uniq(lo.Map(uids, func(u findex.Uid, _ int) int {
		return int(xxh3.Hash(u[:]) % LOCK_STRIPES)
	}))
	sort.Ints(ids)
	for _, id := range ids {
		p.stripes[id].Lock()
	}
	return func() {
		for i := len(ids) - 1; i >= 0; i-- {
			p.stripes[ids[i]].Unlock()
		}
	}
}

func (p *Backend) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.pebble.fetch")
	defer t.Stop()
	backend.Observe("pebble", backend.OpFetch, table, len(uids))
	uids = backend.Dedupe(uids)
	vals, err := p.readWorkers.Process(ctx, uids, func(batch []findex.Uid, out []mo.Option[[]byte]) error {
		for i, u := range batch {
			v, ok, err := p.get(dbKey(table, u))
			if err != nil {
				return err
			}
			if ok {
				out[i] = mo.Some(v)
			}
		}
		return nil
	}, DB_BATCH_SIZE)
	if err != nil {
		return nil, backend.Wrap(backend.OpFetch, table, uids, err)
	}
	ret := make(map[findex.Uid][]byte, len(uids))
	for i, v := range vals {
		if v.IsPresent() {
			ret[uids[i]] = v.MustGet()
		}
	}
	return ret, nil
}

func (p *Backend) Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error {
	t := timer.Start("backend.pebble.insert")
	defer t.Stop()
	backend.Observe("pebble", backend.OpInsert, table, len(values))
	uids := backend.UidsOf(values)
	if err := ctx.Err(); err != nil {
		return backend.Wrap(backend.OpInsert, table, uids, err)
	}
	unlock := p.lock(uids)
	defer unlock()
	batch := p.db.NewBatch()
	defer batch.Close()
	for u, v := range values {
		if err := batch.Set(dbKey(table, u), v, nil); err != nil {
			return backend.Wrap(backend.OpInsert, table, uids, err)
		}
	}
	return backend.Wrap(backend.OpInsert, table, uids, batch.Commit(p.writeOpts))
}

func (p *Backend) ConditionalUpsert(ctx context.Context, pairs map[findex.Uid]findex.EntryValuePair) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.pebble.conditional_upsert")
	defer t.Stop()
	backend.Observe("pebble", backend.OpConditionalUpsert, findex.Entry, len(pairs))
	uids := backend.UidsOf(pairs)
	if err := ctx.Err(); err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids, err)
	}
	unlock := p.lock(uids)
	defer unlock()
	batch := p.db.NewBatch()
	defer batch.Close()
	conflicts := make(map[findex.Uid][]byte)
	for u, pair := range pairs {
		k := dbKey(findex.Entry, u)
		stored, found, err := p.get(k)
		if err != nil {
			return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids, err)
		}
		if !backend.Equal(stored, found, pair.Previous) {
			if stored == nil {
				stored = []byte{}
			}
			conflicts[u] = stored
			continue
		}
		if err := batch.Set(k, pair.New, nil); err != nil {
			return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids, err)
		}
	}
	if err := batch.Commit(p.writeOpts); err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids, err)
	}
	backend.ObserveConflicts("pebble", len(conflicts))
	return conflicts, nil
}

func (p *Backend) Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error {
	t := timer.Start("backend.pebble.delete")
	defer t.Stop()
	backend.Observe("pebble", backend.OpDelete, table, len(uids))
	if err := ctx.Err(); err != nil {
		return backend.Wrap(backend.OpDelete, table, uids, err)
	}
	unlock := p.lock(uids)
	defer unlock()
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, u := range uids {
		if err := batch.Delete(dbKey(table, u), nil); err != nil {
			return backend.Wrap(backend.OpDelete, table, uids, err)
		}
	}
	return backend.Wrap(backend.OpDelete, table, uids, batch.Commit(p.writeOpts))
}

func (p *Backend) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	t := timer.Start("backend.pebble.list_entries")
	defer t.Stop()
	it := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{byte(findex.Entry)},
		UpperBound: []byte{byte(findex.Entry) + 1},
	})
	var ret []findex.Uid
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			_ = it.Close()
			return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
		}
		k := it.Key()
		if len(k) != 1+findex.UidLength || !bytes.HasPrefix(k, []byte{byte(findex.Entry)}) {
			zap.L().Warn("skipping unexpected key in entry range", zap.Binary("key", k))
			continue
		}
		u, _ := findex.UidFromBytes(k[1:])
		ret = append(ret, u)
	}
	if err := it.Close(); err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	return ret, nil
}

func (p *Backend) Close() error {
	close(p.closeCh)
	p.closeWg.Wait()
	p.readWorkers.Close()
	return p.db.Close()
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.EntryLister = (*Backend)(nil)
