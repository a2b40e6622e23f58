// Package mem is a sharded in-memory backend. Multi-uid writes lock every
// shard they touch, in shard order, so batches are applied atomically.
package mem

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

var statsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "findex_mem_stats",
	Help: "Stats about the in-memory backend",
}, []string{"metric"})

const DefaultShards = 64

type key struct {
	table findex.Table
	uid   findex.Uid
}

type shard struct {
	data    map[key][]byte
	lock    sync.RWMutex
	rawSize uint64
}

func (s *shard) items() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.data)
}

// get and the setters below expect the caller to hold the lock.
func (s *shard) get(k key) ([]byte, bool) {
	v, ok := s.data[k]
	if !ok {
		return nil, false
	}
	ret := make([]byte, len(v))
	copy(ret, v)
	return ret, true
}

func (s *shard) set(k key, v []byte) {
	if prev, ok := s.data[k]; ok {
		atomic.AddUint64(&s.rawSize, ^uint64(len(prev)-1))
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	s.data[k] = buf
	atomic.AddUint64(&s.rawSize, uint64(len(v)))
}

func (s *shard) del(k key) {
	if prev, ok := s.data[k]; ok {
		atomic.AddUint64(&s.rawSize, ^uint64(len(prev)-1))
		delete(s.data, k)
	}
}

type Backend struct {
	shards []shard

	closeCh chan struct{}
	closeWg sync.WaitGroup
	closed  sync.Once
}

func New(shardNum int) *Backend {
	if shardNum <= 0 {
		shardNum = DefaultShards
	}
	ret := &Backend{
		shards:  make([]shard, shardNum),
		closeCh: make(chan struct{}),
	}
	for i := range ret.shards {
		ret.shards[i].data = make(map[key][]byte)
	}
	ret.startReportStats()
	return ret
}

func (m *Backend) startReportStats() {
	m.closeWg.Add(1)
	go func() {
		interval := time.Second * 10
		t := time.NewTimer(interval)
		defer m.closeWg.Done()
		defer t.Stop()
		for {
			select {
			case <-m.closeCh:
				zap.L().Debug("mem backend stats reporter stopped")
				return
			case <-t.C:
				statsGauge.WithLabelValues("total_items").Set(float64(m.Items()))
				statsGauge.WithLabelValues("total_raw_data_size").Set(float64(m.RawTotalSize()))
				t.Reset(interval)
			}
		}
	}()
}

// Items is the number of values stored across both tables.
func (m *Backend) Items() int {
	ret := 0
	for i := range m.shards {
		ret += m.shards[i].items()
	}
	return ret
}

func (m *Backend) RawTotalSize() uint64 {
	var ret uint64
	for i := range m.shards {
		ret += atomic.LoadUint64(&m.shards[i].rawSize)
	}
	return ret
}

func (m *Backend) shardOf(uid findex.Uid) int {
	return int(xxh3.Hash(uid[:]) % uint64(len(m.shards)))
}

// lock takes the locks of every shard the uids map to, in ascending shard
// order, and returns the function releasing them.
func (m *Backend) lock(uids []findex.Uid, write bool) func() {
	ids := lo.Uniq(lo.Map(uids, func(u findex.Uid, _ int) int { return m.shardOf(u) }))
	sort.Ints(ids)
	for _, id := range ids {
		if write {
			m.shards[id].lock.Lock()
		} else {
			m.shards[id].lock.RLock()
		}
	}
	return func() {
		for i := len(ids) - 1; i >= 0; i-- {
			if write {
				m.shards[ids[i]].lock.Unlock()
			} else {
				m.shards[ids[i]].lock.RUnlock()
			}
		}
	}
}

func (m *Backend) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.mem.fetch")
	defer t.Stop()
	if err := ctx.Err(); err != nil {
		return nil, backend.Wrap(backend.OpFetch, table, uids, err)
	}
	backend.Observe("mem", backend.OpFetch, table, len(uids))
	unlock := m.lock(uids, false)
	defer unlock()
	ret := make(map[findex.Uid][]byte, len(uids))
	for _, u := range uids {
		if v, ok := m.shards[m.shardOf(u)].get(key{table, u}); ok {
			ret[u] = v
		}
	}
	return ret, nil
}

func (m *Backend) Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error {
	t := timer.Start("backend.mem.insert")
	defer t.Stop()
	uids := backend.UidsOf(values)
	if err := ctx.Err(); err != nil {
		return backend.Wrap(backend.OpInsert, table, uids, err)
	}
	backend.Observe("mem", backend.OpInsert, table, len(values))
	unlock := m.lock(uids, true)
	defer unlock()
	for u, v := range values {
		m.shards[m.shardOf(u)].set(key{table, u}, v)
	}
	return nil
}

func (m *Backend) ConditionalUpsert(ctx context.Context, pairs map[findex.Uid]findex.EntryValuePair) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.mem.conditional_upsert")
	defer t.Stop()
	uids := backend.UidsOf(pairs)
	if err := ctx.Err(); err != nil {
		return nil, backend.Wrap(backend.OpConditionalUpsert, findex.Entry, uids, err)
	}
	backend.Observe("mem", backend.OpConditionalUpsert, findex.Entry, len(pairs))
	unlock := m.lock(uids, true)
	defer unlock()
	conflicts := make(map[findex.Uid][]byte)
	for u, p := range pairs {
		s := &m.shards[m.shardOf(u)]
		stored, found := s.get(key{findex.Entry, u})
		if !backend.Equal(stored, found, p.Previous) {
			if stored == nil {
				stored = []byte{}
			}
			conflicts[u] = stored
			continue
		}
		s.set(key{findex.Entry, u}, p.New)
	}
	backend.ObserveConflicts("mem", len(conflicts))
	return conflicts, nil
}

func (m *Backend) Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error {
	t := timer.Start("backend.mem.delete")
	defer t.Stop()
	if err := ctx.Err(); err != nil {
		return backend.Wrap(backend.OpDelete, table, uids, err)
	}
	backend.Observe("mem", backend.OpDelete, table, len(uids))
	unlock := m.lock(uids, true)
	defer unlock()
	for _, u := range uids {
		m.shards[m.shardOf(u)].del(key{table, u})
	}
	return nil
}

func (m *Backend) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	var ret []findex.Uid
	for i := range m.shards {
		s := &m.shards[i]
		s.lock.RLock()
		for k := range s.data {
			if k.table == findex.Entry {
				ret = append(ret, k.uid)
			}
		}
		s.lock.RUnlock()
	}
	return ret, nil
}

func (m *Backend) Close() error {
	m.closed.Do(func() {
		close(m.closeCh)
		m.closeWg.Wait()
	})
	return nil
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.EntryLister = (*Backend)(nil)
