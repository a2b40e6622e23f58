// Package compact rewrites an encrypted index into a fresh generation:
// stale locations are dropped, chains are repacked and entries may move to
// a new key or label. It only talks to storage through the backend contract
// and to the cryptography through a Keyring.
//
// Compaction runs alongside writers. Each entry is swapped with a
// conditional upsert; when a writer got there first the entry is read again
// and merged. An entry moving to a new key or label leaves a tombstone at
// its previous uid, sealed by the Keyring: writers still using the previous
// generation get ErrRetired from it instead of writing where nobody reads.
// Entries are never deleted, since a writer may recreate a deleted entry
// between the swap and the delete.
package compact

import (
	"context"
	"errors"
	"fmt"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var compactionStats = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "findex_compaction_total",
	Help: "Work done by index compactions",
}, []string{"metric"})

// ErrTooManyConflicts is returned when writers kept racing an entry swap.
var ErrTooManyConflicts = errors.New("too many conflicting upserts during compaction")

// ErrRetired is returned by Keyring.OpenEntry for tombstones. Tombstones are
// left alone.
var ErrRetired = errors.New("entry retired by a compaction")

// Head is an opened entry: an opaque per-keyword token and the chain uids
// the entry points to.
type Head struct {
	Token  []byte
	Chains []findex.Uid
}

// Generation is the sealed replacement of one entry.
type Generation struct {
	Uid    findex.Uid
	Entry  []byte
	Chains map[findex.Uid][]byte
}

// Keyring opens records of the current generation and seals the next one.
type Keyring interface {
	OpenEntry(uid findex.Uid, value []byte) (Head, error)
	OpenChain(uid findex.Uid, value []byte) ([]findex.IndexedValue, error)
	Seal(head Head, values []findex.IndexedValue) (Generation, error)
	// Retire seals the tombstone replacing the entry at uid once it moved.
	Retire(uid findex.Uid, head Head) ([]byte, error)
}

type Options struct {
	// BatchSize is the number of entries compacted together.
	BatchSize int
	// MaxRetries bounds how many times an entry is merged again after
	// losing its swap to a concurrent writer.
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	return o
}

type Stats struct {
	Entries          int
	Skipped          int
	ChainsRead       int
	ChainsWritten    int
	LocationsRemoved int
	Retries          int
	// Retired counts the tombstones written.
	Retired int
}

func (s *Stats) add(o Stats) {
	s.Entries += o.Entries
	s.Skipped += o.Skipped
	s.ChainsRead += o.ChainsRead
	s.ChainsWritten += o.ChainsWritten
	s.LocationsRemoved += o.LocationsRemoved
	s.Retries += o.Retries
	s.Retired += o.Retired
}

func (s Stats) export() {
	compactionStats.WithLabelValues("entries").Add(float64(s.Entries))
	compactionStats.WithLabelValues("skipped").Add(float64(s.Skipped))
	compactionStats.WithLabelValues("chains_read").Add(float64(s.ChainsRead))
	compactionStats.WithLabelValues("chains_written").Add(float64(s.ChainsWritten))
	compactionStats.WithLabelValues("locations_removed").Add(float64(s.LocationsRemoved))
	compactionStats.WithLabelValues("retries").Add(float64(s.Retries))
	compactionStats.WithLabelValues("retired").Add(float64(s.Retired))
}

type Coordinator struct {
	b       backend.Backend
	keyring Keyring
	opts    Options
}

func New(b backend.Backend, keyring Keyring, opts Options) *Coordinator {
	return &Coordinator{b: b, keyring: keyring, opts: opts.withDefaults()}
}

// Run compacts every entry of the index. On error, entries that were not
// swapped yet still hold the previous generation.
func (c *Coordinator) Run(ctx context.Context) (Stats, error) {
	t := timer.Start("compact.run")
	defer t.Stop()
	var stats Stats
	defer func() { stats.export() }()

	lister, ok := c.b.(backend.EntryLister)
	if !ok {
		return stats, fmt.Errorf("listing entries: %w", backend.ErrUnsupported)
	}
	uids, err := lister.FetchAllEntryUids(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing entries: %w", err)
	}
	zap.L().Info("starting compaction", zap.Int("entries", len(uids)))
	for _, batch := range backend.Batches(uids, c.opts.BatchSize) {
		pending := batch
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt > c.opts.MaxRetries {
				return stats, fmt.Errorf("%w: %d entries left", ErrTooManyConflicts, len(pending))
			}
			if attempt > 0 {
				stats.Retries += len(pending)
				zap.L().Debug("merging entries updated during compaction", zap.Int("entries", len(pending)), zap.Int("attempt", attempt))
			}
			var s Stats
			pending, s, err = c.compact(ctx, pending)
			stats.add(s)
			if err != nil {
				return stats, err
			}
		}
	}
	zap.L().Info("compaction done",
		zap.Int("entries", stats.Entries),
		zap.Int("skipped", stats.Skipped),
		zap.Int("chains_read", stats.ChainsRead),
		zap.Int("chains_written", stats.ChainsWritten),
		zap.Int("locations_removed", stats.LocationsRemoved),
		zap.Int("retries", stats.Retries),
		zap.Int("retired", stats.Retired),
	)
	return stats, nil
}

type work struct {
	uid   findex.Uid
	value []byte
	head  Head
	gen   Generation
	// empty is set when no value survived
	empty bool
}

func (w *work) moved() bool {
	return w.gen.Uid != w.uid
}

// compact runs one pass over uids and returns the ones that lost their swap.
func (c *Coordinator) compact(ctx context.Context, uids []findex.Uid) ([]findex.Uid, Stats, error) {
	var stats Stats
	entries, err := c.b.Fetch(ctx, findex.Entry, uids)
	if err != nil {
		return nil, stats, fmt.Errorf("fetching entries: %w", err)
	}
	var todo []*work
	var chainUids []findex.Uid
	for _, uid := range uids {
		value, ok := entries[uid]
		if !ok || len(value) == 0 {
			continue
		}
		head, err := c.keyring.OpenEntry(uid, value)
		if errors.Is(err, ErrRetired) {
			continue
		}
		if err != nil {
			zap.L().Warn("skipping entry that does not open", zap.Stringer("uid", uid), zap.Error(err))
			stats.Skipped++
			continue
		}
		todo = append(todo, &work{uid: uid, value: value, head: head})
		chainUids = append(chainUids, head.Chains...)
	}
	if len(todo) == 0 {
		return nil, stats, nil
	}

	chains, err := c.b.Fetch(ctx, findex.Chain, chainUids)
	if err != nil {
		return nil, stats, fmt.Errorf("fetching chains: %w", err)
	}
	stats.ChainsRead += len(chains)
	values := make(map[*work][]findex.IndexedValue, len(todo))
	var locations []findex.Location
	for _, w := range todo {
		for _, cu := range w.head.Chains {
			raw, ok := chains[cu]
			if !ok {
				continue
			}
			vs, err := c.keyring.OpenChain(cu, raw)
			if err != nil {
				return nil, stats, fmt.Errorf("opening chain %s: %w", cu, err)
			}
			for _, v := range vs {
				if l, ok := v.Location().Get(); ok {
					locations = append(locations, l)
				}
			}
			values[w] = append(values[w], vs...)
		}
	}

	removed, err := c.listRemoved(ctx, locations)
	if err != nil {
		return nil, stats, err
	}

	newChains := make(map[findex.Uid][]byte)
	for _, w := range todo {
		survivors, dropped := filter(values[w], removed)
		stats.LocationsRemoved += dropped
		w.empty = len(survivors) == 0
		if w.gen, err = c.keyring.Seal(w.head, survivors); err != nil {
			return nil, stats, fmt.Errorf("sealing entry %s: %w", w.uid, err)
		}
		for u, v := range w.gen.Chains {
			newChains[u] = v
		}
	}
	if err := c.b.Insert(ctx, findex.Chain, newChains); err != nil {
		c.cleanup(ctx, findex.Chain, backend.UidsOf(newChains))
		return nil, stats, fmt.Errorf("writing chains: %w", err)
	}

	// entries moving to a new uid are written first, the swap then leaves a
	// tombstone at the old uid. An entry left without values keeps its uid
	// with no chain, a moved one is not written at all.
	moved := make(map[findex.Uid][]byte)
	pairs := make(map[findex.Uid]findex.EntryValuePair, len(todo))
	for _, w := range todo {
		if !w.moved() {
			pairs[w.uid] = findex.EntryValuePair{Previous: w.value, New: w.gen.Entry}
			continue
		}
		tombstone, err := c.keyring.Retire(w.uid, w.head)
		if err != nil {
			return nil, stats, fmt.Errorf("retiring entry %s: %w", w.uid, err)
		}
		if !w.empty {
			moved[w.gen.Uid] = w.gen.Entry
		}
		pairs[w.uid] = findex.EntryValuePair{Previous: w.value, New: tombstone}
	}
	if err := c.b.Insert(ctx, findex.Entry, moved); err != nil {
		c.cleanup(ctx, findex.Chain, backend.UidsOf(newChains))
		c.cleanup(ctx, findex.Entry, backend.UidsOf(moved))
		return nil, stats, fmt.Errorf("writing entries: %w", err)
	}
	conflicts, err := c.b.ConditionalUpsert(ctx, pairs)
	if err != nil {
		c.cleanup(ctx, findex.Chain, backend.UidsOf(newChains))
		c.cleanup(ctx, findex.Entry, backend.UidsOf(moved))
		return nil, stats, fmt.Errorf("swapping entries: %w", err)
	}

	var retry, staleChains, orphans, orphanEntries []findex.Uid
	for _, w := range todo {
		if _, lost := conflicts[w.uid]; lost {
			retry = append(retry, w.uid)
			orphans = append(orphans, backend.UidsOf(w.gen.Chains)...)
			if _, ok := moved[w.gen.Uid]; ok {
				orphanEntries = append(orphanEntries, w.gen.Uid)
			}
			continue
		}
		stats.Entries++
		stats.ChainsWritten += len(w.gen.Chains)
		staleChains = append(staleChains, w.head.Chains...)
		if w.moved() {
			stats.Retired++
		}
	}
	// what is left is unreachable, failing to delete it only wastes space
	c.cleanup(ctx, findex.Entry, orphanEntries)
	c.cleanup(ctx, findex.Chain, orphans)
	if err := c.b.Delete(ctx, findex.Chain, staleChains); err != nil {
		return nil, stats, fmt.Errorf("deleting stale chains: %w", err)
	}
	return retry, stats, nil
}

func (c *Coordinator) listRemoved(ctx context.Context, locations []findex.Location) (map[string]struct{}, error) {
	ret := make(map[string]struct{})
	lister, ok := c.b.(backend.RemovedLister)
	if !ok || len(locations) == 0 {
		return ret, nil
	}
	removed, err := lister.ListRemoved(ctx, locations)
	if errors.Is(err, backend.ErrUnsupported) {
		return ret, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing removed locations: %w", err)
	}
	for _, l := range removed {
		ret[string(l)] = struct{}{}
	}
	return ret, nil
}

// filter drops duplicates and removed locations, keeping the first
// occurrence order.
func filter(values []findex.IndexedValue, removed map[string]struct{}) ([]findex.IndexedValue, int) {
	seen := make(map[string]struct{}, len(values))
	ret := make([]findex.IndexedValue, 0, len(values))
	dropped := 0
	for _, v := range values {
		if l, ok := v.Location().Get(); ok {
			if _, gone := removed[string(l)]; gone {
				dropped++
				continue
			}
		}
		k := v.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ret = append(ret, v)
	}
	return ret, dropped
}

func (c *Coordinator) cleanup(ctx context.Context, table findex.Table, uids []findex.Uid) {
	if len(uids) == 0 {
		return
	}
	if err := c.b.Delete(ctx, table, uids); err != nil {
		zap.L().Warn("failed to clean up after compaction", zap.Stringer("table", table), zap.Int("uids", len(uids)), zap.Error(err))
	}
}
