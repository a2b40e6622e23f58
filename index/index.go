// Package index is an encrypted keyword index written against the backend
// contract. Keywords map to entries holding the uids of encrypted chain
// segments; segments hold locations or next keywords.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"findex/backend"
	"findex/compact"
	"findex/lib/findex"
	"findex/lib/timer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	upsertConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "findex_index_upsert_conflicts_total",
		Help: "Entry heads that lost a conditional upsert and were retried",
	})
	searchHops = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "findex_index_search_hops",
		Help:    "Number of keyword hops a search went through",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})
)

var (
	ErrTooManyConflicts = errors.New("too many conflicting upserts")
	ErrReadOnly         = errors.New("index is read only")
)

type Options struct {
	// SegmentSize is the maximum number of values sealed in one chain segment.
	SegmentSize int
	// MaxRetries bounds the conditional upserts of one Upsert call.
	MaxRetries int
	// MaxDepth bounds the number of keyword hops of a search.
	MaxDepth int
}

func (o Options) withDefaults() Options {
	if o.SegmentSize <= 0 {
		o.SegmentSize = 32
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 100
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 32
	}
	return o
}

type Index struct {
	// b is nil for read only indexes
	b    backend.Backend
	r    backend.Reader
	opts Options

	mu   sync.RWMutex
	keys *keys
}

func New(b backend.Backend, key Key, label []byte, opts Options) (*Index, error) {
	k, err := derive(key, label)
	if err != nil {
		return nil, err
	}
	return &Index{b: b, r: b, opts: opts.withDefaults(), keys: k}, nil
}

// NewReadOnly builds an index that can only search r, for instance a
// multi.Reader over several backends.
func NewReadOnly(r backend.Reader, key Key, label []byte, opts Options) (*Index, error) {
	k, err := derive(key, label)
	if err != nil {
		return nil, err
	}
	return &Index{r: r, opts: opts.withDefaults(), keys: k}, nil
}

func (x *Index) current() *keys {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.keys
}

func (x *Index) Label() []byte {
	return append([]byte{}, x.current().label...)
}

// EntryUid is the entry table uid of a keyword under the current key and
// label.
func (x *Index) EntryUid(kw findex.Keyword) findex.Uid {
	return x.current().entryUid(keywordHash(kw))
}

type pending struct {
	hash   [32]byte
	chains []findex.Uid
}

// Upsert adds values to keywords. Values already indexed under a keyword are
// added again; compaction removes duplicates. ErrRetired is returned when a
// compaction moved one of the keywords to another key or label, the keywords
// not written yet must then be upserted again through the new generation.
func (x *Index) Upsert(ctx context.Context, additions map[string][]findex.IndexedValue) error {
	t := timer.Start("index.upsert")
	defer t.Stop()
	if x.b == nil {
		return ErrReadOnly
	}

	k := x.current()
	todo := make(map[findex.Uid]*pending, len(additions))
	chains := make(map[findex.Uid][]byte)
	for kw, values := range additions {
		if len(values) == 0 {
			continue
		}
		h := keywordHash(findex.Keyword(kw))
		uids, sealed, err := k.sealChains(values, x.opts.SegmentSize)
		if err != nil {
			return err
		}
		for u, v := range sealed {
			chains[u] = v
		}
		todo[k.entryUid(h)] = &pending{hash: h, chains: uids}
	}
	if len(todo) == 0 {
		return nil
	}
	// segments go first so that an entry never points to a missing one
	if err := x.b.Insert(ctx, findex.Chain, chains); err != nil {
		return fmt.Errorf("inserting chains: %w", err)
	}
	current, err := x.b.Fetch(ctx, findex.Entry, backend.UidsOf(todo))
	if err != nil {
		return fmt.Errorf("fetching entries: %w", err)
	}
	for attempt := 0; len(todo) > 0; attempt++ {
		if attempt > x.opts.MaxRetries {
			x.dropOrphans(ctx, todo)
			return fmt.Errorf("%w: %d keywords left", ErrTooManyConflicts, len(todo))
		}
		pairs := make(map[findex.Uid]findex.EntryValuePair, len(todo))
		for uid, p := range todo {
			prev := current[uid]
			e := entry{hash: p.hash}
			if len(prev) > 0 {
				if e, err = k.openEntry(uid, prev); err != nil {
					return fmt.Errorf("opening entry %s: %w", uid, err)
				}
				if e.retired {
					x.dropOrphans(ctx, todo)
					return fmt.Errorf("%w: entry %s", ErrRetired, uid)
				}
			}
			e.chains = append(e.chains, p.chains...)
			_, sealed, err := k.sealEntry(e)
			if err != nil {
				return err
			}
			pairs[uid] = findex.EntryValuePair{Previous: prev, New: sealed}
		}
		conflicts, err := x.b.ConditionalUpsert(ctx, pairs)
		if err != nil {
			return fmt.Errorf("upserting entries: %w", err)
		}
		for uid := range todo {
			if _, ok := conflicts[uid]; !ok {
				delete(todo, uid)
			}
		}
		if len(conflicts) > 0 {
			upsertConflicts.Add(float64(len(conflicts)))
			zap.L().Debug("entry upsert conflicts", zap.Int("entries", len(conflicts)), zap.Int("attempt", attempt))
		}
		current = conflicts
	}
	return nil
}

func (x *Index) dropOrphans(ctx context.Context, todo map[findex.Uid]*pending) {
	var orphans []findex.Uid
	for _, p := range todo {
		orphans = append(orphans, p.chains...)
	}
	if err := x.b.Delete(ctx, findex.Chain, orphans); err != nil {
		zap.L().Warn("failed to delete unreferenced chains", zap.Int("chains", len(orphans)), zap.Error(err))
	}
}

// Interrupt receives the locations found so far, per searched keyword, before
// every further hop. Returning true ends the search with these results.
type Interrupt func(partial map[string][]findex.Location) bool

type hop struct {
	root string
	kw   findex.Keyword
}

// Search returns the locations reachable from each keyword, following next
// keywords. Every searched keyword has an entry in the result, possibly
// empty. interrupt may be nil.
func (x *Index) Search(ctx context.Context, keywords []findex.Keyword, interrupt Interrupt) (map[string][]findex.Location, error) {
	t := timer.Start("index.search")
	defer t.Stop()

	k := x.current()
	results := make(map[string][]findex.Location, len(keywords))
	found := make(map[string]map[string]struct{}, len(keywords))
	visited := make(map[string]map[string]struct{}, len(keywords))
	var frontier []hop
	for _, kw := range keywords {
		root := string(kw)
		if _, ok := results[root]; ok {
			continue
		}
		results[root] = []findex.Location{}
		found[root] = map[string]struct{}{}
		visited[root] = map[string]struct{}{root: {}}
		frontier = append(frontier, hop{root: root, kw: kw})
	}

	depth := 0
	for ; len(frontier) > 0 && depth < x.opts.MaxDepth; depth++ {
		values, err := x.resolve(ctx, k, frontier)
		if err != nil {
			return nil, err
		}
		var next []hop
		for _, h := range frontier {
			for _, v := range values[string(h.kw)] {
				if l, ok := v.Location().Get(); ok {
					if _, dup := found[h.root][string(l)]; !dup {
						found[h.root][string(l)] = struct{}{}
						results[h.root] = append(results[h.root], l)
					}
					continue
				}
				nk, _ := v.NextKeyword().Get()
				if _, seen := visited[h.root][string(nk)]; seen {
					continue
				}
				visited[h.root][string(nk)] = struct{}{}
				next = append(next, hop{root: h.root, kw: nk})
			}
		}
		frontier = next
		if len(frontier) > 0 && interrupt != nil && interrupt(copyResults(results)) {
			depth++
			break
		}
	}
	if len(frontier) > 0 && depth >= x.opts.MaxDepth {
		zap.L().Debug("search stopped at max depth", zap.Int("depth", depth), zap.Int("pending", len(frontier)))
	}
	searchHops.Observe(float64(depth))
	return results, nil
}

// resolve fetches and decrypts the values of every keyword of one hop.
func (x *Index) resolve(ctx context.Context, k *keys, hops []hop) (map[string][]findex.IndexedValue, error) {
	uids := make(map[findex.Uid]string, len(hops))
	for _, h := range hops {
		uids[k.entryUid(keywordHash(h.kw))] = string(h.kw)
	}
	entries, err := x.r.Fetch(ctx, findex.Entry, backend.UidsOf(uids))
	if err != nil {
		return nil, fmt.Errorf("fetching entries: %w", err)
	}
	heads := make(map[string]entry, len(entries))
	var chainUids []findex.Uid
	for uid, v := range entries {
		if len(v) == 0 {
			continue
		}
		e, err := k.openEntry(uid, v)
		if err != nil {
			return nil, fmt.Errorf("opening entry %s: %w", uid, err)
		}
		heads[uids[uid]] = e
		chainUids = append(chainUids, e.chains...)
	}
	if len(chainUids) == 0 {
		return nil, nil
	}
	chains, err := x.r.Fetch(ctx, findex.Chain, chainUids)
	if err != nil {
		return nil, fmt.Errorf("fetching chains: %w", err)
	}
	ret := make(map[string][]findex.IndexedValue, len(heads))
	for kw, e := range heads {
		for _, cu := range e.chains {
			// a concurrent compaction may have retired it
			raw, ok := chains[cu]
			if !ok {
				continue
			}
			vs, err := k.openChain(cu, raw)
			if err != nil {
				return nil, fmt.Errorf("opening chain %s: %w", cu, err)
			}
			ret[kw] = append(ret[kw], vs...)
		}
	}
	return ret, nil
}

func copyResults(m map[string][]findex.Location) map[string][]findex.Location {
	ret := make(map[string][]findex.Location, len(m))
	for k, v := range m {
		ret[k] = append([]findex.Location{}, v...)
	}
	return ret
}

// Compact rewrites the index under newKey and newLabel and switches the
// index to them. A failed run can be resumed by calling Compact again with
// the same key and label: entries already moved are retired under the
// current keys and are left alone.
func (x *Index) Compact(ctx context.Context, newKey Key, newLabel []byte, opts compact.Options) (compact.Stats, error) {
	if x.b == nil {
		return compact.Stats{}, ErrReadOnly
	}
	kr, err := x.Keyring(newKey, newLabel)
	if err != nil {
		return compact.Stats{}, err
	}
	stats, err := compact.New(x.b, kr, opts).Run(ctx)
	if err != nil {
		return stats, err
	}
	x.mu.Lock()
	x.keys = kr.next
	x.mu.Unlock()
	return stats, nil
}
