// Package multi reads an index spread over several backends, e.g. shards
// of one keyspace kept in separate databases. It only reads: writes have to
// be routed by whoever did the sharding.
package multi

import (
	"context"
	"fmt"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/timer"

	"golang.org/x/sync/errgroup"
)

type Reader struct {
	readers []backend.Reader
}

func New(readers ...backend.Reader) (*Reader, error) {
	if len(readers) == 0 {
		return nil, fmt.Errorf("multi reader needs at least one backend")
	}
	return &Reader{readers: readers}, nil
}

// Fetch queries every backend concurrently. When several backends hold the
// same uid, the one listed first wins.
func (m *Reader) Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error) {
	t := timer.Start("backend.multi.fetch")
	defer t.Stop()
	results := make([]map[findex.Uid][]byte, len(m.readers))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range m.readers {
		i, r := i, r
		g.Go(func() error {
			found, err := r.Fetch(gctx, table, uids)
			if err != nil {
				return fmt.Errorf("backend %d: %w", i, err)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, backend.Wrap(backend.OpFetch, table, uids, err)
	}
	ret := make(map[findex.Uid][]byte, len(uids))
	for i := len(results) - 1; i >= 0; i-- {
		for u, v := range results[i] {
			ret[u] = v
		}
	}
	return ret, nil
}

// FetchAllEntryUids lists the union of the entry tables. Every backend must
// be able to list.
func (m *Reader) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	results := make([][]findex.Uid, len(m.readers))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range m.readers {
		i := i
		lister, ok := r.(backend.EntryLister)
		if !ok {
			return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil,
				fmt.Errorf("backend %d: %w", i, backend.ErrUnsupported))
		}
		g.Go(func() error {
			found, err := lister.FetchAllEntryUids(gctx)
			results[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, backend.Wrap(backend.OpListEntries, findex.Entry, nil, err)
	}
	var ret []findex.Uid
	for _, r := range results {
		ret = append(ret, r...)
	}
	return backend.Dedupe(ret), nil
}

var _ backend.Reader = (*Reader)(nil)
var _ backend.EntryLister = (*Reader)(nil)
