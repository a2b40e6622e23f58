package backend

import (
	"context"

	"findex/lib/findex"
)

// WithRemovedLister attaches a system of record to a backend. The result
// keeps the backend's ability to enumerate the entry table when it has one.
func WithRemovedLister(b Backend, l RemovedLister) Backend {
	if lister, ok := b.(EntryLister); ok {
		return &listingWithRemoved{withRemoved{b, l}, lister}
	}
	return &withRemoved{b, l}
}

type withRemoved struct {
	Backend
	removed RemovedLister
}

func (w *withRemoved) ListRemoved(ctx context.Context, locations []findex.Location) ([]findex.Location, error) {
	ret, err := w.removed.ListRemoved(ctx, locations)
	if err != nil {
		return nil, Wrap(OpListRemoved, findex.Chain, nil, err)
	}
	return ret, nil
}

type listingWithRemoved struct {
	withRemoved
	lister EntryLister
}

func (w *listingWithRemoved) FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error) {
	return w.lister.FetchAllEntryUids(ctx)
}

var _ RemovedLister = (*withRemoved)(nil)
var _ EntryLister = (*listingWithRemoved)(nil)
