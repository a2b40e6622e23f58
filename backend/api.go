// Package backend defines the storage contract the encrypted index is written
// against. Backends store opaque values under fixed-length uids in two
// tables, entry and chain, and never look inside them.
package backend

import (
	"context"

	"findex/lib/findex"
)

// Reader is the read half of a backend. Fetch returns the values stored under
// the given uids. Absent uids are left out of the result, duplicate uids are
// allowed.
type Reader interface {
	Fetch(ctx context.Context, table findex.Table, uids []findex.Uid) (map[findex.Uid][]byte, error)
}

type Backend interface {
	Reader
	// Insert writes every value unconditionally; the last write wins.
	Insert(ctx context.Context, table findex.Table, values map[findex.Uid][]byte) error
	// ConditionalUpsert works on the entry table. For each uid it installs
	// New iff the stored value equals Previous, an absent uid matching an
	// empty Previous. The uids that failed the comparison are returned with
	// the value found in storage (empty when absent); uids that were written
	// are not in the result.
	ConditionalUpsert(ctx context.Context, pairs map[findex.Uid]findex.EntryValuePair) (map[findex.Uid][]byte, error)
	// Delete removes the given uids. Absent uids are ignored.
	Delete(ctx context.Context, table findex.Table, uids []findex.Uid) error
	Close() error
}

// EntryLister is implemented by backends that can enumerate the entry table.
// Compaction needs it.
type EntryLister interface {
	FetchAllEntryUids(ctx context.Context) ([]findex.Uid, error)
}

// RemovedLister answers, for locations the engine suspects are stale, which
// of them no longer exist in the system of record.
type RemovedLister interface {
	ListRemoved(ctx context.Context, locations []findex.Location) ([]findex.Location, error)
}

// RemovedListerFunc adapts a function to RemovedLister.
type RemovedListerFunc func(ctx context.Context, locations []findex.Location) ([]findex.Location, error)

func (f RemovedListerFunc) ListRemoved(ctx context.Context, locations []findex.Location) ([]findex.Location, error) {
	return f(ctx, locations)
}
