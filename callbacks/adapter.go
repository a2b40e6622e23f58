// Package callbacks carries the storage contract across a byte-buffer
// boundary. The Adapter is the storage side: it decodes requests, calls the
// backend and writes results into buffers the caller allocated. The Client is
// the engine side: it encodes requests and grows its buffers until the
// results fit.
package callbacks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"findex/backend"
	"findex/lib/findex"
	"findex/lib/serde"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

const (
	// parked results nobody came back for are dropped after PARK_TTL
	PARK_TTL       = time.Minute
	MAX_PARKED     = 1024
	MaxErrorLength = 4096
)

type parked struct {
	result  []byte
	expires time.Time
}

type Adapter struct {
	backend backend.Backend

	mu      sync.Mutex
	lastErr error
	// conditional upserts are not idempotent: a result that did not fit is
	// kept here, keyed by the digest of the request, for the retry
	parked map[xxh3.Uint128]parked
	now    func() time.Time
}

func NewAdapter(b backend.Backend) *Adapter {
	return &Adapter{
		backend: b,
		parked:  make(map[xxh3.Uint128]parked),
		now:     time.Now,
	}
}

// respond writes result to out when it fits, else reports the size needed.
func respond(out []byte, outLen *int, result []byte) Code {
	if len(result) > len(out) {
		*outLen = len(result)
		return BufferTooSmall
	}
	*outLen = copy(out, result)
	return OK
}

func (a *Adapter) fail(op string, err error) Code {
	code := codeOf(err)
	zap.L().Warn("storage callback failed", zap.String("op", op), zap.String("code", code.String()), zap.Error(err))
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
	return code
}

func table(t uint8) (findex.Table, error) {
	tbl := findex.Table(t)
	if !tbl.Valid() {
		return 0, fmt.Errorf("%w: unknown table %d", serde.ErrCodec, t)
	}
	return tbl, nil
}

// Fetch reads the serialized uid set and answers with the serialized map of
// the values found.
func (a *Adapter) Fetch(ctx context.Context, t uint8, out []byte, outLen *int, uids []byte) Code {
	tbl, err := table(t)
	if err != nil {
		return a.fail(backend.OpFetch, err)
	}
	request, err := findex.UnmarshalUids(uids)
	if err != nil {
		return a.fail(backend.OpFetch, err)
	}
	found, err := a.backend.Fetch(ctx, tbl, request)
	if err != nil {
		return a.fail(backend.OpFetch, err)
	}
	return respond(out, outLen, findex.MarshalValues(found))
}

func (a *Adapter) Insert(ctx context.Context, t uint8, items []byte) Code {
	tbl, err := table(t)
	if err != nil {
		return a.fail(backend.OpInsert, err)
	}
	values, err := findex.UnmarshalValues(items)
	if err != nil {
		return a.fail(backend.OpInsert, err)
	}
	if err := a.backend.Insert(ctx, tbl, values); err != nil {
		return a.fail(backend.OpInsert, err)
	}
	return OK
}

// ConditionalUpsert answers with the serialized map of the uids that failed
// the comparison. When that map does not fit, the upsert is not run again on
// the retry: the result is parked and handed to the next call carrying the
// same request.
func (a *Adapter) ConditionalUpsert(ctx context.Context, out []byte, outLen *int, items []byte) Code {
	digest := xxh3.Hash128(items)
	if result, ok := a.unpark(digest, len(out)); ok {
		return respond(out, outLen, result)
	}
	pairs, err := findex.UnmarshalPairs(items)
	if err != nil {
		return a.fail(backend.OpConditionalUpsert, err)
	}
	conflicts, err := a.backend.ConditionalUpsert(ctx, pairs)
	if err != nil {
		return a.fail(backend.OpConditionalUpsert, err)
	}
	result := findex.MarshalValues(conflicts)
	code := respond(out, outLen, result)
	if code == BufferTooSmall {
		a.park(digest, result)
	}
	return code
}

func (a *Adapter) park(digest xxh3.Uint128, result []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for d, p := range a.parked {
		if now.After(p.expires) {
			delete(a.parked, d)
		}
	}
	if len(a.parked) >= MAX_PARKED {
		zap.L().Warn("too many parked conditional upsert results, dropping one")
		for d := range a.parked {
			delete(a.parked, d)
			break
		}
	}
	a.parked[digest] = parked{result: result, expires: now.Add(PARK_TTL)}
}

// unpark returns the parked result for digest. It stays parked when it still
// does not fit in capacity bytes.
func (a *Adapter) unpark(digest xxh3.Uint128, capacity int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.parked[digest]
	if !ok {
		return nil, false
	}
	if a.now().After(p.expires) {
		delete(a.parked, digest)
		return nil, false
	}
	if len(p.result) <= capacity {
		delete(a.parked, digest)
	}
	return p.result, true
}

func (a *Adapter) Delete(ctx context.Context, t uint8, uids []byte) Code {
	tbl, err := table(t)
	if err != nil {
		return a.fail(backend.OpDelete, err)
	}
	request, err := findex.UnmarshalUids(uids)
	if err != nil {
		return a.fail(backend.OpDelete, err)
	}
	if err := a.backend.Delete(ctx, tbl, request); err != nil {
		return a.fail(backend.OpDelete, err)
	}
	return OK
}

// ListRemoved answers with the serialized sequence of the given locations
// the system of record no longer has.
func (a *Adapter) ListRemoved(ctx context.Context, out []byte, outLen *int, locations []byte) Code {
	lister, ok := a.backend.(backend.RemovedLister)
	if !ok {
		return a.fail(backend.OpListRemoved, backend.ErrUnsupported)
	}
	request, err := findex.UnmarshalLocations(locations)
	if err != nil {
		return a.fail(backend.OpListRemoved, err)
	}
	removed, err := lister.ListRemoved(ctx, request)
	if err != nil {
		return a.fail(backend.OpListRemoved, err)
	}
	return respond(out, outLen, findex.MarshalLocations(removed))
}

// FetchAllEntryUids answers with the serialized set of entry table uids.
func (a *Adapter) FetchAllEntryUids(ctx context.Context, out []byte, outLen *int) Code {
	lister, ok := a.backend.(backend.EntryLister)
	if !ok {
		return a.fail(backend.OpListEntries, backend.ErrUnsupported)
	}
	uids, err := lister.FetchAllEntryUids(ctx)
	if err != nil {
		return a.fail(backend.OpListEntries, err)
	}
	return respond(out, outLen, findex.MarshalUids(uids))
}

// LastError writes the message of the last failure, truncated to
// MaxErrorLength bytes. Concurrent failures overwrite each other.
func (a *Adapter) LastError(out []byte, outLen *int) Code {
	a.mu.Lock()
	err := a.lastErr
	a.mu.Unlock()
	if err == nil {
		*outLen = 0
		return OK
	}
	msg := []byte(err.Error())
	if len(msg) > MaxErrorLength {
		msg = msg[:MaxErrorLength]
	}
	return respond(out, outLen, msg)
}

// Close closes the backend behind the adapter.
func (a *Adapter) Close() error {
	return a.backend.Close()
}
