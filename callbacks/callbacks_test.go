package callbacks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"findex/backend"
	"findex/backend/mem"
	"findex/lib/findex"
	"findex/lib/serde"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	for _, size := range []int{1, 64, DefaultBufferSize} {
		size := size
		t.Run(fmt.Sprintf("buffer_%d", size), func(t *testing.T) {
			maker := func(t *testing.T) backend.Backend {
				return NewClient(NewAdapter(mem.New(8)), size)
			}
			backend.TestBackend(t, maker)
		})
	}
}

func filled(n int) []byte {
	return bytes.Repeat([]byte{0xAA}, n)
}

func TestAdapter_FetchHandshake(t *testing.T) {
	ctx := context.Background()
	m := mem.New(2)
	a := NewAdapter(m)
	defer func() { _ = a.Close() }()
	uids := backend.RandomUids(3)
	values := map[findex.Uid][]byte{
		uids[0]: []byte("france"),
		uids[1]: bytes.Repeat([]byte{1}, 300),
	}
	require.Equal(t, OK, a.Insert(ctx, uint8(findex.Chain), findex.MarshalValues(values)))
	request := findex.MarshalUids(uids)
	expected := findex.MarshalValues(values)

	out := filled(10)
	n := 0
	assert.Equal(t, BufferTooSmall, a.Fetch(ctx, uint8(findex.Chain), out, &n, request))
	assert.Equal(t, len(expected), n)
	// nothing was written
	assert.Equal(t, filled(10), out)

	// the reported size is enough on the next call
	out = make([]byte, n)
	assert.Equal(t, OK, a.Fetch(ctx, uint8(findex.Chain), out, &n, request))
	assert.Equal(t, expected, out[:n])

	// larger buffers are fine, only the prefix is written
	out = filled(1000)
	assert.Equal(t, OK, a.Fetch(ctx, uint8(findex.Chain), out, &n, request))
	assert.Equal(t, expected, out[:n])
	assert.Equal(t, filled(1000-n), out[n:])

	// an empty result still needs its count byte
	out = nil
	assert.Equal(t, BufferTooSmall, a.Fetch(ctx, uint8(findex.Entry), out, &n, request))
	assert.Equal(t, 1, n)
}

func TestAdapter_ConditionalUpsertIsNotReplayed(t *testing.T) {
	ctx := context.Background()
	m := mem.New(2)
	a := NewAdapter(m)
	defer func() { _ = a.Close() }()
	k := backend.RandomUids(1)[0]
	require.NoError(t, m.Insert(ctx, findex.Entry, map[findex.Uid][]byte{k: []byte("v1")}))

	request := findex.MarshalPairs(map[findex.Uid]findex.EntryValuePair{k: {Previous: []byte("v0"), New: []byte("v2")}})
	n := 0
	require.Equal(t, BufferTooSmall, a.ConditionalUpsert(ctx, make([]byte, 1), &n, request))

	// had the retry run the upsert again, this would let it through
	require.NoError(t, m.Insert(ctx, findex.Entry, map[findex.Uid][]byte{k: []byte("v0")}))

	// a buffer still too small keeps the result parked
	require.Equal(t, BufferTooSmall, a.ConditionalUpsert(ctx, make([]byte, n-1), &n, request))
	out := make([]byte, n)
	require.Equal(t, OK, a.ConditionalUpsert(ctx, out, &n, request))
	conflicts, err := findex.UnmarshalValues(out[:n])
	require.NoError(t, err)
	assert.Equal(t, map[findex.Uid][]byte{k: []byte("v1")}, conflicts)

	found, err := m.Fetch(ctx, findex.Entry, []findex.Uid{k})
	require.NoError(t, err)
	assert.Equal(t, []byte("v0"), found[k])

	// once handed out, the same request runs again
	require.Equal(t, OK, a.ConditionalUpsert(ctx, out, &n, request))
	conflicts, err = findex.UnmarshalValues(out[:n])
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	found, err = m.Fetch(ctx, findex.Entry, []findex.Uid{k})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), found[k])
}

func TestAdapter_ParkedResultsExpire(t *testing.T) {
	ctx := context.Background()
	m := mem.New(2)
	a := NewAdapter(m)
	defer func() { _ = a.Close() }()
	now := time.Now()
	a.now = func() time.Time { return now }
	k := backend.RandomUids(1)[0]
	require.NoError(t, m.Insert(ctx, findex.Entry, map[findex.Uid][]byte{k: []byte("v1")}))
	request := findex.MarshalPairs(map[findex.Uid]findex.EntryValuePair{k: {Previous: []byte("v1"), New: []byte("v2")}})
	require.NoError(t, m.Insert(ctx, findex.Entry, map[findex.Uid][]byte{k: []byte("other")}))

	n := 0
	require.Equal(t, BufferTooSmall, a.ConditionalUpsert(ctx, nil, &n, request))
	require.Len(t, a.parked, 1)

	now = now.Add(2 * PARK_TTL)
	require.NoError(t, m.Insert(ctx, findex.Entry, map[findex.Uid][]byte{k: []byte("v1")}))
	out := make([]byte, 100)
	require.Equal(t, OK, a.ConditionalUpsert(ctx, out, &n, request))
	conflicts, err := findex.UnmarshalValues(out[:n])
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Empty(t, a.parked)
}

func TestAdapter_Errors(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(mem.New(2))
	defer func() { _ = a.Close() }()
	n := 0
	out := make([]byte, 100)

	assert.Equal(t, CodecFailure, a.Fetch(ctx, 7, out, &n, findex.MarshalUids(nil)))
	assert.Equal(t, CodecFailure, a.Fetch(ctx, uint8(findex.Entry), out, &n, []byte{5, 1, 2}))
	assert.Equal(t, CodecFailure, a.Insert(ctx, uint8(findex.Chain), []byte{1}))
	assert.Equal(t, CodecFailure, a.Delete(ctx, uint8(findex.Chain), append(findex.MarshalUids(nil), 0)))
	assert.Equal(t, CodecFailure, a.ConditionalUpsert(ctx, out, &n, []byte{0x80}))

	require.Equal(t, OK, a.LastError(out, &n))
	assert.Contains(t, string(out[:n]), "codec")
	require.Equal(t, BufferTooSmall, a.LastError(out[:2], &n))
	assert.Greater(t, n, 2)

	assert.Equal(t, Unsupported, a.ListRemoved(ctx, out, &n, findex.MarshalLocations(nil)))
}

func TestAdapter_ListRemoved(t *testing.T) {
	ctx := context.Background()
	b := backend.WithRemovedLister(mem.New(2), backend.RemovedListerFunc(
		func(_ context.Context, ls []findex.Location) ([]findex.Location, error) {
			return ls[1:], nil
		}))
	c := NewClient(NewAdapter(b), 1)
	defer func() { _ = c.Close() }()
	removed, err := c.ListRemoved(ctx, []findex.Location{findex.Location("1"), findex.Location("2"), findex.Location("3")})
	require.NoError(t, err)
	assert.Equal(t, []findex.Location{findex.Location("2"), findex.Location("3")}, removed)
}

type broken struct {
	backend.Backend
}

func (broken) Fetch(context.Context, findex.Table, []findex.Uid) (map[findex.Uid][]byte, error) {
	return nil, errors.New("connection reset")
}

func (broken) Close() error { return nil }

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	c := NewClient(NewAdapter(broken{}), 16)
	defer func() { _ = c.Close() }()

	_, err := c.Fetch(ctx, findex.Chain, backend.RandomUids(1))
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backend.OpFetch, be.Op)
	assert.ErrorIs(t, err, ErrBackend)
	var ce *CodeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, BackendFailure, ce.Code)
	assert.Contains(t, ce.Message, "connection reset")

	_, err = c.ListRemoved(ctx, nil)
	assert.ErrorIs(t, err, backend.ErrUnsupported)
	_, err = c.FetchAllEntryUids(ctx)
	assert.ErrorIs(t, err, backend.ErrUnsupported)
}

func TestClient_GivesUpOnGrowingResults(t *testing.T) {
	c := NewClient(NewAdapter(mem.New(1)), 1)
	defer func() { _ = c.Close() }()
	grow := 1
	_, err := c.call(func(out []byte, outLen *int) Code {
		grow *= 2
		*outLen = len(out) + grow
		return BufferTooSmall
	})
	var e *BufferTooSmallError
	require.ErrorAs(t, err, &e)
	assert.Greater(t, e.Required, 1)
}

func TestCodeError(t *testing.T) {
	assert.ErrorIs(t, &CodeError{Code: CodecFailure}, serde.ErrCodec)
	assert.ErrorIs(t, &CodeError{Code: Unsupported}, backend.ErrUnsupported)
	assert.ErrorIs(t, &CodeError{Code: BackendFailure}, ErrBackend)
	assert.Equal(t, "codec failure: bad", (&CodeError{Code: CodecFailure, Message: "bad"}).Error())
	assert.Equal(t, OK, codeOf(nil))
	assert.Equal(t, "code(9)", Code(9).String())
}
