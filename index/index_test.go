package index

import (
	"context"
	"fmt"
	"testing"

	"findex/backend/mem"
	"findex/backend/multi"
	"findex/compact"
	"findex/lib/findex"
	"findex/lib/serde"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newIndex(t *testing.T, m *mem.Backend, label string, opts Options) (*Index, Key) {
	key, err := NewKey()
	require.NoError(t, err)
	x, err := New(m, key, []byte(label), opts)
	require.NoError(t, err)
	return x, key
}

func loc(s string) findex.IndexedValue {
	return findex.NewLocation(findex.Location(s))
}

func next(s string) findex.IndexedValue {
	return findex.NewNextKeyword(findex.Keyword(s))
}

func locations(ss ...string) []findex.Location {
	ret := make([]findex.Location, len(ss))
	for i, s := range ss {
		ret[i] = findex.Location(s)
	}
	return ret
}

func TestIndex_UpsertSearch(t *testing.T) {
	ctx := context.Background()
	m := mem.New(4)
	x, _ := newIndex(t, m, "label", Options{})

	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{
		"france": {loc("u1"), loc("u2")},
		"paris":  {loc("u3")},
		"europe": {next("france")},
	}))
	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{
		"france": {loc("u4"), loc("u1")},
		"empty":  nil,
	}))

	res, err := x.Search(ctx, []findex.Keyword{
		findex.Keyword("france"),
		findex.Keyword("paris"),
		findex.Keyword("europe"),
		findex.Keyword("missing"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]findex.Location{
		"france":  locations("u1", "u2", "u4"),
		"paris":   locations("u3"),
		"europe":  locations("u1", "u2", "u4"),
		"missing": {},
	}, res)
}

func TestIndex_SearchCycles(t *testing.T) {
	ctx := context.Background()
	x, _ := newIndex(t, mem.New(4), "label", Options{})
	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{
		"a": {loc("1"), next("b")},
		"b": {loc("2"), next("a"), next("b")},
	}))
	res, err := x.Search(ctx, []findex.Keyword{findex.Keyword("a"), findex.Keyword("a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]findex.Location{"a": locations("1", "2")}, res)
}

func TestIndex_MaxDepth(t *testing.T) {
	ctx := context.Background()
	x, _ := newIndex(t, mem.New(4), "label", Options{MaxDepth: 2})
	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{
		"a": {loc("1"), next("b")},
		"b": {loc("2"), next("c")},
		"c": {loc("3")},
	}))
	res, err := x.Search(ctx, []findex.Keyword{findex.Keyword("a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, locations("1", "2"), res["a"])
}

func TestIndex_Interrupt(t *testing.T) {
	ctx := context.Background()
	x, _ := newIndex(t, mem.New(4), "label", Options{})
	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{
		"a": {loc("1"), next("b")},
		"b": {loc("2"), next("c")},
		"c": {loc("3")},
	}))

	var calls []map[string][]findex.Location
	res, err := x.Search(ctx, []findex.Keyword{findex.Keyword("a")}, func(partial map[string][]findex.Location) bool {
		calls = append(calls, partial)
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, locations("1", "2", "3"), res["a"])
	// called before each further hop, never after the last one
	require.Len(t, calls, 2)
	assert.Equal(t, locations("1"), calls[0]["a"])
	assert.Equal(t, locations("1", "2"), calls[1]["a"])

	res, err = x.Search(ctx, []findex.Keyword{findex.Keyword("a")}, func(map[string][]findex.Location) bool {
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, locations("1"), res["a"])
}

func TestIndex_KeyAndLabelIsolation(t *testing.T) {
	ctx := context.Background()
	m := mem.New(4)
	x, key := newIndex(t, m, "label", Options{})
	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{"france": {loc("u1")}}))

	otherLabel, err := New(m, key, []byte("other"), Options{})
	require.NoError(t, err)
	otherKey, _ := newIndex(t, m, "label", Options{})
	for _, y := range []*Index{otherLabel, otherKey} {
		res, err := y.Search(ctx, []findex.Keyword{findex.Keyword("france")}, nil)
		require.NoError(t, err)
		assert.Empty(t, res["france"])
	}
	assert.NotEqual(t, x.EntryUid(findex.Keyword("france")), otherLabel.EntryUid(findex.Keyword("france")))
	assert.NotEqual(t, x.EntryUid(findex.Keyword("france")), otherKey.EntryUid(findex.Keyword("france")))
	assert.Equal(t, []byte("other"), otherLabel.Label())
}

func TestIndex_Segments(t *testing.T) {
	ctx := context.Background()
	m := mem.New(4)
	x, _ := newIndex(t, m, "label", Options{SegmentSize: 8})
	var values []findex.IndexedValue
	var expected []findex.Location
	for i := 0; i < 100; i++ {
		values = append(values, loc(fmt.Sprint(i)))
		expected = append(expected, findex.Location(fmt.Sprint(i)))
	}
	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{"kw": values}))
	// one entry and ceil(100 / 8) segments
	assert.Equal(t, 1+13, m.Items())

	uid := x.EntryUid(findex.Keyword("kw"))
	found, err := m.Fetch(ctx, findex.Entry, []findex.Uid{uid})
	require.NoError(t, err)
	e, err := x.current().openEntry(uid, found[uid])
	require.NoError(t, err)
	assert.Len(t, e.chains, 13)
	assert.Equal(t, keywordHash(findex.Keyword("kw")), e.hash)

	res, err := x.Search(ctx, []findex.Keyword{findex.Keyword("kw")}, nil)
	require.NoError(t, err)
	assert.Equal(t, expected, res["kw"])
}

func TestIndex_ValuesBoundToUid(t *testing.T) {
	ctx := context.Background()
	m := mem.New(4)
	x, _ := newIndex(t, m, "label", Options{SegmentSize: 1})
	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{"kw": {loc("a"), loc("b")}}))

	uid := x.EntryUid(findex.Keyword("kw"))
	found, err := m.Fetch(ctx, findex.Entry, []findex.Uid{uid})
	require.NoError(t, err)
	e, err := x.current().openEntry(uid, found[uid])
	require.NoError(t, err)
	require.Len(t, e.chains, 2)

	// move the first segment under the uid of the second
	chains, err := m.Fetch(ctx, findex.Chain, e.chains)
	require.NoError(t, err)
	require.NoError(t, m.Insert(ctx, findex.Chain, map[findex.Uid][]byte{e.chains[1]: chains[e.chains[0]]}))

	_, err = x.Search(ctx, []findex.Keyword{findex.Keyword("kw")}, nil)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestIndex_ConcurrentUpsert(t *testing.T) {
	ctx := context.Background()
	m := mem.New(4)
	x, _ := newIndex(t, m, "label", Options{})

	const writers, perWriter = 8, 20
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				err := x.Upsert(ctx, map[string][]findex.IndexedValue{
					"shared":              {loc(fmt.Sprintf("%d-%d", w, i))},
					fmt.Sprintf("w%d", w): {loc(fmt.Sprint(i))},
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	res, err := x.Search(context.Background(), []findex.Keyword{findex.Keyword("shared"), findex.Keyword("w3")}, nil)
	require.NoError(t, err)
	assert.Len(t, res["shared"], writers*perWriter)
	assert.Len(t, res["w3"], perWriter)
}

func TestKeys(t *testing.T) {
	_, err := KeyFromBytes([]byte("short"))
	assert.Error(t, err)
	k, err := KeyFromHex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	assert.Equal(t, byte(0x1f), k[31])
	_, err = KeyFromHex("zz")
	assert.Error(t, err)

	ks, err := derive(k, []byte("label"))
	require.NoError(t, err)
	uid := findex.Uid{1}
	sealed, err := ks.seal(uid, []byte("secret"))
	require.NoError(t, err)
	pt, err := ks.open(uid, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
	_, err = ks.open(findex.Uid{2}, sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
	_, err = ks.open(uid, sealed[:4])
	assert.Error(t, err)
}

func TestIndex_ReadOnlyOverShards(t *testing.T) {
	ctx := context.Background()
	live, archive := mem.New(4), mem.New(4)
	key, err := NewKey()
	require.NoError(t, err)
	for _, shard := range []struct {
		b      *mem.Backend
		values map[string][]findex.IndexedValue
	}{
		{live, map[string][]findex.IndexedValue{"2022": {loc("u1")}, "years": {next("2022"), next("2021")}}},
		{archive, map[string][]findex.IndexedValue{"2021": {loc("u0")}}},
	} {
		x, err := New(shard.b, key, []byte("label"), Options{})
		require.NoError(t, err)
		require.NoError(t, x.Upsert(ctx, shard.values))
	}

	r, err := multi.New(live, archive)
	require.NoError(t, err)
	x, err := NewReadOnly(r, key, []byte("label"), Options{})
	require.NoError(t, err)
	res, err := x.Search(ctx, []findex.Keyword{findex.Keyword("years")}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, locations("u1", "u0"), res["years"])

	assert.ErrorIs(t, x.Upsert(ctx, map[string][]findex.IndexedValue{"2023": {loc("u2")}}), ErrReadOnly)
	_, err = x.Compact(ctx, key, []byte("label"), compact.Options{})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestKeyring_Retire(t *testing.T) {
	ctx := context.Background()
	m := mem.New(4)
	x, key := newIndex(t, m, "label", Options{})
	require.NoError(t, x.Upsert(ctx, map[string][]findex.IndexedValue{
		"france": {loc("u1")},
		"paris":  {loc("u2")},
	}))
	kr, err := x.Keyring(key, []byte("next"))
	require.NoError(t, err)

	uid := x.EntryUid(findex.Keyword("france"))
	found, err := m.Fetch(ctx, findex.Entry, []findex.Uid{uid})
	require.NoError(t, err)
	head, err := kr.OpenEntry(uid, found[uid])
	require.NoError(t, err)

	_, err = kr.Retire(x.EntryUid(findex.Keyword("paris")), head)
	assert.ErrorIs(t, err, ErrLabelMismatch)
	tombstone, err := kr.Retire(uid, head)
	require.NoError(t, err)
	conflicts, err := m.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{uid: {Previous: found[uid], New: tombstone}})
	require.NoError(t, err)
	require.Empty(t, conflicts)

	_, err = kr.OpenEntry(uid, tombstone)
	assert.ErrorIs(t, err, compact.ErrRetired)
	res, err := x.Search(ctx, []findex.Keyword{findex.Keyword("france"), findex.Keyword("paris")}, nil)
	require.NoError(t, err)
	assert.Empty(t, res["france"])
	assert.Equal(t, locations("u2"), res["paris"])

	// nothing is written when one of the keywords is retired
	items := m.Items()
	err = x.Upsert(ctx, map[string][]findex.IndexedValue{
		"france": {loc("u3")},
		"paris":  {loc("u4")},
	})
	assert.ErrorIs(t, err, ErrRetired)
	assert.Equal(t, items, m.Items())
	res, err = x.Search(ctx, []findex.Keyword{findex.Keyword("paris")}, nil)
	require.NoError(t, err)
	assert.Equal(t, locations("u2"), res["paris"])
}

func TestEntry_UnknownKind(t *testing.T) {
	_, err := serde.Unmarshal([]byte{7}, readEntry)
	assert.ErrorIs(t, err, serde.ErrCodec)

	e := entry{retired: true, hash: keywordHash(findex.Keyword("kw"))}
	got, err := serde.Unmarshal(serde.Marshal(e, putEntry), readEntry)
	require.NoError(t, err)
	assert.True(t, got.retired)
	assert.Equal(t, e.hash, got.hash)
	assert.Empty(t, got.chains)
}
