package backend

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"findex/lib/findex"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBackend runs the contract every backend must honour. maker returns a
// fresh, empty backend; the suite closes it.
func TestBackend(t *testing.T, maker func(t *testing.T) Backend, skipped ...string) {
	scenarios := []struct {
		name string
		test func(t *testing.T, b Backend)
	}{
		{name: "test_empty_requests", test: testEmptyRequests},
		{name: "test_fetch_missing", test: testFetchMissing},
		{name: "test_insert_fetch", test: testInsertFetch},
		{name: "test_tables_isolated", test: testTablesIsolated},
		{name: "test_insert_overwrites", test: testInsertOverwrites},
		{name: "test_conditional_upsert", test: testConditionalUpsert},
		{name: "test_conditional_upsert_mixed_batch", test: testConditionalUpsertMixedBatch},
		{name: "test_conditional_upsert_empty_value", test: testConditionalUpsertEmptyValue},
		{name: "test_delete_idempotent", test: testDeleteIdempotent},
		{name: "test_large_batch", test: testLargeBatch},
		{name: "test_concurrent_conditional_upsert", test: testConcurrentConditionalUpsert},
		{name: "test_list_entries", test: testListEntries},
	}
	for _, scenario := range scenarios {
		scenario := scenario
		t.Run(scenario.name, func(t *testing.T) {
			if lo.Contains(skipped, scenario.name) {
				t.Skip("skipped for this backend")
			}
			b := maker(t)
			defer func() { _ = b.Close() }()
			scenario.test(t, b)
		})
	}
}

// RandomUids returns n random uids.
func RandomUids(n int) []findex.Uid {
	ret := make([]findex.Uid, n)
	for i := range ret {
		if _, err := rand.Read(ret[i][:]); err != nil {
			panic(err)
		}
	}
	return ret
}

func getData(n int, prefix string) map[findex.Uid][]byte {
	ret := make(map[findex.Uid][]byte, n)
	for i, u := range RandomUids(n) {
		ret[u] = []byte(fmt.Sprintf("%s%d", prefix, i))
	}
	return ret
}

func verifyValues(t *testing.T, b Backend, table findex.Table, expected map[findex.Uid][]byte) {
	found, err := b.Fetch(context.Background(), table, UidsOf(expected))
	require.NoError(t, err)
	assert.Equal(t, len(expected), len(found))
	for u, v := range expected {
		assert.Equal(t, v, found[u], "uid %s", u)
	}
}

func verifyMissing(t *testing.T, b Backend, table findex.Table, uids []findex.Uid) {
	found, err := b.Fetch(context.Background(), table, uids)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testEmptyRequests(t *testing.T, b Backend) {
	ctx := context.Background()
	found, err := b.Fetch(ctx, findex.Entry, nil)
	assert.NoError(t, err)
	assert.Empty(t, found)
	assert.NoError(t, b.Insert(ctx, findex.Chain, nil))
	assert.NoError(t, b.Delete(ctx, findex.Chain, nil))
	conflicts, err := b.ConditionalUpsert(ctx, nil)
	assert.NoError(t, err)
	assert.Empty(t, conflicts)
}

func testFetchMissing(t *testing.T, b Backend) {
	verifyMissing(t, b, findex.Entry, RandomUids(10))
	verifyMissing(t, b, findex.Chain, RandomUids(10))
}

func testInsertFetch(t *testing.T, b Backend) {
	ctx := context.Background()
	data := getData(20, "chain")
	require.NoError(t, b.Insert(ctx, findex.Chain, data))
	verifyValues(t, b, findex.Chain, data)

	// a request mixing present, absent and repeated uids returns exactly the
	// present ones
	present := UidsOf(data)[:5]
	absent := RandomUids(5)
	request := append(append(append([]findex.Uid{}, present...), absent...), present...)
	found, err := b.Fetch(ctx, findex.Chain, request)
	require.NoError(t, err)
	assert.Len(t, found, len(present))
	for _, u := range present {
		assert.Equal(t, data[u], found[u])
	}
	for _, u := range absent {
		assert.NotContains(t, found, u)
	}
}

func testTablesIsolated(t *testing.T, b Backend) {
	ctx := context.Background()
	u := RandomUids(1)[0]
	require.NoError(t, b.Insert(ctx, findex.Entry, map[findex.Uid][]byte{u: []byte("entry")}))
	verifyMissing(t, b, findex.Chain, []findex.Uid{u})
	require.NoError(t, b.Insert(ctx, findex.Chain, map[findex.Uid][]byte{u: []byte("chain")}))
	verifyValues(t, b, findex.Entry, map[findex.Uid][]byte{u: []byte("entry")})
	verifyValues(t, b, findex.Chain, map[findex.Uid][]byte{u: []byte("chain")})

	require.NoError(t, b.Delete(ctx, findex.Chain, []findex.Uid{u}))
	verifyValues(t, b, findex.Entry, map[findex.Uid][]byte{u: []byte("entry")})
	verifyMissing(t, b, findex.Chain, []findex.Uid{u})
}

func testInsertOverwrites(t *testing.T, b Backend) {
	ctx := context.Background()
	data := getData(10, "first")
	require.NoError(t, b.Insert(ctx, findex.Entry, data))
	for u := range data {
		data[u] = append([]byte("second-"), data[u]...)
	}
	require.NoError(t, b.Insert(ctx, findex.Entry, data))
	verifyValues(t, b, findex.Entry, data)
}

func testConditionalUpsert(t *testing.T, b Backend) {
	ctx := context.Background()
	k := RandomUids(1)[0]
	v0, v1, v2 := []byte("v0"), []byte("v1"), []byte("v2")

	// absent key, empty previous
	conflicts, err := b.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{k: {New: v0}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	verifyValues(t, b, findex.Entry, map[findex.Uid][]byte{k: v0})

	conflicts, err = b.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{k: {Previous: v0, New: v1}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	verifyValues(t, b, findex.Entry, map[findex.Uid][]byte{k: v1})

	// a writer that never observed v1 loses and learns about it
	conflicts, err = b.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{k: {Previous: v0, New: v2}})
	require.NoError(t, err)
	assert.Equal(t, map[findex.Uid][]byte{k: v1}, conflicts)
	verifyValues(t, b, findex.Entry, map[findex.Uid][]byte{k: v1})

	// so does a writer that believes the key is absent
	conflicts, err = b.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{k: {New: v2}})
	require.NoError(t, err)
	assert.Equal(t, map[findex.Uid][]byte{k: v1}, conflicts)

	// and conditional upserts never touch the chain table
	verifyMissing(t, b, findex.Chain, []findex.Uid{k})
}

func testConditionalUpsertMixedBatch(t *testing.T, b Backend) {
	ctx := context.Background()
	uids := RandomUids(4)
	require.NoError(t, b.Insert(ctx, findex.Entry, map[findex.Uid][]byte{
		uids[0]: []byte("a"),
		uids[1]: []byte("b"),
	}))
	conflicts, err := b.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{
		uids[0]: {Previous: []byte("a"), New: []byte("a2")},     // ok
		uids[1]: {Previous: []byte("stale"), New: []byte("b2")}, // stale
		uids[2]: {New: []byte("c")},                             // ok, absent
		uids[3]: {Previous: []byte("ghost"), New: []byte("d")},  // absent but expected
	})
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, []byte("b"), conflicts[uids[1]])
	assert.Empty(t, conflicts[uids[3]])
	assert.Contains(t, conflicts, uids[3])

	verifyValues(t, b, findex.Entry, map[findex.Uid][]byte{
		uids[0]: []byte("a2"),
		uids[1]: []byte("b"),
		uids[2]: []byte("c"),
	})
	verifyMissing(t, b, findex.Entry, uids[3:])
}

func testConditionalUpsertEmptyValue(t *testing.T, b Backend) {
	ctx := context.Background()
	k := RandomUids(1)[0]
	require.NoError(t, b.Insert(ctx, findex.Entry, map[findex.Uid][]byte{k: []byte("head")}))
	// retire the head by swapping it for the absent marker
	conflicts, err := b.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{k: {Previous: []byte("head")}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	// an empty stored value compares equal to an empty previous
	conflicts, err = b.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{k: {New: []byte("fresh")}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	verifyValues(t, b, findex.Entry, map[findex.Uid][]byte{k: []byte("fresh")})
}

func testDeleteIdempotent(t *testing.T, b Backend) {
	ctx := context.Background()
	data := getData(10, "value")
	require.NoError(t, b.Insert(ctx, findex.Chain, data))
	uids := append(UidsOf(data), RandomUids(3)...)
	require.NoError(t, b.Delete(ctx, findex.Chain, uids))
	verifyMissing(t, b, findex.Chain, uids)
	require.NoError(t, b.Delete(ctx, findex.Chain, uids))
	verifyMissing(t, b, findex.Chain, uids)
}

func testLargeBatch(t *testing.T, b Backend) {
	ctx := context.Background()
	data := getData(1000, "large")
	require.NoError(t, b.Insert(ctx, findex.Chain, data))
	verifyValues(t, b, findex.Chain, data)
	pairs := make(map[findex.Uid]findex.EntryValuePair, len(data))
	for u, v := range data {
		pairs[u] = findex.EntryValuePair{New: v}
	}
	conflicts, err := b.ConditionalUpsert(ctx, pairs)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	verifyValues(t, b, findex.Entry, data)
	require.NoError(t, b.Delete(ctx, findex.Chain, UidsOf(data)))
	verifyMissing(t, b, findex.Chain, UidsOf(data))
}

// testConcurrentConditionalUpsert has several writers increment one counter
// through read / compare-and-swap / retry. No increment may be lost.
func testConcurrentConditionalUpsert(t *testing.T, b Backend) {
	ctx := context.Background()
	k := RandomUids(1)[0]
	const writers, increments = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var current []byte
			for i := 0; i < increments; {
				n := 0
				if len(current) > 0 {
					n, _ = strconv.Atoi(string(current))
				}
				next := []byte(strconv.Itoa(n + 1))
				conflicts, err := b.ConditionalUpsert(ctx, map[findex.Uid]findex.EntryValuePair{
					k: {Previous: current, New: next},
				})
				if err != nil {
					errs <- err
					return
				}
				if found, ok := conflicts[k]; ok {
					current = found
					continue
				}
				current = next
				i++
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	verifyValues(t, b, findex.Entry, map[findex.Uid][]byte{k: []byte(strconv.Itoa(writers * increments))})
}

func testListEntries(t *testing.T, b Backend) {
	lister, ok := b.(EntryLister)
	if !ok {
		t.Skip("backend cannot enumerate the entry table")
	}
	ctx := context.Background()
	entries := getData(15, "entry")
	require.NoError(t, b.Insert(ctx, findex.Entry, entries))
	require.NoError(t, b.Insert(ctx, findex.Chain, getData(5, "chain")))

	found, err := lister.FetchAllEntryUids(ctx)
	require.NoError(t, err)
	uids := UidsOf(entries)
	assert.ElementsMatch(t, uids, found)

	require.NoError(t, b.Delete(ctx, findex.Entry, uids[:5]))
	found, err = lister.FetchAllEntryUids(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, uids[5:], found)
}
