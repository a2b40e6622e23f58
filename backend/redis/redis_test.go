package redis

import (
	"context"
	"testing"

	"findex/backend"
	"findex/lib/findex"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis(t *testing.T) {
	maker := func(t *testing.T) backend.Backend {
		mr := miniredis.RunT(t)
		return Open(Options{Addr: mr.Addr()})
	}
	backend.TestBackend(t, maker)
}

func TestRedis_PrefixesAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "a")
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "b")
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	u := backend.RandomUids(1)[0]
	require.NoError(t, a.Insert(ctx, findex.Entry, map[findex.Uid][]byte{u: []byte("mine")}))
	found, err := b.Fetch(ctx, findex.Entry, []findex.Uid{u})
	require.NoError(t, err)
	assert.Empty(t, found)
	entries, err := b.FetchAllEntryUids(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.True(t, mr.Exists("a:e:"+u.String()))
}

func TestRedis_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	r := Open(Options{Addr: mr.Addr()})
	defer func() { _ = r.Close() }()
	mr.Close()
	_, err := r.Fetch(context.Background(), findex.Chain, backend.RandomUids(1))
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backend.OpFetch, be.Op)
}
