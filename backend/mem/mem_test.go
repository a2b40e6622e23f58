package mem

import (
	"context"
	"testing"

	"findex/backend"
	"findex/lib/findex"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMem(t *testing.T) {
	maker := func(t *testing.T) backend.Backend {
		return New(8)
	}
	backend.TestBackend(t, maker)
}

func TestMem_SingleShard(t *testing.T) {
	maker := func(t *testing.T) backend.Backend {
		return New(1)
	}
	backend.TestBackend(t, maker)
}

func TestMem_Stats(t *testing.T) {
	m := New(4)
	defer func() { _ = m.Close() }()
	ctx := context.Background()
	uids := backend.RandomUids(3)
	require.NoError(t, m.Insert(ctx, findex.Chain, map[findex.Uid][]byte{
		uids[0]: []byte("abc"),
		uids[1]: []byte("de"),
	}))
	require.NoError(t, m.Insert(ctx, findex.Entry, map[findex.Uid][]byte{uids[2]: []byte("f")}))
	assert.Equal(t, 3, m.Items())
	assert.Equal(t, uint64(6), m.RawTotalSize())

	require.NoError(t, m.Insert(ctx, findex.Chain, map[findex.Uid][]byte{uids[0]: []byte("a")}))
	assert.Equal(t, uint64(4), m.RawTotalSize())
	require.NoError(t, m.Delete(ctx, findex.Chain, uids))
	assert.Equal(t, 1, m.Items())
	assert.Equal(t, uint64(1), m.RawTotalSize())
}

func TestMem_ValuesAreCopied(t *testing.T) {
	m := New(2)
	defer func() { _ = m.Close() }()
	ctx := context.Background()
	u := backend.RandomUids(1)[0]
	v := []byte("value")
	require.NoError(t, m.Insert(ctx, findex.Chain, map[findex.Uid][]byte{u: v}))
	v[0] = 'X'
	found, err := m.Fetch(ctx, findex.Chain, []findex.Uid{u})
	require.NoError(t, err)
	found[u][1] = 'Y'
	found, err = m.Fetch(ctx, findex.Chain, []findex.Uid{u})
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), found[u])
}

func TestMem_CancelledContext(t *testing.T) {
	m := New(2)
	defer func() { _ = m.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Fetch(ctx, findex.Entry, backend.RandomUids(1))
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backend.OpFetch, be.Op)
	assert.ErrorIs(t, err, context.Canceled)
}
