package multi

import (
	"context"
	"errors"
	"testing"

	"findex/backend"
	"findex/backend/mem"
	"findex/lib/findex"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failing struct{}

func (failing) Fetch(context.Context, findex.Table, []findex.Uid) (map[findex.Uid][]byte, error) {
	return nil, errors.New("unreachable")
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	a, b := mem.New(2), mem.New(2)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()
	uids := backend.RandomUids(4)
	require.NoError(t, a.Insert(ctx, findex.Chain, map[findex.Uid][]byte{uids[0]: []byte("a0"), uids[2]: []byte("a2")}))
	require.NoError(t, b.Insert(ctx, findex.Chain, map[findex.Uid][]byte{uids[1]: []byte("b1"), uids[2]: []byte("b2")}))
	require.NoError(t, a.Insert(ctx, findex.Entry, map[findex.Uid][]byte{uids[0]: []byte("e")}))
	require.NoError(t, b.Insert(ctx, findex.Entry, map[findex.Uid][]byte{uids[0]: []byte("e"), uids[1]: []byte("e")}))

	m, err := New(a, b)
	require.NoError(t, err)
	found, err := m.Fetch(ctx, findex.Chain, uids)
	require.NoError(t, err)
	assert.Equal(t, map[findex.Uid][]byte{
		uids[0]: []byte("a0"),
		uids[1]: []byte("b1"),
		uids[2]: []byte("a2"),
	}, found)

	entries, err := m.FetchAllEntryUids(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, uids[:2], entries)
}

func TestMulti_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := New()
	assert.Error(t, err)

	a := mem.New(1)
	defer func() { _ = a.Close() }()
	m, err := New(a, failing{})
	require.NoError(t, err)
	_, err = m.Fetch(ctx, findex.Entry, backend.RandomUids(1))
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Contains(t, err.Error(), "backend 1")

	_, err = m.FetchAllEntryUids(ctx)
	assert.ErrorIs(t, err, backend.ErrUnsupported)
}
