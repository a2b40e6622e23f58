package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"findex/backend"
	"findex/lib/findex"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBolt(t *testing.T) {
	maker := func(t *testing.T) backend.Backend {
		b, err := Open(filepath.Join(t.TempDir(), "findex.db"), true)
		require.NoError(t, err)
		return b
	}
	backend.TestBackend(t, maker)
}

func TestBolt_EmptyValueIsPresent(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "findex.db"), true)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	u := backend.RandomUids(1)[0]
	require.NoError(t, b.Insert(ctx, findex.Chain, map[findex.Uid][]byte{u: nil}))
	found, err := b.Fetch(ctx, findex.Chain, []findex.Uid{u})
	require.NoError(t, err)
	assert.Contains(t, found, u)
	assert.Empty(t, found[u])
}
