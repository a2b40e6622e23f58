package sql

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"findex/backend"
	"findex/lib/findex"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T, path string) *Backend {
	b, err := Open("sqlite3", path)
	require.NoError(t, err)
	return b
}

func TestSQLite(t *testing.T) {
	maker := func(t *testing.T) backend.Backend {
		return openSQLite(t, filepath.Join(t.TempDir(), "findex.sqlite"))
	}
	backend.TestBackend(t, maker)
}

func TestSchema_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findex.sqlite")
	ctx := context.Background()
	u := backend.RandomUids(1)[0]

	b := openSQLite(t, path)
	require.NoError(t, b.Insert(ctx, findex.Entry, map[findex.Uid][]byte{u: []byte("kept")}))
	v, err := schemaVersion(b.DB())
	require.NoError(t, err)
	assert.Equal(t, uint32(len(SQLite.Schema)), v)
	require.NoError(t, b.Close())

	b = openSQLite(t, path)
	defer func() { _ = b.Close() }()
	found, err := b.Fetch(ctx, findex.Entry, []findex.Uid{u})
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), found[u])
}

func TestSchema_RejectsGaps(t *testing.T) {
	b := openSQLite(t, filepath.Join(t.TempDir(), "findex.sqlite"))
	defer func() { _ = b.Close() }()
	err := SyncSchema(b.DB(), Schema{
		1: "SELECT 1",
		2: "SELECT 1",
		4: "CREATE TABLE never (id INT)",
	})
	assert.Error(t, err)
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("mysql")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t (uid, value) VALUES (?, ?), (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)", d.upsert("t", 2))
	d, err = DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Contains(t, d.insertIgnore("t"), "ON CONFLICT(uid) DO NOTHING")
	_, err = DialectFor("postgres")
	assert.Error(t, err)
}

func location(id uint32) findex.Location {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func TestRecords(t *testing.T) {
	b := openSQLite(t, filepath.Join(t.TempDir(), "findex.sqlite"))
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	_, err := b.DB().Exec("CREATE TABLE users (id BLOB PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	for i := uint32(1); i <= 3; i++ {
		_, err := b.DB().Exec("INSERT INTO users (id, name) VALUES (?, ?)", []byte(location(i)), "user")
		require.NoError(t, err)
	}
	records := Records{DB: b.DB(), Table: "users", Column: "id"}

	removed, err := records.ListRemoved(ctx, []findex.Location{location(1), location(4), location(3), location(5)})
	require.NoError(t, err)
	assert.Equal(t, []findex.Location{location(4), location(5)}, removed)

	removed, err = records.ListRemoved(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, removed)

	// composed with the backend, the result is both a Backend and a RemovedLister
	composed := backend.WithRemovedLister(b, records)
	_, ok := composed.(backend.EntryLister)
	assert.True(t, ok)
	removed, err = composed.(backend.RemovedLister).ListRemoved(ctx, []findex.Location{location(2), location(9)})
	require.NoError(t, err)
	assert.Equal(t, []findex.Location{location(9)}, removed)
}
