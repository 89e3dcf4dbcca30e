package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

	require.NoError(t, db.Put([]byte("a/1"), []byte("one")))
	value, err := db.Get([]byte("a/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	batch := db.NewBatch()
	batch.Put([]byte("a/2"), []byte("two"))
	batch.Put([]byte("b/1"), []byte("other"))
	batch.Delete([]byte("a/1"))
	require.Equal(t, 3, batch.Len())

	has, err := db.Has([]byte("a/2"))
	require.NoError(t, err)
	require.False(t, has, "batch writes must not be visible before Write")

	require.NoError(t, batch.Write())

	has, err = db.Has([]byte("a/1"))
	require.NoError(t, err)
	require.False(t, has)

	keys, err := db.Keys([]byte("a/"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a/2")}, keys)

	require.NoError(t, db.Delete([]byte("a/2")))
	require.NoError(t, db.Delete([]byte("a/2")))
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'
	stored, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "abc", string(stored))
}

func TestNewLevelDBRequiresPath(t *testing.T) {
	if _, err := NewLevelDB("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
