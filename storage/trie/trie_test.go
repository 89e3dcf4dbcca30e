package trie

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrieUpdateAndGet(t *testing.T) {
	tr := New()
	require.Equal(t, EmptyRoot, tr.Hash())

	require.NoError(t, tr.Update([]byte("key"), []byte("value")))
	got, err := tr.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	missing, err := tr.Get([]byte("other"))
	require.NoError(t, err)
	require.Nil(t, missing)
	require.NotEqual(t, EmptyRoot, tr.Hash())

	require.NoError(t, tr.Update([]byte("key"), nil))
	require.Equal(t, EmptyRoot, tr.Hash())
}

func TestRootIsOrderIndependent(t *testing.T) {
	a := New()
	require.NoError(t, a.Update([]byte("a"), []byte{1}))
	require.NoError(t, a.Update([]byte("b"), []byte{2}))

	b := New()
	require.NoError(t, b.Update([]byte("b"), []byte{2}))
	require.NoError(t, b.Update([]byte("a"), []byte{1}))
	require.Equal(t, a.Hash(), b.Hash())

	root, err := Root(map[string][]byte{"a": {1}, "b": {2}})
	require.NoError(t, err)
	require.Equal(t, a.Hash(), root)

	changed, err := Root(map[string][]byte{"a": {1}, "b": {3}})
	require.NoError(t, err)
	require.NotEqual(t, root, changed)
}
