package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
)

// EmptyRoot is the root hash of a trie without entries.
var EmptyRoot = gethtypes.EmptyRootHash

// Trie wraps go-ethereum's Merkle Patricia trie over a throwaway in-memory
// node database. It is used to derive commitments, not to persist state.
//
// Keys are hashed with keccak256 before insertion so the root does not depend
// on insertion order or key length.
//
// Trie is not safe for concurrent use.
type Trie struct {
	trieDB *triedb.Database
	trie   *gethtrie.Trie
}

// New returns an empty trie.
func New() *Trie {
	trieDB := triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil)
	return &Trie{
		trieDB: trieDB,
		trie:   gethtrie.NewEmpty(trieDB),
	}
}

// Get retrieves the value stored under key, nil when absent.
func (t *Trie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(crypto.Keccak256(key))
}

// Update inserts or replaces the value stored under key. An empty value
// removes the entry.
func (t *Trie) Update(key, value []byte) error {
	return t.trie.Update(crypto.Keccak256(key), value)
}

// Hash returns the root hash reflecting every mutation so far.
func (t *Trie) Hash() common.Hash {
	return t.trie.Hash()
}

// Root builds a trie from entries and returns its root hash.
func Root(entries map[string][]byte) (common.Hash, error) {
	t := New()
	for key, value := range entries {
		if err := t.Update([]byte(key), value); err != nil {
			return common.Hash{}, err
		}
	}
	return t.Hash(), nil
}
