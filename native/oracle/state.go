package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/fulldecent/compound-oracle/storage"
)

var (
	pricePrefix   = []byte("oracle/price/")
	anchorPrefix  = []byte("oracle/anchor/")
	pendingPrefix = []byte("oracle/pending/")
)

// State is the persistence contract used by the Engine. Apply must commit
// every field of the update atomically.
type State interface {
	Price(asset common.Address) (*uint256.Int, error)
	Anchor(asset common.Address) (Anchor, bool, error)
	PendingAnchor(asset common.Address) (*uint256.Int, bool, error)
	PutPendingAnchor(asset common.Address, value *uint256.Int) error
	Apply(asset common.Address, update Update) error
	Assets() ([]common.Address, error)
}

// Update is the set of writes produced by one submission.
type Update struct {
	Price *uint256.Int
	// Anchor is nil when the anchor is unchanged.
	Anchor       *Anchor
	ClearPending bool
}

type storedAnchor struct {
	Price       []byte
	PeriodStart uint64
}

type assetRecord struct {
	price      *uint256.Int
	anchor     Anchor
	hasAnchor  bool
	pending    *uint256.Int
	hasPending bool
}

func (r assetRecord) clone() assetRecord {
	return assetRecord{
		price:      cloneInt(r.price),
		anchor:     r.anchor.Clone(),
		hasAnchor:  r.hasAnchor,
		pending:    cloneInt(r.pending),
		hasPending: r.hasPending,
	}
}

// Store implements State on top of a storage.Database. Records are RLP
// encoded; an optional LRU cache fronts reads.
type Store struct {
	db    storage.Database
	mu    sync.RWMutex
	cache *lru.Cache[common.Address, assetRecord]
}

// NewStore wires a Store to db. A cacheSize of zero disables caching.
func NewStore(db storage.Database, cacheSize int) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("oracle store: database required")
	}
	store := &Store{db: db}
	if cacheSize > 0 {
		cache, err := lru.New[common.Address, assetRecord](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("oracle store: cache: %w", err)
		}
		store.cache = cache
	}
	return store, nil
}

// NewMemoryStore returns an uncached Store over an in-memory database.
func NewMemoryStore() *Store {
	store, _ := NewStore(storage.NewMemDB(), 0)
	return store
}

// Price returns the current price, zero when never set.
func (s *Store) Price(asset common.Address) (*uint256.Int, error) {
	record, err := s.load(asset)
	if err != nil {
		return nil, err
	}
	return zeroIfNil(record.price), nil
}

// Anchor returns the stored anchor and whether one exists.
func (s *Store) Anchor(asset common.Address) (Anchor, bool, error) {
	record, err := s.load(asset)
	if err != nil {
		return Anchor{}, false, err
	}
	if !record.hasAnchor {
		return Anchor{Price: new(uint256.Int)}, false, nil
	}
	return record.anchor.Clone(), true, nil
}

// PendingAnchor returns the queued override, if any.
func (s *Store) PendingAnchor(asset common.Address) (*uint256.Int, bool, error) {
	record, err := s.load(asset)
	if err != nil {
		return nil, false, err
	}
	if !record.hasPending {
		return new(uint256.Int), false, nil
	}
	return record.pending.Clone(), true, nil
}

// PutPendingAnchor queues value for asset. A zero value removes the entry.
func (s *Store) PutPendingAnchor(asset common.Address, value *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assetKey(pendingPrefix, asset)
	var err error
	if value == nil || value.IsZero() {
		err = s.db.Delete(key)
	} else {
		err = s.db.Put(key, value.Bytes())
	}
	if err != nil {
		s.evict(asset)
		return fmt.Errorf("oracle store: put pending anchor: %w", err)
	}
	if s.cache != nil {
		if record, ok := s.cache.Get(asset); ok {
			record.pending = cloneInt(value)
			record.hasPending = value != nil && !value.IsZero()
			s.cache.Add(asset, record)
		}
	}
	return nil
}

// Apply commits update in a single batch.
func (s *Store) Apply(asset common.Address, update Update) error {
	if update.Price == nil {
		return ErrNilPrice
	}
	batch := s.db.NewBatch()
	batch.Put(assetKey(pricePrefix, asset), update.Price.Bytes())
	if update.Anchor != nil {
		encoded, err := rlp.EncodeToBytes(storedAnchor{
			Price:       zeroIfNil(update.Anchor.Price).Bytes(),
			PeriodStart: update.Anchor.PeriodStart,
		})
		if err != nil {
			return fmt.Errorf("oracle store: encode anchor: %w", err)
		}
		batch.Put(assetKey(anchorPrefix, asset), encoded)
	}
	if update.ClearPending {
		batch.Delete(assetKey(pendingPrefix, asset))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := batch.Write(); err != nil {
		s.evict(asset)
		return fmt.Errorf("oracle store: commit: %w", err)
	}
	if s.cache != nil {
		if record, ok := s.cache.Get(asset); ok {
			record.price = update.Price.Clone()
			if update.Anchor != nil {
				record.anchor = update.Anchor.Clone()
				record.hasAnchor = true
			}
			if update.ClearPending {
				record.pending = nil
				record.hasPending = false
			}
			s.cache.Add(asset, record)
		}
	}
	return nil
}

// Assets lists every asset that has a current price, in key order.
func (s *Store) Assets() ([]common.Address, error) {
	keys, err := s.db.Keys(pricePrefix)
	if err != nil {
		return nil, fmt.Errorf("oracle store: list assets: %w", err)
	}
	assets := make([]common.Address, 0, len(keys))
	for _, key := range keys {
		raw := bytes.TrimPrefix(key, pricePrefix)
		if len(raw) != common.AddressLength {
			continue
		}
		assets = append(assets, common.BytesToAddress(raw))
	}
	return assets, nil
}

func (s *Store) load(asset common.Address) (assetRecord, error) {
	if s == nil || s.db == nil {
		return assetRecord{}, errNilState
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache != nil {
		if record, ok := s.cache.Get(asset); ok {
			return record.clone(), nil
		}
	}
	record := assetRecord{}
	price, err := s.get(assetKey(pricePrefix, asset))
	if err != nil {
		return record, err
	}
	if price != nil {
		record.price = new(uint256.Int).SetBytes(price)
	}
	rawAnchor, err := s.get(assetKey(anchorPrefix, asset))
	if err != nil {
		return record, err
	}
	if rawAnchor != nil {
		var stored storedAnchor
		if err := rlp.DecodeBytes(rawAnchor, &stored); err != nil {
			return record, fmt.Errorf("oracle store: decode anchor: %w", err)
		}
		record.anchor = Anchor{Price: new(uint256.Int).SetBytes(stored.Price), PeriodStart: stored.PeriodStart}
		record.hasAnchor = true
	}
	pending, err := s.get(assetKey(pendingPrefix, asset))
	if err != nil {
		return record, err
	}
	if pending != nil {
		record.pending = new(uint256.Int).SetBytes(pending)
		record.hasPending = true
	}
	if s.cache != nil {
		s.cache.Add(asset, record.clone())
	}
	return record, nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oracle store: read %x: %w", key, err)
	}
	return value, nil
}

func (s *Store) evict(asset common.Address) {
	if s.cache != nil {
		s.cache.Remove(asset)
	}
}

func assetKey(prefix []byte, asset common.Address) []byte {
	key := make([]byte, 0, len(prefix)+common.AddressLength)
	key = append(key, prefix...)
	return append(key, asset.Bytes()...)
}
