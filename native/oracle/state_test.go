package oracle

import (
	"path/filepath"
	"testing"

	"github.com/fulldecent/compound-oracle/storage"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	store, err := NewStore(db, 16)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	asset := makeAddress(0x31)
	anchor := Anchor{Price: exp("0.5"), PeriodStart: 42}
	if err := store.Apply(asset, Update{Price: exp("0.55"), Anchor: &anchor}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := store.PutPendingAnchor(asset, exp("0.7")); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer db.Close()
	store, err = NewStore(db, 16)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	price, err := store.Price(asset)
	if err != nil || !price.Eq(exp("0.55")) {
		t.Fatalf("unexpected price %v err=%v", price, err)
	}
	got, exists, err := store.Anchor(asset)
	if err != nil || !exists {
		t.Fatalf("expected anchor: exists=%v err=%v", exists, err)
	}
	if !got.Price.Eq(exp("0.5")) || got.PeriodStart != 42 {
		t.Fatalf("unexpected anchor %s@%d", FormatMantissa(got.Price), got.PeriodStart)
	}
	pending, ok, err := store.PendingAnchor(asset)
	if err != nil || !ok || !pending.Eq(exp("0.7")) {
		t.Fatalf("unexpected pending %v ok=%v err=%v", pending, ok, err)
	}
}

func TestStoreCacheTracksWrites(t *testing.T) {
	store, err := NewStore(storage.NewMemDB(), 4)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	asset := makeAddress(0x32)
	// Warm the cache with the empty record.
	if _, _, err := store.Anchor(asset); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if err := store.PutPendingAnchor(asset, exp("9")); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	anchor := Anchor{Price: exp("9"), PeriodStart: 1}
	if err := store.Apply(asset, Update{Price: exp("9"), Anchor: &anchor, ClearPending: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok, _ := store.PendingAnchor(asset); ok {
		t.Fatal("expected pending anchor cleared in cache")
	}
	got, exists, _ := store.Anchor(asset)
	if !exists || !got.Price.Eq(exp("9")) {
		t.Fatalf("expected cached anchor 9, got %v", got.Price)
	}

	// Mutating a returned value must not leak into the store.
	got.Price.SetUint64(1)
	again, _, _ := store.Anchor(asset)
	if !again.Price.Eq(exp("9")) {
		t.Fatalf("anchor aliasing detected: %s", again.Price.Dec())
	}
}

func TestStoreAnchorOnlyUpdateKeepsPending(t *testing.T) {
	store := NewMemoryStore()
	asset := makeAddress(0x33)
	if err := store.PutPendingAnchor(asset, exp("2")); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if err := store.Apply(asset, Update{Price: exp("1")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, exists, _ := store.Anchor(asset); exists {
		t.Fatal("anchor must stay absent when the update carries none")
	}
	if _, ok, _ := store.PendingAnchor(asset); !ok {
		t.Fatal("pending anchor must survive an update that does not clear it")
	}
	if err := store.Apply(asset, Update{}); err == nil {
		t.Fatal("expected error for missing price")
	}
}
