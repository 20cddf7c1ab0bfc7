package fetchengine

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	versions map[BID]uint64
	payloads map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{versions: make(map[BID]uint64), payloads: make(map[string]bool)}
}

func (s *fakeStore) Version(bid BID) (uint64, bool) {
	v, ok := s.versions[bid]
	return v, ok
}

func (s *fakeStore) HasValidPayload(payloadHash string) bool {
	return s.payloads[payloadHash]
}

func TestVersionCache_LookupFallsThroughToStore(t *testing.T) {
	store := newFakeStore()
	store.versions[bidWithByte(1)] = 5

	vc := newVersionCache(store, false, rand.New(rand.NewSource(1)))

	assert.Equal(t, versionHaveSameOrNewer, vc.lookup(&Manifest{BundleID: bidWithByte(1), Version: 5}))
	assert.Equal(t, versionHaveStrictlyNewer, vc.lookup(&Manifest{BundleID: bidWithByte(1), Version: 4}))
	assert.Equal(t, versionNew, vc.lookup(&Manifest{BundleID: bidWithByte(1), Version: 6}))
	assert.Equal(t, versionNew, vc.lookup(&Manifest{BundleID: bidWithByte(2), Version: 1}))
}

func TestVersionCache_DisabledStoreIsNoop(t *testing.T) {
	store := newFakeStore()
	vc := newVersionCache(store, false, rand.New(rand.NewSource(1)))

	vc.store(&Manifest{BundleID: bidWithByte(1), Version: 7})
	assert.Equal(t, versionCacheEntry{}, vc.bins[binIndex(bidWithByte(1))][0])
}

func TestVersionCache_EnabledHitsTableBeforeStore(t *testing.T) {
	store := newFakeStore()
	vc := newVersionCache(store, true, rand.New(rand.NewSource(1)))

	vc.store(&Manifest{BundleID: bidWithByte(1), Version: 9})
	// The store must not be consulted once the table has an entry: delete
	// it from the fake store and confirm the cached comparison still works.
	delete(store.versions, bidWithByte(1))

	assert.Equal(t, versionHaveSameOrNewer, vc.lookup(&Manifest{BundleID: bidWithByte(1), Version: 9}))
	assert.Equal(t, versionHaveStrictlyNewer, vc.lookup(&Manifest{BundleID: bidWithByte(1), Version: 3}))
}

func TestVersionCache_StoreRefreshesExistingEntry(t *testing.T) {
	store := newFakeStore()
	vc := newVersionCache(store, true, rand.New(rand.NewSource(1)))

	vc.store(&Manifest{BundleID: bidWithByte(1), Version: 3})
	vc.store(&Manifest{BundleID: bidWithByte(1), Version: 8})

	res, ok := vc.lookupTable(bidWithByte(1), 8)
	assert.True(t, ok)
	assert.Equal(t, versionHaveSameOrNewer, res)
}

func TestVersionCache_StoreEvictsWhenBinFull(t *testing.T) {
	store := newFakeStore()
	vc := newVersionCache(store, true, rand.New(rand.NewSource(1)))

	// Fill the bin for BID-high-byte 0x02 (binIndex = 1) to capacity with
	// distinct BIDs that collide in the same bin by sharing byte 0.
	bin := binIndex(bidWithByte(2))
	filled := 0
	for b := 0; b < 256 && filled < versionCacheWays; b++ {
		var candidate BID
		candidate[0] = 2
		candidate[1] = byte(b)
		if binIndex(candidate) != bin {
			continue
		}
		vc.storeTable(candidate, uint64(b))
		filled++
	}
	assert.Equal(t, versionCacheWays, filled)

	// One more insertion must evict something rather than grow the table.
	var extra BID
	extra[0] = 2
	extra[1] = 250
	vc.storeTable(extra, 999)

	used := 0
	for _, e := range vc.bins[bin] {
		if e.used {
			used++
		}
	}
	assert.Equal(t, versionCacheWays, used)
}
