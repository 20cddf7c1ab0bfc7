package fetchengine

import "math/rand"

// versionLookupResult is the outcome of a version cache lookup.
type versionLookupResult int

const (
	versionNew versionLookupResult = iota
	versionHaveSameOrNewer
	versionHaveStrictlyNewer
)

const (
	versionCacheBins = 128
	versionCacheWays = 16
)

type versionCacheEntry struct {
	used    bool
	bidHi24 [24]byte // first 24 bytes of the BID
	version uint64
}

// versionCache is the set-associative "have we already got this" cache
// described in spec.md §3/§4.A. Per §4.A and DESIGN.md Open Question O2,
// its lookup is reachable but disabled by default: EngineOptions.
// VersionCacheEnabled gates whether it is consulted before falling back to
// the authoritative Store.Version query.
type versionCache struct {
	enabled bool
	store   Store
	bins    [versionCacheBins][versionCacheWays]versionCacheEntry
	rand    *rand.Rand
}

func newVersionCache(store Store, enabled bool, rng *rand.Rand) *versionCache {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &versionCache{enabled: enabled, store: store, rand: rng}
}

// binIndex implements spec.md §3's indexing: first 2 hex nybbles of the BID
// (i.e. its first byte), shifted right by 1.
func binIndex(bid BID) int {
	return int(bid[0] >> 1)
}

// lookup returns the version comparison against whatever is already known
// locally, consulting the in-memory table first (if enabled) and always
// falling back to the authoritative database query on a miss.
func (c *versionCache) lookup(m *Manifest) versionLookupResult {
	if c.enabled {
		if res, ok := c.lookupTable(m.BundleID, m.Version); ok {
			return res
		}
	}
	version, found := c.store.Version(m.BundleID)
	if !found {
		return versionNew
	}
	if c.enabled {
		c.storeTable(m.BundleID, version)
	}
	return compareVersions(version, m.Version)
}

func compareVersions(stored, candidate uint64) versionLookupResult {
	switch {
	case stored > candidate:
		return versionHaveStrictlyNewer
	case stored == candidate:
		return versionHaveSameOrNewer
	default:
		return versionNew
	}
}

func (c *versionCache) lookupTable(bid BID, candidate uint64) (versionLookupResult, bool) {
	bin := &c.bins[binIndex(bid)]
	for i := range bin {
		e := &bin[i]
		if !e.used || !hasPrefix24(bid, e.bidHi24) {
			continue
		}
		return compareVersions(e.version, candidate), true
	}
	return versionNew, false
}

// store records bid/version in the table, refreshing an existing entry if
// present, otherwise filling a free way, and evicting a random way only when
// the bin is full (matching the reference's
// simple random-replacement policy, see spec.md §4.A).
func (c *versionCache) store(m *Manifest) {
	if !c.enabled {
		return
	}
	c.storeTable(m.BundleID, m.Version)
}

func (c *versionCache) storeTable(bid BID, version uint64) {
	bin := &c.bins[binIndex(bid)]
	for i := range bin {
		e := &bin[i]
		if e.used && hasPrefix24(bid, e.bidHi24) {
			if version > e.version {
				e.version = version
			}
			return
		}
	}
	for i := range bin {
		if !bin[i].used {
			setVersionEntry(&bin[i], bid, version)
			return
		}
	}
	victim := c.rand.Intn(versionCacheWays)
	setVersionEntry(&bin[victim], bid, version)
}

func setVersionEntry(e *versionCacheEntry, bid BID, version uint64) {
	e.used = true
	copy(e.bidHi24[:], bid[:24])
	e.version = version
}

func hasPrefix24(bid BID, prefix [24]byte) bool {
	for i := 0; i < 24; i++ {
		if bid[i] != prefix[i] {
			return false
		}
	}
	return true
}
