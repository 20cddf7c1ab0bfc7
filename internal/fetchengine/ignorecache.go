package fetchengine

import (
	"math/rand"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/serval-project/rhizomefetch/internal/mclock"
)

const (
	ignoreCacheBins = 64
	ignoreCacheWays = 8
)

type ignoreEntry struct {
	used       bool
	bid        BID
	peerStream StreamAddr
	peerSID    SID
	expiresAt  mclock.AbsTime
}

// ignoreCache is the negative cache of misbehaving (bid, peer) pairs
// described in spec.md §3/§4.B: a manifest whose verification failed is
// kept out of consideration for a TTL, so a malformed peer cannot make the
// engine re-verify the same junk on every re-advertisement.
//
// The random-replacement-on-full-bin policy mirrors the teacher's
// underpriced-set eviction in tx_fetcher.go ("for cardinality >= max, pop"):
// evict something rather than spend effort picking the best victim.
type ignoreCache struct {
	clock mclock.Clock
	rand  *rand.Rand
	bins  [ignoreCacheBins][ignoreCacheWays]ignoreEntry

	// known is a fast pre-check set of BIDs with any entry at all, so
	// IsIgnored for a BID with no entry never has to touch a bin.
	known mapset.Set
}

func newIgnoreCache(clock mclock.Clock, rng *rand.Rand) *ignoreCache {
	if rng == nil {
		rng = rand.New(rand.NewSource(2))
	}
	return &ignoreCache{clock: clock, rand: rng, known: mapset.NewSet()}
}

// ignoreBinIndex implements spec.md §3: the high 6 bits of BID[0].
func ignoreBinIndex(bid BID) int {
	return int(bid[0] >> 2)
}

// IsIgnored reports whether an unexpired entry exists for this BID.
func (c *ignoreCache) IsIgnored(bid BID) bool {
	if !c.known.Contains(bid) {
		return false
	}
	now := c.clock.Now()
	bin := &c.bins[ignoreBinIndex(bid)]
	for i := range bin {
		e := &bin[i]
		if e.used && e.bid == bid && now < e.expiresAt {
			return true
		}
	}
	return false
}

// MarkIgnored inserts or refreshes an ignore-cache entry with the given
// TTL, per spec.md §4.B.
func (c *ignoreCache) MarkIgnored(bid BID, peerStream StreamAddr, peerSID SID, ttl time.Duration) {
	c.known.Add(bid)
	expiry := c.clock.Now().Add(ttl)

	bin := &c.bins[ignoreBinIndex(bid)]
	for i := range bin {
		e := &bin[i]
		if e.used && e.bid == bid {
			e.peerStream, e.peerSID, e.expiresAt = peerStream, peerSID, expiry
			return
		}
	}
	for i := range bin {
		if !bin[i].used {
			setIgnoreEntry(&bin[i], bid, peerStream, peerSID, expiry)
			return
		}
	}
	victim := c.rand.Intn(ignoreCacheWays)
	setIgnoreEntry(&bin[victim], bid, peerStream, peerSID, expiry)
}

func setIgnoreEntry(e *ignoreEntry, bid BID, peerStream StreamAddr, peerSID SID, expiry mclock.AbsTime) {
	e.used = true
	e.bid = bid
	e.peerStream = peerStream
	e.peerSID = peerSID
	e.expiresAt = expiry
}
