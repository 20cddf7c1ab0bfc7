package fetchengine

import "time"

// TierSpec describes one entry of the size-tiered queue set: an upper bound
// on the payload length it accepts, and how many queued (non-active)
// candidates it can hold at once. A negative Bound marks an unbounded tier
// that accepts every payload length; otherwise a tier accepts only lengths
// strictly below its Bound.
type TierSpec struct {
	Bound    int64
	Capacity int
}

// DefaultTiers mirrors the reference implementation's static queue table:
// bounds {10 KB, 100 KB, 1 MB, 10 MB, unbounded} with shrinking capacities
// {5, 4, 3, 2, 1}, taken directly from original_source/rhizome_fetch.c's
// queue0..queue4 arrays.
var DefaultTiers = []TierSpec{
	{Bound: 10_000, Capacity: 5},
	{Bound: 100_000, Capacity: 4},
	{Bound: 1_000_000, Capacity: 3},
	{Bound: 10_000_000, Capacity: 2},
	{Bound: -1, Capacity: 1}, // unbounded
}

// Tunables default values, named the way scuttlebutt.Options documents its
// DefaultXxx constants.
const (
	// DefaultIdleTimeout is RHIZOME_IDLE_TIMEOUT from the reference. For
	// payload fetches the stream transport uses it as its write and per-read
	// deadline and falls back to the datagram transport when it expires; the
	// datagram payload path closes a slot that has gone this long without
	// receiving a block.
	DefaultIdleTimeout = 5000 * time.Millisecond

	// DefaultManifestIdleTimeout bounds datagram manifest-by-prefix fetches,
	// which give up sooner than payload fetches.
	DefaultManifestIdleTimeout = 2000 * time.Millisecond

	// DefaultFetchDelay is the one-shot activator alarm's delay after a
	// successful enqueue.
	DefaultFetchDelay = 500 * time.Millisecond

	// DefaultIgnoreTTL is how long a malformed manifest's BID is kept out of
	// consideration after a verification failure.
	DefaultIgnoreTTL = 60 * time.Second

	// DefaultBlockSize is the datagram transport's block size in bytes,
	// chosen so several blocks fit in one datagram.
	DefaultBlockSize = 200

	// DefaultWindowBlocks is the number of blocks the datagram receive
	// window tracks at once (fits in a uint32 bitmap).
	DefaultWindowBlocks = 32

	// DefaultPayloadRetransmit is the datagram payload request's retransmit
	// cadence: the time to broadcast 16 KB at the assumed 1 Mbit mesh
	// baseline.
	DefaultPayloadRetransmit = 133 * time.Millisecond

	// DefaultManifestRetransmit is the retransmit cadence for datagram
	// manifest-by-prefix requests.
	DefaultManifestRetransmit = 100 * time.Millisecond
)

// EngineOptions holds the fetch engine's tunables. Zero-value fields are
// replaced with their documented defaults by NewEngine, following the
// Config/Options split the teacher uses (required wiring in Config,
// tunables with defaults in Options).
type EngineOptions struct {
	// Tiers overrides DefaultTiers. Must be given in ascending Bound order
	// with the last entry unbounded (Bound < 0).
	Tiers []TierSpec

	// IdleTimeout overrides DefaultIdleTimeout.
	IdleTimeout time.Duration
	// ManifestIdleTimeout overrides DefaultManifestIdleTimeout.
	ManifestIdleTimeout time.Duration
	// FetchDelay overrides DefaultFetchDelay.
	FetchDelay time.Duration
	// IgnoreTTL overrides DefaultIgnoreTTL.
	IgnoreTTL time.Duration

	// BlockSize overrides DefaultBlockSize.
	BlockSize uint16
	// WindowBlocks overrides DefaultWindowBlocks.
	WindowBlocks uint32
	// PayloadRetransmit overrides DefaultPayloadRetransmit.
	PayloadRetransmit time.Duration
	// ManifestRetransmit overrides DefaultManifestRetransmit.
	ManifestRetransmit time.Duration

	// ScratchDir is where scratch files (payload.<hex_bid>,
	// manifest.<hex_prefix>) are created.
	ScratchDir string

	// VersionCacheEnabled turns on the set-associative version cache
	// lookup path described as dead code in the reference (see DESIGN.md
	// Open Question O2). Defaults to false: lookups go straight to Store.
	VersionCacheEnabled bool

	// DialRateLimit bounds how often a single peer stream address may be
	// redialed, supplementing the ignore cache (see SPEC_FULL.md §12.2).
	// Zero disables the limiter.
	DialRateLimit time.Duration
}

func (o *EngineOptions) setDefaults() {
	if len(o.Tiers) == 0 {
		o.Tiers = DefaultTiers
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ManifestIdleTimeout == 0 {
		o.ManifestIdleTimeout = DefaultManifestIdleTimeout
	}
	if o.FetchDelay == 0 {
		o.FetchDelay = DefaultFetchDelay
	}
	if o.IgnoreTTL == 0 {
		o.IgnoreTTL = DefaultIgnoreTTL
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.WindowBlocks == 0 {
		o.WindowBlocks = DefaultWindowBlocks
	}
	if o.PayloadRetransmit == 0 {
		o.PayloadRetransmit = DefaultPayloadRetransmit
	}
	if o.ManifestRetransmit == 0 {
		o.ManifestRetransmit = DefaultManifestRetransmit
	}
	if o.ScratchDir == "" {
		o.ScratchDir = "."
	}
}
