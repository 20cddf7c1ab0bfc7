package fetchengine

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/serval-project/rhizomefetch/internal/mclock"
	"github.com/serval-project/rhizomefetch/internal/metrics"
	"github.com/serval-project/rhizomefetch/internal/prque"
)

// Engine ties components A-G together behind a single cooperative event
// loop goroutine, the idiomatic-Go rendering of a single-threaded callback
// dispatcher: every mutable field below (tiers, caches, slots) is touched
// only from loop, and every public method is a channel round trip into it.
// Background goroutines only ever do blocking I/O and report a result back
// tagged with a slot generation, mirroring the way TxFetcher/BlockFetcher
// keep announcement and retrieval goroutines out of the state machine.
type Engine struct {
	opts     EngineOptions
	store    Store
	importer Importer
	dialer   StreamDialer
	datagram DatagramSender
	clock    mclock.Clock
	logger   *zap.Logger

	tiers        []*tier
	versionCache *versionCache
	ignoreCache  *ignoreCache

	limiters map[string]*rate.Limiter

	registry             *metrics.Registry
	metricStarted        metrics.Counter
	metricImported       metrics.Counter
	metricSuperseded     metrics.Counter
	metricSameBundle     metrics.Counter
	metricSamePayload    metrics.Counter
	metricFallback       metrics.Counter
	metricDatagramExpire metrics.Counter
	metricIgnoreHits     metrics.Counter
	metricVersionHits    metrics.Counter
	metricTierCandidates []metrics.Gauge
	metricTierActive     []metrics.Gauge

	suggestCh        chan *suggestRequest
	receivedCh       chan *receivedContentRequest
	manifestPrefixCh chan *manifestPrefixRequest
	statsCh          chan chan EngineStats
	streamResultCh   chan *streamResult
	datagramTickCh   chan datagramTick
	activateCh       chan struct{}
	activateArmed    bool

	activeCount int32
	queuedCount int32

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewEngine wires the tiers, caches and transports and starts the loop
// goroutine. It returns an error only for setup failures (scratch
// directory unusable); once started, the engine runs until Close.
func NewEngine(store Store, importer Importer, dialer StreamDialer, datagram DatagramSender, clock mclock.Clock, logger *zap.Logger, opts EngineOptions) (*Engine, error) {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = mclock.System{}
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", errScratchDir, err)
	}

	seed := rand.New(rand.NewSource(1))

	e := &Engine{
		opts:             opts,
		store:            store,
		importer:         importer,
		dialer:           dialer,
		datagram:         datagram,
		clock:            clock,
		logger:           logger,
		limiters:         make(map[string]*rate.Limiter),
		suggestCh:        make(chan *suggestRequest),
		receivedCh:       make(chan *receivedContentRequest),
		manifestPrefixCh: make(chan *manifestPrefixRequest),
		statsCh:          make(chan chan EngineStats),
		streamResultCh:   make(chan *streamResult, 8),
		datagramTickCh:   make(chan datagramTick, 8),
		activateCh:       make(chan struct{}, 1),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	e.versionCache = newVersionCache(store, opts.VersionCacheEnabled, rand.New(rand.NewSource(seed.Int63())))
	e.ignoreCache = newIgnoreCache(clock, rand.New(rand.NewSource(seed.Int63())))

	e.tiers = make([]*tier, len(opts.Tiers))
	for i, spec := range opts.Tiers {
		e.tiers[i] = newTier(spec, i)
	}

	e.registry = metrics.NewRegistry()
	e.metricStarted = e.registry.NewRegisteredCounter("rhizome/fetch/slot/started")
	e.metricImported = e.registry.NewRegisteredCounter("rhizome/fetch/slot/imported")
	e.metricSuperseded = e.registry.NewRegisteredCounter("rhizome/fetch/slot/superseded")
	e.metricSameBundle = e.registry.NewRegisteredCounter("rhizome/fetch/slot/samebundle")
	e.metricSamePayload = e.registry.NewRegisteredCounter("rhizome/fetch/slot/samepayload")
	e.metricFallback = e.registry.NewRegisteredCounter("rhizome/fetch/transport/fallback")
	e.metricDatagramExpire = e.registry.NewRegisteredCounter("rhizome/fetch/transport/datagram/timeout")
	e.metricIgnoreHits = e.registry.NewRegisteredCounter("rhizome/fetch/ignorecache/hits")
	e.metricVersionHits = e.registry.NewRegisteredCounter("rhizome/fetch/versioncache/hits")
	e.metricTierCandidates = make([]metrics.Gauge, len(e.tiers))
	e.metricTierActive = make([]metrics.Gauge, len(e.tiers))
	for i := range e.tiers {
		e.metricTierCandidates[i] = e.registry.NewRegisteredGauge(fmt.Sprintf("rhizome/fetch/queue/tier/%d/candidates", i))
		e.metricTierActive[i] = e.registry.NewRegisteredGauge(fmt.Sprintf("rhizome/fetch/queue/tier/%d/active", i))
	}

	go e.loop()
	return e, nil
}

// Close stops the loop goroutine and waits for it to exit. It does not
// block waiting for in-flight background stream goroutines to finish; they
// discover the engine is gone via their own idle timeouts and their
// eventual result is discarded by the (by then stopped) loop.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case req := <-e.suggestCh:
			req.result <- e.suggestQueue(req.manifest, req.peerStream, req.peerSID)

		case req := <-e.receivedCh:
			e.receivedContent(req.bidPrefix16, req.offset, req.count, req.data, req.blockType)
			close(req.done)

		case req := <-e.manifestPrefixCh:
			outcome, err := e.startManifestByPrefix(req.peerStream, req.peerSID, req.prefix)
			req.result <- manifestPrefixResult{outcome: outcome, err: err}

		case respCh := <-e.statsCh:
			respCh <- e.snapshotStats()

		case res := <-e.streamResultCh:
			e.handleStreamResult(res)

		case tick := <-e.datagramTickCh:
			e.onDatagramTick(tick)

		case <-e.activateCh:
			e.activateArmed = false
			e.runActivator()

		case <-e.quit:
			e.teardown()
			return
		}
	}
}

// teardown releases every active slot without importing or cascading, for
// a clean process exit.
func (e *Engine) teardown() {
	for _, t := range e.tiers {
		s := t.active
		if s.free() {
			continue
		}
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.file != nil {
			s.file.Close()
		}
		if s.path != "" {
			os.Remove(s.path)
		}
		s.reset()
	}
}

// --- Public entry points (component G) ---

type suggestRequest struct {
	manifest   *Manifest
	peerStream StreamAddr
	peerSID    SID
	result     chan QueueOutcome
}

// SuggestQueueManifestImport is suggest_queue_manifest_import from spec.md
// §4.G: the enqueue path invoked after a bundle advertisement arrives.
func (e *Engine) SuggestQueueManifestImport(m *Manifest, peerStream StreamAddr, peerSID SID) QueueOutcome {
	req := &suggestRequest{manifest: m, peerStream: peerStream, peerSID: peerSID, result: make(chan QueueOutcome, 1)}
	select {
	case e.suggestCh <- req:
		return <-req.result
	case <-e.quit:
		return Rejected
	}
}

type receivedContentRequest struct {
	bidPrefix16 []byte
	offset      int64
	count       int
	data        []byte
	blockType   byte
	done        chan struct{}
}

// ReceivedContent is received_content from spec.md §4.D/§4.G: the datagram
// arrival callback the datagram transport (out of scope) invokes for every
// incoming block.
func (e *Engine) ReceivedContent(bidPrefix16 []byte, version uint64, offset int64, count int, data []byte, blockType byte) {
	// The arrival path locates the slot by BID prefix alone (spec.md
	// §4.D); version is part of the wire contract but not consulted here.
	req := &receivedContentRequest{bidPrefix16: bidPrefix16, offset: offset, count: count, data: data, blockType: blockType, done: make(chan struct{})}
	select {
	case e.receivedCh <- req:
		<-req.done
	case <-e.quit:
	}
}

type manifestPrefixRequest struct {
	peerStream StreamAddr
	peerSID    SID
	prefix     []byte
	result     chan manifestPrefixResult
}

type manifestPrefixResult struct {
	outcome FetchOutcome
	err     error
}

// FetchRequestManifestByPrefix is fetch_request_manifest_by_prefix from
// spec.md §4.C/§4.G.
func (e *Engine) FetchRequestManifestByPrefix(peerStream StreamAddr, peerSID SID, prefix []byte) (FetchOutcome, error) {
	req := &manifestPrefixRequest{peerStream: peerStream, peerSID: peerSID, prefix: prefix, result: make(chan manifestPrefixResult, 1)}
	select {
	case e.manifestPrefixCh <- req:
		res := <-req.result
		return res.outcome, res.err
	case <-e.quit:
		return SlotBusy, errTerminated
	}
}

// AnyFetchActive is any_fetch_active from spec.md §4.G: true if at least
// one slot is not FREE. Backed by an atomic counter rather than a loop
// round trip since housekeeping code may poll it frequently.
func (e *Engine) AnyFetchActive() bool { return atomic.LoadInt32(&e.activeCount) > 0 }

// AnyFetchQueued is any_fetch_queued from spec.md §4.G: true if at least
// one candidate is waiting in some tier.
func (e *Engine) AnyFetchQueued() bool { return atomic.LoadInt32(&e.queuedCount) > 0 }

// TierStats is one tier's row in Stats' snapshot (SPEC_FULL.md §12.1,
// grounded in the teacher's downloader queue statistics dump).
type TierStats struct {
	Bound       int64
	Capacity    int
	Queued      int
	ActiveBID   string
	ActiveState string
}

// EngineStats is the queue-set-wide snapshot returned by Stats.
type EngineStats struct {
	Tiers            []TierStats
	ActiveCount      int
	QueuedCount      int
	Metrics          map[string]int64
	NextEligibleBID  string
	NextEligibleTier int
}

// Stats returns a point-in-time snapshot of every tier, supplementing the
// core spec with the reference implementation's queue statistics dump
// (original_source/rhizome_fetch.c's DEBUGF slot listings), surfaced here
// as structured data instead of log lines.
func (e *Engine) Stats() EngineStats {
	ch := make(chan EngineStats, 1)
	select {
	case e.statsCh <- ch:
		return <-ch
	case <-e.quit:
		return EngineStats{}
	}
}

// nextEligibleEntry is the value pushed onto the cross-tier priority queue
// in snapshotStats: enough to report the winner, nothing more.
type nextEligibleEntry struct {
	tierIndex int
	bid       string
}

func (e *Engine) snapshotStats() EngineStats {
	st := EngineStats{Tiers: make([]TierStats, len(e.tiers)), NextEligibleTier: -1}

	// Each tier's own candidate list is already priority-ordered (lower
	// priority value sorts first, same convention prque uses), so only the
	// head of each tier needs to enter the cross-tier queue to find the
	// single globally-next-eligible candidate without rescanning every
	// tier's full backlog.
	pq := prque.New(nil)

	for i, t := range e.tiers {
		ts := TierStats{Bound: t.spec.Bound, Capacity: t.spec.Capacity, Queued: t.len()}
		active := 0
		if !t.active.free() {
			ts.ActiveBID = t.active.bid.String()
			ts.ActiveState = t.active.state.String()
			st.ActiveCount++
			active = 1
		}
		if ts.Queued > 0 {
			head := &t.candidates[0]
			pq.Push(nextEligibleEntry{tierIndex: i, bid: head.manifest.BundleID.String()}, int64(head.priority))
		}
		st.QueuedCount += ts.Queued
		st.Tiers[i] = ts
		e.metricTierCandidates[i].Update(int64(ts.Queued))
		e.metricTierActive[i].Update(int64(active))
	}

	if !pq.Empty() {
		winner := pq.PopItem().(nextEligibleEntry)
		st.NextEligibleBID = winner.bid
		st.NextEligibleTier = winner.tierIndex
	}

	st.Metrics = e.registry.Snapshot()
	return st
}

// --- Enqueue path (component E, spec.md §4.E) ---

func (e *Engine) suggestQueue(m *Manifest, peerStream StreamAddr, peerSID SID) QueueOutcome {
	verified := m.SelfSigned

	// Step 1: fast reject via version cache.
	switch e.versionCache.lookup(m) {
	case versionHaveSameOrNewer, versionHaveStrictlyNewer:
		return Rejected
	}

	// Step 2: nil payload imports directly.
	if m.PayloadLength == 0 {
		if err := e.ensureVerified(m, &verified, peerStream, peerSID); err != nil {
			return Rejected
		}
		if err := e.importer.ImportManifestOnly(m); err != nil {
			e.logger.Warn("manifest-only import failed", zap.String("bid", m.BundleID.String()), zap.Error(err))
			return Rejected
		}
		e.versionCache.store(m)
		return ImportedDirect
	}

	if m.PayloadHash == "" {
		e.logger.Debug("dropping manifest missing payload hash", zap.String("bid", m.BundleID.String()))
		return Rejected
	}

	// Step 3: select the tier this payload length belongs to.
	ti := e.tierFor(m.PayloadLength)
	if ti < 0 {
		return Rejected
	}
	t := e.tiers[ti]

	// Step 4: scan every tier's queue for an existing candidate with the
	// same BID.
	for _, ot := range e.tiers {
		idx := ot.findBID(m.BundleID)
		if idx < 0 {
			continue
		}
		existing := ot.candidates[idx]
		if existing.manifest.Version >= m.Version {
			return Rejected
		}
		if err := e.ensureVerified(m, &verified, peerStream, peerSID); err != nil {
			return Rejected
		}
		ot.removeAt(idx)
		atomic.AddInt32(&e.queuedCount, -1)
		break
	}

	// Step 5: find the insertion index in the target tier.
	ci := t.insertionIndex(defaultPriority)
	if ci < 0 {
		return Rejected
	}

	// Step 6: verify if not already, then insert.
	if err := e.ensureVerified(m, &verified, peerStream, peerSID); err != nil {
		return Rejected
	}
	t.insertAt(ci, candidate{manifest: m, peerStream: peerStream, peerSID: peerSID, priority: defaultPriority})
	atomic.AddInt32(&e.queuedCount, 1)

	// Step 7: arm the activator.
	e.armActivator()
	return Queued
}

func (e *Engine) ensureVerified(m *Manifest, verified *bool, peerStream StreamAddr, peerSID SID) error {
	if *verified {
		return nil
	}
	if e.ignoreCache.IsIgnored(m.BundleID) {
		e.metricIgnoreHits.Inc(1)
		return errIgnoredManifest
	}
	if err := m.verify(); err != nil {
		e.ignoreCache.MarkIgnored(m.BundleID, peerStream, peerSID, e.opts.IgnoreTTL)
		return err
	}
	*verified = true
	return nil
}

func (e *Engine) tierFor(payloadLength int64) int {
	for i, t := range e.tiers {
		if t.accepts(payloadLength) {
			return i
		}
	}
	return -1
}

func (e *Engine) armActivator() {
	if e.activateArmed {
		return
	}
	e.activateArmed = true
	e.clock.AfterFunc(e.opts.FetchDelay, func() {
		select {
		case e.activateCh <- struct{}{}:
		default:
		}
	})
}

func (e *Engine) runActivator() {
	for _, t := range e.tiers {
		if t.active.free() {
			e.startNextQueuedFetch(t.active)
		}
	}
}

// startNextQueuedFetch is start_next_queued_fetch from spec.md §4.E,
// invoked both by the global activator (on a free slot) and by
// releaseSlot's cascade (on the slot that just freed). It always operates
// on the FREE slot s, draining s's own tier and then progressively smaller
// tiers — grounded in the reference's slotno-based queue walk, where a big
// slot freed can service a small candidate but a small slot never poaches a
// big tier's queue.
func (e *Engine) startNextQueuedFetch(s *slot) {
	for ti := s.tierIndex; ti >= 0; ti-- {
		t := e.tiers[ti]
		i := 0
		for i < len(t.candidates) && !t.candidates[i].empty() {
			c := t.candidates[i]
			outcome, err := e.tryStartFetch(s, c.manifest, c.peerStream, c.peerSID)
			if err != nil {
				e.logger.Warn("candidate rejected", zap.String("bid", c.manifest.BundleID.String()), zap.Error(err))
				t.removeAt(i)
				atomic.AddInt32(&e.queuedCount, -1)
				continue
			}
			switch outcome {
			case SlotBusy:
				return
			case Started:
				t.removeAt(i)
				atomic.AddInt32(&e.queuedCount, -1)
				return
			case OlderBundle:
				i++
			default:
				t.removeAt(i)
				atomic.AddInt32(&e.queuedCount, -1)
			}
		}
	}
}

// --- Slot state machine (component C, spec.md §4.C) ---

// tryStartFetch implements try_start_fetch. The FetchOutcome return models
// the ownership contract: manifest ownership moves into s iff the outcome
// is Started and err is nil (FetchOutcome.OwnsManifest). A non-nil error
// corresponds to the spec's separate "error" result (missing payload_hash
// or I/O setup failure) and takes precedence over the enum.
func (e *Engine) tryStartFetch(s *slot, m *Manifest, peerStream StreamAddr, peerSID SID) (FetchOutcome, error) {
	if !s.free() {
		return SlotBusy, nil
	}

	if m.PayloadLength == 0 {
		if err := e.importer.ImportManifestOnly(m); err != nil {
			return 0, err
		}
		e.versionCache.store(m)
		e.metricImported.Inc(1)
		return Imported, nil
	}

	switch e.versionCache.lookup(m) {
	case versionHaveSameOrNewer, versionHaveStrictlyNewer:
		e.metricVersionHits.Inc(1)
		return Superseded, nil
	}

	for _, ot := range e.tiers {
		as := ot.active
		if as.free() || as.isManifestFetch || as.bid != m.BundleID {
			continue
		}
		switch {
		case as.bidVersion < m.Version:
			return OlderBundle, nil
		case as.bidVersion > m.Version:
			e.metricSameBundle.Inc(1) // newer-is-in-flight resolves the same way as an exact match: drop the candidate
			return NewerBundle, nil
		default:
			e.metricSameBundle.Inc(1)
			return SameBundle, nil
		}
	}

	if m.PayloadHash == "" {
		return 0, ErrMissingPayloadHash
	}

	if e.store.HasValidPayload(m.PayloadHash) {
		if err := e.importer.ImportManifestOnly(m); err != nil {
			return 0, err
		}
		e.versionCache.store(m)
		e.metricImported.Inc(1)
		return Imported, nil
	}

	for _, ot := range e.tiers {
		as := ot.active
		if as.free() || as.isManifestFetch || as.bid == m.BundleID {
			continue
		}
		if as.manifest != nil && as.manifest.PayloadHash == m.PayloadHash {
			e.metricSamePayload.Inc(1)
			return SamePayload, nil
		}
	}

	if err := e.startSlot(s, m, peerStream, peerSID); err != nil {
		return 0, err
	}
	e.metricStarted.Inc(1)
	return Started, nil
}

func (e *Engine) startSlot(s *slot, m *Manifest, peerStream StreamAddr, peerSID SID) error {
	path := scratchPath(e.opts.ScratchDir, m, nil, "")

	s.generation++
	s.manifest = m
	s.peerStream = peerStream
	s.peerSID = peerSID
	s.path = path
	s.expectedLength = m.PayloadLength
	s.written = 0
	s.bid = m.BundleID
	s.bidVersion = m.Version
	s.isManifestFetch = false
	atomic.AddInt32(&e.activeCount, 1)

	if peerStream.Zero() {
		if err := e.ensureScratchFile(s); err != nil {
			e.releaseSlot(s)
			return err
		}
		e.startDatagramTransport(s)
		return nil
	}
	s.state = slotConnecting
	e.dialStream(s)
	return nil
}

// startManifestByPrefix is try_start_manifest_by_prefix from spec.md §4.C.
func (e *Engine) startManifestByPrefix(peerStream StreamAddr, peerSID SID, prefix []byte) (FetchOutcome, error) {
	var s *slot
	for _, t := range e.tiers {
		if t.active.free() {
			s = t.active
			break
		}
	}
	if s == nil {
		return SlotBusy, nil
	}

	disambig := uuid.NewString()[:8]
	path := scratchPath(e.opts.ScratchDir, nil, prefix, disambig)

	s.generation++
	s.manifest = nil
	s.peerStream = peerStream
	s.peerSID = peerSID
	s.path = path
	s.prefix = append([]byte(nil), prefix...)
	s.isManifestFetch = true
	s.written = 0
	s.expectedLength = 0
	atomic.AddInt32(&e.activeCount, 1)

	if peerStream.Zero() {
		if err := e.ensureScratchFile(s); err != nil {
			e.releaseSlot(s)
			return 0, err
		}
		e.startDatagramTransport(s)
		return Started, nil
	}
	s.state = slotConnecting
	e.dialStream(s)
	return Started, nil
}

func (e *Engine) ensureScratchFile(s *slot) error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", errScratchFile, err)
	}
	s.file = f
	return nil
}

// dialStream spawns the stream-transport background goroutine, subject to
// a per-peer dial rate limit (SPEC_FULL.md §12.2, supplementing the ignore
// cache: a peer can be well-formed but simply unreachable, which the ignore
// cache — keyed by BID, not by peer — does not throttle).
func (e *Engine) dialStream(s *slot) {
	if e.opts.DialRateLimit > 0 {
		key := fmt.Sprintf("%x:%d", s.peerStream.IP, s.peerStream.Port)
		lim, ok := e.limiters[key]
		if !ok {
			lim = rate.NewLimiter(rate.Every(e.opts.DialRateLimit), 1)
			e.limiters[key] = lim
		}
		if !lim.Allow() {
			e.logger.Debug("stream dial rate limited, using datagram transport", zap.String("peer", key))
			if err := e.ensureScratchFile(s); err != nil {
				e.closeSlot(s, err)
				return
			}
			e.startDatagramTransport(s)
			return
		}
	}

	idleTimeout := e.opts.IdleTimeout
	if s.isManifestFetch {
		idleTimeout = e.opts.ManifestIdleTimeout
	}
	req := streamRequest{
		dialer:      e.dialer,
		addr:        s.peerStream,
		payloadHash: "",
		prefix:      nil,
		isManifest:  s.isManifestFetch,
		path:        s.path,
		idleTimeout: idleTimeout,
		tierIndex:   s.tierIndex,
		generation:  s.generation,
	}
	if s.isManifestFetch {
		req.prefix = append([]byte(nil), s.prefix...)
	} else {
		req.payloadHash = s.manifest.PayloadHash
	}
	go runStreamFetch(req, e.streamResultCh)
}

func (e *Engine) handleStreamResult(res *streamResult) {
	t := e.tiers[res.tierIndex]
	s := t.active
	if s.generation != res.generation {
		return
	}
	switch {
	case res.err != nil:
		e.logger.Warn("stream fetch setup failed", zap.String("bid", s.bid.String()), zap.Error(res.err))
		e.closeSlot(s, res.err)
	case res.success:
		s.written = res.written
		s.expectedLength = res.expectedLength
		e.completeSlot(s)
	default:
		e.metricFallback.Inc(1)
		s.written = res.written
		if err := e.ensureScratchFile(s); err != nil {
			e.closeSlot(s, err)
			return
		}
		e.startDatagramTransport(s)
	}
}

// completeSlot hands a finished scratch file to the importer and releases
// the slot. Shared by both transports per spec.md §4.C step 4 / §4.D
// "Completion".
func (e *Engine) completeSlot(s *slot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.file != nil {
		s.file.Close()
	}

	if s.isManifestFetch {
		data, err := os.ReadFile(s.path)
		if err != nil {
			e.logger.Warn("manifest-by-prefix scratch read failed", zap.Error(err))
		} else if err := e.importer.ImportManifestBytes(s.prefix, data); err != nil {
			e.logger.Warn("manifest-by-prefix import failed", zap.Error(err))
		}
		os.Remove(s.path)
	} else {
		if err := e.importer.ImportPayload(s.manifest, s.path); err != nil {
			e.logger.Warn("payload import failed", zap.String("bid", s.bid.String()), zap.Error(err))
			os.Remove(s.path)
		} else {
			e.versionCache.store(s.manifest)
		}
	}
	e.releaseSlot(s)
}

// closeSlot is close_slot from spec.md §4.C "Release": idempotent cleanup
// of a slot that did not complete successfully.
func (e *Engine) closeSlot(s *slot, cause error) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.file != nil {
		s.file.Close()
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			combined := multierror.Append(cause, err)
			e.logger.Debug("scratch file cleanup failed", zap.Error(combined))
		}
	}
	e.releaseSlot(s)
}

// releaseSlot resets s to FREE and runs the cascade: spec.md §4.E's
// "called from slot release... in the same callback, before returning to
// the loop", which our single-goroutine loop gets for free since
// releaseSlot always runs synchronously inside a loop case.
func (e *Engine) releaseSlot(s *slot) {
	wasActive := !s.free()
	s.reset()
	if wasActive {
		atomic.AddInt32(&e.activeCount, -1)
	}
	e.startNextQueuedFetch(s)
}
