package fetchengine

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/serval-project/rhizomefetch/internal/mclock"
)

// --- fakes shared by the end-to-end scenarios (spec.md §8) ---
//
// fakeStore/newFakeStore are defined in versioncache_test.go and reused
// here unchanged.

type importedPayload struct {
	manifest *Manifest
	path     string
	data     []byte
}

type fakeImporter struct {
	manifestOnly  chan *Manifest
	payload       chan importedPayload
	manifestBytes chan []byte
}

func newFakeImporter() *fakeImporter {
	return &fakeImporter{
		manifestOnly:  make(chan *Manifest, 8),
		payload:       make(chan importedPayload, 8),
		manifestBytes: make(chan []byte, 8),
	}
}

func (f *fakeImporter) ImportManifestOnly(m *Manifest) error {
	f.manifestOnly <- m
	return nil
}

func (f *fakeImporter) ImportPayload(m *Manifest, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.payload <- importedPayload{manifest: m, path: path, data: data}
	return nil
}

func (f *fakeImporter) ImportManifestBytes(prefix []byte, data []byte) error {
	f.manifestBytes <- data
	return nil
}

// fakeConn is an in-memory stand-in for a *net.TCPConn: Read drains a canned
// response, Write is captured but ignored, and deadlines are no-ops since
// the canned data is always ready.
type fakeConn struct {
	r      io.Reader
	w      bytes.Buffer
	closed bool
}

func newFakeConn(response string) *fakeConn {
	return &fakeConn{r: bytes.NewReader([]byte(response))}
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *fakeConn) Close() error                { c.closed = true; return nil }
func (c *fakeConn) SetDeadline(time.Time) error { return nil }

type fakeDialer struct {
	mu   sync.Mutex
	dial func(addr StreamAddr) (StreamConn, error)
}

func (d *fakeDialer) DialStream(addr StreamAddr) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dial(addr)
}

type fakeDatagramSender struct {
	mu            sync.Mutex
	payloadSends  int
	manifestSends int
}

func (d *fakeDatagramSender) SendPayloadRequest(SID, BID, uint64, int64, uint32, uint16) error {
	d.mu.Lock()
	d.payloadSends++
	d.mu.Unlock()
	return nil
}

func (d *fakeDatagramSender) SendManifestRequest(SID, []byte) error {
	d.mu.Lock()
	d.manifestSends++
	d.mu.Unlock()
	return nil
}

func newTestEngine(t *testing.T, store Store, importer Importer, dialer StreamDialer, datagram DatagramSender, clock mclock.Clock) *Engine {
	t.Helper()
	e, err := NewEngine(store, importer, dialer, datagram, clock, zap.NewNop(), EngineOptions{ScratchDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func streamPeer() StreamAddr {
	return StreamAddr{IP: [4]byte{127, 0, 0, 1}, Port: 4110}
}

// --- S1: nil payload manifest imports directly, no fetch started ---

func TestEngine_S1_NilPayloadImportsDirect(t *testing.T) {
	store := newFakeStore()
	importer := newFakeImporter()
	clock := new(mclock.Simulated)
	e := newTestEngine(t, store, importer, &fakeDialer{}, &fakeDatagramSender{}, clock)

	m := &Manifest{BundleID: bidWithByte(1), Version: 7, PayloadLength: 0}
	outcome := e.SuggestQueueManifestImport(m, StreamAddr{}, SID{})

	assert.Equal(t, ImportedDirect, outcome)
	assert.False(t, e.AnyFetchActive())
	assert.False(t, e.AnyFetchQueued())

	select {
	case got := <-importer.manifestOnly:
		assert.Equal(t, m, got)
	default:
		t.Fatal("expected ImportManifestOnly to have been called")
	}
	assert.Empty(t, importer.manifestOnly)
}

// --- S2: stream transport happy path ---

func TestEngine_S2_StreamHappyPath(t *testing.T) {
	store := newFakeStore()
	importer := newFakeImporter()
	clock := new(mclock.Simulated)

	body := bytes.Repeat([]byte{0xAB}, 1234)
	response := "HTTP/1.0 200 OK\r\nContent-Length: 1234\r\n\r\n" + string(body)
	dialer := &fakeDialer{dial: func(StreamAddr) (StreamConn, error) { return newFakeConn(response), nil }}

	e := newTestEngine(t, store, importer, dialer, &fakeDatagramSender{}, clock)

	m := &Manifest{BundleID: bidWithByte(2), Version: 1, PayloadLength: 1234, PayloadHash: "deadbeef"}
	outcome := e.SuggestQueueManifestImport(m, streamPeer(), SID{})
	require.Equal(t, Queued, outcome)
	assert.True(t, e.AnyFetchQueued())

	clock.Run(DefaultFetchDelay)

	select {
	case got := <-importer.payload:
		assert.Equal(t, m, got.manifest)
		assert.Len(t, got.data, 1234)
		assert.True(t, bytes.Equal(got.data, body))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload import")
	}

	assert.Eventually(t, func() bool { return !e.AnyFetchActive() }, time.Second, 5*time.Millisecond)
	assert.False(t, e.AnyFetchQueued())
}

// --- S3: stream transport falls back to datagram on a non-200 reply ---

func TestEngine_S3_StreamFallbackToDatagram(t *testing.T) {
	store := newFakeStore()
	importer := newFakeImporter()
	clock := new(mclock.Simulated)

	response := "HTTP/1.0 404 Not Found\r\n\r\n"
	dialer := &fakeDialer{dial: func(StreamAddr) (StreamConn, error) { return newFakeConn(response), nil }}
	datagram := &fakeDatagramSender{}

	e := newTestEngine(t, store, importer, dialer, datagram, clock)

	m := &Manifest{BundleID: bidWithByte(3), Version: 1, PayloadLength: 1234, PayloadHash: "cafef00d"}
	outcome := e.SuggestQueueManifestImport(m, streamPeer(), SID{})
	require.Equal(t, Queued, outcome)

	clock.Run(DefaultFetchDelay)

	// Wait for the background dial+404 to resolve and the slot to switch to
	// the datagram transport.
	require.Eventually(t, func() bool {
		st := e.Stats()
		for _, ts := range st.Tiers {
			if ts.ActiveState == "RX_DATAGRAM" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	bidPrefix16 := m.BundleID[:16]
	block := func(n int) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i)
		}
		return b
	}

	e.ReceivedContent(bidPrefix16, m.Version, 0, 1000, block(1000), 'B')
	e.ReceivedContent(bidPrefix16, m.Version, 1000, 200, block(200), 'B')
	e.ReceivedContent(bidPrefix16, m.Version, 1200, 34, block(34), 'T')

	select {
	case got := <-importer.payload:
		assert.Equal(t, m, got.manifest)
		assert.Len(t, got.data, 1234)
	default:
		t.Fatal("expected the tail block to complete the fetch synchronously")
	}
	assert.False(t, e.AnyFetchActive())
}

// --- S4: a newer version entering the queue wins over an older queued one ---

func TestEngine_S4_NewerVersionSupersedesQueued(t *testing.T) {
	store := newFakeStore()
	importer := newFakeImporter()
	clock := new(mclock.Simulated)
	e := newTestEngine(t, store, importer, &fakeDialer{}, &fakeDatagramSender{}, clock)

	bid := bidWithByte(4)
	old := &Manifest{BundleID: bid, Version: 5, PayloadLength: 500, PayloadHash: "aa"}
	outcome := e.SuggestQueueManifestImport(old, streamPeer(), SID{})
	require.Equal(t, Queued, outcome)

	newer := &Manifest{BundleID: bid, Version: 7, PayloadLength: 500, PayloadHash: "aa"}
	outcome = e.SuggestQueueManifestImport(newer, streamPeer(), SID{})
	require.Equal(t, Queued, outcome)

	ti := e.tierFor(500)
	require.GreaterOrEqual(t, ti, 0)
	tr := e.tiers[ti]
	require.Equal(t, 1, tr.len())
	assert.Equal(t, uint64(7), tr.candidates[0].manifest.Version)
}

// --- S5: payloads of different sizes admit to different tiers and can both
// be queued at once ---

func TestEngine_S5_SizeTiering(t *testing.T) {
	store := newFakeStore()
	importer := newFakeImporter()
	clock := new(mclock.Simulated)
	e := newTestEngine(t, store, importer, &fakeDialer{}, &fakeDatagramSender{}, clock)

	small := &Manifest{BundleID: bidWithByte(5), Version: 1, PayloadLength: 5_000, PayloadHash: "s"}
	mid := &Manifest{BundleID: bidWithByte(6), Version: 1, PayloadLength: 50_000, PayloadHash: "m"}

	tierSmall := e.tierFor(small.PayloadLength)
	tierMid := e.tierFor(mid.PayloadLength)
	assert.Equal(t, 0, tierSmall)
	assert.Equal(t, 1, tierMid)
	assert.NotEqual(t, tierSmall, tierMid)

	require.Equal(t, Queued, e.SuggestQueueManifestImport(small, streamPeer(), SID{}))
	require.Equal(t, Queued, e.SuggestQueueManifestImport(mid, streamPeer(), SID{}))

	assert.Equal(t, 1, e.tiers[tierSmall].len())
	assert.Equal(t, 1, e.tiers[tierMid].len())
}

// --- Stats: the cross-tier next-eligible candidate reported via prque ---

func TestEngine_Stats_NextEligibleWhenIdle(t *testing.T) {
	store := newFakeStore()
	importer := newFakeImporter()
	clock := new(mclock.Simulated)
	e := newTestEngine(t, store, importer, &fakeDialer{}, &fakeDatagramSender{}, clock)

	st := e.Stats()
	assert.Equal(t, -1, st.NextEligibleTier)
	assert.Empty(t, st.NextEligibleBID)
}

func TestEngine_Stats_NextEligibleReportsQueuedHead(t *testing.T) {
	store := newFakeStore()
	importer := newFakeImporter()
	clock := new(mclock.Simulated)
	e := newTestEngine(t, store, importer, &fakeDialer{}, &fakeDatagramSender{}, clock)

	m := &Manifest{BundleID: bidWithByte(0x30), Version: 1, PayloadLength: 500, PayloadHash: "aa"}
	require.Equal(t, Queued, e.SuggestQueueManifestImport(m, streamPeer(), SID{}))

	st := e.Stats()
	assert.Equal(t, e.tierFor(m.PayloadLength), st.NextEligibleTier)
	assert.Equal(t, m.BundleID.String(), st.NextEligibleBID)
}

// --- S6: two different BIDs sharing a payload hash; only one may fetch ---

func TestEngine_S6_DuplicatePayloadHashRejectsSecond(t *testing.T) {
	store := newFakeStore()
	importer := newFakeImporter()
	clock := new(mclock.Simulated)
	e := newTestEngine(t, store, importer, &fakeDialer{}, &fakeDatagramSender{}, clock)

	// Different sizes so each candidate lands on a distinct tier's slot;
	// otherwise the second attempt would observe SLOTBUSY on the shared
	// tier slot rather than exercising the cross-tier SAMEPAYLOAD check.
	m1 := &Manifest{BundleID: bidWithByte(0x10), Version: 1, PayloadLength: 1234, PayloadHash: "shared"}
	m2 := &Manifest{BundleID: bidWithByte(0x20), Version: 1, PayloadLength: 50_000, PayloadHash: "shared"}

	s1 := e.tiers[e.tierFor(m1.PayloadLength)].active
	outcome, err := e.tryStartFetch(s1, m1, StreamAddr{}, SID{})
	require.NoError(t, err)
	require.Equal(t, Started, outcome)
	t.Cleanup(func() { e.closeSlot(s1, nil) })

	s2 := e.tiers[e.tierFor(m2.PayloadLength)].active
	outcome, err = e.tryStartFetch(s2, m2, StreamAddr{}, SID{})
	require.NoError(t, err)
	assert.Equal(t, SamePayload, outcome)
	assert.True(t, s2.free())
}
