package fetchengine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/serval-project/rhizomefetch/internal/mclock"
)

// slotState is one of the states in spec.md §3's slot lifecycle diagram.
type slotState int

const (
	slotFree slotState = iota
	slotConnecting
	slotSendingRequest
	slotRxHeaders
	slotRxStream
	slotRxDatagram
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "FREE"
	case slotConnecting:
		return "CONNECTING"
	case slotSendingRequest:
		return "SENDING_REQUEST"
	case slotRxHeaders:
		return "RX_HEADERS"
	case slotRxStream:
		return "RX_STREAM"
	case slotRxDatagram:
		return "RX_DATAGRAM"
	default:
		return "UNKNOWN"
	}
}

// slot is the active-fetch record described in spec.md §3. Every field is
// mutated only from Engine.loop; background goroutines doing blocking I/O
// for the stream transport never touch a slot directly — they report
// results back over a channel, tagged with the generation they observed, so
// a result that arrives after the slot has been closed and reused is
// discarded rather than corrupting the new occupant's state.
type slot struct {
	tierIndex  int
	state      slotState
	generation uint64

	manifest   *Manifest
	peerStream StreamAddr
	peerSID    SID

	file           *os.File
	path           string
	expectedLength int64
	written        int64 // contiguous bytes confirmed written from offset 0

	// stream transport
	cancelStream func()

	// datagram transport
	bid             BID
	bidVersion      uint64
	prefix          []byte
	isManifestFetch bool
	idleTimeout     time.Duration
	lastRx          mclock.AbsTime
	nextTx          mclock.AbsTime
	windowStart     int64
	blockSize       uint16
	bitmap          uint32
	reassembly      *reassemblyBuffer
	retransmit      time.Duration
	timer           mclock.Timer

	onManifestFetched func(prefix []byte, data []byte) // not set by the engine; manifest-by-prefix results go to Importer.ImportManifestBytes
}

func newSlot(tierIndex int) *slot {
	return &slot{tierIndex: tierIndex, state: slotFree}
}

func (s *slot) free() bool { return s.state == slotFree }

// scratchPath builds the spec.md §6 filesystem naming: payload.<hex_bid> or
// manifest.<hex_prefix>.
func scratchPath(dir string, m *Manifest, prefix []byte, disambig string) string {
	if m != nil {
		return filepath.Join(dir, fmt.Sprintf("payload.%s", m.BundleID.String()))
	}
	name := fmt.Sprintf("manifest.%x", prefix)
	if disambig != "" {
		name += "." + disambig
	}
	return filepath.Join(dir, name)
}

// reset clears every field back to the zero/FREE state described in
// spec.md §3's invariants: no open file, no path, no manifest, state FREE.
// It does not touch tierIndex. The generation counter is bumped so that any
// in-flight background result tagged with the old generation is ignored.
func (s *slot) reset() {
	s.generation++
	s.state = slotFree
	s.manifest = nil
	s.peerStream = StreamAddr{}
	s.peerSID = SID{}
	s.file = nil
	s.path = ""
	s.expectedLength = 0
	s.written = 0
	s.cancelStream = nil
	s.bid = BID{}
	s.bidVersion = 0
	s.prefix = nil
	s.isManifestFetch = false
	s.lastRx = 0
	s.nextTx = 0
	s.windowStart = 0
	s.blockSize = 0
	s.bitmap = 0
	s.reassembly = nil
	s.timer = nil
	s.onManifestFetched = nil
}
