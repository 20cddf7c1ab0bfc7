package fetchengine

import (
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// reassemblyBuffer holds datagram payload blocks that arrived ahead of the
// slot's current file offset, so a late block that fills a gap can flush a
// run of blocks immediately instead of being dropped. This implements the
// "windowed form" the spec prefers over in-order-only reception (spec.md
// §9, DESIGN.md Open Question O3). It is bounded by an LRU so a peer that
// floods far-future offsets cannot grow it without limit.
type reassemblyBuffer struct {
	cache *lru.Cache
}

func newReassemblyBuffer(capacity int) *reassemblyBuffer {
	c, _ := lru.New(capacity)
	return &reassemblyBuffer{cache: c}
}

func (b *reassemblyBuffer) put(offset int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.cache.Add(offset, cp)
}

func (b *reassemblyBuffer) take(offset int64) ([]byte, bool) {
	v, ok := b.cache.Get(offset)
	if !ok {
		return nil, false
	}
	b.cache.Remove(offset)
	return v.([]byte), true
}

// datagramRequestBody is the payload request wire layout from spec.md §6:
// BID[32] || version_u64_be || window_start_u64_be || bitmap_u32_be ||
// block_size_u16_be.
func datagramRequestBody(bid BID, version uint64, windowStart int64, bitmap uint32, blockSize uint16) []byte {
	buf := make([]byte, 32+8+8+4+2)
	copy(buf, bid[:])
	putU64(buf[32:], version)
	putU64(buf[40:], uint64(windowStart))
	putU32(buf[48:], bitmap)
	putU16(buf[52:], blockSize)
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func putU32(b []byte, v uint32) {
	for i := 3; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func putU16(b []byte, v uint16) {
	b[1] = byte(v)
	b[0] = byte(v >> 8)
}

// blockBit returns the bit of the window bitmap corresponding to offset,
// given the window's start offset and block size, or -1 if offset falls
// outside the window.
func blockBit(windowStart, offset int64, blockSize uint16, windowBlocks uint32) int {
	if offset < windowStart {
		return -1
	}
	d := offset - windowStart
	if d%int64(blockSize) != 0 {
		return -1
	}
	i := d / int64(blockSize)
	if i < 0 || i >= int64(windowBlocks) {
		return -1
	}
	return int(i)
}

// startDatagramTransport switches s into RX_DATAGRAM and sends the first
// request, per spec.md §4.D: invoked either because the stream transport
// failed or because the candidate had no stream address at all.
func (e *Engine) startDatagramTransport(s *slot) {
	s.state = slotRxDatagram
	s.windowStart = s.written
	s.bitmap = 0
	s.blockSize = e.opts.BlockSize
	if s.reassembly == nil {
		s.reassembly = newReassemblyBuffer(int(e.opts.WindowBlocks) * 4)
	}
	if s.isManifestFetch {
		s.idleTimeout = e.opts.ManifestIdleTimeout
		s.retransmit = e.opts.ManifestRetransmit
	} else {
		s.idleTimeout = e.opts.IdleTimeout
		s.retransmit = e.opts.PayloadRetransmit
	}
	s.lastRx = e.clock.Now()
	e.sendDatagramRequest(s)
	e.armDatagramTimer(s)
}

// sendDatagramRequest emits one request datagram for the slot's current
// window, per spec.md §4.D/§6.
func (e *Engine) sendDatagramRequest(s *slot) {
	var err error
	if s.isManifestFetch {
		err = e.datagram.SendManifestRequest(s.peerSID, s.prefix)
	} else {
		err = e.datagram.SendPayloadRequest(s.peerSID, s.bid, s.bidVersion, s.windowStart, s.bitmap, s.blockSize)
	}
	if err != nil {
		e.logger.Debug("datagram request send failed", zap.Error(err))
	}
	s.nextTx = e.clock.Now().Add(s.retransmit)
}

// armDatagramTimer schedules the next retransmit/idle-check tick. The timer
// callback runs on an arbitrary goroutine (mclock.System) or synchronously
// within Run (mclock.Simulated); either way it only ever enqueues an event
// for Engine.loop to process, never touches slot state directly.
func (e *Engine) armDatagramTimer(s *slot) {
	tierIndex, generation := s.tierIndex, s.generation
	s.timer = e.clock.AfterFunc(s.retransmit, func() {
		e.postDatagramTick(tierIndex, generation)
	})
}

// postDatagramTick is the bridge from a timer goroutine into the loop. It
// waits until the loop takes the tick (or the engine closes) rather than
// dropping it, since a slot's timer is only rearmed when its tick is
// processed.
func (e *Engine) postDatagramTick(tierIndex int, generation uint64) {
	select {
	case e.datagramTickCh <- datagramTick{tierIndex: tierIndex, generation: generation}:
	case <-e.quit:
	}
}

// onDatagramTick runs inside Engine.loop. It re-checks the idle timeout and,
// if the slot is still alive, resends the current window's request and
// rearms the timer, per spec.md §4.D's "on each tick, re-check idle timer".
func (e *Engine) onDatagramTick(tick datagramTick) {
	t := e.tiers[tick.tierIndex]
	s := t.active
	if s.generation != tick.generation || s.state != slotRxDatagram {
		return
	}
	if e.clock.Now().Sub(s.lastRx) >= s.idleTimeout {
		e.logger.Debug("datagram fetch idle timeout", zap.String("bid", s.bid.String()))
		e.metricDatagramExpire.Inc(1)
		e.closeSlot(s, nil)
		return
	}
	e.sendDatagramRequest(s)
	e.armDatagramTimer(s)
}

// receivedContent is the datagram arrival path, spec.md §4.D. It runs
// inside Engine.loop (dispatched there by the public ReceivedContent entry
// point) so it never races with any other slot mutation.
func (e *Engine) receivedContent(bidPrefix16 []byte, offset int64, count int, data []byte, blockType byte) {
	s := e.findDatagramSlotByPrefix16(bidPrefix16)
	if s == nil {
		return
	}
	s.lastRx = e.clock.Now()

	if offset == s.written {
		e.writeDatagramBlock(s, data[:count], blockType)
		if s.free() {
			return
		}
		e.flushReassembled(s)
		return
	}

	// Out-of-order: buffer it. A later arrival that closes the gap will
	// flush this and any other buffered blocks in sequence (spec.md §9,
	// DESIGN.md Open Question O3 — windowed reception, not drop-on-mismatch).
	if blockType == 'T' {
		s.expectedLength = offset + int64(count)
	}
	cp := make([]byte, count)
	copy(cp, data[:count])
	s.reassembly.put(offset, cp)
}

// writeDatagramBlock appends one in-order block to the scratch file and
// advances the slot's file offset and receive window.
func (e *Engine) writeDatagramBlock(s *slot, block []byte, blockType byte) {
	if _, err := s.file.WriteAt(block, s.written); err != nil {
		e.logger.Warn("scratch file write failed", zap.String("bid", s.bid.String()), zap.Error(err))
		e.closeSlot(s, nil)
		return
	}
	s.written += int64(len(block))
	if s.written > s.windowStart {
		s.windowStart = s.written
	}
	if blockType == 'T' {
		s.expectedLength = s.written
	}
	if s.expectedLength > 0 && s.written >= s.expectedLength {
		e.completeSlot(s)
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	e.sendDatagramRequest(s)
	e.armDatagramTimer(s)
}

// flushReassembled drains any buffered blocks that are now contiguous with
// the slot's advancing file offset.
func (e *Engine) flushReassembled(s *slot) {
	for {
		block, ok := s.reassembly.take(s.written)
		if !ok {
			return
		}
		// A buffered block's tail-ness is not kept in the buffer; when a
		// tail arrives out of order receivedContent sets expectedLength
		// from it, so writing it as an ordinary block still completes the
		// fetch once the gap before it is filled.
		e.writeDatagramBlock(s, block, 'B')
		if s.free() {
			return
		}
	}
}

// findDatagramSlotByPrefix16 scans every tier's active slot for one in
// RX_DATAGRAM whose BID shares bidPrefix16's first 16 bytes.
func (e *Engine) findDatagramSlotByPrefix16(bidPrefix16 []byte) *slot {
	for _, t := range e.tiers {
		s := t.active
		if s.state != slotRxDatagram {
			continue
		}
		if s.isManifestFetch {
			if len(s.prefix) >= 16 && bytesEqual(s.prefix[:16], bidPrefix16) {
				return s
			}
			continue
		}
		if bytesEqual(s.bid[:16], bidPrefix16) {
			return s
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// datagramTick is the event posted into Engine.loop when a slot's
// retransmit timer fires.
type datagramTick struct {
	tierIndex  int
	generation uint64
}
