package fetchengine

import (
	"io"
	"time"
)

// StreamConn is the minimal surface the slot state machine needs from a
// direct peer connection. A *net.TCPConn satisfies it directly; tests
// substitute an in-memory pipe.
type StreamConn interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// StreamDialer opens the direct byte-stream transport to a peer. Framing,
// routing and address resolution below this point are out of scope (spec.md
// §1); the engine only ever calls DialStream and reads/writes an HTTP/1.0
// request/response over the result.
type StreamDialer interface {
	DialStream(addr StreamAddr) (StreamConn, error)
}

// DatagramSender emits the two datagram request shapes described in
// spec.md §6. Framing, addressing and delivery are the datagram
// transport's job (out of scope, spec.md §1); the engine only calls these
// two methods and receives payload blocks back through ReceivedContent.
type DatagramSender interface {
	// SendPayloadRequest asks peerSID for up to WindowBlocks blocks of
	// blockSize bytes starting at windowStart, marking already-received
	// blocks in bitmap so the peer can skip them.
	SendPayloadRequest(peerSID SID, bid BID, version uint64, windowStart int64, bitmap uint32, blockSize uint16) error

	// SendManifestRequest asks peerSID for the manifest matching prefix.
	SendManifestRequest(peerSID SID, prefix []byte) error
}
