// Package rhizomenet provides the two transport collaborators the fetch
// engine calls through named interfaces (spec.md §1): a direct TCP dialer
// for the stream transport, and a minimal datagram sender. Framing,
// routing, address abbreviation and neighbour tables for the real mesh
// overlay are out of scope; DatagramSender here only logs what it would
// have sent, so a deployment without an MDP stack still runs the stream
// transport end to end.
package rhizomenet

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/serval-project/rhizomefetch/internal/fetchengine"
)

// TCPDialer implements fetchengine.StreamDialer over net.Dial, the
// idiomatic Go equivalent of the reference's non-blocking connect() plus
// POLLOUT wait (spec.md §4.C step 1): net.DialTimeout blocks the calling
// goroutine instead of yielding to a poller, which is fine since stream
// fetches already run on their own goroutine per slot.
type TCPDialer struct {
	DialTimeout time.Duration
}

func (d TCPDialer) DialStream(addr fetchengine.StreamAddr) (fetchengine.StreamConn, error) {
	ip := net.IPv4(addr.IP[0], addr.IP[1], addr.IP[2], addr.IP[3])
	target := fmt.Sprintf("%s:%d", ip.String(), addr.Port)
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp4", target, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NullDatagramSender logs every request it would send. Useful for
// deployments that only want the stream transport, and for exercising the
// engine's fallback path without a real MDP stack.
type NullDatagramSender struct {
	Logger *zap.Logger
}

func (n NullDatagramSender) SendPayloadRequest(peerSID fetchengine.SID, bid fetchengine.BID, version uint64, windowStart int64, bitmap uint32, blockSize uint16) error {
	n.logger().Debug("datagram payload request (no transport configured)",
		zap.String("peer_sid", peerSID.String()),
		zap.String("bid", bid.String()),
		zap.Uint64("version", version),
		zap.Int64("window_start", windowStart),
		zap.Uint16("block_size", blockSize))
	return nil
}

func (n NullDatagramSender) SendManifestRequest(peerSID fetchengine.SID, prefix []byte) error {
	n.logger().Debug("datagram manifest request (no transport configured)",
		zap.String("peer_sid", peerSID.String()),
		zap.String("prefix", fmt.Sprintf("%x", prefix)))
	return nil
}

func (n NullDatagramSender) logger() *zap.Logger {
	if n.Logger == nil {
		return zap.NewNop()
	}
	return n.Logger
}
