package fetchengine

import (
	"fmt"
	"io"
	"os"
	"time"
)

// maxHeaderBuffer bounds how many header bytes runStreamFetch will
// accumulate before giving up and falling back to the datagram transport —
// a peer that never sends a blank-line terminator must not grow this
// buffer without limit.
const maxHeaderBuffer = 16 * 1024

// streamRequest is the immutable snapshot of slot state a stream-transport
// goroutine needs. It never touches the slot itself (see Engine's doc
// comment): only fields read out of the slot under the loop goroutine,
// before the goroutine is spawned.
type streamRequest struct {
	dialer      StreamDialer
	addr        StreamAddr
	payloadHash string
	prefix      []byte
	isManifest  bool
	path        string
	idleTimeout time.Duration
	tierIndex   int
	generation  uint64
}

// streamResult is reported back over Engine.streamResultCh. Exactly one of
// err, success or (implicitly) fallback applies.
type streamResult struct {
	tierIndex      int
	generation     uint64
	success        bool
	written        int64
	expectedLength int64
	err            error
}

// runStreamFetch implements the stream transport state machine of spec.md
// §4.C steps 1-5 end to end in one goroutine: dial, send the HTTP/1.0
// request, read and parse the response headers, then stream the body into
// the scratch file. Any transient failure (dial refused, EOF before
// completion, parse failure, non-200, missing Content-Length, write error)
// reports back with success=false and err=nil, which the loop reads as
// "fall back to the datagram transport, keeping the bytes already
// written" — the byte count already on disk is preserved across the
// switch since the goroutine always opens the file at offset 0 and the
// returned written count tells the loop exactly where to resume.
func runStreamFetch(req streamRequest, resultCh chan<- *streamResult) {
	res := &streamResult{tierIndex: req.tierIndex, generation: req.generation}

	conn, err := req.dialer.DialStream(req.addr)
	if err != nil {
		resultCh <- res
		return
	}
	defer conn.Close()

	var reqLine string
	if req.isManifest {
		reqLine = fmt.Sprintf("GET /rhizome/manifestbyprefix/%x HTTP/1.0\r\n\r\n", req.prefix)
	} else {
		reqLine = fmt.Sprintf("GET /rhizome/file/%s HTTP/1.0\r\n\r\n", req.payloadHash)
	}

	conn.SetDeadline(time.Now().Add(req.idleTimeout))
	if _, err := io.WriteString(conn, reqLine); err != nil {
		resultCh <- res
		return
	}

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	var resp *httpResponse
	for resp == nil {
		conn.SetDeadline(time.Now().Add(req.idleTimeout))
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if r, perr := parseHTTPResponse(buf); perr == nil {
				resp = r
			}
		}
		if resp == nil && rerr != nil {
			resultCh <- res
			return
		}
		if resp == nil && len(buf) > maxHeaderBuffer {
			resultCh <- res
			return
		}
	}

	if !resp.Acceptable() {
		resultCh <- res
		return
	}

	f, ferr := os.OpenFile(req.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if ferr != nil {
		res.err = ferr
		resultCh <- res
		return
	}
	defer f.Close()

	var written int64
	if len(resp.Body) > 0 {
		n, werr := f.WriteAt(resp.Body, 0)
		written = int64(n)
		if werr != nil {
			res.written = written
			resultCh <- res
			return
		}
	}

	readBuf := make([]byte, 8192)
	for written < resp.ContentLength {
		conn.SetDeadline(time.Now().Add(req.idleTimeout))
		n, rerr := conn.Read(readBuf)
		if n > 0 {
			if _, werr := f.WriteAt(readBuf[:n], written); werr != nil {
				res.written = written
				resultCh <- res
				return
			}
			written += int64(n)
		}
		if rerr != nil {
			if written != resp.ContentLength {
				res.written = written
				resultCh <- res
				return
			}
			break
		}
	}

	res.success = true
	res.written = written
	res.expectedLength = resp.ContentLength
	resultCh <- res
}
