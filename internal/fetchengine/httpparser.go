package fetchengine

import "errors"

// httpResponse is the result of parsing a minimal HTTP/1.0 response, per
// spec.md §4.F. Status and ContentLength are decoded values; Reason and
// Body are sub-slices of the caller's buffer, valid only until the buffer
// is reused or overwritten (see DESIGN.md Open Question O1).
type httpResponse struct {
	Status        int
	Reason        []byte
	ContentLength int64 // -1 if absent
	Body          []byte
}

var (
	errHTTPIncomplete = errors.New("fetchengine: response headers incomplete")
	errHTTPMalformed  = errors.New("fetchengine: malformed HTTP status line")
)

// parseHTTPResponse implements spec.md §4.F: it requires the buffer to
// already contain a full header block terminated by a blank line ("\n\n" or
// "\r\n\r\n"), tolerates nul bytes inside the header region (telnet-style),
// and only accepts status 200 with a present Content-Length as a usable
// reply — anything else is still parsed (so callers can log it) but the
// caller decides to fall back to the datagram transport.
func parseHTTPResponse(buf []byte) (*httpResponse, error) {
	headerEnd, bodyStart, ok := findHeaderTerminator(buf)
	if !ok {
		return nil, errHTTPIncomplete
	}
	header := buf[:headerEnd]

	const prefix = "HTTP/1.0 "
	if len(header) < len(prefix)+4 || string(header[:len(prefix)]) != prefix {
		return nil, errHTTPMalformed
	}
	rest := header[len(prefix):]
	if len(rest) < 4 || !isDigit(rest[0]) || !isDigit(rest[1]) || !isDigit(rest[2]) || rest[3] != ' ' {
		return nil, errHTTPMalformed
	}
	status := int(rest[0]-'0')*100 + int(rest[1]-'0')*10 + int(rest[2]-'0')

	// Reason phrase runs to the first CR/LF/NUL.
	reasonStart := len(prefix) + 4
	reasonEnd := reasonStart
	for reasonEnd < len(header) && header[reasonEnd] != '\r' && header[reasonEnd] != '\n' && header[reasonEnd] != 0 {
		reasonEnd++
	}
	reason := header[reasonStart:reasonEnd]
	if reasonEnd < len(header) {
		header[reasonEnd] = 0
	}

	contentLength := findContentLength(header)

	return &httpResponse{
		Status:        status,
		Reason:        reason,
		ContentLength: contentLength,
		Body:          buf[bodyStart:],
	}, nil
}

// Acceptable reports whether the response is usable by the stream
// transport: status 200 with a present Content-Length.
func (r *httpResponse) Acceptable() bool {
	return r.Status == 200 && r.ContentLength >= 0
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// findHeaderTerminator scans for a blank line ("\n\n" or "\r\n\r\n"),
// tolerating nul bytes anywhere in the header region. It returns the index
// of the terminator's start (end of headers) and the index of the first
// body byte.
func findHeaderTerminator(buf []byte) (headerEnd, bodyStart int, ok bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		if i+1 < len(buf) && buf[i+1] == '\n' {
			return i, i + 2, true
		}
		if i >= 1 && buf[i-1] == '\r' && i+2 < len(buf) && buf[i+1] == '\r' && buf[i+2] == '\n' {
			return i - 1, i + 3, true
		}
	}
	return 0, 0, false
}

// findContentLength scans header case-insensitively for "Content-Length:"
// followed by optional spaces and a decimal integer terminated by CR or LF.
func findContentLength(header []byte) int64 {
	const key = "content-length:"
	for i := 0; i+len(key) <= len(header); i++ {
		if !equalFoldASCII(header[i:i+len(key)], key) {
			continue
		}
		j := i + len(key)
		for j < len(header) && header[j] == ' ' {
			j++
		}
		start := j
		for j < len(header) && isDigit(header[j]) {
			j++
		}
		if j == start {
			continue
		}
		if j < len(header) && header[j] != '\r' && header[j] != '\n' {
			continue
		}
		var v int64
		for _, c := range header[start:j] {
			v = v*10 + int64(c-'0')
		}
		return v
	}
	return -1
}

func equalFoldASCII(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := range b {
		c := b[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != s[i] {
			return false
		}
	}
	return true
}
