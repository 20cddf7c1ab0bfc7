package fetchengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHTTPResponse_Acceptable(t *testing.T) {
	buf := []byte("HTTP/1.0 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	resp, err := parseHTTPResponse(buf)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.EqualValues(t, 5, resp.ContentLength)
	assert.True(t, resp.Acceptable())
	assert.Equal(t, []byte("hello"), resp.Body)
}

func TestParseHTTPResponse_LFOnlyTerminator(t *testing.T) {
	buf := []byte("HTTP/1.0 200 OK\nContent-Length: 3\n\nabc")
	resp, err := parseHTTPResponse(buf)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, resp.ContentLength)
	assert.Equal(t, []byte("abc"), resp.Body)
}

func TestParseHTTPResponse_CaseInsensitiveHeader(t *testing.T) {
	buf := []byte("HTTP/1.0 200 OK\r\nCONTENT-LENGTH: 2\r\n\r\nhi")
	resp, err := parseHTTPResponse(buf)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, resp.ContentLength)
}

func TestParseHTTPResponse_MissingContentLengthIsNotAcceptable(t *testing.T) {
	buf := []byte("HTTP/1.0 200 OK\r\n\r\n")
	resp, err := parseHTTPResponse(buf)
	assert.NoError(t, err)
	assert.EqualValues(t, -1, resp.ContentLength)
	assert.False(t, resp.Acceptable())
}

func TestParseHTTPResponse_NonStatus200IsParsedButNotAcceptable(t *testing.T) {
	buf := []byte("HTTP/1.0 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	resp, err := parseHTTPResponse(buf)
	assert.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.False(t, resp.Acceptable())
}

func TestParseHTTPResponse_TolerateNulInHeaders(t *testing.T) {
	buf := []byte("HTTP/1.0 200 OK\x00\r\nContent-Length: 4\r\n\r\ntest")
	resp, err := parseHTTPResponse(buf)
	assert.NoError(t, err)
	assert.EqualValues(t, 4, resp.ContentLength)
}

func TestParseHTTPResponse_IncompleteHeaders(t *testing.T) {
	buf := []byte("HTTP/1.0 200 OK\r\nContent-Length: 4")
	_, err := parseHTTPResponse(buf)
	assert.ErrorIs(t, err, errHTTPIncomplete)
}

func TestParseHTTPResponse_MalformedStatusLine(t *testing.T) {
	buf := []byte("not an http response\r\n\r\n")
	_, err := parseHTTPResponse(buf)
	assert.ErrorIs(t, err, errHTTPMalformed)
}

func TestFindContentLength_NotPresent(t *testing.T) {
	assert.EqualValues(t, -1, findContentLength([]byte("X-Foo: bar\r\n")))
}
