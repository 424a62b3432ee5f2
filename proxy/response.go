package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
)

// writeResponse writes a complete, non-streaming response and marks the
// connection for close. Every response carries X-Exit-Code.
func writeResponse(w io.Writer, status, exitCode int, body string, extra http.Header) error {
	h := make(http.Header)
	for k, vs := range extra {
		h[k] = vs
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set(HeaderExitCode, strconv.Itoa(exitCode))

	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		Close:         true,
	}
	return resp.Write(w)
}

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// streamWriter sends tool output as a chunked response. The status line and
// headers go out with the first byte of output, so a run that fails before
// producing anything can still be answered with a plain error response.
type streamWriter struct {
	mu     sync.Mutex
	conn   io.Writer
	execID string
	chunks io.WriteCloser
	err    error
}

func newStreamWriter(conn io.Writer, execID string) *streamWriter {
	return &streamWriter{conn: conn, execID: execID}
}

// Write never fails: once the client is gone output is discarded so that the
// tool is not blocked on a dead connection.
func (s *streamWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) == 0 || s.err != nil {
		return len(p), nil
	}
	if s.chunks == nil {
		if s.err = s.prelude(); s.err != nil {
			return len(p), nil
		}
	}
	_, s.err = s.chunks.Write(p)
	return len(p), nil
}

func (s *streamWriter) prelude() error {
	_, err := fmt.Fprintf(s.conn, "HTTP/1.1 200 OK\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Transfer-Encoding: chunked\r\n"+
		"Trailer: %s\r\n"+
		"%s: %s\r\n"+
		"Connection: close\r\n\r\n", HeaderExitCode, HeaderStreamExecID, s.execID)
	s.chunks = httputil.NewChunkedWriter(s.conn)
	return err
}

// started reports whether the response headers have been sent.
func (s *streamWriter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks != nil
}

// finish sends the headers if nothing was written yet, then the terminating
// chunk and the exit code trailer.
func (s *streamWriter) finish(exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.chunks == nil {
		if err := s.prelude(); err != nil {
			return err
		}
	}
	if err := s.chunks.Close(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(s.conn, "%s: %d\r\n\r\n", HeaderExitCode, exitCode)
	return err
}
