package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/everydev1618/aifo/routing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	readTimeout  = 30 * time.Second
	drainTimeout = 2 * time.Second
	maxDrain     = 4 << 20
)

// request is a parsed call with its form fields already merged.
type request struct {
	http *http.Request
	form Form
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	lr := &io.LimitedReader{R: conn, N: maxHeaderBytes}
	br := bufio.NewReader(lr)
	hreq, err := http.ReadRequest(br)
	if err != nil {
		s.log.Debug("unparseable request", "error", err)
		drain(conn)
		return
	}
	lr.N = maxBodyBytes + 1

	path := strings.ToLower(hreq.URL.Path)
	switch path {
	case "/exec", "/notify":
	default:
		writeResponse(conn, http.StatusNotFound, ExitProtocol, "not found\n", nil)
		return
	}
	if hreq.Method != http.MethodPost {
		writeResponse(conn, http.StatusMethodNotAllowed, ExitProtocol, "method not allowed\n",
			http.Header{"Allow": {http.MethodPost}})
		return
	}

	if hreq.ContentLength > maxBodyBytes {
		tooLarge(conn, lr, br)
		return
	}
	body, err := readBody(hreq, br)
	if err != nil {
		s.log.Debug("read body", "error", err)
		drain(conn)
		return
	}
	if len(body) > maxBodyBytes {
		tooLarge(conn, lr, br)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req := &request{http: hreq, form: ParseForm(hreq.URL.RawQuery, body)}
	if path == "/notify" {
		s.handleNotify(conn, req)
		return
	}
	s.handleExec(conn, req)
}

// readBody returns the request body. A request framed by neither
// Content-Length nor chunked encoding carries whatever arrived together with
// its headers; the connection is not read further.
func readBody(hreq *http.Request, br *bufio.Reader) ([]byte, error) {
	_, hasLength := hreq.Header["Content-Length"]
	if hasLength || len(hreq.TransferEncoding) > 0 {
		return io.ReadAll(io.LimitReader(hreq.Body, maxBodyBytes+1))
	}
	n := br.Buffered()
	if n == 0 {
		return nil, nil
	}
	b, err := br.Peek(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// tooLarge answers 413 and then discards the rest of the upload so the peer
// can read the response before the connection closes.
func tooLarge(conn net.Conn, lr *io.LimitedReader, br *bufio.Reader) {
	writeResponse(conn, http.StatusRequestEntityTooLarge, ExitProtocol, "request body too large\n", nil)
	lr.N = maxDrain
	_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
	_, _ = io.Copy(io.Discard, br)
}

// drain reads whatever the peer still sends, bounded in time and size.
func drain(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, maxDrain))
}

func (s *Server) handleExec(w io.Writer, req *request) {
	tool := req.form.Get("tool")
	if tool != "" && !routing.Allowed(tool) {
		writeResponse(w, http.StatusForbidden, ExitProtocol, fmt.Sprintf("tool '%s' is not allowed\n", tool), nil)
		return
	}
	if !authorized(req.http.Header, s.token) {
		writeResponse(w, http.StatusUnauthorized, ExitProtocol, "unauthorized\n", nil)
		return
	}
	proto := ParseProto(req.http.Header)
	if proto == ProtoUnknown {
		writeResponse(w, http.StatusUpgradeRequired, ExitProtocol, "unsupported or missing X-Aifo-Proto\n",
			http.Header{"Upgrade": {"aifo/2"}})
		return
	}
	if tool == "" {
		writeResponse(w, http.StatusBadRequest, ExitProtocol, "missing tool\n", nil)
		return
	}
	cwd := req.form.Get("cwd")
	if cwd == "" {
		cwd = "."
	}
	env, traceID := traceEnv(req.http.Header)
	er := &ExecRequest{
		ID:   execID(req.http.Header),
		Tool: tool,
		Cwd:  cwd,
		Args: req.form.All("arg"),
		Env:  env,
	}

	ctx, cancel := withTimeout(s.cfg.Timeout)
	defer cancel()
	start := time.Now()
	log := s.log.With("session", s.cfg.SessionID, "exec", er.ID, "tool", tool)
	if traceID != "" {
		log = log.With("trace_id", traceID)
	}

	if proto == ProtoStream {
		sw := newStreamWriter(w, er.ID)
		code, err := s.runner.Run(ctx, er, sw, sw)
		switch {
		case err == nil:
			log.Debug("exec finished", "exit", code, "duration", time.Since(start))
			_ = sw.finish(code)
		case isTimeout(ctx, err):
			log.Info("exec timed out", "timeout", s.cfg.Timeout)
			if sw.started() {
				_ = sw.finish(ExitTimeout)
			} else {
				writeResponse(w, http.StatusGatewayTimeout, ExitTimeout, "timeout\n", nil)
			}
		default:
			log.Warn("exec failed", "error", err)
			if sw.started() {
				_ = sw.finish(ExitProtocol)
			} else {
				writeResponse(w, http.StatusInternalServerError, ExitProtocol, fmt.Sprintf("proxy error: %v\n", err), nil)
			}
		}
		return
	}

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	code, err := s.runner.Run(ctx, er, stdout, stderr)
	switch {
	case err == nil:
		log.Debug("exec finished", "exit", code, "duration", time.Since(start))
		writeResponse(w, http.StatusOK, code, stdout.String()+stderr.String(), nil)
	case isTimeout(ctx, err):
		log.Info("exec timed out", "timeout", s.cfg.Timeout)
		writeResponse(w, http.StatusGatewayTimeout, ExitTimeout, "timeout\n", nil)
	default:
		log.Warn("exec failed", "error", err)
		writeResponse(w, http.StatusInternalServerError, ExitProtocol, fmt.Sprintf("proxy error: %v\n", err), nil)
	}
}

func (s *Server) handleNotify(w io.Writer, req *request) {
	cmd := req.form.Get("cmd")
	if cmd != "" && !s.notifier.Allowed(cmd) {
		writeResponse(w, http.StatusForbidden, ExitProtocol, fmt.Sprintf("command '%s' is not allowed\n", cmd), nil)
		return
	}
	if !authorized(req.http.Header, s.token) {
		writeResponse(w, http.StatusUnauthorized, ExitProtocol, "unauthorized\n", nil)
		return
	}
	if ParseProto(req.http.Header) != ProtoStream {
		writeResponse(w, http.StatusUpgradeRequired, ExitProtocol, "notify requires X-Aifo-Proto: 2\n",
			http.Header{"Upgrade": {"aifo/2"}})
		return
	}
	if cmd == "" {
		writeResponse(w, http.StatusBadRequest, ExitProtocol, "missing cmd\n", nil)
		return
	}
	argv, err := s.notifier.Resolve(cmd, req.form.All("arg"))
	if err != nil {
		writeResponse(w, http.StatusForbidden, ExitProtocol, err.Error()+"\n", nil)
		return
	}

	timeout := s.cfg.NotifyTimeout
	if timeout == 0 {
		timeout = s.cfg.Timeout
	}
	ctx, cancel := withTimeout(timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	env, _ := traceEnv(req.http.Header)
	code, err := s.host.RunArgv(ctx, argv, "", env, stdout, stderr)
	switch {
	case err == nil:
		s.log.Debug("notify finished", "cmd", cmd, "exit", code)
		writeResponse(w, http.StatusOK, code, stdout.String()+stderr.String(), nil)
	case isTimeout(ctx, err):
		writeResponse(w, http.StatusGatewayTimeout, ExitTimeout, "timeout\n", nil)
	default:
		s.log.Warn("notify failed", "cmd", cmd, "error", err)
		writeResponse(w, http.StatusInternalServerError, ExitProtocol,
			fmt.Sprintf("host '%s' execution failed: %v\n", cmd, err), nil)
	}
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(context.Background(), d)
	}
	return context.WithCancel(context.Background())
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

// execID returns the client-supplied exec id when it is safe to embed in
// file names, otherwise a fresh one.
func execID(h http.Header) string {
	id := h.Get(HeaderExecID)
	if id == "" || len(id) > 64 {
		return uuid.NewString()
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return uuid.NewString()
		}
	}
	return id
}

// traceEnv forwards the caller's W3C trace context to the tool as
// TRACEPARENT and TRACESTATE. traceID is empty when the caller sent none.
func traceEnv(h http.Header) (env []string, traceID string) {
	prop := propagation.TraceContext{}
	ctx := prop.Extract(context.Background(), propagation.HeaderCarrier(h))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	carrier := propagation.MapCarrier{}
	prop.Inject(ctx, carrier)

	if v := carrier.Get("traceparent"); v != "" {
		env = append(env, "TRACEPARENT="+v)
	}
	if v := carrier.Get("tracestate"); v != "" {
		env = append(env, "TRACESTATE="+v)
	}
	return env, traceID
}
