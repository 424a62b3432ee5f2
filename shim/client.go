package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Exit codes the shim produces on its own.
const (
	ExitProtocol   = 86
	ExitDisconnect = 1
)

// Wire names shared with the proxy.
const (
	headerProto    = "X-Aifo-Proto"
	headerExitCode = "X-Exit-Code"
	headerExecID   = "X-Aifo-Exec-Id"
	protoVersion   = "2"
)

var (
	// ErrNotConfigured means the proxy URL or token is missing.
	ErrNotConfigured = errors.New("proxy not configured")
	// ErrUnreachable wraps transport failures before a response arrived.
	ErrUnreachable = errors.New("proxy unreachable")
)

// Field is one form field; order is preserved on the wire.
type Field struct {
	Key   string
	Value string
}

// EncodeForm encodes fields as application/x-www-form-urlencoded. Only
// alphanumerics and -_.~ pass through; space becomes '+'.
func EncodeForm(fields []Field) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		encodeComponent(&b, f.Key)
		b.WriteByte('=')
		encodeComponent(&b, f.Value)
	}
	return b.String()
}

func encodeComponent(b *strings.Builder, s string) {
	const hex = "0123456789ABCDEF"
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			b.WriteByte('+')
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPropagator overrides the global otel propagator.
func WithPropagator(p propagation.TextMapPropagator) ClientOption {
	return func(c *Client) { c.propagator = p }
}

// WithExitZeroOnDisconnect makes a dropped connection exit 0 instead of 1.
func WithExitZeroOnDisconnect(v bool) ClientOption {
	return func(c *Client) { c.exitZeroOnDisconnect = v }
}

// WithExecID sets the exec id sent to the proxy.
func WithExecID(id string) ClientOption {
	return func(c *Client) {
		if id != "" {
			c.execID = id
		}
	}
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// Client speaks the proxy wire protocol.
type Client struct {
	endpoint             string
	token                string
	execID               string
	exitZeroOnDisconnect bool
	dialTimeout          time.Duration
	propagator           propagation.TextMapPropagator
	http                 *http.Client
}

// NewClient creates a client for an http:// or unix:// proxy URL.
func NewClient(rawURL, token string, opts ...ClientOption) (*Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	token = strings.TrimSpace(token)
	if rawURL == "" || token == "" {
		return nil, ErrNotConfigured
	}
	c := &Client{
		endpoint:    rawURL,
		token:       token,
		execID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.propagator == nil {
		c.propagator = otel.GetTextMapPropagator()
	}

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}
	if sock, ok := strings.CutPrefix(rawURL, "unix://"); ok {
		if sock == "" {
			return nil, fmt.Errorf("%w: empty socket path", ErrNotConfigured)
		}
		c.endpoint = "http://localhost/exec"
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", sock)
		}
	} else if !strings.HasPrefix(rawURL, "http://") {
		return nil, fmt.Errorf("%w: unsupported url %q", ErrNotConfigured, rawURL)
	}
	c.http = &http.Client{Transport: transport}
	return c, nil
}

// ExecID returns the id sent as X-Aifo-Exec-Id.
func (c *Client) ExecID() string { return c.execID }

// Exec runs tool through the proxy and returns the exit code to use for
// this process. Output of a successful call goes to stdout; the body of a
// rejected call goes to stderr. An error means no response was received.
func (c *Client) Exec(ctx context.Context, tool, cwd string, args []string, stdout, stderr io.Writer) (int, error) {
	fields := make([]Field, 0, len(args)+2)
	fields = append(fields, Field{"tool", tool}, Field{"cwd", cwd})
	for _, a := range args {
		fields = append(fields, Field{"arg", a})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(EncodeForm(fields)))
	if err != nil {
		return ExitProtocol, fmt.Errorf("build request: %w", err)
	}
	req.Close = true
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(headerProto, protoVersion)
	req.Header.Set("TE", "trailers")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(headerExecID, c.execID)
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return ExitProtocol, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(stderr, resp.Body)
		if code, ok := parseExitCode(resp.Header.Get(headerExitCode)); ok {
			return code, nil
		}
		return ExitProtocol, nil
	}

	if _, err := io.Copy(stdout, resp.Body); err != nil {
		return c.disconnected(stderr, err), nil
	}
	if code, ok := parseExitCode(resp.Trailer.Get(headerExitCode)); ok {
		return code, nil
	}
	if code, ok := parseExitCode(resp.Header.Get(headerExitCode)); ok {
		return code, nil
	}
	return c.disconnected(stderr, io.ErrUnexpectedEOF), nil
}

func (c *Client) disconnected(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "aifo-shim: disconnected before exit status was received: %v\n", err)
	if c.exitZeroOnDisconnect {
		return 0
	}
	return ExitDisconnect
}

func parseExitCode(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ContextFromEnv returns ctx carrying the W3C trace context found in the
// TRACEPARENT and TRACESTATE variables.
func ContextFromEnv(ctx context.Context, p propagation.TextMapPropagator, getenv func(string) string) context.Context {
	carrier := propagation.MapCarrier{}
	if v := getenv("TRACEPARENT"); v != "" {
		carrier.Set("traceparent", v)
	}
	if v := getenv("TRACESTATE"); v != "" {
		carrier.Set("tracestate", v)
	}
	if len(carrier) == 0 {
		return ctx
	}
	return p.Extract(ctx, carrier)
}
