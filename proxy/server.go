package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultPollInterval bounds how long Shutdown waits for the accept loop.
const DefaultPollInterval = 100 * time.Millisecond

// Config holds server configuration.
type Config struct {
	// SessionID is used in log lines only.
	SessionID string
	// Token is the bearer token clients must present. A random token is
	// generated when empty.
	Token string
	// Timeout bounds each dispatched tool. Zero disables the deadline.
	Timeout time.Duration
	// NotifyTimeout bounds /notify commands. Zero falls back to Timeout.
	NotifyTimeout time.Duration

	// SocketPath selects the Unix socket transport when non-empty.
	SocketPath string
	// BindHost is the TCP listen address. Defaults to 127.0.0.1.
	BindHost string
	// AdvertiseHost is the host placed in URL for TCP listeners, typically
	// host.docker.internal so containers can reach the host. Defaults to
	// BindHost.
	AdvertiseHost string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithNotifier enables the /notify endpoint.
func WithNotifier(n Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithPollInterval sets how often the accept loop checks for shutdown.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithHostRunner overrides the runner used for /notify commands.
func WithHostRunner(h HostRunner) Option {
	return func(s *Server) { s.host = h }
}

// Server is one session's execution proxy.
type Server struct {
	cfg      Config
	token    string
	runner   Runner
	notifier Notifier
	host     HostRunner
	log      *slog.Logger
	poll     time.Duration

	ln       net.Listener
	closing  atomic.Bool
	done     chan struct{}
	inflight sync.WaitGroup
	once     sync.Once
}

// New creates a Server that dispatches /exec requests to runner.
func New(cfg Config, runner Runner, opts ...Option) (*Server, error) {
	if runner == nil {
		return nil, ErrNoRunner
	}
	s := &Server{
		cfg:      cfg,
		token:    cfg.Token,
		runner:   runner,
		notifier: disabledNotifier{},
		log:      slog.Default(),
		poll:     DefaultPollInterval,
		done:     make(chan struct{}),
	}
	if s.token == "" {
		s.token = NewToken()
	}
	if s.cfg.BindHost == "" {
		s.cfg.BindHost = "127.0.0.1"
	}
	if s.cfg.AdvertiseHost == "" {
		s.cfg.AdvertiseHost = s.cfg.BindHost
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewToken returns a random session token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Token returns the bearer token clients must present.
func (s *Server) Token() string { return s.token }

// Start binds the listener and runs the accept loop in the background.
func (s *Server) Start() error {
	if s.closing.Load() {
		return ErrServerClosed
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("proxy listening", "session", s.cfg.SessionID, "url", s.URL())
	go s.acceptLoop()
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.SocketPath == "" {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindHost, "0"))
		if err != nil {
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
		return ln, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o750); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// URL is the endpoint clients use: http://host:port/exec for TCP or
// unix:///path/to/toolexec.sock for the socket transport.
func (s *Server) URL() string {
	if s.cfg.SocketPath != "" {
		return "unix://" + s.cfg.SocketPath
	}
	port := 0
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(s.cfg.AdvertiseHost, strconv.Itoa(port)),
		Path:   "/exec",
	}
	return u.String()
}

// SocketPath returns the Unix socket path, empty for TCP.
func (s *Server) SocketPath() string { return s.cfg.SocketPath }

type deadliner interface {
	SetDeadline(time.Time) error
}

func (s *Server) acceptLoop() {
	defer close(s.done)
	dl, _ := s.ln.(deadliner)
	for !s.closing.Load() {
		if dl != nil {
			_ = dl.SetDeadline(time.Now().Add(s.poll))
		}
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(s.poll)
			continue
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.serveConn(conn)
		}()
	}
}

// Shutdown stops accepting, releases the endpoint and waits for in-flight
// requests until ctx ends. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	var err error
	s.once.Do(func() {
		if s.ln == nil {
			close(s.done)
			return
		}
		select {
		case <-s.done:
		case <-time.After(2 * s.poll):
		}
		if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		<-s.done
		if s.cfg.SocketPath != "" {
			if rerr := os.Remove(s.cfg.SocketPath); rerr != nil && !os.IsNotExist(rerr) {
				s.log.Warn("remove socket", "path", s.cfg.SocketPath, "error", rerr)
			}
		}
		s.log.Info("proxy stopped", "session", s.cfg.SessionID)
	})
	if err != nil {
		return err
	}

	idle := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the accept loop has exited.
func (s *Server) Wait() {
	<-s.done
}
