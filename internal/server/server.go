// Package server accepts client connections, greets them, sniffs their first
// bytes to choose a backend and relays them to it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/postalsys/rusty-proxy/internal/config"
	"github.com/postalsys/rusty-proxy/internal/logging"
	"github.com/postalsys/rusty-proxy/internal/recovery"
	"github.com/postalsys/rusty-proxy/internal/relay"
	"github.com/postalsys/rusty-proxy/internal/route"
	"github.com/postalsys/rusty-proxy/internal/sniff"
)

// Accept error backoff bounds.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Dialer opens backend connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds server configuration.
type Config struct {
	// Network is "tcp" (dual stack) or "tcp4".
	Network string

	// Address to listen on (e.g. "[::]:80").
	Address string

	// Status is embedded in the greeting line.
	Status string

	// SniffTimeout bounds the wait for the client's first bytes.
	SniffTimeout time.Duration

	// SniffMaxBytes caps the look-ahead.
	SniffMaxBytes int

	// Policy chooses the backend from the sniffed payload.
	Policy *route.Policy

	// DialTimeout bounds backend connects (0 = no timeout).
	DialTimeout time.Duration

	// BufferSize is the per-direction relay buffer.
	BufferSize int

	// MaxConnections limits concurrent clients (0 = unlimited).
	MaxConnections int

	// AcceptRate limits accepted connections per second (0 = unlimited).
	AcceptRate float64

	// AcceptBurst is the token bucket size for AcceptRate.
	AcceptBurst int

	// Logger for logging.
	Logger *slog.Logger
}

// NewConfig builds a server Config from the process configuration.
func NewConfig(c *config.Config, logger *slog.Logger) Config {
	network, address := c.ListenAddress()
	return Config{
		Network:       network,
		Address:       address,
		Status:        c.Handshake.Status,
		SniffTimeout:  c.Sniff.Timeout,
		SniffMaxBytes: c.Sniff.MaxBytes,
		Policy: route.NewPolicy(route.Backends{
			SSH:     c.Backends.SSH,
			UDPGW:   c.Backends.UDPGW,
			OpenVPN: c.Backends.OpenVPN,
		}),
		DialTimeout:    c.Backends.DialTimeout,
		BufferSize:     c.Relay.BufferSize,
		MaxConnections: c.Listen.MaxConnections,
		AcceptRate:     c.Listen.AcceptRate,
		AcceptBurst:    c.Listen.AcceptBurst,
		Logger:         logger,
	}
}

// Server is the sniffing relay.
type Server struct {
	cfg      Config
	dialer   Dialer
	logger   *slog.Logger
	limiter  *rate.Limiter
	listener net.Listener
	clients  *connTracker
	backends *connTracker

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a server. A nil dialer dials TCP directly.
func New(cfg Config, dialer Dialer) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Policy == nil {
		cfg.Policy = route.NewPolicy(route.Backends{})
	}
	if cfg.SniffMaxBytes <= 0 {
		cfg.SniffMaxBytes = sniff.DefaultMaxBytes
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = relay.DefaultBufferSize
	}
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}

	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		limiter:  limiter,
		clients:  newConnTracker(),
		backends: newConnTracker(),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the listener and starts accepting in the background.
// A bind failure is returned and nothing is left running.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	if s.cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConnections)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("relay listening",
		logging.KeyAddress, listener.Addr().String(),
		"status", s.cfg.Status,
		"max_connections", s.cfg.MaxConnections)

	return nil
}

// Stop closes the listener and every open client and backend connection,
// then waits for all sessions to finish.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		s.cancel()

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.clients.closeAll()
		s.backends.closeAll()

		s.logger.Info("relay stopped")
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of open client connections.
func (s *Server) ConnectionCount() int64 {
	return s.clients.len()
}

// IsRunning returns true if the server is accepting.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop accepts connections until Stop. Accept errors never end it.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.acceptLoop")

	var delay time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}

			delay = nextAcceptDelay(delay)
			s.logger.Warn("accept error",
				logging.KeyError, err,
				"retry_in", delay)

			select {
			case <-time.After(delay):
			case <-s.stopCh:
				return
			}
			continue
		}
		delay = 0

		if !s.clients.add(conn) {
			return
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn runs one session and logs how it ended.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	sess := newSession(conn)
	logger := s.logger.With(
		logging.KeySessionID, sess.id,
		logging.KeyRemoteAddr, sess.remote)

	defer func() {
		sess.close()
		s.clients.remove(conn)
		if sess.backend != nil {
			s.backends.remove(sess.backend)
		}
	}()
	defer recovery.RecoverWithLog(logger, "server.session")

	logger.Debug("connection accepted")

	res, err := s.handle(sess, logger)
	if err != nil {
		// Failures caused by Stop are expected.
		select {
		case <-s.stopCh:
			logger.Debug("session aborted by shutdown",
				logging.KeyState, sess.state.String(),
				logging.KeyError, err)
			return
		default:
		}
		logger.Warn("session failed",
			logging.KeyState, sess.state.String(),
			logging.KeyBackend, sess.dest.Address,
			logging.KeyError, err)
		return
	}

	logger.Info("session closed",
		logging.KeyDestName, sess.dest.Name,
		logging.KeyDuration, time.Since(sess.created).Round(time.Millisecond),
		logging.KeyBytesUp, humanize.IBytes(uint64(res.Upstream)),
		logging.KeyBytesDown, humanize.IBytes(uint64(res.Downstream)),
		"ended_by", res.EndedBy)
}

// handle drives a session through handshake, sniff, dial and relay.
func (s *Server) handle(sess *session, logger *slog.Logger) (relay.Result, error) {
	if err := WriteHandshake(sess.client, s.cfg.Status); err != nil {
		return relay.Result{}, fmt.Errorf("write handshake: %w", err)
	}
	sess.advance(StateHandshakeSent)

	sess.advance(StateSniffing)
	client := sniff.NewConn(sess.client, s.cfg.SniffMaxBytes)
	sample, ok := client.Peek(s.ctx, s.cfg.SniffTimeout)
	sess.dest = s.cfg.Policy.Select(sample.Text())

	logger.Info("destination selected",
		logging.KeyDestName, sess.dest.Name,
		logging.KeyBackend, sess.dest.Address,
		"sniffed", ok,
		"sniffed_bytes", len(sample))

	backend, err := s.dialBackend(sess.dest.Address)
	if err != nil {
		return relay.Result{}, fmt.Errorf("dial %s: %w", sess.dest, err)
	}
	sess.backend = backend
	if !s.backends.add(backend) {
		return relay.Result{}, fmt.Errorf("dial %s: %w", sess.dest, net.ErrClosed)
	}
	sess.advance(StateBackendDialed)

	sess.advance(StateRelaying)
	res := relay.Pump(client, backend, s.cfg.BufferSize)
	sess.advance(StateClosed)
	if res.Err != nil {
		return res, fmt.Errorf("relay ended by %s: %w", res.EndedBy, res.Err)
	}
	return res, nil
}

// nextAcceptDelay doubles the previous delay within [minAcceptDelay, maxAcceptDelay].
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	if next := prev * 2; next < maxAcceptDelay {
		return next
	}
	return maxAcceptDelay
}

func (s *Server) dialBackend(address string) (net.Conn, error) {
	ctx := s.ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %v: %w", s.cfg.DialTimeout, err)
		}
		return nil, err
	}
	return conn, nil
}
