// Package smtp exposes the admission pipeline as an SMTP endpoint.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/busybox42/mailgate/internal/admission"
	"github.com/busybox42/mailgate/internal/metrics"
)

// Config holds the listener settings.
type Config struct {
	Hostname        string
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int
	// RDNSLookup enables reverse DNS lookups of clients for Received fields.
	RDNSLookup bool
}

// Server accepts SMTP connections and hands messages to the controller.
type Server struct {
	cfg        Config
	controller *admission.Controller
	logger     *slog.Logger
	metrics    *metrics.Metrics
	srv        *gosmtp.Server

	// lookupAddr and lookupIP back the iprev check when RDNSLookup is set.
	lookupAddr addrLookup
	lookupIP   ipLookup

	// ctx is the parent of every message context and is cancelled on
	// shutdown.
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewServer creates a server. It does not listen until Serve or
// ListenAndServe is called.
func NewServer(cfg Config, controller *admission.Controller, logger *slog.Logger) (*Server, error) {
	if controller == nil {
		return nil, errors.New("controller cannot be nil")
	}
	if cfg.Hostname == "" {
		return nil, errors.New("hostname is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":2525"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "smtp-server", "hostname", cfg.Hostname)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		controller: controller,
		logger:     logger,
		metrics:    metrics.Get(),
		lookupAddr: net.DefaultResolver.LookupAddr,
		lookupIP:   net.DefaultResolver.LookupNetIP,
		ctx:        ctx,
		cancel:     cancel,
	}

	srv := gosmtp.NewServer(s)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Hostname
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	srv.EnableSMTPUTF8 = true
	srv.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelError)
	s.srv = srv

	return s, nil
}

// NewSession implements the go-smtp backend. It is called once the client
// has greeted.
func (s *Server) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := remoteIP(c.Conn().RemoteAddr())
	sess := newSession(s, c, remote)

	s.metrics.ActiveSessions.Inc()
	s.metrics.TotalSessions.Inc()
	sess.logger.Debug("session_started", "helo", c.Hostname())
	return sess, nil
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	// Shutdown only closes listeners go-smtp already knows about.
	stop := context.AfterFunc(s.ctx, func() { l.Close() })
	defer stop()

	s.logger.Info("SMTP server listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
		return fmt.Errorf("smtp serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(l)
}

// Shutdown stops accepting connections and waits for open sessions to end
// or ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down SMTP server")
		err = s.srv.Shutdown(ctx)
		s.cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = s.srv.Close()
		}
	})
	return err
}

func remoteIP(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	case nil:
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
