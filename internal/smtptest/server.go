// Package smtptest provides an in-process SMTP server that records every
// message it accepts. It speaks enough ESMTP (STARTTLS, AUTH PLAIN/LOGIN,
// pipelined RSET/NOOP) for a real client library to deliver through it.
package smtptest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	carmtls "github.com/shineum/carmailer/internal/tls"
)

// shutdownTimeout bounds how long Close waits for open sessions.
const shutdownTimeout = 5 * time.Second

// Message is one accepted DATA transaction.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Config configures a Server.
type Config struct {
	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// TLS advertises STARTTLS with a generated self-signed certificate.
	TLS bool

	// AuthUsername and AuthPassword make AUTH mandatory before MAIL.
	AuthUsername string
	AuthPassword string

	// RejectRcpt, when set, answers RCPT TO with 550 for matching addresses.
	RejectRcpt func(addr string) bool
}

// Server is a recording SMTP server bound to 127.0.0.1.
type Server struct {
	config    Config
	auth      *authenticator
	tlsConfig *tls.Config
	cert      *tls.Certificate
	listener  net.Listener
	cancel    context.CancelFunc

	mu       sync.Mutex
	messages []Message

	connections atomic.Int32
	quits       atomic.Int32

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server. Call Start to begin accepting connections.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Server{
		config: cfg,
		auth:   &authenticator{username: cfg.AuthUsername, password: cfg.AuthPassword},
	}
}

// Start listens on an ephemeral loopback port and serves in the background
// until Close is called.
func (s *Server) Start() error {
	if s.config.TLS {
		tlsConfig, cert, err := carmtls.ServerConfig()
		if err != nil {
			return err
		}
		s.tlsConfig, s.cert = tlsConfig, cert
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()
	return nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Debug("smtptest accept error", "error", err)
				continue
			}
		}

		s.connections.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).handle(ctx)
		}()
	}
}

// Close stops the listener and waits for open sessions to finish.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("smtptest shutdown timeout reached")
	}
}

// Host returns the listening IP address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Certificate returns the certificate presented on STARTTLS, or nil.
func (s *Server) Certificate() *tls.Certificate {
	return s.cert
}

// Messages returns a copy of the accepted messages in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Connections returns the number of accepted TCP connections.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Quits returns the number of sessions that ended with QUIT.
func (s *Server) Quits() int {
	return int(s.quits.Load())
}

func (s *Server) record(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}
