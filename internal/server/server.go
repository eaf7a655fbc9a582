// Package server streams the loop's event buffer to observers over
// Server-Sent Events and exposes health over HTTP and gRPC.
package server

import (
	"log/slog"
	"time"

	"github.com/alfredjeanlab/kloop/internal/events"
	"github.com/alfredjeanlab/kloop/internal/idgen"
	"github.com/alfredjeanlab/kloop/internal/presence"
)

const (
	// DefaultQueueSize bounds the per-connection outgoing queue.
	DefaultQueueSize = 256

	// DefaultKeepalive is how often keepalive comments are sent to
	// prevent connection timeouts.
	DefaultKeepalive = 15 * time.Second
)

// Server distributes buffer events to connected clients.
type Server struct {
	buf      *events.Buffer
	Presence *presence.Tracker

	queueSize int
	keepalive time.Duration
	newConnID func() (string, error)
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithQueueSize sets the per-connection queue bound.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithKeepalive sets the keepalive interval.
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepalive = d
		}
	}
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a server streaming buf.
func New(buf *events.Buffer, opts ...Option) *Server {
	s := &Server{
		buf:       buf,
		Presence:  presence.New(),
		queueSize: DefaultQueueSize,
		keepalive: DefaultKeepalive,
		newConnID: idgen.ConnectionID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
