package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultAddr is the plain TCP endpoint.
const DefaultAddr = "127.0.0.1:1337"

// Server runs accept loops that hand each connection to a Handler.
type Server struct {
	handler *Handler
	log     zerolog.Logger

	// base is the parent context of every connection; cancelling it
	// interrupts in-flight captures.
	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closing   bool

	conns sync.WaitGroup
}

// NewServer returns a Server for h.
func NewServer(h *Handler, log zerolog.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:    h,
		log:        log.With().Str("component", "listener").Logger(),
		base:       base,
		cancelBase: cancel,
		listeners:  make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections on ln until ln is closed, ctx is cancelled or
// Shutdown is called, serving each one on its own goroutine. transport
// labels the connections in logs, metrics and the journal. It returns nil
// when the listener was closed deliberately.
func (s *Server) Serve(ctx context.Context, ln net.Listener, transport string) error {
	if !s.track(ln) {
		ln.Close()
		return nil
	}
	defer s.untrack(ln)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	log := s.log.With().Str("transport", transport).Str("addr", ln.Addr().String()).Logger()
	log.Info().Msg("accepting connections")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil || s.isClosing() {
				log.Info().Msg("listener closed")
				return nil
			}
			if isTemporary(err) {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff = min(backoff*2, time.Second)
				}
				log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		s.handler.metrics.Connection(transport)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handler.ServeConn(WithTransport(s.base, transport), conn)
		}()
	}
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	if errors.As(err, &te) && te.Temporary() {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrack(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown closes every listener, waits for in-flight requests until ctx
// expires (then interrupts them), and closes all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-ctx.Done():
		s.log.Warn().Msg("interrupting in-flight requests")
	}
	s.cancelBase()

	n, err := s.handler.CloseAll(ctx)
	if n > 0 {
		s.log.Info().Int("sessions", n).Msg("closed sessions")
	}
	return err
}
