// Package tunnel carries agent connections over TLS WebSockets. A client
// authenticates with a pre-shared secret during the upgrade; afterwards the
// socket is a yamux session and every stream on it is one protocol
// connection.
package tunnel

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
)

// SecretHeader carries the pre-shared secret on the upgrade request.
const SecretHeader = "X-Agent-Secret"

// Path is the HTTP path that accepts tunnel upgrades.
const Path = "/tunnel"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The secret authenticates the peer; browsers are not clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Listener is a net.Listener whose connections are yamux streams opened by
// authenticated tunnel clients.
type Listener struct {
	secret string
	log    zerolog.Logger
	addr   net.Addr

	// OnReject, when set, is called for every upgrade refused for a bad
	// secret.
	OnReject func()

	streams   chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sessions map[*yamux.Session]struct{}
	srv      *http.Server
}

var _ net.Listener = (*Listener)(nil)

// NewListener returns a Listener that is fed through ServeHTTP. addr is
// what Addr reports.
func NewListener(secret string, addr net.Addr, log zerolog.Logger) *Listener {
	return &Listener{
		secret:   secret,
		log:      log.With().Str("component", "tunnel").Logger(),
		addr:     addr,
		streams:  make(chan net.Conn),
		closed:   make(chan struct{}),
		sessions: make(map[*yamux.Session]struct{}),
	}
}

// Listen binds addr and serves tunnel upgrades on it. With a nil tlsCfg the
// upgrade runs over plain HTTP.
func Listen(addr, secret string, tlsCfg *tls.Config, log zerolog.Logger) (*Listener, error) {
	if secret == "" {
		return nil, errors.New("tunnel secret is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	l := NewListener(secret, ln.Addr(), log)
	mux := http.NewServeMux()
	mux.Handle("GET "+Path, l)

	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error().Err(err).Msg("tunnel server stopped")
		}
	}()
	l.log.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsCfg != nil).Msg("tunnel listening")
	return l, nil
}

// ServeHTTP authenticates and upgrades one tunnel client, then feeds its
// streams to Accept until the client goes away or the listener closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !l.authorized(r) {
		if l.OnReject != nil {
			l.OnReject()
		}
		l.log.Warn().Str("remote", r.RemoteAddr).Msg("tunnel upgrade rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	select {
	case <-l.closed:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	// The agent is the yamux server; clients open one stream per request.
	session, err := yamux.Server(NewWSConn(wsConn), yamuxConfig(l.log))
	if err != nil {
		l.log.Error().Err(err).Msg("yamux server")
		wsConn.Close()
		return
	}

	l.mu.Lock()
	l.sessions[session] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.sessions, session)
		l.mu.Unlock()
		session.Close()
	}()

	l.log.Debug().Str("remote", r.RemoteAddr).Msg("tunnel client connected")
	for {
		stream, err := session.Accept()
		if err != nil {
			l.log.Debug().Str("remote", r.RemoteAddr).Msg("tunnel client disconnected")
			return
		}
		select {
		case l.streams <- stream:
		case <-l.closed:
			stream.Close()
			return
		}
	}
}

func (l *Listener) authorized(r *http.Request) bool {
	got := r.Header.Get(SecretHeader)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(l.secret)) == 1
}

// Accept returns the next stream opened by any tunnel client.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.streams:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops accepting, tears down every tunnel session and the HTTP
// server if Listen started one.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)

		l.mu.Lock()
		for s := range l.sessions {
			s.Close()
		}
		srv := l.srv
		l.mu.Unlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = srv.Shutdown(ctx)
		}
	})
	return err
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.addr
}
