package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
)

// Dialer opens protocol connections through a tunnel endpoint such as
// wss://host:8443/tunnel.
type Dialer struct {
	URL    string
	Secret string
	// Insecure skips certificate verification, for agents running on a
	// self-signed certificate.
	Insecure         bool
	HandshakeTimeout time.Duration
	Log              zerolog.Logger
}

// DialContext upgrades a fresh WebSocket, starts a yamux client on it and
// opens a single stream. Closing the returned conn tears the tunnel down.
func (d Dialer) DialContext(ctx context.Context) (net.Conn, error) {
	if d.Secret == "" {
		return nil, errors.New("tunnel secret is required")
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: d.Insecure},
	}

	header := http.Header{}
	header.Set(SecretHeader, d.Secret)

	wsConn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("dial tunnel: secret rejected")
		}
		return nil, fmt.Errorf("dial tunnel: %w", err)
	}

	session, err := yamux.Client(NewWSConn(wsConn), yamuxConfig(d.Log))
	if err != nil {
		wsConn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}

	stream, err := session.Open()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &streamConn{Conn: stream, session: session}, nil
}

// streamConn owns the yamux session behind its single stream.
type streamConn struct {
	net.Conn
	session *yamux.Session
}

func (c *streamConn) Close() error {
	err := c.Conn.Close()
	if serr := c.session.Close(); err == nil {
		err = serr
	}
	return err
}
