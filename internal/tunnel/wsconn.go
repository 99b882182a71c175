package tunnel

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WSConn adapts a gorilla/websocket.Conn to io.ReadWriteCloser
// so it can be used as the underlying transport for yamux.
type WSConn struct {
	conn *websocket.Conn

	wmu sync.Mutex // serializes writes
	r   io.Reader  // current message, nil between messages

	closeOnce sync.Once
	closeErr  error
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read streams binary message payloads back to back. Message boundaries are
// not preserved; yamux does its own framing.
func (w *WSConn) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			typ, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			w.r = r
		}

		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *WSConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame when possible and closes the socket once.
func (w *WSConn) Close() error {
	w.closeOnce.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

var _ io.ReadWriteCloser = (*WSConn)(nil)
