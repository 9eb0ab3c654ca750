package wire

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// DialWS connects to a remote link endpoint served over websocket and
// returns it as a Wire carrying binary frames.
func DialWS(url, origin string) (Wire, error) {
	if origin == "" {
		origin = "http://localhost/"
	}
	conn, err := websocket.Dial(url, "", origin)
	if err != nil {
		return nil, err
	}
	return NewWS(conn), nil
}

// NewWS wraps an established websocket connection as a Wire.
func NewWS(conn *websocket.Conn) Wire {
	conn.PayloadType = websocket.BinaryFrame
	return &wsWire{conn: conn}
}

type wsWire struct {
	conn *websocket.Conn

	lock    sync.Mutex
	timeout time.Duration
}

func (w *wsWire) Read(p []byte) (int, error) {
	w.lock.Lock()
	timeout := w.timeout
	w.lock.Unlock()
	if timeout > 0 {
		w.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		w.conn.SetReadDeadline(time.Time{})
	}
	n, err := w.conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
	}
	return n, err
}

func (w *wsWire) Write(p []byte) (int, error) {
	return w.conn.Write(p)
}

func (w *wsWire) Close() error {
	return w.conn.Close()
}

func (w *wsWire) SetReadTimeout(d time.Duration) error {
	w.lock.Lock()
	w.timeout = d
	w.lock.Unlock()
	return nil
}
