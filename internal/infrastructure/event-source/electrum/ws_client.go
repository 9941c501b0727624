package electrum_source

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsTransport struct {
	conn *websocket.Conn
	lock *sync.Mutex
}

func newWSTransport(addr string, timeout time.Duration) (transport, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeout

	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn, &sync.Mutex{}}, nil
}

func (t *wsTransport) read() ([]byte, error) {
	_, msg, err := t.conn.ReadMessage()
	return msg, err
}

// Gorilla connections support one concurrent writer at most.
func (t *wsTransport) write(buf []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.conn.WriteMessage(websocket.TextMessage, buf)
}

func (t *wsTransport) close() error {
	return t.conn.Close()
}
