package electrum_source

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	lock   *sync.Mutex
}

func newTCPTransport(
	proto, endpoint string, timeout time.Duration,
) (transport, error) {
	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if proto == "ssl" {
		conn, err = tls.DialWithDialer(dialer, "tcp", endpoint, nil)
	} else {
		conn, err = dialer.Dial("tcp", endpoint)
	}
	if err != nil {
		return nil, err
	}

	return &tcpTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		lock:   &sync.Mutex{},
	}, nil
}

func (t *tcpTransport) read() ([]byte, error) {
	return t.reader.ReadBytes(delim)
}

func (t *tcpTransport) write(buf []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err := t.conn.Write(buf)
	return err
}

func (t *tcpTransport) close() error {
	return t.conn.Close()
}
