package electrum_source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	delim = byte('\n')

	defaultRequestTimeout = 15 * time.Second
)

// transport abstracts the stream the electrum messages travel on.
type transport interface {
	// read returns the next chunk of data, made of one or more messages
	// separated by newlines.
	read() ([]byte, error)
	write(buf []byte) error
	close() error
}

type client struct {
	transport transport
	timeout   time.Duration
	nextId    uint64
	closed    int32

	lock    *sync.Mutex
	pending map[uint64]chan response

	log  func(format string, a ...interface{})
	warn func(err error, format string, a ...interface{})
}

func newClient(addr string, timeout time.Duration) (*client, error) {
	proto, endpoint, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	var t transport
	switch proto {
	case "ws", "wss":
		t, err = newWSTransport(endpoint, timeout)
	default:
		t, err = newTCPTransport(proto, endpoint, timeout)
	}
	if err != nil {
		return nil, err
	}

	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("electrum: %s", format)
		log.Debugf(format, a...)
	}
	warnFn := func(err error, format string, a ...interface{}) {
		format = fmt.Sprintf("electrum: %s", format)
		log.WithError(err).Warnf(format, a...)
	}

	return &client{
		transport: t,
		timeout:   timeout,
		lock:      &sync.Mutex{},
		pending:   make(map[uint64]chan response),
		log:       logFn,
		warn:      warnFn,
	}, nil
}

// listen reads messages until the connection is closed. Replies are routed
// to the pending requests while header notifications are passed to the given
// handler. It returns nil if the connection has been closed on purpose.
func (c *client) listen(onHeader func(headerInfo)) error {
	defer c.failPending()

	var incomplete []byte
	for {
		data, err := c.transport.read()
		if err != nil {
			if c.isClosed() {
				return nil
			}
			return err
		}

		for _, msg := range bytes.Split(data, []byte{delim}) {
			if len(bytes.TrimSpace(msg)) <= 0 {
				continue
			}
			if len(incomplete) > 0 {
				msg = append(incomplete, msg...)
			}

			var resp response
			if err := json.Unmarshal(msg, &resp); err != nil {
				incomplete = msg
				continue
			}
			incomplete = nil

			if resp.Method == methodHeadersSubscribe {
				header, err := parseHeaderNotification(resp.Params)
				if err != nil {
					c.warn(err, "failed to parse header notification")
					continue
				}
				onHeader(*header)
				continue
			}
			if len(resp.Method) > 0 {
				c.log("ignoring notification for method %s", resp.Method)
				continue
			}

			c.deliver(resp)
		}
	}
}

func (c *client) close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.transport.close()
	c.failPending()
}

func (c *client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *client) subscribeForBlocks() (*headerInfo, error) {
	resp, err := c.request(methodHeadersSubscribe)
	if err != nil {
		return nil, err
	}
	var header headerInfo
	if err := json.Unmarshal(resp.Result, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	return &header, nil
}

func (c *client) ping() error {
	_, err := c.request(methodPing)
	return err
}

func (c *client) request(method string, params ...interface{}) (*response, error) {
	req := request{
		atomic.AddUint64(&c.nextId, 1), method, append([]interface{}{}, params...),
	}
	chResp := c.addPending(req.Id)
	defer c.removePending(req.Id)

	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.transport.write(append(buf, delim)); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case resp, ok := <-chResp:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		if err := resp.error(); err != nil {
			return nil, err
		}
		return &resp, nil
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("%s request timed out", method)
	}
}

func (c *client) addPending(id uint64) chan response {
	c.lock.Lock()
	defer c.lock.Unlock()

	ch := make(chan response, 1)
	c.pending[id] = ch
	return ch
}

func (c *client) removePending(id uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.pending, id)
}

func (c *client) deliver(resp response) {
	c.lock.Lock()
	defer c.lock.Unlock()

	ch, ok := c.pending[resp.Id]
	if !ok {
		c.log("dropping reply for unknown request %d", resp.Id)
		return
	}
	delete(c.pending, resp.Id)
	ch <- resp
	close(ch)
}

func (c *client) failPending() {
	c.lock.Lock()
	defer c.lock.Unlock()

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// parseAddr supports both urls like tcp://host:port and the electrum server
// notation host:port:t (tcp) or host:port:s (ssl).
func parseAddr(addr string) (string, string, error) {
	if split := strings.SplitN(addr, "://", 2); len(split) == 2 {
		proto, endpoint := split[0], split[1]
		switch proto {
		case "tcp", "ssl":
			return proto, endpoint, nil
		case "ws", "wss":
			return proto, addr, nil
		default:
			return "", "", fmt.Errorf("unknown protocol %s", proto)
		}
	}

	switch {
	case strings.HasSuffix(addr, ":t"):
		return "tcp", strings.TrimSuffix(addr, ":t"), nil
	case strings.HasSuffix(addr, ":s"):
		return "ssl", strings.TrimSuffix(addr, ":s"), nil
	default:
		return "", "", fmt.Errorf("unknown protocol for address %s", addr)
	}
}
