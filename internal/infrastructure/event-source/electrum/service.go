package electrum_source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/connector/internal/core/ports"
)

const (
	sourceName = "electrum"

	keepAliveInterval = time.Minute
)

type ServiceArgs struct {
	Addr           string
	RequestTimeout time.Duration
}

func (a ServiceArgs) validate() error {
	if a.Addr == "" {
		return fmt.Errorf("missing electrum server address")
	}
	if _, _, err := parseAddr(a.Addr); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}

// service subscribes to the headers of an electrum server and emits a new
// tip signal for every header received. The connection is re-established in
// case it drops.
// Headers are handed off to a forwarding goroutine so that the connection
// is read while the consumer is busy. Only the highest tip not yet consumed
// is kept.
type service struct {
	args      ServiceArgs
	chSignals chan ports.Signal

	pendingLock *sync.Mutex
	pending     *ports.Signal
	chPending   chan struct{}

	lock    *sync.Mutex
	client  *client
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup

	log  func(format string, a ...interface{})
	warn func(err error, format string, a ...interface{})
}

func NewService(args ServiceArgs) (ports.EventSource, error) {
	if err := args.validate(); err != nil {
		return nil, fmt.Errorf("invalid args: %s", err)
	}

	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("electrum source: %s", format)
		log.Debugf(format, a...)
	}
	warnFn := func(err error, format string, a ...interface{}) {
		format = fmt.Sprintf("electrum source: %s", format)
		log.WithError(err).Warnf(format, a...)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &service{
		args:        args,
		chSignals:   make(chan ports.Signal),
		pendingLock: &sync.Mutex{},
		chPending:   make(chan struct{}, 1),
		lock:        &sync.Mutex{},
		ctx:         ctx,
		cancel:      cancel,
		wg:          &sync.WaitGroup{},
		log:         logFn,
		warn:        warnFn,
	}, nil
}

func (s *service) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return fmt.Errorf("electrum source already stopped")
	}
	if s.started {
		return nil
	}

	c, err := newClient(s.args.Addr, s.args.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to electrum server: %w", err)
	}
	s.client = c
	s.started = true

	s.wg.Add(3)
	go s.run(c)
	go s.keepAlive()
	go s.forward()

	s.log("start listening to headers from %s", s.args.Addr)
	return nil
}

func (s *service) Stop() {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	if s.client != nil {
		s.client.close()
	}
	s.lock.Unlock()

	s.wg.Wait()
	close(s.chSignals)
	s.log("closed connection with electrum server")
}

func (s *service) Signals() <-chan ports.Signal {
	return s.chSignals
}

func (s *service) run(c *client) {
	defer s.wg.Done()

	for {
		chErr := make(chan error, 1)
		go func() { chErr <- c.listen(s.onHeader) }()

		if err := s.subscribe(c); err != nil {
			s.warn(err, "failed to subscribe for new blocks")
			c.close()
		}

		err := <-chErr
		if s.ctx.Err() != nil {
			return
		}
		s.warn(err, "connection with electrum server dropped, reconnecting")

		if c = s.reconnect(); c == nil {
			return
		}
	}
}

func (s *service) subscribe(c *client) error {
	header, err := c.subscribeForBlocks()
	if err != nil {
		return err
	}
	s.onHeader(*header)
	return nil
}

func (s *service) reconnect() *client {
	var c *client
	op := func() error {
		newC, err := newClient(s.args.Addr, s.args.RequestTimeout)
		if err != nil {
			return err
		}
		c = newC
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.warn(err, "failed to reconnect, retrying in %s", next)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, s.ctx), notify); err != nil {
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		c.close()
		return nil
	}
	s.client = c
	s.log("reconnected to %s", s.args.Addr)
	return c
}

func (s *service) keepAlive() {
	defer s.wg.Done()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.lock.Lock()
			c := s.client
			s.lock.Unlock()

			if err := c.ping(); err != nil {
				s.warn(err, "failed to keep connection alive")
			}
		}
	}
}

func (s *service) onHeader(header headerInfo) {
	tip, err := header.tip()
	if err != nil {
		s.warn(err, "received invalid header at height %d", header.Height)
		return
	}
	s.log("new tip %s", tip)

	s.pendingLock.Lock()
	if s.pending == nil || tip.Height >= s.pending.Tip.Height {
		s.pending = &ports.Signal{
			Type: ports.NewTipSignal, Source: sourceName, Tip: tip,
		}
	}
	s.pendingLock.Unlock()

	select {
	case s.chPending <- struct{}{}:
	default:
	}
}

func (s *service) forward() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.chPending:
		}

		s.pendingLock.Lock()
		signal := s.pending
		s.pending = nil
		s.pendingLock.Unlock()
		if signal == nil {
			continue
		}

		select {
		case s.chSignals <- *signal:
		case <-s.ctx.Done():
			return
		}
	}
}
