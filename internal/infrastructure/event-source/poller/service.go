package poller

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/connector/internal/core/ports"
)

const (
	sourceName = "poller"

	DefaultInterval = 10 * time.Second
)

// service emits a poll signal at every tick. Ticks happening while the
// previous signal has not been consumed yet are coalesced into it.
type service struct {
	interval  time.Duration
	chSignals chan ports.Signal
	chQuit    chan struct{}

	lock    *sync.Mutex
	started bool
	stopped bool
	wg      *sync.WaitGroup

	log func(format string, a ...interface{})
}

func NewService(interval time.Duration) (ports.EventSource, error) {
	if interval < 0 {
		return nil, fmt.Errorf("invalid poll interval %s", interval)
	}
	if interval == 0 {
		interval = DefaultInterval
	}

	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("poller: %s", format)
		log.Debugf(format, a...)
	}

	return &service{
		interval:  interval,
		chSignals: make(chan ports.Signal, 1),
		chQuit:    make(chan struct{}),
		lock:      &sync.Mutex{},
		wg:        &sync.WaitGroup{},
		log:       logFn,
	}, nil
}

func (s *service) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return fmt.Errorf("poller already stopped")
	}
	if s.started {
		return nil
	}
	s.started = true

	s.wg.Add(1)
	go s.poll()
	s.log("started with interval %s", s.interval)
	return nil
}

func (s *service) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	close(s.chQuit)
	s.wg.Wait()
	close(s.chSignals)
	s.log("stopped")
}

func (s *service) Signals() <-chan ports.Signal {
	return s.chSignals
}

func (s *service) poll() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.chQuit:
			return
		case <-ticker.C:
			select {
			case s.chSignals <- ports.Signal{Type: ports.PollSignal, Source: sourceName}:
			default:
				s.log("previous signal still pending, skipping tick")
			}
		}
	}
}
