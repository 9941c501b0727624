package profiler

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	log "github.com/sirupsen/logrus"
)

const (
	minPort = 1024
	maxPort = 49151

	// Only metrics with this prefix are logged periodically.
	connectorMetricsPrefix = "connector_"
)

const (
	_ = 1 << (10 * iota)
	kilobyte
	megabyte
)

// Service opts holds configuration options for the profiler service.
type ServiceOpts struct {
	Port          int
	StatsInterval time.Duration
	Datadir       string
	// Gatherer defaults to the Prometheus default gatherer.
	Gatherer prometheus.Gatherer
}

func (o ServiceOpts) validate() error {
	if len(o.Datadir) == 0 {
		return fmt.Errorf("missing profiler datadir")
	}
	if o.Port < minPort || o.Port > maxPort {
		return fmt.Errorf("port must be in range [%d, %d]", minPort, maxPort)
	}
	if o.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be a positive duration")
	}
	return nil
}

func (o ServiceOpts) address() string {
	return fmt.Sprintf(":%d", o.Port)
}

// ProfilerService is the data structure representing a profiler webserver.
type ProfilerService struct {
	opts     ServiceOpts
	server   *http.Server
	gatherer prometheus.Gatherer
	stopFn   context.CancelFunc
	chDone   chan struct{}

	log  func(format string, a ...interface{})
	warn func(err error, format string, a ...interface{})
}

// NewService returns a new Profiler instance.
func NewService(opts ServiceOpts) (*ProfilerService, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := &http.Server{
		Addr: opts.address(), Handler: mux, ReadHeaderTimeout: 10 * time.Second,
	}

	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("profiler: %s", format)
		log.Debugf(format, a...)
	}
	warnFn := func(err error, format string, a ...interface{}) {
		format = fmt.Sprintf("profiler: %s", format)
		log.WithError(err).Warnf(format, a...)
	}
	return &ProfilerService{
		opts:     opts,
		server:   server,
		gatherer: gatherer,
		log:      logFn,
		warn:     warnFn,
	}, nil
}

// Start starts the profiler.
func (s *ProfilerService) Start() error {
	lis, err := net.Listen("tcp", s.opts.address())
	if err != nil {
		return err
	}

	runtime.SetBlockProfileRate(1)
	go func() {
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.warn(err, "server stopped unexpectedly")
		}
	}()

	ctx, cancelStats := context.WithCancel(context.Background())
	s.chDone = make(chan struct{})
	s.enableStatistics(ctx, s.opts.StatsInterval, s.opts.Datadir)
	s.stopFn = cancelStats
	s.log("start at url http://localhost:%d/debug/pprof/", s.opts.Port)
	return nil
}

// Stop stops the profiler and dumps the current metrics to the datadir.
func (s *ProfilerService) Stop() {
	if s.stopFn == nil {
		return
	}
	s.stopFn()
	<-s.chDone
	s.server.Shutdown(context.Background())
	s.log("stop")
}

// enableStatistics starts a goroutine that periodically logs memory usage of
// the go process together with the connector metrics.
func (s *ProfilerService) enableStatistics(
	ctx context.Context,
	interval time.Duration,
	path string,
) {
	ticker := time.NewTicker(interval)

	go func() {
		defer close(s.chDone)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.printMemoryStatistics()
				s.printNumOfRoutines()
				s.printConnectorMetrics()
			case <-ctx.Done():
				if err := s.dumpMetrics(path); err != nil {
					s.warn(err, "error while dumping Prometheus metrics")
				}
				return
			}
		}
	}()
}

// printMemoryStatistics logs memory statistics to stdout.
func (s *ProfilerService) printMemoryStatistics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.log(
		"total allocated: %.3fMB, heap allocated: %.3fMB, "+
			"allocated objects count: %v, freed objects count: %v",
		toMegabytes(memStats.TotalAlloc),
		toMegabytes(memStats.HeapAlloc),
		memStats.Mallocs,
		memStats.Frees,
	)
}

func (s *ProfilerService) printNumOfRoutines() {
	s.log("num of go routines: %v", runtime.NumGoroutine())
}

// printConnectorMetrics logs the current value of gauges and counters
// exported by the connector, ie. open connections or watched addresses.
func (s *ProfilerService) printConnectorMetrics() {
	families, err := s.gatherer.Gather()
	if err != nil {
		s.warn(err, "failed to gather metrics")
		return
	}

	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), connectorMetricsPrefix) {
			continue
		}
		for _, metric := range family.GetMetric() {
			var value float64
			switch {
			case metric.GetGauge() != nil:
				value = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				value = metric.GetCounter().GetValue()
			default:
				continue
			}

			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(
					labels, fmt.Sprintf("%s=%s", label.GetName(), label.GetValue()),
				)
			}
			s.log("%s{%s}: %v", family.GetName(), strings.Join(labels, ","), value)
		}
	}
}

// dumpMetrics writes all gathered Prometheus metrics in text format to a new
// file in the given path.
func (s *ProfilerService) dumpMetrics(path string) error {
	file, err := os.OpenFile(
		filepath.Join(
			path,
			time.Now().Format(time.RFC3339)),
		os.O_APPEND|os.O_CREATE|os.O_RDWR,
		0644,
	)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	families, err := s.gatherer.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(writer, family); err != nil {
			return err
		}
	}

	return nil
}

func toMegabytes(bytes uint64) float64 {
	return float64(bytes) / megabyte
}
