package rpc_interface

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	appconfig "github.com/vulpemventures/connector/internal/app-config"
	rpc_handler "github.com/vulpemventures/connector/internal/interfaces/rpc/handler"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type service struct {
	config     ServiceConfig
	appConfig  *appconfig.AppConfig
	httpServer *http.Server
	wsHandler  *rpc_handler.WSHandler
	listener   net.Listener

	log  func(format string, a ...interface{})
	warn func(err error, format string, a ...interface{})
}

func NewService(config ServiceConfig, appConfig *appconfig.AppConfig) (*service, error) {
	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("service: %s", format)
		log.Infof(format, a...)
	}
	warnFn := func(err error, format string, a ...interface{}) {
		format = fmt.Sprintf("service: %s", format)
		log.WithError(err).Warnf(format, a...)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app config: %s", err)
	}

	if !config.insecure() {
		if err := generateTLSKeyPair(
			config.TLSLocation, config.ExtraIPs, config.ExtraDomains,
		); err != nil {
			return nil, fmt.Errorf("error while creating TLS keypair: %s", err)
		}
		logFn("created TLS keypair in path %s", config.TLSLocation)
	}

	return &service{
		config: config, appConfig: appConfig, log: logFn, warn: warnFn,
	}, nil
}

func (s *service) Start() error {
	if err := s.appConfig.NotificationService().Start(); err != nil {
		return fmt.Errorf("failed to start notification service: %s", err)
	}
	s.log("started notification service")

	lis, err := s.config.listener()
	if err != nil {
		s.appConfig.NotificationService().Stop()
		return fmt.Errorf("failed to listen on %s: %s", s.config.address(), err)
	}

	s.listener = lis
	s.httpServer = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(lis); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.warn(err, "http server stopped unexpectedly")
		}
	}()

	s.log("start listening on %s", s.config.address())
	return nil
}

func (s *service) Stop() {
	if s.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked connections are not tracked by the http server.
	s.wsHandler.CloseAll()
	s.log("closed ws connections")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.warn(err, "failed to gracefully stop http server")
	}
	s.log("stopped http server")

	s.appConfig.NotificationService().Stop()
	s.log("stopped notification service")
	s.appConfig.TipRepository().Close()
	s.log("closed connection with db")
	s.log("shutdown")
}

func (s *service) router() http.Handler {
	methodSvc := s.appConfig.MethodService()
	s.wsHandler = rpc_handler.NewWSHandler(
		methodSvc, s.appConfig.NotificationService(),
		s.appConfig.NotificationQueueSize,
	)
	httpHandler := rpc_handler.NewHTTPHandler(methodSvc)

	r := mux.NewRouter()
	r.Handle("/", httpHandler).Methods(http.MethodPost)
	r.Handle("/rpc", httpHandler).Methods(http.MethodPost)
	r.Handle("/ws", s.wsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", rpc_handler.NewHealthHandler(s.version())).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.log("registered http, ws and health handlers on public interface")
	return r
}

func (s *service) version() string {
	if s.appConfig.Version != "" {
		return s.appConfig.Version
	}
	return "dev"
}
