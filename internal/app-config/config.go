package appconfig

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/connector/internal/config"
	"github.com/vulpemventures/connector/internal/core/application"
	"github.com/vulpemventures/connector/internal/core/domain"
	"github.com/vulpemventures/connector/internal/core/ports"
	"github.com/vulpemventures/connector/internal/infrastructure/backend/jsonrpc"
	electrum_source "github.com/vulpemventures/connector/internal/infrastructure/event-source/electrum"
	"github.com/vulpemventures/connector/internal/infrastructure/event-source/poller"
	"github.com/vulpemventures/connector/internal/infrastructure/schema"
	dbbadger "github.com/vulpemventures/connector/internal/infrastructure/storage/db/badger"
	"github.com/vulpemventures/connector/internal/infrastructure/storage/db/inmemory"
	postgresdb "github.com/vulpemventures/connector/internal/infrastructure/storage/db/postgres"
)

// AppConfig is the struct holding all configuration options for the
// application services (method and notification).
// This data structure acts also as a factory of the mentioned application
// services and the portable services used by them.
// Public config args:
//   - DaemonRpcAddr - (required) The url of the chain daemon JSON-RPC server.
//   - IndexerRpcAddr - (required) The url of the address indexer JSON-RPC server.
//   - ElectrumAddr - (optional) The electrum server pushing new block headers.
//   - PollInterval - (optional) The interval between two notification cycles.
//   - BackendTimeout - (optional) The timeout of every request to the backends.
//   - BackendRetryDelay - (optional) The delay before retrying a failed idempotent request.
//   - NotificationQueueSize - (optional) The max number of pending notifications per connection.
//   - MaxConcurrentBalanceQueries - (optional) The max number of concurrent requests to the indexer.
//   - TipRepositoryType - (required) One of the supported repository types.
//   - TipRepositoryConfig - (optional) Custom config args for the repository based on its type.
type AppConfig struct {
	Version string

	DaemonRpcAddr               string
	IndexerRpcAddr              string
	ElectrumAddr                string
	PollInterval                time.Duration
	BackendTimeout              time.Duration
	BackendRetryDelay           time.Duration
	NotificationQueueSize       int
	MaxConcurrentBalanceQueries int

	TipRepositoryType   string
	TipRepositoryConfig interface{}

	daemon    ports.BackendClient
	indexer   ports.BackendClient
	sources   []ports.EventSource
	tipRepo   domain.TipRepository
	methodSvc *application.MethodService
	notifySvc *application.NotificationService
}

func (c *AppConfig) Validate() error {
	if len(c.DaemonRpcAddr) <= 0 {
		return fmt.Errorf("missing daemon rpc address")
	}
	if len(c.IndexerRpcAddr) <= 0 {
		return fmt.Errorf("missing indexer rpc address")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	if c.NotificationQueueSize < 0 {
		return fmt.Errorf("notification queue size must not be negative")
	}
	if c.MaxConcurrentBalanceQueries < 0 {
		return fmt.Errorf("max concurrent balance queries must not be negative")
	}
	if len(c.TipRepositoryType) == 0 {
		return fmt.Errorf("missing tip repository type")
	}
	if _, ok := config.SupportedDbs[c.TipRepositoryType]; !ok {
		return fmt.Errorf(
			"tip repository type not supported, must be one of: %s",
			config.SupportedDbs,
		)
	}
	if _, err := c.backendClients(); err != nil {
		return err
	}
	if _, err := c.eventSources(); err != nil {
		return err
	}
	if _, err := c.tipRepository(); err != nil {
		return err
	}
	if _, err := c.methodService(); err != nil {
		return err
	}

	return nil
}

func (c *AppConfig) TipRepository() domain.TipRepository {
	return c.tipRepo
}

func (c *AppConfig) MethodService() *application.MethodService {
	svc, _ := c.methodService()
	return svc
}

func (c *AppConfig) NotificationService() *application.NotificationService {
	return c.notificationService()
}

func (c *AppConfig) backendClients() ([]ports.BackendClient, error) {
	if c.daemon != nil && c.indexer != nil {
		return []ports.BackendClient{c.daemon, c.indexer}, nil
	}

	daemon, err := jsonrpc.NewClient(jsonrpc.Config{
		Name:       "daemon",
		Addr:       c.DaemonRpcAddr,
		Timeout:    c.BackendTimeout,
		RetryDelay: c.BackendRetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid daemon rpc config: %s", err)
	}
	indexer, err := jsonrpc.NewClient(jsonrpc.Config{
		Name:       "indexer",
		Addr:       c.IndexerRpcAddr,
		Timeout:    c.BackendTimeout,
		RetryDelay: c.BackendRetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid indexer rpc config: %s", err)
	}

	c.daemon, c.indexer = daemon, indexer
	return []ports.BackendClient{c.daemon, c.indexer}, nil
}

func (c *AppConfig) eventSources() ([]ports.EventSource, error) {
	if c.sources != nil {
		return c.sources, nil
	}

	// Polling is always enabled to catch changes of unconfirmed balances.
	pollSource, err := poller.NewService(c.PollInterval)
	if err != nil {
		return nil, err
	}
	sources := []ports.EventSource{pollSource}

	if len(c.ElectrumAddr) > 0 {
		electrumSource, err := electrum_source.NewService(
			electrum_source.ServiceArgs{
				Addr:           c.ElectrumAddr,
				RequestTimeout: c.BackendTimeout,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("invalid electrum source config: %s", err)
		}
		sources = append(sources, electrumSource)
	}

	c.sources = sources
	return c.sources, nil
}

func (c *AppConfig) tipRepository() (domain.TipRepository, error) {
	if c.tipRepo != nil {
		return c.tipRepo, nil
	}

	switch c.TipRepositoryType {
	case "inmemory":
		c.tipRepo = inmemory.NewTipRepository()
		return c.tipRepo, nil
	case "badger":
		if c.TipRepositoryConfig == nil {
			return nil, fmt.Errorf("missing tip repository config args")
		}
		datadir, ok := c.TipRepositoryConfig.(string)
		if !ok {
			return nil, fmt.Errorf("invalid tip repository config type, must be string")
		}
		repo, err := dbbadger.NewTipRepository(datadir, log.New())
		if err != nil {
			return nil, err
		}
		c.tipRepo = repo
		return c.tipRepo, nil
	case "postgres":
		dbConfig, ok := c.TipRepositoryConfig.(postgresdb.DbConfig)
		if !ok {
			return nil, fmt.Errorf("invalid tip repository config type, must be postgresdb.DbConfig")
		}

		repo, err := postgresdb.NewTipRepository(dbConfig)
		if err != nil {
			return nil, err
		}

		c.tipRepo = repo
		return c.tipRepo, nil
	default:
		return nil, fmt.Errorf("unknown tip repository type")
	}
}

func (c *AppConfig) methodService() (*application.MethodService, error) {
	if c.methodSvc != nil {
		return c.methodSvc, nil
	}

	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load schemas: %s", err)
	}
	if _, err := c.backendClients(); err != nil {
		return nil, err
	}

	c.methodSvc = application.NewMethodService(
		c.daemon, c.indexer, registry, c.MaxConcurrentBalanceQueries,
	)
	return c.methodSvc, nil
}

func (c *AppConfig) notificationService() *application.NotificationService {
	if c.notifySvc != nil {
		return c.notifySvc
	}

	methodSvc, _ := c.methodService()
	tipRepo, _ := c.tipRepository()
	sources, _ := c.eventSources()
	c.notifySvc = application.NewNotificationService(
		methodSvc, tipRepo, sources...,
	)
	return c.notifySvc
}
