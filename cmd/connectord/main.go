package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	appconfig "github.com/vulpemventures/connector/internal/app-config"
	"github.com/vulpemventures/connector/internal/config"
	postgresdb "github.com/vulpemventures/connector/internal/infrastructure/storage/db/postgres"
	"github.com/vulpemventures/connector/internal/interfaces"
	rpc_interface "github.com/vulpemventures/connector/internal/interfaces/rpc"
	"github.com/vulpemventures/connector/pkg/profiler"
)

var (
	// Build info.
	version string

	// Config from env vars.
	dbType                      = config.GetString(config.DbTypeKey)
	logLevel                    = config.GetInt(config.LogLevelKey)
	datadir                     = config.GetDatadir()
	port                        = config.GetInt(config.PortKey)
	profilerPort                = config.GetInt(config.ProfilerPortKey)
	noTLS                       = config.GetBool(config.NoTLSKey)
	noProfiler                  = config.GetBool(config.NoProfilerKey)
	dbDir                       = filepath.Join(datadir, config.DbLocation)
	tlsDir                      = filepath.Join(datadir, config.TLSLocation)
	profilerDir                 = filepath.Join(datadir, config.ProfilerLocation)
	tlsExtraIPs                 = config.GetStringSlice(config.TLSExtraIPKey)
	tlsExtraDomains             = config.GetStringSlice(config.TLSExtraDomainKey)
	statsInterval               = time.Duration(config.GetInt(config.StatsIntervalKey)) * time.Second
	daemonRpcAddr               = config.GetString(config.DaemonRpcAddrKey)
	indexerRpcAddr              = config.GetString(config.IndexerRpcAddrKey)
	electrumAddr                = config.GetString(config.ElectrumAddrKey)
	pollInterval                = config.GetPollInterval()
	backendTimeout              = config.GetBackendTimeout()
	backendRetryDelay           = config.GetBackendRetryDelay()
	notificationQueueSize       = config.GetInt(config.NotificationQueueSizeKey)
	maxConcurrentBalanceQueries = config.GetInt(config.MaxConcurrentBalanceQueriesKey)
	dbUser                      = config.GetString(config.DbUserKey)
	dbPassword                  = config.GetString(config.DbPassKey)
	dbHost                      = config.GetString(config.DbHostKey)
	dbPort                      = config.GetInt(config.DbPortKey)
	dbName                      = config.GetString(config.DbNameKey)
	dbMigrationPath             = config.GetString(config.DbMigrationPath)
)

func main() {
	log.SetLevel(log.Level(logLevel))

	if profilerEnabled := !noProfiler; profilerEnabled {
		profilerSvc, err := profiler.NewService(profiler.ServiceOpts{
			Port:          profilerPort,
			StatsInterval: statsInterval,
			Datadir:       profilerDir,
		})
		if err != nil {
			log.WithError(err).Fatal("profiler: error while initializing")
		}

		if err := profilerSvc.Start(); err != nil {
			log.WithError(err).Fatal("profiler: error while starting")
		}
		defer func() {
			profilerSvc.Stop()
		}()
	}

	var tipRepoConfig interface{}
	switch dbType {
	case "badger":
		tipRepoConfig = dbDir
	case "postgres":
		tipRepoConfig = postgresdb.DbConfig{
			DbUser:             dbUser,
			DbPassword:         dbPassword,
			DbHost:             dbHost,
			DbPort:             dbPort,
			DbName:             dbName,
			MigrationSourceURL: dbMigrationPath,
		}
	}

	serviceCfg := rpc_interface.ServiceConfig{
		Port:         port,
		NoTLS:        noTLS,
		TLSLocation:  tlsDir,
		ExtraIPs:     tlsExtraIPs,
		ExtraDomains: tlsExtraDomains,
	}
	appCfg := &appconfig.AppConfig{
		Version:                     version,
		DaemonRpcAddr:               daemonRpcAddr,
		IndexerRpcAddr:              indexerRpcAddr,
		ElectrumAddr:                electrumAddr,
		PollInterval:                pollInterval,
		BackendTimeout:              backendTimeout,
		BackendRetryDelay:           backendRetryDelay,
		NotificationQueueSize:       notificationQueueSize,
		MaxConcurrentBalanceQueries: maxConcurrentBalanceQueries,
		TipRepositoryType:           dbType,
		TipRepositoryConfig:         tipRepoConfig,
	}

	serviceManager, err := interfaces.NewRpcServiceManager(serviceCfg, appCfg)
	if err != nil {
		log.WithError(err).Fatal("service: error while initializing")
	}

	if err := serviceManager.Service.Start(); err != nil {
		log.WithError(err).Fatal("service: error while starting")
	}
	defer func() {
		serviceManager.Service.Stop()
	}()

	log.Infof("connector daemon %s started", version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down connector daemon")
}
