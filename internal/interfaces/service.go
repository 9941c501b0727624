package interfaces

import (
	"fmt"

	appconfig "github.com/vulpemventures/connector/internal/app-config"
	rpc_interface "github.com/vulpemventures/connector/internal/interfaces/rpc"
)

// Service interface defines the methods that every kind of interface, whether
// JSON-RPC, REST, or whatever must be compliant with.
type Service interface {
	Start() error
	Stop()
}

type ServiceManager struct {
	Service
}

func NewRpcServiceManager(
	config rpc_interface.ServiceConfig, appConfig *appconfig.AppConfig,
) (*ServiceManager, error) {
	svc, err := rpc_interface.NewService(config, appConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initalize rpc service: %s", err)
	}

	return &ServiceManager{svc}, nil
}
