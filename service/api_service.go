package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/securevote/api"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/shell"
	"github.com/vocdoni/securevote/storage"
)

// shutdownTimeout bounds the wait for running requests on Stop.
const shutdownTimeout = 10 * time.Second

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	shell   *shell.Shell
	storage *storage.Storage
	API     *api.API
	mu      sync.Mutex
	host    string
	port    int
}

// NewAPI creates a new APIService instance. The storage is optional.
func NewAPI(sh *shell.Shell, stg *storage.Storage, host string, port int, disableLogging bool) *APIService {
	if disableLogging {
		api.DisabledLogging = disableLogging
		log.Debugw("API logging is disabled")
	}
	return &APIService{
		shell:   sh,
		storage: stg,
		host:    host,
		port:    port,
	}
}

// Start begins the API server. It returns an error if the service
// is already running or if it fails to start.
func (as *APIService) Start(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.API != nil {
		return fmt.Errorf("service already running")
	}

	var err error
	as.API, err = api.New(&api.APIConfig{
		Host:    as.host,
		Port:    as.port,
		Shell:   as.shell,
		Storage: as.storage,
	})
	if err != nil {
		as.API = nil
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop halts the API server.
func (as *APIService) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.API == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := as.API.Close(ctx); err != nil {
		log.Warnw("failed to shut down API server", "err", err.Error())
	}
	as.API = nil
}

// HostPort returns the host and port of the API server.
func (as *APIService) HostPort() (string, int) {
	return as.host, as.port
}
