// Package api exposes a shell over HTTP: the contract address, the poll
// list, the poll operations and the transaction journal.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/shell"
	"github.com/vocdoni/securevote/storage"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log
	// readTimeout bounds the read only endpoints. Poll operations wait for
	// their transaction to be mined and are not bounded.
	readTimeout = 45 * time.Second
)

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host    string
	Port    int              // 0 builds the router without listening
	Shell   *shell.Shell     // Required
	Storage *storage.Storage // Optional: transaction journal
}

// API type represents the API HTTP server.
type API struct {
	router  *chi.Mux
	shell   *shell.Shell
	storage *storage.Storage
	server  *http.Server
}

// New creates a new API instance with the given configuration and, when a
// port is set, starts the HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Shell == nil {
		return nil, fmt.Errorf("missing shell instance")
	}
	a := &API{
		shell:   conf.Shell,
		storage: conf.Storage,
	}

	// Initialize router
	a.initRouter()
	if conf.Port == 0 {
		return a, nil
	}
	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("Starting API server", "host", conf.Host, "port", conf.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// Close stops the HTTP server, waiting for running requests until ctx is
// done.
func (a *API) Close(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	a.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(readTimeout))
		log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
		r.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
			httpWriteOK(w)
		})
		log.Infow("register handler", "endpoint", InfoEndpoint, "method", "GET")
		r.Get(InfoEndpoint, a.info)
		// contract endpoints
		log.Infow("register handler", "endpoint", ContractEndpoint, "method", "GET")
		r.Get(ContractEndpoint, a.contract)
		log.Infow("register handler", "endpoint", ContractEndpoint, "method", "PUT")
		r.Put(ContractEndpoint, a.setContract)
		// poll read endpoints
		log.Infow("register handler", "endpoint", PollsEndpoint, "method", "GET", "parameters", RefreshParam)
		r.Get(PollsEndpoint, a.polls)
		log.Infow("register handler", "endpoint", CreatorEndpoint, "method", "GET")
		r.Get(CreatorEndpoint, a.creatorForm)
		log.Infow("register handler", "endpoint", PollEndpoint, "method", "GET", "parameters", RefreshParam)
		r.Get(PollEndpoint, a.poll)
		// journal
		log.Infow("register handler", "endpoint", TransactionsEndpoint, "method", "GET",
			"parameters", fmt.Sprintf("%s,%s,%s", PollURLParam, StatusQueryParam, LimitQueryParam))
		r.Get(TransactionsEndpoint, a.transactions)
	})

	// poll operations
	log.Infow("register handler", "endpoint", PollsEndpoint, "method", "POST")
	a.router.Post(PollsEndpoint, a.createPoll)
	log.Infow("register handler", "endpoint", VoteEndpoint, "method", "POST")
	a.router.Post(VoteEndpoint, a.vote)
	log.Infow("register handler", "endpoint", EndPollEndpoint, "method", "POST")
	a.router.Post(EndPollEndpoint, a.pollOperation(endPoll))
	log.Infow("register handler", "endpoint", DecryptEndpoint, "method", "POST")
	a.router.Post(DecryptEndpoint, a.pollOperation(decryptResults))
	log.Infow("register handler", "endpoint", PublishEndpoint, "method", "POST")
	a.router.Post(PublishEndpoint, a.pollOperation(publishResults))
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(middleware.RequestID)
	a.router.Use(requestLogger(maxRequestBodyLog, PingEndpoint, InfoEndpoint))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))

	a.registerHandlers()
}
