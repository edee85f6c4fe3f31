package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/types"
)

// Relayer gateway endpoints.
const (
	HealthEndpoint        = "/v1/health"
	EncryptInputEndpoint  = "/v1/encrypt-input"
	PublicDecryptEndpoint = "/v1/public-decrypt"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxErrorBodySize   = 1024
)

// EncryptInputRequest is the body of EncryptInputEndpoint.
type EncryptInputRequest struct {
	ContractAddress common.Address `json:"contractAddress"`
	UserAddress     common.Address `json:"userAddress"`
	Value           uint8          `json:"value"`
}

// PublicDecryptRequest is the body of PublicDecryptEndpoint.
type PublicDecryptRequest struct {
	Handles []common.Hash `json:"handles"`
}

// HealthResponse is the body returned by HealthEndpoint.
type HealthResponse struct {
	Ready bool `json:"ready"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient is a Service backed by a remote relayer gateway. It becomes
// ready once Init reached the gateway health endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	ready   atomic.Bool
}

// NewHTTPClient returns a client for the gateway at baseURL. Init must be
// called before the client reports itself ready.
func NewHTTPClient(baseURL string) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relayer URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid relayer URL %q: unsupported scheme", baseURL)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// Init checks the gateway health and marks the client ready on success.
func (c *HTTPClient) Init(ctx context.Context) error {
	var health HealthResponse
	if err := c.do(ctx, http.MethodGet, HealthEndpoint, nil, &health); err != nil {
		return fmt.Errorf("relayer health check failed: %w", err)
	}
	if !health.Ready {
		return ErrNotReady
	}
	c.ready.Store(true)
	log.Infow("relayer gateway ready", "url", c.baseURL)
	return nil
}

// Ready implements Service.
func (c *HTTPClient) Ready() bool {
	return c.ready.Load()
}

// EncryptInput implements Service.
func (c *HTTPClient) EncryptInput(ctx context.Context, contract, user common.Address, value uint8) (*types.EncryptedInput, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}
	out := &types.EncryptedInput{}
	req := &EncryptInputRequest{ContractAddress: contract, UserAddress: user, Value: value}
	if err := c.do(ctx, http.MethodPost, EncryptInputEndpoint, req, out); err != nil {
		return nil, err
	}
	if len(out.Handles) == 0 {
		return nil, fmt.Errorf("relayer returned no handles")
	}
	return out, nil
}

// PublicDecrypt implements Service.
func (c *HTTPClient) PublicDecrypt(ctx context.Context, handles []common.Hash) (*types.PublicDecryption, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}
	out := &types.PublicDecryption{}
	if err := c.do(ctx, http.MethodPost, PublicDecryptEndpoint, &PublicDecryptRequest{Handles: handles}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// do sends body as JSON and decodes a 200 response into out. Error responses
// are returned with the message the gateway provided, if any.
func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("relayer request %s failed: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		var apiErr errorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("relayer %s: %s", endpoint, apiErr.Error)
		}
		return fmt.Errorf("relayer %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// NewHandler exposes svc as a relayer gateway, the counterpart of HTTPClient.
// It is used to serve the in-process co-processor to other clients.
func NewHandler(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(HealthEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, &HealthResponse{Ready: svc.Ready()})
	})
	r.Post(EncryptInputEndpoint, func(w http.ResponseWriter, r *http.Request) {
		req := &EncryptInputRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeJSON(w, http.StatusBadRequest, &errorResponse{Error: "malformed JSON body"})
			return
		}
		out, err := svc.EncryptInput(r.Context(), req.ContractAddress, req.UserAddress, req.Value)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Post(PublicDecryptEndpoint, func(w http.ResponseWriter, r *http.Request) {
		req := &PublicDecryptRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeJSON(w, http.StatusBadRequest, &errorResponse{Error: "malformed JSON body"})
			return
		}
		out, err := svc.PublicDecrypt(r.Context(), req.Handles)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	return r
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, ErrNotReady) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, &errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnw("failed to write relayer response", "error", err.Error())
	}
}
