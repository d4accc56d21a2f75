// Package rvchttp talks to a voice conversion engine served over HTTP.
//
// Control calls (inspect, load, release) use JSON bodies; inference payloads
// are msgpack since they carry raw sample buffers. The bundled worker script
// serves these endpoints when started with --listen HOST:PORT, which is how
// autostart launches it.
//
//	GET    /health          200 when ready
//	POST   /inspect         {path} -> backend.Checkpoint
//	POST   /networks        backend.NetworkSpec -> {handle}
//	DELETE /networks/{id}   2xx, or 404 when already gone
//	POST   /extractor       backend.ExtractorSpec -> {handle}
//	POST   /infer           msgpack backend.InferRequest -> msgpack backend.InferReply
//
// Any other status carries {"detail": "..."}, surfaced as backend.RemoteError.
package rvchttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ekisa-team/rvcbroker/internal/backend"
)

// API endpoints and paths.
const (
	apiInspect   = "/inspect"
	apiNetworks  = "/networks"
	apiExtractor = "/extractor"
	apiInfer     = "/infer"
	apiHealth    = "/health"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeMsgpack = "application/msgpack"

	defaultTimeout = 300 * time.Second
	serverName     = "rvc-http"
)

var _ backend.Engine = (*Backend)(nil)

// Config configures the HTTP backend.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// Autostart launches the backend process through the server manager
	// before the first call when it is not already healthy.
	Autostart bool
	Server    backend.ServerConfig
}

// Backend implements backend.Engine over HTTP.
type Backend struct {
	httpClient *http.Client
	baseURL    string
	autostart  bool
	server     backend.ServerConfig
	servers    *backend.ServerManager
}

// ErrorResponse is the structured error body returned by the engine.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// NewBackend creates an HTTP backend. servers may be nil when autostart is off.
func NewBackend(cfg Config, servers *backend.ServerManager) *Backend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	server := cfg.Server
	if server.Name == "" {
		server.Name = serverName
	}
	if server.HealthURL == "" {
		server.HealthURL = strings.TrimRight(cfg.BaseURL, "/") + apiHealth
	}

	return &Backend{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		autostart:  cfg.Autostart && servers != nil,
		server:     server,
		servers:    servers,
	}
}

// Provider returns the backend provider.
func (b *Backend) Provider() backend.BackendProvider {
	return backend.BackendProviderRVCHTTP
}

// Inspect reads the metadata embedded in a weights artifact.
func (b *Backend) Inspect(ctx context.Context, weightsPath string) (*backend.Checkpoint, error) {
	var cp backend.Checkpoint
	if err := b.postJSON(ctx, apiInspect, map[string]string{"path": weightsPath}, &cp); err != nil {
		return nil, err
	}

	return &cp, nil
}

// LoadNetwork realises a synthesis network on the engine.
func (b *Backend) LoadNetwork(ctx context.Context, spec *backend.NetworkSpec) (backend.Handle, error) {
	var out handleReply
	if err := b.postJSON(ctx, apiNetworks, spec, &out); err != nil {
		return "", err
	}

	return backend.Handle(out.Handle), nil
}

// LoadFeatureExtractor loads the shared feature extractor on the engine.
func (b *Backend) LoadFeatureExtractor(ctx context.Context, spec *backend.ExtractorSpec) (backend.Handle, error) {
	var out handleReply
	if err := b.postJSON(ctx, apiExtractor, spec, &out); err != nil {
		return "", err
	}

	return backend.Handle(out.Handle), nil
}

// Release frees a network on the engine. A 404 means it is already gone.
func (b *Backend) Release(ctx context.Context, h backend.Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.baseURL+apiNetworks+"/"+url.PathEscape(string(h)), http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to engine at %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}

	return parseErrorResponse(resp)
}

// Infer runs one conversion.
func (b *Backend) Infer(ctx context.Context, req *backend.InferRequest) (*backend.InferResult, error) {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := b.do(ctx, apiInfer, contentTypeMsgpack, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply backend.InferReply
	if err := msgpack.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to decode infer reply: %w", err)
	}

	return reply.Result(), nil
}

// HealthCheck verifies that the engine is running.
func (b *Backend) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for engine at %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// Close stops the engine process if this backend started it.
func (b *Backend) Close() error {
	if b.autostart && b.servers.Running(b.server.Name) {
		return b.servers.StopServer(b.server.Name)
	}

	return nil
}

type handleReply struct {
	Handle string `json:"handle"`
}

// ensureStarted launches the engine when autostart is on and it is not
// healthy yet.
func (b *Backend) ensureStarted(ctx context.Context) error {
	if !b.autostart || b.servers.Running(b.server.Name) {
		return nil
	}

	if err := b.HealthCheck(ctx); err == nil {
		return nil
	}

	slog.Info("Starting conversion engine", "name", b.server.Name, "url", b.baseURL)

	if err := b.servers.StartServer(ctx, b.server); err != nil {
		return fmt.Errorf("%w: %w", backend.ErrWorkerExited, err)
	}

	return nil
}

func (b *Backend) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := b.do(ctx, path, contentTypeJSON, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", path, err)
	}

	return nil
}

// do posts body to path and returns the response when it is 200.
func (b *Backend) do(ctx context.Context, path, contentType string, body []byte) (*http.Response, error) {
	if err := b.ensureStarted(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to engine at %s: %w", b.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseErrorResponse(resp)
	}

	return resp, nil
}

// parseErrorResponse decodes the structured error body, falling back to the
// raw body so the engine's message is preserved.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Detail != "" {
		return &backend.RemoteError{Message: errorResp.Detail}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	return &backend.RemoteError{Message: msg}
}
