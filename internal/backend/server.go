package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ServerManager manages server processes.
type ServerManager struct {
	servers map[string]*ServerProcess
	mu      sync.RWMutex
}

// ServerProcess represents a server running process.
type ServerProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// ServerConfig defines how to start and check a backend server.
type ServerConfig struct {
	Env          map[string]string
	Name         string
	BinPath      string
	Dir          string
	HealthURL    string
	Args         []string
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// NewServerManager initializes a ServerManager.
func NewServerManager() *ServerManager {
	return &ServerManager{
		servers: map[string]*ServerProcess{},
	}
}

// StartServer starts a backend server and blocks until its health URL
// answers 200 or the ready timeout elapses.
func (sm *ServerManager) StartServer(ctx context.Context, cfg ServerConfig) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.servers[cfg.Name]; exists {
		return nil // Already running
	}

	binPath, err := LookupBinary(cfg.BinPath)
	if err != nil {
		return fmt.Errorf("manager: failed to start %s server: %w", cfg.Name, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binPath, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	// Apply environment variables if provided
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("manager: failed to start %s server: %w", cfg.Name, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timeout := cfg.ReadyTimeout
	if timeout == 0 {
		timeout = 180 * time.Second
	}

	interval := cfg.PollInterval
	if interval == 0 {
		interval = 2 * time.Second
	}

	slog.Info("Waiting for server", "name", cfg.Name, "health", cfg.HealthURL, "timeout", timeout)

	if err := waitForServer(ctx, cfg.HealthURL, timeout, interval, exited); err != nil {
		cancel()
		return fmt.Errorf("manager: %s server did not become ready: %w", cfg.Name, err)
	}

	sm.servers[cfg.Name] = &ServerProcess{
		cmd:    cmd,
		cancel: cancel,
	}

	slog.Info("Server started", "name", cfg.Name, "pid", cmd.Process.Pid)
	return nil
}

// Running reports whether the named server was started by this manager.
func (sm *ServerManager) Running(name string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	_, ok := sm.servers[name]
	return ok
}

// StopServer terminates a backend server.
func (sm *ServerManager) StopServer(name string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	srv, exists := sm.servers[name]
	if !exists {
		return fmt.Errorf("server %s not found", name)
	}

	srv.cancel()
	delete(sm.servers, name)

	slog.Info("Server stopped", "name", name)
	return nil
}

// StopAll terminates all running servers.
func (sm *ServerManager) StopAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, srv := range sm.servers {
		srv.cancel()
	}
	sm.servers = map[string]*ServerProcess{}

	slog.Info("All servers stopped")
}

// waitForServer polls url until it answers 200, the process exits or the
// timeout elapses.
func waitForServer(ctx context.Context, url string, timeout, interval time.Duration, exited <-chan error) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("manager: server failed to respond at %s within %v", url, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-exited:
			return fmt.Errorf("manager: server exited before becoming ready: %v", err)
		case <-ticker.C:
		}
	}
}
