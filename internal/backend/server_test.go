package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForServer_EventuallyReady(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := waitForServer(context.Background(), srv.URL+"/health", 5*time.Second, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestWaitForServer_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := waitForServer(context.Background(), srv.URL, 50*time.Millisecond, 10*time.Millisecond, nil)
	assert.Error(t, err)
}

func TestWaitForServer_ProcessExited(t *testing.T) {
	exited := make(chan error, 1)
	exited <- nil

	err := waitForServer(context.Background(), "http://127.0.0.1:1/health", time.Minute, time.Hour, exited)
	assert.ErrorContains(t, err, "exited before becoming ready")
}

func TestServerManager_StartAndStop(t *testing.T) {
	if _, err := LookupBinary("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	sm := NewServerManager()
	err := sm.StartServer(context.Background(), ServerConfig{
		Name:         "rvc-api",
		BinPath:      "sleep",
		Args:         []string{"30"},
		HealthURL:    health.URL + "/health",
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, sm.Running("rvc-api"))

	require.NoError(t, sm.StopServer("rvc-api"))
	assert.False(t, sm.Running("rvc-api"))
	assert.Error(t, sm.StopServer("rvc-api"))
}

func TestServerManager_MissingBinary(t *testing.T) {
	sm := NewServerManager()
	err := sm.StartServer(context.Background(), ServerConfig{
		Name:    "rvc-api",
		BinPath: "definitely-not-a-real-binary-rvcbroker",
	})
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}
