package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/rvcbroker/internal/envvar"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoadAndValidate_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
version: "1"
storage:
  models_dir: /srv/voices
engine:
  provider: http
  url: http://127.0.0.1:9999
conversion:
  index_rate: 0.5
`)

	cfg, err := LoadAndValidate(path, "")
	require.NoError(t, err)

	assert.Equal(t, "/srv/voices", cfg.Storage.ModelsDir)
	assert.Equal(t, EngineProviderHTTP, cfg.Engine.Provider)
	assert.Equal(t, "http://127.0.0.1:9999", cfg.Engine.URL)
	assert.InDelta(t, 0.5, cfg.Conversion.IndexRate, 1e-9)

	// untouched sections keep defaults
	assert.Equal(t, "rmvpe", cfg.Conversion.PitchMethod)
	assert.Equal(t, DefaultHTTPPort(), cfg.Server.HTTPPort)
	assert.Equal(t, "pt-BR-FranciscaNeural", cfg.Synthesis.Voice)
	assert.Equal(t, int64(200<<20), cfg.Conversion.MaxWeightsBytes())
	assert.Equal(t, 300*time.Second, cfg.Engine.Timeout())
}

func TestLoadAndValidate_RejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown provider":    "version: \"1\"\nengine:\n  provider: grpc\n",
		"index rate too high": "version: \"1\"\nconversion:\n  index_rate: 1.5\n",
		"unknown method":      "version: \"1\"\nconversion:\n  pitch_method: dio\n",
		"unknown key":         "version: \"1\"\nmodels: {}\n",
		"missing version":     "storage:\n  models_dir: /x\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), body)

			_, err := LoadAndValidate(path, "")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, Default().Conversion, cfg.Conversion)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(envvar.RvcbrokerModelsPath, "/data/models")
	t.Setenv(envvar.RvcbrokerDevice, "CPU")
	t.Setenv(envvar.RvcbrokerServerHTTPPort, "9000")
	t.Setenv(envvar.RvcbrokerServerGRPCPort, "0")

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg))

	assert.Equal(t, "/data/models", cfg.Storage.ModelsDir)
	assert.Equal(t, "cpu", cfg.Device.Mode)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 0, cfg.Server.GRPCPort)
}

func TestApplyEnv_InvalidPort(t *testing.T) {
	t.Setenv(envvar.RvcbrokerServerHTTPPort, "http")

	assert.Error(t, ApplyEnv(Default()))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "version: \"1\"\nsynthesis:\n  voice: en-US-AriaNeural\n")

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, "", func(cfg *Config, err error) {
		if err != nil {
			return
		}
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, "en-US-AriaNeural", w.Snapshot().Synthesis.Voice)

	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nsynthesis:\n  voice: pt-BR-AntonioNeural\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "pt-BR-AntonioNeural", cfg.Synthesis.Voice)
		assert.Equal(t, "pt-BR-AntonioNeural", w.Snapshot().Synthesis.Voice)
		assert.GreaterOrEqual(t, w.ReloadCount(), uint32(1))
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "version: \"1\"\n")

	w, err := NewWatcher(path, "", nil)
	require.NoError(t, err)

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
