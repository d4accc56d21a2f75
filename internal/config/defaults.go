package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultHTTPPort = 8765
	defaultGRPCPort = 8766
)

// DefaultHTTPPort returns the default HTTP port.
func DefaultHTTPPort() int {
	return defaultHTTPPort
}

// DefaultGRPCPort returns the default gRPC health port.
func DefaultGRPCPort() int {
	return defaultGRPCPort
}

// DefaultConfigPath returns the default path for RVCBROKER config directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "rvcbroker", "config")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "rvcbroker")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "rvcbroker")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "rvcbroker")
		}
		return filepath.Join(home, ".config", "rvcbroker")
	}
}

// DefaultDataPath returns the default path for RVCBROKER data (models, outputs).
func DefaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "rvcbroker")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", "rvcbroker")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "rvcbroker", "data")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "rvcbroker")
		}
		return filepath.Join(home, ".local", "share", "rvcbroker")
	}
}

// DefaultModelsPath returns the default path for RVCBROKER voice models.
func DefaultModelsPath() string {
	return filepath.Join(DefaultDataPath(), "models")
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	data := DefaultDataPath()
	workdir := filepath.Join(data, "engine")

	return &Config{
		Version: "1",
		Storage: StorageConfig{
			ModelsDir:        DefaultModelsPath(),
			OutputsDir:       filepath.Join(data, "outputs"),
			TempDir:          filepath.Join(os.TempDir(), "rvcbroker"),
			FeatureExtractor: filepath.Join(workdir, "hubert_base.pt"),
		},
		Server: ServerConfig{
			Host:     "127.0.0.1",
			HTTPPort: defaultHTTPPort,
			GRPCPort: defaultGRPCPort,
		},
		Engine: EngineConfig{
			Provider:       EngineProviderWorker,
			Python:         "python3",
			Script:         filepath.Join(workdir, "rvc_worker.py"),
			Workdir:        workdir,
			URL:            "http://127.0.0.1:9880",
			TimeoutSeconds: 300,
		},
		Device: DeviceConfig{
			Mode: "auto",
		},
		Conversion: ConversionConfig{
			PitchMethod:  "rmvpe",
			IndexRate:    0.75,
			MaxWeightsMB: 200,
		},
		Synthesis: SynthesisConfig{
			Binary: "edge-tts",
			Voice:  "pt-BR-FranciscaNeural",
			Format: "mp3",
		},
		Decoder: DecoderConfig{
			FFmpeg: "ffmpeg",
		},
		NATS: NATSConfig{
			SubjectPrefix: "rvcbroker",
			Queue:         "rvcbroker",
		},
	}
}
