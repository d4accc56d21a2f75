package config

import (
	"time"
)

// EngineProvider selects the voice conversion engine implementation.
type EngineProvider string

const (
	// EngineProviderWorker runs a long-lived inference worker process over stdio.
	EngineProviderWorker EngineProvider = "worker"

	// EngineProviderHTTP talks to an HTTP conversion backend.
	EngineProviderHTTP EngineProvider = "http"
)

// Config holds the main configuration for the application.
type Config struct {
	Version    string           `json:"version"              yaml:"version"`
	Storage    StorageConfig    `json:"storage,omitempty"    yaml:"storage,omitempty"`
	Server     ServerConfig     `json:"server,omitempty"     yaml:"server,omitempty"`
	Engine     EngineConfig     `json:"engine,omitempty"     yaml:"engine,omitempty"`
	Device     DeviceConfig     `json:"device,omitempty"     yaml:"device,omitempty"`
	Conversion ConversionConfig `json:"conversion,omitempty" yaml:"conversion,omitempty"`
	Synthesis  SynthesisConfig  `json:"synthesis,omitempty"  yaml:"synthesis,omitempty"`
	Decoder    DecoderConfig    `json:"decoder,omitempty"    yaml:"decoder,omitempty"`
	NATS       NATSConfig       `json:"nats,omitempty"       yaml:"nats,omitempty"`
}

// StorageConfig holds the on-disk layout.
type StorageConfig struct {
	ModelsDir        string `json:"models_dir,omitempty"        yaml:"models_dir,omitempty"`
	OutputsDir       string `json:"outputs_dir,omitempty"       yaml:"outputs_dir,omitempty"`
	TempDir          string `json:"temp_dir,omitempty"          yaml:"temp_dir,omitempty"`
	FeatureExtractor string `json:"feature_extractor,omitempty" yaml:"feature_extractor,omitempty"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host     string `json:"host,omitempty"      yaml:"host,omitempty"`
	HTTPPort int    `json:"http_port,omitempty" yaml:"http_port,omitempty"`
	GRPCPort int    `json:"grpc_port,omitempty" yaml:"grpc_port,omitempty"`
}

// EngineConfig configures the voice conversion engine.
type EngineConfig struct {
	Provider       EngineProvider `json:"provider,omitempty"        yaml:"provider,omitempty"`
	Python         string         `json:"python,omitempty"          yaml:"python,omitempty"`
	Script         string         `json:"script,omitempty"          yaml:"script,omitempty"`
	Workdir        string         `json:"workdir,omitempty"         yaml:"workdir,omitempty"`
	URL            string         `json:"url,omitempty"             yaml:"url,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Autostart      bool           `json:"autostart,omitempty"       yaml:"autostart,omitempty"`
	Args           []string       `json:"args,omitempty"            yaml:"args,omitempty"`
}

// Timeout returns the HTTP client timeout of the conversion backend.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// DeviceConfig selects the compute device.
type DeviceConfig struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ConversionConfig holds conversion defaults.
type ConversionConfig struct {
	PitchMethod  string  `json:"pitch_method,omitempty"   yaml:"pitch_method,omitempty"`
	IndexRate    float64 `json:"index_rate,omitempty"     yaml:"index_rate,omitempty"`
	MaxWeightsMB int     `json:"max_weights_mb,omitempty" yaml:"max_weights_mb,omitempty"`
}

// MaxWeightsBytes returns the weights size threshold in bytes.
func (c ConversionConfig) MaxWeightsBytes() int64 {
	return int64(c.MaxWeightsMB) << 20
}

// SynthesisConfig configures the speech synthesizer.
type SynthesisConfig struct {
	Binary         string `json:"binary,omitempty"          yaml:"binary,omitempty"`
	Voice          string `json:"voice,omitempty"           yaml:"voice,omitempty"`
	Format         string `json:"format,omitempty"          yaml:"format,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Timeout returns the synthesis timeout. Zero means no deadline.
func (s SynthesisConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DecoderConfig configures decoding of compressed input audio.
type DecoderConfig struct {
	FFmpeg string `json:"ffmpeg,omitempty" yaml:"ffmpeg,omitempty"`
}

// NATSConfig configures the optional NATS request/reply transport.
// An empty URL disables it.
type NATSConfig struct {
	URL           string `json:"url,omitempty"            yaml:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
	Queue         string `json:"queue,omitempty"          yaml:"queue,omitempty"`
}

// Enabled reports whether the NATS transport is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}
