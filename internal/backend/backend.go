package backend

import (
	"context"
	"time"
)

// BackendProvider is a string identifier for a backend provider.
type BackendProvider string

const (
	BackendProviderRVCWorker BackendProvider = "worker"
	BackendProviderRVCHTTP   BackendProvider = "http"
	BackendProviderEdgeTTS   BackendProvider = "edge-tts"
)

// Handle is an opaque reference to an object held by an engine
// (a loaded network or feature extractor).
type Handle string

// Engine is a voice conversion engine. It owns the numerical work; callers
// decide what is loaded and when.
type Engine interface {
	// Provider returns the backend identifier.
	Provider() BackendProvider

	// Inspect reads the metadata embedded in a weights artifact.
	Inspect(ctx context.Context, weightsPath string) (*Checkpoint, error)

	// LoadNetwork realises a synthesis network from a weights artifact.
	LoadNetwork(ctx context.Context, spec *NetworkSpec) (Handle, error)

	// LoadFeatureExtractor loads the shared content feature extractor.
	LoadFeatureExtractor(ctx context.Context, spec *ExtractorSpec) (Handle, error)

	// Release frees the engine resources behind h. Unknown handles are ignored.
	Release(ctx context.Context, h Handle) error

	// Infer runs one conversion against a loaded network.
	Infer(ctx context.Context, req *InferRequest) (*InferResult, error)

	// Close cleans up resources.
	Close() error
}

// Synthesizer is a text-to-speech backend writing one audio file per call.
type Synthesizer interface {
	// Provider returns the backend identifier.
	Provider() BackendProvider

	// Synthesize renders req.Text to req.OutputPath.
	Synthesize(ctx context.Context, req *SynthesisRequest) (*Response, error)

	// Close cleans up resources.
	Close() error
}

// SynthesisRequest encapsulates all parameters for a synthesis call.
type SynthesisRequest struct {
	Text        string
	Voice       string
	RatePercent int
	PitchHz     int
	OutputPath  string
}

// Response contains the result of a synthesis operation.
type Response struct {
	// OutputPath is the file the audio was written to.
	OutputPath string

	// Metadata contains backend-specific information.
	Metadata *ResponseMetadata
}

// ResponseMetadata contains metadata about the response.
type ResponseMetadata struct {
	Provider        BackendProvider `json:"provider"`
	Model           string          `json:"model"`
	Timestamp       time.Time       `json:"timestamp"`
	OutputBytes     int64           `json:"output_bytes"`
	BackendSpecific map[string]any  `json:"backend_specific"`
}
