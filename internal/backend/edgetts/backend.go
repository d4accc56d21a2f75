package edgetts

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ekisa-team/rvcbroker/internal/backend"
)

var _ backend.Synthesizer = (*Backend)(nil)

// Backend implements backend.Synthesizer on the edge-tts CLI.
type Backend struct {
	executor *backend.Executor
}

// NewBackend creates a new edge-tts backend. The binary must resolve on PATH
// or as a path; timeout <= 0 means no deadline.
func NewBackend(binPath string, timeout time.Duration) (*Backend, error) {
	executor, err := backend.NewExecutor(binPath, timeout)
	if err != nil {
		return nil, err
	}

	return &Backend{
		executor: executor,
	}, nil
}

// NewBackendWithExecutor creates a backend around an existing executor.
func NewBackendWithExecutor(executor *backend.Executor) *Backend {
	return &Backend{executor: executor}
}

// Provider returns the backend provider.
func (b *Backend) Provider() backend.BackendProvider {
	return backend.BackendProviderEdgeTTS
}

// Synthesize renders text to req.OutputPath.
func (b *Backend) Synthesize(ctx context.Context, req *backend.SynthesisRequest) (*backend.Response, error) {
	args := b.buildArgs(req)

	stdout, stderr, err := b.executor.Execute(ctx, args, nil)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w: %s", err, strings.TrimSpace(string(stderr)))
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("output file not created: %w", err)
	}

	if info.Size() == 0 {
		os.Remove(req.OutputPath)
		return nil, fmt.Errorf("output file is empty: %s", req.OutputPath)
	}

	return &backend.Response{
		OutputPath: req.OutputPath,
		Metadata: &backend.ResponseMetadata{
			Provider:    b.Provider(),
			Model:       req.Voice,
			Timestamp:   time.Now(),
			OutputBytes: info.Size(),
			BackendSpecific: map[string]any{
				"stdout": string(stdout),
				"stderr": string(stderr),
				"args":   args,
			},
		},
	}, nil
}

// buildArgs builds edge-tts command-line arguments. Caller-supplied values are
// joined with "=" so a leading minus is not parsed as a flag.
func (b *Backend) buildArgs(req *backend.SynthesisRequest) []string {
	return []string{
		"--text=" + req.Text,
		"--voice=" + req.Voice,
		fmt.Sprintf("--rate=%+d%%", req.RatePercent),
		fmt.Sprintf("--pitch=%+dHz", req.PitchHz),
		"--write-media", req.OutputPath,
	}
}

// Close cleans up resources. edge-tts does not have any resources to clean up.
func (b *Backend) Close() error {
	return nil
}
