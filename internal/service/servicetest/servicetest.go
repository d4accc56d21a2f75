// Package servicetest builds a broker over a temporary model tree and the
// in-memory engine, for transport tests.
package servicetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/rvcbroker/internal/audio"
	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/backend/backendtest"
	"github.com/ekisa-team/rvcbroker/internal/device"
	"github.com/ekisa-team/rvcbroker/internal/model"
	"github.com/ekisa-team/rvcbroker/internal/observability"
	"github.com/ekisa-team/rvcbroker/internal/output"
	"github.com/ekisa-team/rvcbroker/internal/progress"
	"github.com/ekisa-team/rvcbroker/internal/service"
)

// MockSynthesizer is a mock implementation of backend.Synthesizer. The first
// return value may be a func(context.Context, *backend.SynthesisRequest)
// *backend.Response to build the response from the request.
type MockSynthesizer struct {
	mock.Mock
}

func (m *MockSynthesizer) Provider() backend.BackendProvider {
	return backend.BackendProviderEdgeTTS
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, req *backend.SynthesisRequest) (*backend.Response, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, *backend.SynthesisRequest) *backend.Response); ok {
		return fn(ctx, req), args.Error(1)
	}
	resp, _ := args.Get(0).(*backend.Response)
	return resp, args.Error(1)
}

func (m *MockSynthesizer) Close() error {
	return nil
}

// WriteFile is a response builder that writes a small file at the requested
// output path.
func WriteFile(_ context.Context, req *backend.SynthesisRequest) *backend.Response {
	_ = os.WriteFile(req.OutputPath, []byte("ID3"), 0o644)
	return &backend.Response{OutputPath: req.OutputPath}
}

// Env is a broker with its collaborators exposed.
type Env struct {
	Root    string
	Input   string
	Engine  *backendtest.Engine
	Namer   *output.Namer
	Hub     *progress.Hub
	Metrics *observability.Metrics
	Broker  *service.Broker
}

// New builds an Env with two models, "alice" (with an index) and "bob", and
// a one second silent input. synth may be nil to simulate a missing speech
// engine.
func New(t *testing.T, synth backend.Synthesizer) *Env {
	t.Helper()

	root := t.TempDir()
	models := filepath.Join(root, "models")
	for _, name := range []string{"alice", "bob"} {
		require.NoError(t, os.MkdirAll(filepath.Join(models, name), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(models, name, name+".pth"), []byte("weights"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(models, "alice", "alice.index"), []byte("index"), 0o644))

	extractor := filepath.Join(root, "hubert_base.pt")
	require.NoError(t, os.WriteFile(extractor, []byte("pt"), 0o644))

	input := filepath.Join(root, "input.wav")
	require.NoError(t, audio.WriteWAVFile(input, make([]float32, audio.AnalysisRate), audio.AnalysisRate))

	namer := output.NewNamer(filepath.Join(root, "outputs"), filepath.Join(root, "temp"))
	require.NoError(t, namer.Bootstrap())

	engine := backendtest.NewEngine()
	metrics := observability.NewMetrics("rvcbroker")
	hub := progress.NewHub()
	t.Cleanup(hub.Close)

	broker := service.NewBroker(
		model.NewCatalog(models, model.DefaultMaxWeightsBytes),
		model.NewManager(engine, device.CPU(), extractor, model.WithObserver(metrics)),
		service.NewConverter(engine, audio.NewLoaderWithRunner("", nil)),
		service.NewSynthesizer(synth, namer, "mp3"),
		namer,
		service.WithHub(hub),
		service.WithRecorder(metrics),
	)

	return &Env{
		Root:    root,
		Input:   input,
		Engine:  engine,
		Namer:   namer,
		Hub:     hub,
		Metrics: metrics,
		Broker:  broker,
	}
}
