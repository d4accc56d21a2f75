package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/rvcbroker/internal/audio"
	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/backend/backendtest"
	"github.com/ekisa-team/rvcbroker/internal/device"
	"github.com/ekisa-team/rvcbroker/internal/model"
	"github.com/ekisa-team/rvcbroker/internal/output"
	"github.com/ekisa-team/rvcbroker/internal/progress"
)

// MockSynthesizer is a mock implementation of backend.Synthesizer.
type MockSynthesizer struct {
	mock.Mock
}

func (m *MockSynthesizer) Provider() backend.BackendProvider {
	return backend.BackendProviderEdgeTTS
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, req *backend.SynthesisRequest) (*backend.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*backend.Response)
	return resp, args.Error(1)
}

func (m *MockSynthesizer) Close() error {
	return nil
}

type fixture struct {
	root    string
	input   string
	engine  *backendtest.Engine
	manager *model.Manager
	namer   *output.Namer
	synth   *MockSynthesizer
	hub     *progress.Hub
	broker  *Broker
}

func writeModel(t *testing.T, root, name string, withIndex bool) {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".pth"), []byte("weights"), 0o644))
	if withIndex {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "added_"+name+".index"), []byte("index"), 0o644))
	}
}

// writeInput writes a silent mono WAV of the given duration.
func writeInput(t *testing.T, path string, seconds float64, rate int) string {
	t.Helper()

	require.NoError(t, audio.WriteWAVFile(path, make([]float32, int(seconds*float64(rate))), rate))

	return path
}

// fixtureClock pins generated names to one second so they collide.
func fixtureClock() time.Time {
	return time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
}

func newFixture(t *testing.T, opts ...BrokerOption) *fixture {
	t.Helper()

	root := t.TempDir()
	models := filepath.Join(root, "models")
	writeModel(t, models, "alice", true)
	writeModel(t, models, "bob", false)

	extractor := filepath.Join(root, "hubert_base.pt")
	require.NoError(t, os.WriteFile(extractor, []byte("pt"), 0o644))

	f := &fixture{
		root:   root,
		input:  writeInput(t, filepath.Join(root, "input.wav"), 1, audio.AnalysisRate),
		engine: backendtest.NewEngine(),
		namer:  output.NewNamer(filepath.Join(root, "outputs"), filepath.Join(root, "temp"), output.WithClock(fixtureClock)),
		synth:  new(MockSynthesizer),
		hub:    progress.NewHub(),
	}
	require.NoError(t, f.namer.Bootstrap())

	f.manager = model.NewManager(f.engine, device.CPU(), extractor)
	f.broker = NewBroker(
		model.NewCatalog(models, model.DefaultMaxWeightsBytes),
		f.manager,
		NewConverter(f.engine, audio.NewLoaderWithRunner("", nil)),
		NewSynthesizer(f.synth, f.namer, "mp3"),
		f.namer,
		append([]BrokerOption{WithHub(f.hub)}, opts...)...,
	)

	return f
}

func ptr[T any](v T) *T {
	return &v
}

func writeBytes(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
