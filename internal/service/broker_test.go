package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/rvcbroker/internal/audio"
	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/config"
	"github.com/ekisa-team/rvcbroker/internal/fault"
	"github.com/ekisa-team/rvcbroker/internal/model"
	"github.com/ekisa-team/rvcbroker/internal/progress"
)

func drain(ch <-chan progress.Event) []progress.State {
	var states []progress.State
	for {
		select {
		case ev := <-ch:
			states = append(states, ev.State)
		default:
			return states
		}
	}
}

func TestBroker_Convert(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.hub.Subscribe(32)
	defer cancel()

	res, err := f.broker.Convert(context.Background(), &ConvertRequest{
		InputAudio: f.input,
		ModelName:  "alice",
		OutputName: "take1",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.namer.OutputsDir(), "take1.wav"), res.OutputPath)
	assert.Equal(t, "alice", res.Model)
	assert.Equal(t, "v2+f0", res.Variant)
	assert.Equal(t, 40000, res.SampleRate)
	assert.InDelta(t, 1.0, res.Duration, 0.001)
	assert.True(t, res.IndexUsed)
	assert.NotEmpty(t, res.JobID)

	file, err := os.Open(res.OutputPath)
	require.NoError(t, err)
	defer file.Close()

	clip, err := audio.DecodeWAV(file)
	require.NoError(t, err)
	assert.Equal(t, 40000, clip.SampleRate)
	assert.Len(t, clip.Samples, 40000)

	assert.Equal(t, []progress.State{
		progress.StateReceived,
		progress.StateValidated,
		progress.StateResolving,
		progress.StateLoading,
		progress.StateConverting,
		progress.StatePersisted,
		progress.StateResponded,
	}, drain(events))
}

func TestBroker_ConvertDefaults(t *testing.T) {
	f := newFixture(t)

	_, err := f.broker.Convert(context.Background(), &ConvertRequest{InputAudio: f.input, ModelName: "alice"})
	require.NoError(t, err)

	req := f.engine.Infers()[0]
	assert.Equal(t, string(PitchRMVPE), req.PitchMethod)
	assert.InDelta(t, DefaultIndexRate, req.IndexRate, 0)
	assert.NotEmpty(t, req.IndexPath)

	f.broker.SetDefaults(Defaults{PitchMethod: PitchHarvest, IndexRate: 0.3, Voice: DefaultVoice})

	_, err = f.broker.Convert(context.Background(), &ConvertRequest{InputAudio: f.input, ModelName: "alice", IndexRate: ptr(0.0)})
	require.NoError(t, err)

	req = f.engine.Infers()[1]
	assert.Equal(t, string(PitchHarvest), req.PitchMethod)
	assert.Zero(t, req.IndexRate)
	assert.Empty(t, req.IndexPath)
}

func TestBroker_ConvertValidation(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(f.root, "missing.wav")

	tests := []struct {
		name string
		req  ConvertRequest
		want error
	}{
		{"model checked first", ConvertRequest{InputAudio: missing}, ErrModelRequired},
		{"input required", ConvertRequest{ModelName: "alice"}, ErrInputRequired},
		{"input before method", ConvertRequest{ModelName: "alice", InputAudio: missing, F0Method: "yin"}, ErrInputNotFound},
		{"method before rate", ConvertRequest{ModelName: "alice", InputAudio: f.input, F0Method: "yin", IndexRate: ptr(2.0)}, ErrInvalidPitchMethod},
		{"rate above one", ConvertRequest{ModelName: "alice", InputAudio: f.input, IndexRate: ptr(1.5)}, ErrInvalidIndexRate},
		{"rate below zero", ConvertRequest{ModelName: "alice", InputAudio: f.input, IndexRate: ptr(-0.1)}, ErrInvalidIndexRate},
		{"unknown model", ConvertRequest{ModelName: "carol", InputAudio: f.input}, model.ErrNotFound},
		{"traversal in model name", ConvertRequest{ModelName: "../models/alice", InputAudio: f.input}, model.ErrNotFound},
		{"bad output name", ConvertRequest{ModelName: "alice", InputAudio: f.input, OutputName: ".."}, fault.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.broker.Convert(context.Background(), &tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, f.engine.Loads(), "nothing is loaded for rejected requests")
	assert.Zero(t, f.engine.ExtractorLoads())
}

func TestBroker_ConvertNoWeights(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "models", "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "models", "empty", "G_2333.pth"), []byte("g"), 0o644))

	_, err := f.broker.Convert(context.Background(), &ConvertRequest{InputAudio: f.input, ModelName: "empty"})
	assert.ErrorIs(t, err, model.ErrNoWeights)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestBroker_ConvertFailurePublishesKind(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.hub.Subscribe(32)
	defer cancel()

	f.engine.InferErr = fmt.Errorf("CUDA error: device-side assert triggered")

	_, err := f.broker.Convert(context.Background(), &ConvertRequest{InputAudio: f.input, ModelName: "alice"})
	require.ErrorIs(t, err, fault.ErrInferenceFailed)

	var last progress.Event
	for {
		select {
		case ev := <-events:
			last = ev
			continue
		default:
		}
		break
	}
	assert.Equal(t, progress.StateFailed, last.State)
	assert.Equal(t, string(fault.KindInferenceFailed), last.ErrorKind)
	assert.Contains(t, last.Error, "device-side assert")

	entries, err := os.ReadDir(f.namer.OutputsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBroker_ConvertIgnoresCancellationOnceAccepted(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.broker.Convert(ctx, &ConvertRequest{InputAudio: f.input, ModelName: "bob"})
	require.NoError(t, err)
	assert.FileExists(t, res.OutputPath)
}

func TestBroker_ConcurrentConversionsAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.engine.InferDelay = 5 * time.Millisecond

	const n = 12
	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "alice"
			if i%2 == 1 {
				name = "bob"
			}
			_, errs[i] = f.broker.Convert(context.Background(), &ConvertRequest{
				InputAudio: f.input,
				ModelName:  name,
				OutputName: fmt.Sprintf("out%d", i),
			})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}

	assert.Equal(t, 1, f.engine.MaxInflight())
	assert.Len(t, f.engine.Infers(), n)

	// Every inference ran against a network that was live at that moment;
	// a released handle would have failed the request.
	released := map[backend.Handle]bool{}
	for _, h := range f.engine.Released() {
		released[h] = true
	}
	loads := f.engine.Loads()
	assert.GreaterOrEqual(t, len(loads), 2)
	assert.Len(t, released, len(loads)-1)
}

func TestBroker_ConcurrentGeneratedNamesAreDistinct(t *testing.T) {
	f := newFixture(t)
	f.engine.InferDelay = 20 * time.Millisecond

	const n = 6
	var (
		wg    sync.WaitGroup
		paths = make([]string, n)
		errs  = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "alice"
			if i%2 == 1 {
				name = "bob"
			}
			var res *ConvertResult
			res, errs[i] = f.broker.Convert(context.Background(), &ConvertRequest{
				InputAudio: f.input,
				ModelName:  name,
			})
			if res != nil {
				paths[i] = res.OutputPath
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
		assert.False(t, seen[paths[i]], "path %s returned twice", paths[i])
		seen[paths[i]] = true
		assert.FileExists(t, paths[i])
	}

	entries, err := os.ReadDir(f.namer.OutputsDir())
	require.NoError(t, err)
	assert.Len(t, entries, n, "one file per conversion, no leftover temp files")
}

func TestBroker_LoadModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.broker.LoadModel(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Model)
	assert.Equal(t, "cpu", res.Device)
	assert.Equal(t, "full", res.Precision)

	_, err = f.broker.LoadModel(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, f.engine.Loads(), 1)

	_, err = f.broker.LoadModel(ctx, "")
	assert.ErrorIs(t, err, ErrModelRequired)

	_, err = f.broker.LoadModel(ctx, "carol")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, "bob", f.manager.Resident().Model.Name)
}

func TestBroker_ModelPaths(t *testing.T) {
	f := newFixture(t, WithModelPaths())

	res, err := f.broker.Convert(context.Background(), &ConvertRequest{
		InputAudio: f.input,
		ModelName:  filepath.Join(f.root, "models", "bob", "bob.pth"),
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Model)

	plain := newFixture(t)
	_, err = plain.broker.Convert(context.Background(), &ConvertRequest{
		InputAudio: plain.input,
		ModelName:  filepath.Join(plain.root, "models", "bob"),
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBroker_Synthesize(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.namer.TempDir(), "tts.mp3")
	events, cancel := f.hub.Subscribe(32)
	defer cancel()

	f.synth.On("Synthesize", mock.Anything, mock.MatchedBy(func(req *backend.SynthesisRequest) bool {
		return req.Voice == DefaultVoice && req.Text == "olá mundo"
	})).Return(&backend.Response{OutputPath: out}, nil).Once()

	res, err := f.broker.Synthesize(context.Background(), &SynthesizeRequest{Text: "olá mundo"})
	require.NoError(t, err)
	assert.Equal(t, out, res.OutputPath)
	assert.Equal(t, DefaultVoice, res.Voice)

	assert.Equal(t, []progress.State{
		progress.StateReceived,
		progress.StateValidated,
		progress.StateSynthesizing,
		progress.StatePersisted,
		progress.StateResponded,
	}, drain(events))

	_, err = f.broker.Synthesize(context.Background(), &SynthesizeRequest{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyText)

	assert.Equal(t, []progress.State{
		progress.StateReceived,
		progress.StateFailed,
	}, drain(events))

	f.synth.AssertExpectations(t)
	assert.Empty(t, f.engine.Loads(), "synthesis never touches the model cache")
}

func TestBroker_StatusAndModels(t *testing.T) {
	f := newFixture(t, WithVersion("1.2.3"))

	st := f.broker.Status()
	assert.Equal(t, Name, st.Name)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, "cpu", st.Device)
	assert.True(t, st.EdgeTTS)
	assert.False(t, st.CompressedInput)
	assert.Nil(t, st.Model)
	assert.False(t, st.ExtractorLoaded)

	_, err := f.broker.Convert(context.Background(), &ConvertRequest{InputAudio: f.input, ModelName: "alice"})
	require.NoError(t, err)

	st = f.broker.Status()
	require.NotNil(t, st.Model)
	assert.Equal(t, "alice", st.Model.Name)
	assert.True(t, st.Model.HasIndex)
	assert.True(t, st.ExtractorLoaded)

	models, err := f.broker.Models()
	require.NoError(t, err)
	require.Len(t, models, 2)
}

func TestBroker_Audio(t *testing.T) {
	f := newFixture(t)

	res, err := f.broker.Convert(context.Background(), &ConvertRequest{InputAudio: f.input, ModelName: "bob"})
	require.NoError(t, err)

	path, err := f.broker.Audio(filepath.Base(res.OutputPath))
	require.NoError(t, err)
	assert.Equal(t, res.OutputPath, path)

	_, err = f.broker.Audio("nope.wav")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestDefaultsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Conversion.PitchMethod = "crepe"
	cfg.Conversion.IndexRate = 0.4
	cfg.Synthesis.Voice = "en-US-AriaNeural"

	assert.Equal(t, Defaults{PitchMethod: PitchCrepe, IndexRate: 0.4, Voice: "en-US-AriaNeural"}, DefaultsFromConfig(cfg))

	cfg.Conversion.PitchMethod = "bogus"
	cfg.Synthesis.Voice = ""
	d := DefaultsFromConfig(cfg)
	assert.Equal(t, PitchRMVPE, d.PitchMethod)
	assert.Equal(t, DefaultVoice, d.Voice)
}
