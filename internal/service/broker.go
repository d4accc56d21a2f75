package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ekisa-team/rvcbroker/internal/audio"
	"github.com/ekisa-team/rvcbroker/internal/config"
	"github.com/ekisa-team/rvcbroker/internal/fault"
	"github.com/ekisa-team/rvcbroker/internal/model"
	"github.com/ekisa-team/rvcbroker/internal/observability"
	"github.com/ekisa-team/rvcbroker/internal/output"
	"github.com/ekisa-team/rvcbroker/internal/progress"
	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

const (
	// Name is reported by the status probe.
	Name = "rvcbroker"

	DefaultIndexRate = 0.75
	DefaultVoice     = "pt-BR-FranciscaNeural"
)

// Defaults are the request defaults that follow config reloads.
type Defaults struct {
	PitchMethod PitchMethod
	IndexRate   float64
	Voice       string
}

// DefaultsFromConfig extracts the request defaults from cfg.
func DefaultsFromConfig(cfg *config.Config) Defaults {
	d := Defaults{
		PitchMethod: PitchRMVPE,
		IndexRate:   DefaultIndexRate,
		Voice:       DefaultVoice,
	}

	if m, err := ParsePitchMethod(cfg.Conversion.PitchMethod); err == nil {
		d.PitchMethod = m
	}
	if r := cfg.Conversion.IndexRate; r > 0 && r <= 1 {
		d.IndexRate = r
	}
	if v := strings.TrimSpace(cfg.Synthesis.Voice); v != "" {
		d.Voice = v
	}

	return d
}

// ConvertRequest asks for a conversion. Zero values take the defaults; a nil
// IndexRate means the default rate while an explicit 0 disables the index.
type ConvertRequest struct {
	InputAudio string
	ModelName  string
	Pitch      int
	F0Method   string
	IndexRate  *float64
	OutputName string
}

// ConvertResult describes a persisted conversion.
type ConvertResult struct {
	JobID      string         `json:"job_id"`
	OutputPath string         `json:"output_path"`
	Model      string         `json:"model"`
	Variant    string         `json:"variant"`
	SampleRate int            `json:"sample_rate"`
	Duration   float64        `json:"duration"`
	IndexUsed  bool           `json:"index_used"`
	Timings    TimingsSeconds `json:"timings"`
}

// TimingsSeconds is the per-stage breakdown in seconds.
type TimingsSeconds struct {
	FeatureExtraction float64 `json:"feature_extraction"`
	PitchExtraction   float64 `json:"pitch_extraction"`
	Inference         float64 `json:"inference"`
}

// LoadResult describes the resident model after an explicit load.
type LoadResult struct {
	Model      string `json:"model"`
	Variant    string `json:"variant"`
	SampleRate int    `json:"sample_rate"`
	Device     string `json:"device"`
	Precision  string `json:"precision"`
}

// SynthesizeRequest asks for speech. An empty voice takes the default.
type SynthesizeRequest struct {
	Text  string
	Voice string
	Rate  int
	Pitch int
}

// SynthesizeResult describes produced speech.
type SynthesizeResult struct {
	JobID      string `json:"job_id"`
	OutputPath string `json:"output_path"`
	Voice      string `json:"voice"`
}

// ResidentStatus describes the resident model.
type ResidentStatus struct {
	Name       string    `json:"name"`
	Variant    string    `json:"variant"`
	SampleRate int       `json:"sample_rate"`
	HasIndex   bool      `json:"has_index"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Status is the liveness and capabilities report.
type Status struct {
	Name             string          `json:"name"`
	Version          string          `json:"version"`
	Status           string          `json:"status"`
	Engine           string          `json:"engine"`
	Device           string          `json:"device"`
	Precision        string          `json:"precision"`
	EdgeTTS          bool            `json:"edge_tts"`
	CompressedInput  bool            `json:"compressed_input"`
	ModelsDir        string          `json:"models_dir"`
	OutputsDir       string          `json:"outputs_dir"`
	TempDir          string          `json:"temp_dir"`
	Model            *ResidentStatus `json:"model,omitempty"`
	ExtractorLoaded  bool            `json:"extractor_loaded"`
	ProgressWatchers int             `json:"progress_watchers"`
}

// Recorder receives request outcomes.
type Recorder interface {
	ObserveConversion(err error)
	ObserveSynthesis(err error)
	ObserveStage(stage string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveConversion(error)            {}
func (nopRecorder) ObserveSynthesis(error)             {}
func (nopRecorder) ObserveStage(string, time.Duration) {}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithHub publishes request state transitions on hub.
func WithHub(hub *progress.Hub) BrokerOption {
	return func(b *Broker) { b.hub = hub }
}

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) BrokerOption {
	return func(b *Broker) { b.recorder = r }
}

// WithVersion sets the version reported by Status.
func WithVersion(v string) BrokerOption {
	return func(b *Broker) { b.version = v }
}

// WithDefaults sets the initial request defaults.
func WithDefaults(d Defaults) BrokerOption {
	return func(b *Broker) { b.defaults.Store(&d) }
}

// WithModelPaths lets requests name a model by directory or weights path in
// addition to its catalog name.
func WithModelPaths() BrokerOption {
	return func(b *Broker) { b.modelPaths = true }
}

// Broker sequences requests: validation, model resolution, cache
// resolution, engine invocation and persistence.
type Broker struct {
	catalog     *model.Catalog
	manager     *model.Manager
	converter   *Converter
	synthesizer *Synthesizer
	namer       *output.Namer

	hub        *progress.Hub
	recorder   Recorder
	version    string
	modelPaths bool
	defaults   atomic.Pointer[Defaults]
}

// NewBroker creates a broker.
func NewBroker(
	catalog *model.Catalog,
	manager *model.Manager,
	converter *Converter,
	synthesizer *Synthesizer,
	namer *output.Namer,
	opts ...BrokerOption,
) *Broker {
	b := &Broker{
		catalog:     catalog,
		manager:     manager,
		converter:   converter,
		synthesizer: synthesizer,
		namer:       namer,
		recorder:    nopRecorder{},
		version:     "dev",
	}
	b.defaults.Store(&Defaults{PitchMethod: PitchRMVPE, IndexRate: DefaultIndexRate, Voice: DefaultVoice})

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Defaults returns the current request defaults.
func (b *Broker) Defaults() Defaults {
	return *b.defaults.Load()
}

// SetDefaults replaces the request defaults.
func (b *Broker) SetDefaults(d Defaults) {
	b.defaults.Store(&d)
	slog.Info("Request defaults updated", "pitch_method", d.PitchMethod, "index_rate", d.IndexRate, "voice", d.Voice)
}

// Models lists the catalog.
func (b *Broker) Models() ([]*model.VoiceModel, error) {
	return b.catalog.List()
}

// Audio locates a produced file by name.
func (b *Broker) Audio(filename string) (string, error) {
	return b.namer.Find(filename)
}

// Status reports liveness and capabilities. It never waits for a running
// conversion.
func (b *Broker) Status() *Status {
	dev := b.manager.Device()

	st := &Status{
		Name:            Name,
		Version:         b.version,
		Status:          "running",
		Engine:          string(b.manager.Engine().Provider()),
		Device:          dev.String(),
		Precision:       string(dev.Precision()),
		EdgeTTS:         b.synthesizer.Available(),
		CompressedInput: b.converter.CanDecodeCompressed(),
		ModelsDir:       b.catalog.Root(),
		OutputsDir:      b.namer.OutputsDir(),
		TempDir:         b.namer.TempDir(),
		ExtractorLoaded: b.manager.ExtractorLoaded(),
	}

	if loaded := b.manager.Resident(); loaded != nil {
		st.Model = &ResidentStatus{
			Name:       loaded.Model.Name,
			Variant:    loaded.Variant.String(),
			SampleRate: loaded.SampleRate,
			HasIndex:   loaded.Model.HasIndex(),
			LoadedAt:   loaded.LoadedAt,
		}
	}
	if b.hub != nil {
		st.ProgressWatchers = b.hub.Subscribers()
	}

	return st
}

// LoadModel makes the named model resident.
func (b *Broker) LoadModel(ctx context.Context, name string) (*LoadResult, error) {
	j := b.startJob(ctx, progress.KindLoad, name)

	res, err := b.loadModel(ctx, j, name)
	if err != nil {
		j.fail(err)
		return nil, err
	}

	j.step(progress.StateResponded)

	return res, nil
}

func (b *Broker) loadModel(ctx context.Context, j *job, name string) (*LoadResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrModelRequired
	}
	j.step(progress.StateValidated)

	j.step(progress.StateResolving)
	vm, err := b.resolve(name)
	if err != nil {
		return nil, err
	}

	j.step(progress.StateLoading)
	loaded, err := b.manager.EnsureLoaded(context.WithoutCancel(ctx), vm)
	if err != nil {
		return nil, err
	}

	return &LoadResult{
		Model:      loaded.Model.Name,
		Variant:    loaded.Variant.String(),
		SampleRate: loaded.SampleRate,
		Device:     loaded.Device.String(),
		Precision:  string(loaded.Precision),
	}, nil
}

// Convert runs a conversion and persists the result. Once the request has
// been validated and resolved it is no longer affected by ctx cancellation.
func (b *Broker) Convert(ctx context.Context, req *ConvertRequest) (*ConvertResult, error) {
	j := b.startJob(ctx, progress.KindConvert, req.ModelName)

	res, err := b.convert(ctx, j, req)
	b.recorder.ObserveConversion(err)
	if err != nil {
		j.fail(err)
		slog.Error("Conversion failed", "job", j.id, "model", req.ModelName, "kind", fault.KindOf(err), "error", err)
		return nil, err
	}

	j.output = res.OutputPath
	j.step(progress.StateResponded)

	return res, nil
}

func (b *Broker) convert(ctx context.Context, j *job, req *ConvertRequest) (*ConvertResult, error) {
	params, err := b.validateConvert(req)
	if err != nil {
		return nil, err
	}
	j.step(progress.StateValidated)

	j.step(progress.StateResolving)
	vm, err := b.resolve(req.ModelName)
	if err != nil {
		return nil, err
	}

	// Rejects bad explicit names before any load.
	if _, err := b.namer.ConversionPath(req.OutputName); err != nil {
		return nil, err
	}

	var (
		conv   *Conversion
		result = &ConvertResult{JobID: j.id, Model: vm.Name}
	)

	ctx = context.WithoutCancel(ctx)
	j.step(progress.StateLoading)

	err = b.manager.Do(ctx, vm, func(loaded *model.LoadedModel, extractor *model.Extractor) error {
		j.step(progress.StateConverting)

		var err error
		conv, err = b.converter.Convert(ctx, params, loaded, extractor)
		if err != nil {
			return err
		}

		result.Variant = loaded.Variant.String()
		result.IndexUsed = params.IndexRate > 0 && vm.HasIndex()

		return nil
	})
	if err != nil {
		return nil, err
	}

	b.recorder.ObserveStage(observability.StageDecode, conv.Decode)
	b.recorder.ObserveStage(observability.StageFeatureExtraction, conv.Timings.FeatureExtraction)
	b.recorder.ObserveStage(observability.StagePitchExtraction, conv.Timings.PitchExtraction)
	b.recorder.ObserveStage(observability.StageInference, conv.Timings.Inference)

	start := time.Now()
	outputPath, err := b.namer.PersistConversion(req.OutputName, func(f *os.File) error {
		return audio.WriteWAVTo(f, conv.Samples, conv.SampleRate)
	})
	if err != nil {
		return nil, fmt.Errorf("persist conversion: %w", err)
	}
	b.recorder.ObserveStage(observability.StagePersist, time.Since(start))

	j.output = outputPath
	j.step(progress.StatePersisted)

	result.OutputPath = outputPath
	result.SampleRate = conv.SampleRate
	result.Duration = conv.Duration()
	result.Timings = TimingsSeconds{
		FeatureExtraction: conv.Timings.FeatureExtraction.Seconds(),
		PitchExtraction:   conv.Timings.PitchExtraction.Seconds(),
		Inference:         conv.Timings.Inference.Seconds(),
	}

	slog.Info("Conversion persisted",
		"job", j.id,
		"model", vm.Name,
		"output", outputPath,
		"input_seconds", conv.InputSeconds,
		"output_seconds", result.Duration,
		"elapsed", conv.Timings.Total(),
	)

	return result, nil
}

// validateConvert checks the request fields in order: model name, input
// existence, pitch method, index rate.
func (b *Broker) validateConvert(req *ConvertRequest) (*ConversionParams, error) {
	defaults := b.Defaults()

	if strings.TrimSpace(req.ModelName) == "" {
		return nil, ErrModelRequired
	}

	if strings.TrimSpace(req.InputAudio) == "" {
		return nil, ErrInputRequired
	}
	if !xfs.IsFile(req.InputAudio) {
		return nil, fmt.Errorf("%w: %s", ErrInputNotFound, req.InputAudio)
	}

	p := &ConversionParams{
		InputPath:   req.InputAudio,
		PitchShift:  req.Pitch,
		PitchMethod: defaults.PitchMethod,
		IndexRate:   defaults.IndexRate,
	}

	if req.F0Method != "" {
		m, err := ParsePitchMethod(req.F0Method)
		if err != nil {
			return nil, err
		}
		p.PitchMethod = m
	}

	if req.IndexRate != nil {
		r := *req.IndexRate
		if math.IsNaN(r) || r < 0 || r > 1 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIndexRate, r)
		}
		p.IndexRate = r
	}

	return p, nil
}

// Synthesize renders text to speech.
func (b *Broker) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResult, error) {
	j := b.startJob(ctx, progress.KindSynthesize, "")

	if strings.TrimSpace(req.Text) == "" {
		b.recorder.ObserveSynthesis(ErrEmptyText)
		j.fail(ErrEmptyText)
		return nil, ErrEmptyText
	}
	j.step(progress.StateValidated)

	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = b.Defaults().Voice
	}

	j.step(progress.StateSynthesizing)
	start := time.Now()
	resp, err := b.synthesizer.Synthesize(ctx, &SynthesisParams{
		Text:        req.Text,
		Voice:       voice,
		RatePercent: req.Rate,
		PitchHz:     req.Pitch,
	})
	b.recorder.ObserveSynthesis(err)
	if err != nil {
		j.fail(err)
		slog.Error("Synthesis failed", "job", j.id, "voice", voice, "kind", fault.KindOf(err), "error", err)
		return nil, err
	}
	b.recorder.ObserveStage(observability.StageSynthesis, time.Since(start))

	j.output = resp.OutputPath
	j.step(progress.StatePersisted)
	j.step(progress.StateResponded)

	slog.Info("Speech synthesized", "job", j.id, "voice", voice, "output", resp.OutputPath)

	return &SynthesizeResult{
		JobID:      j.id,
		OutputPath: resp.OutputPath,
		Voice:      voice,
	}, nil
}

func (b *Broker) resolve(ref string) (*model.VoiceModel, error) {
	if b.modelPaths {
		return b.catalog.Lookup(ref)
	}
	return b.catalog.Resolve(ref)
}

// job publishes the state transitions of one request.
type job struct {
	hub    *progress.Hub
	id     string
	kind   string
	model  string
	output string
}

// startJob publishes the received state under the caller's job id, or a
// fresh one when the request carries none.
func (b *Broker) startJob(ctx context.Context, kind, modelName string) *job {
	id := progress.JobIDFrom(ctx)
	if id == "" {
		id = uuid.NewString()
	}

	j := &job{hub: b.hub, id: id, kind: kind, model: modelName}
	j.step(progress.StateReceived)

	return j
}

func (j *job) step(state progress.State) {
	if j.hub == nil {
		return
	}

	j.hub.Publish(progress.Event{
		JobID:  j.id,
		Kind:   j.kind,
		State:  state,
		Model:  j.model,
		Output: j.output,
	})
}

func (j *job) fail(err error) {
	if j.hub == nil {
		return
	}

	j.hub.Publish(progress.Event{
		JobID:     j.id,
		Kind:      j.kind,
		State:     progress.StateFailed,
		Model:     j.model,
		Error:     err.Error(),
		ErrorKind: string(fault.KindOf(err)),
	})
}
