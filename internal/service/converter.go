package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ekisa-team/rvcbroker/internal/audio"
	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/fault"
	"github.com/ekisa-team/rvcbroker/internal/model"
	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

// PitchMethod is a pitch extraction algorithm understood by the engine.
type PitchMethod string

const (
	PitchPM      PitchMethod = "pm"
	PitchHarvest PitchMethod = "harvest"
	PitchCrepe   PitchMethod = "crepe"
	PitchRMVPE   PitchMethod = "rmvpe"
)

// CrepeHopLength is the hop length handed to the crepe pitch extractor.
const CrepeHopLength = 128

// PitchMethods lists the supported methods.
func PitchMethods() []PitchMethod {
	return []PitchMethod{PitchPM, PitchHarvest, PitchCrepe, PitchRMVPE}
}

// ParsePitchMethod validates s.
func ParsePitchMethod(s string) (PitchMethod, error) {
	m := PitchMethod(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range PitchMethods() {
		if m == known {
			return m, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidPitchMethod, s)
}

// ConversionParams are the validated per-request knobs of a conversion.
type ConversionParams struct {
	InputPath   string
	PitchShift  int
	PitchMethod PitchMethod
	IndexRate   float64
}

// Conversion is the in-memory result of a conversion.
type Conversion struct {
	Samples    []float32
	SampleRate int
	Timings    backend.Timings

	// InputSeconds is the duration of the decoded input.
	InputSeconds float64
	Decode       time.Duration
}

// Duration returns the output duration in seconds.
func (c *Conversion) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Converter runs one conversion against an already loaded model.
type Converter struct {
	engine backend.Engine
	loader *audio.Loader
}

// NewConverter creates a converter.
func NewConverter(engine backend.Engine, loader *audio.Loader) *Converter {
	return &Converter{
		engine: engine,
		loader: loader,
	}
}

// CanDecodeCompressed reports whether non-WAV inputs are accepted.
func (c *Converter) CanDecodeCompressed() bool {
	return c.loader.HasFallback()
}

// Convert decodes the input and runs inference with the resident model.
// Engine failures are reported as inference failures and never retried.
func (c *Converter) Convert(ctx context.Context, p *ConversionParams, loaded *model.LoadedModel, extractor *model.Extractor) (*Conversion, error) {
	if !xfs.IsFile(p.InputPath) {
		return nil, fmt.Errorf("%w: %s", ErrInputNotFound, p.InputPath)
	}
	if loaded == nil {
		return nil, ErrNoModelLoaded
	}
	if extractor == nil {
		return nil, model.ErrExtractorMissing
	}

	start := time.Now()
	samples, err := c.loader.Load(ctx, p.InputPath)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.InputPath, err)
	}
	decode := time.Since(start)

	indexPath := ""
	if p.IndexRate > 0 && loaded.Model.HasIndex() {
		indexPath = loaded.Model.IndexPath
	}

	res, err := c.engine.Infer(ctx, &backend.InferRequest{
		Network:        loaded.Network,
		Extractor:      extractor.Handle,
		SpeakerID:      0,
		Samples:        samples,
		SampleRate:     audio.AnalysisRate,
		PitchShift:     p.PitchShift,
		PitchMethod:    string(p.PitchMethod),
		IndexPath:      indexPath,
		IndexRate:      p.IndexRate,
		PitchGuided:    loaded.Variant.PitchGuided(),
		Version:        loaded.Variant.Version(),
		CrepeHopLength: CrepeHopLength,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInferenceFailed, err)
	}

	slog.Debug("Conversion finished",
		"model", loaded.Model.Name,
		"feature_extraction", res.Timings.FeatureExtraction,
		"pitch_extraction", res.Timings.PitchExtraction,
		"inference", res.Timings.Inference,
	)

	return &Conversion{
		Samples:      res.Samples,
		SampleRate:   res.SampleRate,
		Timings:      res.Timings,
		InputSeconds: float64(len(samples)) / audio.AnalysisRate,
		Decode:       decode,
	}, nil
}
