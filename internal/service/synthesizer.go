package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/fault"
	"github.com/ekisa-team/rvcbroker/internal/output"
)

// SynthesisParams are the inputs of a synthesis call.
type SynthesisParams struct {
	Text        string
	Voice       string
	RatePercent int
	PitchHz     int
}

// Synthesizer forwards text to the speech backend. It shares no state with
// the conversion path.
type Synthesizer struct {
	backend backend.Synthesizer
	namer   *output.Namer
	format  string
}

// NewSynthesizer creates a synthesizer. A nil backend means synthesis could
// not be initialised and every call fails with ErrEngineUnavailable.
func NewSynthesizer(b backend.Synthesizer, namer *output.Namer, format string) *Synthesizer {
	if format == "" {
		format = "mp3"
	}

	return &Synthesizer{
		backend: b,
		namer:   namer,
		format:  format,
	}
}

// Available reports whether a backend is configured.
func (s *Synthesizer) Available() bool {
	return s.backend != nil
}

// Synthesize writes p.Text as speech to a new file in the temp directory.
func (s *Synthesizer) Synthesize(ctx context.Context, p *SynthesisParams) (*backend.Response, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if s.backend == nil {
		return nil, ErrEngineUnavailable
	}

	resp, err := s.backend.Synthesize(ctx, &backend.SynthesisRequest{
		Text:        text,
		Voice:       p.Voice,
		RatePercent: p.RatePercent,
		PitchHz:     p.PitchHz,
		OutputPath:  s.namer.SynthesisPath(s.format),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrSynthesisFailed, err)
	}

	return resp, nil
}
