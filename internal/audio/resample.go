package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// AnalysisRate is the sample rate the conversion engine analyses input at.
const AnalysisRate = 16000

// Resample converts mono samples from one rate to another. The output always
// holds len(samples)*to/from samples so durations are preserved exactly.
func Resample(samples []float32, from, to int) ([]float32, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", from, to)
	}

	if from == to || len(samples) == 0 {
		return append([]float32(nil), samples...), nil
	}

	resampler, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s)
	}

	output, err := resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	tail, err := resampler.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush: %w", err)
	}
	output = append(output, tail...)

	want := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, want)
	for i := 0; i < want && i < len(output); i++ {
		out[i] = float32(output[i])
	}

	return out, nil
}

// ToAnalysisRate resamples clip to AnalysisRate.
func ToAnalysisRate(clip *Clip) ([]float32, error) {
	return Resample(clip.Samples, clip.SampleRate, AnalysisRate)
}
