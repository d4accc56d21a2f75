package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ekisa-team/rvcbroker/internal/backend"
)

// Loader decodes input files to mono samples at the analysis rate. WAV is
// decoded natively; anything else goes through ffmpeg when it is available.
type Loader struct {
	runner backend.CommandRunner
	ffmpeg string
}

// NewLoader creates a loader. An empty or unresolvable ffmpeg path disables
// the fallback decoder.
func NewLoader(ffmpeg string) *Loader {
	if ffmpeg != "" {
		path, err := backend.LookupBinary(ffmpeg)
		if err != nil {
			slog.Warn("ffmpeg not found, only WAV input is supported", "ffmpeg", ffmpeg)
			ffmpeg = ""
		} else {
			ffmpeg = path
		}
	}

	return &Loader{runner: backend.ExecCommandRunner{}, ffmpeg: ffmpeg}
}

// NewLoaderWithRunner creates a loader with a custom runner for ffmpeg.
func NewLoaderWithRunner(ffmpeg string, runner backend.CommandRunner) *Loader {
	return &Loader{runner: runner, ffmpeg: ffmpeg}
}

// HasFallback reports whether compressed inputs can be decoded.
func (l *Loader) HasFallback() bool {
	return l.ffmpeg != ""
}

// Load decodes path to mono samples at AnalysisRate.
func (l *Loader) Load(ctx context.Context, path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, 12)
	n, _ := io.ReadFull(f, header)

	if IsWAV(header[:n]) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}

		clip, err := DecodeWAV(f)
		if err == nil {
			return ToAnalysisRate(clip)
		}
		if !errors.Is(err, ErrUnsupportedFormat) || !l.HasFallback() {
			return nil, err
		}
		// Exotic WAV encodings (ADPCM, mu-law) are left to ffmpeg.
	}

	if !l.HasFallback() {
		return nil, fmt.Errorf("%w: %s (install ffmpeg to decode compressed input)", ErrUnsupportedFormat, path)
	}

	return l.decodeFFmpeg(ctx, path)
}

func (l *Loader) decodeFFmpeg(ctx context.Context, path string) ([]float32, error) {
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "f32le", "-ac", "1", "-ar", strconv.Itoa(AnalysisRate),
		"-",
	}

	stdout, stderr, err := l.runner.Run(ctx, l.ffmpeg, args, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrDecoderFailed, err, strings.TrimSpace(string(stderr)))
	}

	if len(stdout)%4 != 0 {
		stdout = stdout[:len(stdout)/4*4]
	}

	samples := make([]float32, len(stdout)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(stdout[i*4:]))
	}

	return samples, nil
}
