package device

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	stdout string
	err    error
	calls  int
}

func (f *fakeRunner) Run(context.Context, string, []string, io.Reader) ([]byte, []byte, error) {
	f.calls++
	return []byte(f.stdout), nil, f.err
}

func (f *fakeRunner) Start(context.Context, string, []string, io.Reader) (io.ReadCloser, io.ReadCloser, func() error, error) {
	return nil, nil, nil, errors.New("not used")
}

func TestDetect(t *testing.T) {
	ctx := context.Background()
	gpu := &fakeRunner{stdout: "NVIDIA GeForce RTX 3060, 12288\n"}
	none := &fakeRunner{err: errors.New("executable file not found")}

	d := Detect(ctx, ModeAuto, gpu)
	assert.Equal(t, ModeCUDA, d.Kind)
	assert.Equal(t, "NVIDIA GeForce RTX 3060", d.Name)
	assert.Equal(t, 12288, d.MemoryMB)
	assert.Equal(t, "cuda:0", d.String())
	assert.Equal(t, PrecisionHalf, d.Precision())

	d = Detect(ctx, ModeAuto, none)
	assert.Equal(t, CPU(), d)
	assert.Equal(t, PrecisionFull, d.Precision())

	cpuRunner := &fakeRunner{stdout: "NVIDIA A100, 40960"}
	d = Detect(ctx, ModeCPU, cpuRunner)
	assert.Equal(t, "cpu", d.String())
	assert.Zero(t, cpuRunner.calls)

	d = Detect(ctx, ModeCUDA, none)
	assert.True(t, d.IsCUDA())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" CUDA ")
	require.NoError(t, err)
	assert.Equal(t, ModeCUDA, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)

	_, err = ParseMode("tpu")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestParseNvidia_Garbage(t *testing.T) {
	_, err := parseNvidia("No devices were found")
	assert.Error(t, err)
}
