// Package device selects the compute device conversions run on.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// Mode is the requested device selection.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeCPU  Mode = "cpu"
	ModeCUDA Mode = "cuda"
)

// Precision is the numeric precision networks are loaded with.
type Precision string

const (
	PrecisionHalf Precision = "half"
	PrecisionFull Precision = "full"
)

const probeTimeout = 5 * time.Second

// ErrInvalidMode is returned for an unknown mode.
var ErrInvalidMode = fmt.Errorf("%w: invalid device mode", fault.ErrValidation)

// Device is the resolved compute device.
type Device struct {
	Kind     Mode   `json:"kind"`
	Name     string `json:"name,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
}

// CPU returns the CPU device.
func CPU() Device {
	return Device{Kind: ModeCPU}
}

// String returns the engine device identifier ("cuda:0" or "cpu").
func (d Device) String() string {
	if d.Kind == ModeCUDA {
		return "cuda:0"
	}
	return "cpu"
}

// IsCUDA reports whether d is a CUDA-class device.
func (d Device) IsCUDA() bool {
	return d.Kind == ModeCUDA
}

// Precision returns half on CUDA-class devices and full elsewhere.
func (d Device) Precision() Precision {
	if d.IsCUDA() {
		return PrecisionHalf
	}
	return PrecisionFull
}

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeCPU, ModeCUDA:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Detect resolves mode to a device. Auto uses the first NVIDIA GPU reported
// by nvidia-smi and falls back to CPU. A forced CUDA mode is honoured even
// when the probe fails.
func Detect(ctx context.Context, mode Mode, runner backend.CommandRunner) Device {
	if mode == ModeCPU {
		slog.Info("Using CPU device", "reason", "forced")
		return CPU()
	}

	gpu, err := probeNvidia(ctx, runner)
	if err == nil {
		slog.Info("Using CUDA device", "name", gpu.Name, "memory_mb", gpu.MemoryMB)
		return gpu
	}

	if mode == ModeCUDA {
		slog.Warn("GPU probe failed, using CUDA as requested", "error", err)
		return Device{Kind: ModeCUDA}
	}

	slog.Info("No GPU detected, using CPU device", "error", err)
	return CPU()
}

func probeNvidia(ctx context.Context, runner backend.CommandRunner) (Device, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	stdout, _, err := runner.Run(ctx, "nvidia-smi", []string{
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits",
	}, nil)
	if err != nil {
		return Device{}, err
	}

	return parseNvidia(string(stdout))
}

func parseNvidia(out string) (Device, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	name, mem, ok := strings.Cut(line, ",")
	if !ok || strings.TrimSpace(name) == "" {
		return Device{}, fmt.Errorf("unexpected nvidia-smi output %q", out)
	}

	memoryMB, _ := strconv.Atoi(strings.TrimSpace(mem))

	return Device{
		Kind:     ModeCUDA,
		Name:     strings.TrimSpace(name),
		MemoryMB: memoryMB,
	}, nil
}
