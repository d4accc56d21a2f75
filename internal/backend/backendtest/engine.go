// Package backendtest provides an in-memory conversion engine for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ekisa-team/rvcbroker/internal/backend"
)

var _ backend.Engine = (*Engine)(nil)

// Engine is a backend.Engine that records every call. Infer produces a
// silent signal with the input duration at the network's sample rate.
type Engine struct {
	mu sync.Mutex

	// Checkpoints maps weights paths to their metadata. Paths not present get
	// DefaultCheckpoint.
	Checkpoints map[string]*backend.Checkpoint

	InspectErr   error
	LoadErr      error
	ExtractorErr error
	InferErr     error
	InferDelay   time.Duration

	seq        int
	networks   map[backend.Handle]int
	loads      []backend.NetworkSpec
	extractors int
	released   []backend.Handle
	infers     []backend.InferRequest

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

// DefaultCheckpoint is a v2 pitch-guided 40 kHz model.
func DefaultCheckpoint() *backend.Checkpoint {
	f0 := 1
	return &backend.Checkpoint{Version: "v2", F0: &f0, SampleRate: 40000}
}

// NewEngine creates an empty fake engine.
func NewEngine() *Engine {
	return &Engine{
		Checkpoints: map[string]*backend.Checkpoint{},
		networks:    map[backend.Handle]int{},
	}
}

func (e *Engine) Provider() backend.BackendProvider {
	return "fake"
}

func (e *Engine) Inspect(_ context.Context, weightsPath string) (*backend.Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.InspectErr != nil {
		return nil, e.InspectErr
	}
	if cp, ok := e.Checkpoints[weightsPath]; ok {
		return cp, nil
	}

	return DefaultCheckpoint(), nil
}

func (e *Engine) LoadNetwork(_ context.Context, spec *backend.NetworkSpec) (backend.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.LoadErr != nil {
		return "", e.LoadErr
	}

	rate := DefaultCheckpoint().SampleRate
	if cp, ok := e.Checkpoints[spec.WeightsPath]; ok {
		rate = cp.SampleRate
	}

	e.seq++
	h := backend.Handle(fmt.Sprintf("net-%d", e.seq))
	e.networks[h] = rate
	e.loads = append(e.loads, *spec)

	return h, nil
}

func (e *Engine) LoadFeatureExtractor(_ context.Context, _ *backend.ExtractorSpec) (backend.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ExtractorErr != nil {
		return "", e.ExtractorErr
	}
	e.extractors++

	return "extractor", nil
}

func (e *Engine) Release(_ context.Context, h backend.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.networks, h)
	e.released = append(e.released, h)

	return nil
}

func (e *Engine) Infer(_ context.Context, req *backend.InferRequest) (*backend.InferResult, error) {
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	for {
		peak := e.maxInflight.Load()
		if n <= peak || e.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}

	if e.InferDelay > 0 {
		time.Sleep(e.InferDelay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.infers = append(e.infers, *req)
	if e.InferErr != nil {
		return nil, e.InferErr
	}

	rate, ok := e.networks[req.Network]
	if !ok {
		return nil, fmt.Errorf("%w: unknown network %s", backend.ErrWorkerExited, req.Network)
	}

	out := make([]float32, len(req.Samples)*rate/req.SampleRate)

	return &backend.InferResult{
		Samples:    out,
		SampleRate: rate,
		Timings: backend.Timings{
			FeatureExtraction: time.Millisecond,
			PitchExtraction:   2 * time.Millisecond,
			Inference:         3 * time.Millisecond,
		},
	}, nil
}

func (e *Engine) Close() error {
	return nil
}

// Loads returns every network load request.
func (e *Engine) Loads() []backend.NetworkSpec {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]backend.NetworkSpec(nil), e.loads...)
}

// ExtractorLoads returns the number of successful extractor loads.
func (e *Engine) ExtractorLoads() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.extractors
}

// Released returns the released handles in order.
func (e *Engine) Released() []backend.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]backend.Handle(nil), e.released...)
}

// Infers returns every inference request.
func (e *Engine) Infers() []backend.InferRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]backend.InferRequest(nil), e.infers...)
}

// MaxInflight returns the highest number of concurrent Infer calls observed.
func (e *Engine) MaxInflight() int {
	return int(e.maxInflight.Load())
}

// Reset forgets every live network, as if the engine process had restarted.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.networks = map[backend.Handle]int{}
}
