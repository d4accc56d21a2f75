package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/device"
	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// LoadedModel is a voice model realised by the engine.
type LoadedModel struct {
	Model      *VoiceModel
	Network    backend.Handle
	Variant    Variant
	SampleRate int
	Precision  device.Precision
	Device     device.Device
	LoadedAt   time.Time
}

// Extractor is the shared content feature extractor.
type Extractor struct {
	Handle   backend.Handle
	Path     string
	LoadedAt time.Time
}

// LoadObserver is notified of cache activity.
type LoadObserver interface {
	ObserveModelLoad(model string, elapsed time.Duration, err error)
	ObserveCacheHit(model string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithObserver sets the cache observer.
func WithObserver(o LoadObserver) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// Manager owns the single-slot model cache and the shared feature extractor.
// At most one voice model is resident; loading another evicts it first.
type Manager struct {
	engine        backend.Engine
	device        device.Device
	extractorPath string
	observer      LoadObserver

	mu        sync.Mutex
	resident  *LoadedModel
	extractor *Extractor

	// Lock-free snapshots for status probes.
	residentSnap  atomic.Pointer[LoadedModel]
	extractorSnap atomic.Pointer[Extractor]
}

// NewManager creates a Manager for engine running on dev.
func NewManager(engine backend.Engine, dev device.Device, extractorPath string, opts ...ManagerOption) *Manager {
	m := &Manager{
		engine:        engine,
		device:        dev,
		extractorPath: extractorPath,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Device returns the compute device models are loaded on.
func (m *Manager) Device() device.Device {
	return m.device
}

// Engine returns the conversion engine.
func (m *Manager) Engine() backend.Engine {
	return m.engine
}

// Resident returns the resident model, or nil.
func (m *Manager) Resident() *LoadedModel {
	return m.residentSnap.Load()
}

// ExtractorLoaded reports whether the feature extractor has been loaded.
func (m *Manager) ExtractorLoaded() bool {
	return m.extractorSnap.Load() != nil
}

// EnsureLoaded makes vm the resident model. It is a no-op when vm is already
// resident. A failed load leaves the cache empty.
func (m *Manager) EnsureLoaded(ctx context.Context, vm *VoiceModel) (*LoadedModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ensureLoadedLocked(ctx, vm)
}

// EnsureFeatureExtractorLoaded loads the shared feature extractor once. A
// failure is not remembered, so the next call retries.
func (m *Manager) EnsureFeatureExtractorLoaded(ctx context.Context) (*Extractor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ensureExtractorLocked(ctx)
}

// Do runs fn with vm resident and the feature extractor loaded, holding the
// cache lock for the whole call so conversions never overlap a reload.
func (m *Manager) Do(ctx context.Context, vm *VoiceModel, fn func(loaded *LoadedModel, extractor *Extractor) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	extractor, err := m.ensureExtractorLocked(ctx)
	if err != nil {
		return err
	}

	loaded, err := m.ensureLoadedLocked(ctx, vm)
	if err != nil {
		return err
	}

	err = fn(loaded, extractor)
	m.invalidateOnExit(err)

	return err
}

// Invalidate drops the resident model and the extractor without releasing
// them, for when their engine handles are known to be stale.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidateLocked()
}

func (m *Manager) ensureLoadedLocked(ctx context.Context, vm *VoiceModel) (*LoadedModel, error) {
	if m.resident != nil && m.resident.Model.sameAs(vm) {
		slog.Debug("Model cache hit", "model", vm.Name)
		if m.observer != nil {
			m.observer.ObserveCacheHit(vm.Name)
		}
		return m.resident, nil
	}

	m.evictLocked(ctx)

	start := time.Now()
	loaded, err := m.load(ctx, vm)
	if m.observer != nil {
		m.observer.ObserveModelLoad(vm.Name, time.Since(start), err)
	}
	if err != nil {
		m.invalidateOnExit(err)
		slog.Error("Failed to load model", "model", vm.Name, "error", err)
		return nil, err
	}

	m.resident = loaded
	m.residentSnap.Store(loaded)

	slog.Info("Model loaded",
		"model", vm.Name,
		"variant", loaded.Variant.String(),
		"sample_rate", loaded.SampleRate,
		"device", loaded.Device.String(),
		"precision", loaded.Precision,
		"has_index", vm.HasIndex(),
		"elapsed", time.Since(start),
	)

	return loaded, nil
}

func (m *Manager) load(ctx context.Context, vm *VoiceModel) (*LoadedModel, error) {
	cp, err := m.engine.Inspect(ctx, vm.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: model %s: %w", fault.ErrLoadFailed, vm.Name, err)
	}

	variant, err := SelectVariant(cp.Version, cp.F0)
	if err != nil {
		return nil, fmt.Errorf("%w: model %s: %w", fault.ErrLoadFailed, vm.Name, err)
	}

	precision := m.device.Precision()
	network, err := m.engine.LoadNetwork(ctx, &backend.NetworkSpec{
		WeightsPath:    vm.WeightsPath,
		NetworkClass:   variant.NetworkClass(),
		StripPosterior: true,
		StrictKeys:     false,
		Device:         m.device.String(),
		Half:           precision == device.PrecisionHalf,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: model %s: %w", fault.ErrLoadFailed, vm.Name, err)
	}

	return &LoadedModel{
		Model:      vm,
		Network:    network,
		Variant:    variant,
		SampleRate: cp.SampleRate,
		Precision:  precision,
		Device:     m.device,
		LoadedAt:   time.Now(),
	}, nil
}

func (m *Manager) ensureExtractorLocked(ctx context.Context) (*Extractor, error) {
	if m.extractor != nil {
		return m.extractor, nil
	}

	if _, err := os.Stat(m.extractorPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExtractorMissing, m.extractorPath)
	}

	handle, err := m.engine.LoadFeatureExtractor(ctx, &backend.ExtractorSpec{
		Path:   m.extractorPath,
		Device: m.device.String(),
		Half:   m.device.Precision() == device.PrecisionHalf,
	})
	if err != nil {
		m.invalidateOnExit(err)
		return nil, fmt.Errorf("%w: feature extractor: %w", fault.ErrLoadFailed, err)
	}

	m.extractor = &Extractor{Handle: handle, Path: m.extractorPath, LoadedAt: time.Now()}
	m.extractorSnap.Store(m.extractor)

	slog.Info("Feature extractor loaded", "path", m.extractorPath, "device", m.device.String())

	return m.extractor, nil
}

// evictLocked drops the resident model and asks the engine to free it.
func (m *Manager) evictLocked(ctx context.Context) {
	if m.resident == nil {
		return
	}

	evicted := m.resident
	m.resident = nil
	m.residentSnap.Store(nil)

	if err := m.engine.Release(ctx, evicted.Network); err != nil {
		slog.Warn("Failed to release model", "model", evicted.Model.Name, "error", err)
	}

	slog.Info("Model evicted", "model", evicted.Model.Name)
}

// invalidateOnExit drops all cached handles when err says the engine's
// worker went away.
func (m *Manager) invalidateOnExit(err error) {
	if errors.Is(err, backend.ErrWorkerExited) {
		slog.Warn("Engine worker exited, dropping cached handles", "error", err)
		m.invalidateLocked()
	}
}

func (m *Manager) invalidateLocked() {
	m.resident = nil
	m.extractor = nil
	m.residentSnap.Store(nil)
	m.extractorSnap.Store(nil)
}
