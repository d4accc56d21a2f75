package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"github.com/ekisa-team/rvcbroker/internal/audio"
	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/backend/edgetts"
	"github.com/ekisa-team/rvcbroker/internal/backend/rvchttp"
	"github.com/ekisa-team/rvcbroker/internal/backend/rvcworker"
	"github.com/ekisa-team/rvcbroker/internal/config"
	"github.com/ekisa-team/rvcbroker/internal/device"
	"github.com/ekisa-team/rvcbroker/internal/model"
	"github.com/ekisa-team/rvcbroker/internal/observability"
	"github.com/ekisa-team/rvcbroker/internal/output"
	"github.com/ekisa-team/rvcbroker/internal/progress"
	"github.com/ekisa-team/rvcbroker/internal/service"
)

// runtime holds the broker and everything that must be closed with it.
type runtime struct {
	broker    *service.Broker
	hub       *progress.Hub
	metrics   *observability.Metrics
	engines   *backend.Registry
	servers   *backend.ServerManager
	synthBack backend.Synthesizer
}

type runtimeOptions struct {
	forceCPU   bool
	modelPaths bool
	serving    bool
}

// newRuntime builds the broker described by cfg.
func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	mode, err := device.ParseMode(cfg.Device.Mode)
	if err != nil {
		return nil, err
	}
	if opts.forceCPU {
		mode = device.ModeCPU
	}
	dev := device.Detect(ctx, mode, backend.ExecCommandRunner{})

	rt := &runtime{
		engines: backend.NewRegistry(),
		servers: backend.NewServerManager(),
	}

	engine, err := rt.registerEngines(cfg, dev)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	namer := output.NewNamer(cfg.Storage.OutputsDir, cfg.Storage.TempDir)
	if err := namer.Bootstrap(); err != nil {
		_ = rt.Close()
		return nil, err
	}

	if synth, err := edgetts.NewBackend(cfg.Synthesis.Binary, cfg.Synthesis.Timeout()); err != nil {
		slog.Warn("Speech synthesis unavailable", "binary", cfg.Synthesis.Binary, "error", err)
	} else {
		rt.synthBack = synth
	}

	var (
		managerOpts []model.ManagerOption
		brokerOpts  = []service.BrokerOption{
			service.WithVersion(version),
			service.WithDefaults(service.DefaultsFromConfig(cfg)),
		}
	)

	if opts.serving {
		rt.hub = progress.NewHub()
		rt.metrics = observability.NewMetrics(service.Name)
		managerOpts = append(managerOpts, model.WithObserver(rt.metrics))
		brokerOpts = append(brokerOpts, service.WithHub(rt.hub), service.WithRecorder(rt.metrics))
	}
	if opts.modelPaths {
		brokerOpts = append(brokerOpts, service.WithModelPaths())
	}

	rt.broker = service.NewBroker(
		model.NewCatalog(cfg.Storage.ModelsDir, cfg.Conversion.MaxWeightsBytes()),
		model.NewManager(engine, dev, cfg.Storage.FeatureExtractor, managerOpts...),
		service.NewConverter(engine, audio.NewLoader(cfg.Decoder.FFmpeg)),
		service.NewSynthesizer(rt.synthBack, namer, cfg.Synthesis.Format),
		namer,
		brokerOpts...,
	)

	return rt, nil
}

// registerEngines registers every conversion engine and returns the one cfg
// selects.
func (rt *runtime) registerEngines(cfg *config.Config, dev device.Device) (backend.Engine, error) {
	args := append([]string{"--device", dev.String()}, cfg.Engine.Args...)

	if wrote, err := rvcworker.InstallScript(cfg.Engine.Script); err != nil {
		slog.Warn("Failed to install worker script", "path", cfg.Engine.Script, "error", err)
	} else if wrote {
		slog.Info("Installed worker script", "path", cfg.Engine.Script)
	}

	worker := rvcworker.NewBackend(rvcworker.Config{
		Python:  cfg.Engine.Python,
		Script:  cfg.Engine.Script,
		Args:    args,
		Workdir: cfg.Engine.Workdir,
	})

	remote := rvchttp.NewBackend(rvchttp.Config{
		BaseURL:   cfg.Engine.URL,
		Timeout:   cfg.Engine.Timeout(),
		Autostart: cfg.Engine.Autostart,
		Server: backend.ServerConfig{
			BinPath: cfg.Engine.Python,
			Dir:     cfg.Engine.Workdir,
			Args:    append([]string{cfg.Engine.Script, "--listen", listenAddr(cfg.Engine.URL)}, args...),
		},
	}, rt.servers)

	for _, e := range []backend.Engine{worker, remote} {
		if err := rt.engines.Register(e); err != nil {
			return nil, fmt.Errorf("failed to register engine %s: %w", e.Provider(), err)
		}
	}

	engine, err := rt.engines.Get(backend.BackendProvider(cfg.Engine.Provider))
	if err != nil {
		return nil, fmt.Errorf("engine %q: %w", cfg.Engine.Provider, err)
	}

	slog.Info("Conversion engine selected", "provider", engine.Provider(), "device", dev.String())

	return engine, nil
}

// Close releases everything newRuntime acquired.
func (rt *runtime) Close() error {
	var errs []error

	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.synthBack != nil {
		errs = append(errs, rt.synthBack.Close())
	}
	errs = append(errs, rt.engines.Close())
	rt.servers.StopAll()

	return errors.Join(errs...)
}

// listenAddr is the host:port an autostarted engine binds for rawURL.
func listenAddr(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}

	return net.JoinHostPort(u.Hostname(), "80")
}
