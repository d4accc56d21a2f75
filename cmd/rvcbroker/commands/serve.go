package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/ekisa-team/rvcbroker/internal/config"
	grpcserver "github.com/ekisa-team/rvcbroker/internal/server/grpc"
	httpserver "github.com/ekisa-team/rvcbroker/internal/server/http"
	natsserver "github.com/ekisa-team/rvcbroker/internal/server/nats"
	"github.com/ekisa-team/rvcbroker/internal/service"
	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

var (
	serveHTTPPort int
	serveGRPCPort int
	serveForceCPU bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker services",
	Long: `Run the HTTP API, the gRPC health service and, when configured, the
NATS request/reply transport.

Conversion and synthesis defaults follow edits to the config file without a
restart. Listener, storage and engine settings are read once at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cmd)
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveHTTPPort, "http-port", config.DefaultHTTPPort(), "HTTP port to listen on")
	serveCmd.Flags().IntVar(&serveGRPCPort, "grpc-port", config.DefaultGRPCPort(), "gRPC health port to listen on (0 disables)")
	serveCmd.Flags().BoolVar(&serveForceCPU, "force-cpu", false, "use the CPU even when a GPU is available")
}

func runServe(ctx context.Context, cmd *cobra.Command) error {
	var live atomic.Pointer[service.Broker]

	cfg, watcher, err := loadWatchedConfig(func(next *config.Config) {
		if b := live.Load(); b != nil {
			b.SetDefaults(service.DefaultsFromConfig(next))
		}
	})
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	if cmd.Flags().Changed("http-port") {
		cfg.Server.HTTPPort = serveHTTPPort
	}
	if cmd.Flags().Changed("grpc-port") {
		cfg.Server.GRPCPort = serveGRPCPort
	}

	rt, err := newRuntime(ctx, cfg, runtimeOptions{forceCPU: serveForceCPU, serving: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Error("Failed to close runtime", "error", err)
		}
	}()

	live.Store(rt.broker)

	slog.Info("Broker ready",
		"version", version,
		"models_dir", cfg.Storage.ModelsDir,
		"outputs_dir", cfg.Storage.OutputsDir,
		"models_dir_exists", xfs.IsDir(cfg.Storage.ModelsDir),
	)

	var services []func(context.Context) error

	httpSrv := httpserver.NewServer(rt.broker,
		httpserver.WithMetrics(rt.metrics.Handler()),
		httpserver.WithProgress(rt.hub),
		httpserver.WithVersion(version),
	)
	services = append(services, func(ctx context.Context) error {
		return httpSrv.ListenAndServe(ctx, hostPort(cfg.Server.Host, cfg.Server.HTTPPort))
	})

	if cfg.Server.GRPCPort > 0 {
		healthSrv := grpcserver.NewServer(rt.broker)
		services = append(services, func(ctx context.Context) error {
			return healthSrv.ListenAndServe(ctx, hostPort(cfg.Server.Host, cfg.Server.GRPCPort))
		})
	}

	if cfg.NATS.Enabled() {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name(service.Name))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer conn.Close()

		natsSrv := natsserver.NewServer(conn, rt.broker, cfg.NATS.SubjectPrefix, cfg.NATS.Queue)
		services = append(services, natsSrv.Run)
	}

	if err := runAll(ctx, services...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Broker stopped")

	return nil
}

// runAll runs every service until ctx is done or one of them fails, then
// stops the rest and waits for them.
func runAll(ctx context.Context, services ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, run := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}
	wg.Wait()

	return firstErr
}

// loadWatchedConfig loads the config and watches it for edits, passing each
// valid reload to onReload. A missing config file yields the defaults
// without a watcher.
func loadWatchedConfig(onReload func(*config.Config)) (*config.Config, *config.Watcher, error) {
	if !xfs.IsFile(cfgFile) {
		cfg, err := loadConfig()
		return cfg, nil, err
	}

	watcher, err := config.NewWatcher(cfgFile, schemaFile, func(cfg *config.Config, err error) {
		if err != nil {
			slog.Error("Failed to reload config", "error", err)
			return
		}
		onReload(cfg)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	slog.Info("Config loaded successfully", "config", cfgFile)

	return watcher.Snapshot(), watcher, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
