package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"

	"github.com/ekisa-team/rvcbroker/internal/envvar"
	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

//go:embed rvcbroker.v1.schema.json
var embeddedSchema string

const embeddedSchemaURL = "rvcbroker.v1.schema.json"

// LoadAndValidate loads and validates the configuration. Values absent from
// the file keep their defaults. An empty schemaPath selects the embedded schema.
func LoadAndValidate(path, schemaPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	schema, err := compileSchema(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to compile schema: %w", err)
	}

	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: config validation failed: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	config.expandPaths()

	return config, nil
}

// Load loads the configuration at path. A missing file yields the defaults
// with environment overrides applied.
func Load(path, schemaPath string) (*Config, error) {
	cfg, err := LoadAndValidate(path, schemaPath)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("Config file not found, using defaults", "path", path)

		cfg = Default()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		cfg.expandPaths()

		return cfg, nil
	}

	return cfg, err
}

// ApplyEnv applies RVCBROKER_* environment overrides to cfg.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(envvar.RvcbrokerModelsPath); v != "" {
		cfg.Storage.ModelsDir = v
	}

	if v := os.Getenv(envvar.RvcbrokerDevice); v != "" {
		mode := strings.ToLower(strings.TrimSpace(v))
		switch mode {
		case "auto", "cpu", "cuda":
			cfg.Device.Mode = mode
		default:
			return fmt.Errorf("config: invalid %s %q", envvar.RvcbrokerDevice, v)
		}
	}

	if err := envPort(envvar.RvcbrokerServerHTTPPort, &cfg.Server.HTTPPort); err != nil {
		return err
	}

	return envPort(envvar.RvcbrokerServerGRPCPort, &cfg.Server.GRPCPort)
}

func envPort(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}

	port, err := strconv.Atoi(v)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("config: invalid %s %q", name, v)
	}
	*dst = port

	return nil
}

func compileSchema(schemaPath string) (*jsonschema.Schema, error) {
	if schemaPath != "" {
		return jsonschema.Compile(schemaPath)
	}

	return jsonschema.CompileString(embeddedSchemaURL, embeddedSchema)
}

func (c *Config) expandPaths() {
	c.Storage.ModelsDir = xfs.ExpandTilde(c.Storage.ModelsDir)
	c.Storage.OutputsDir = xfs.ExpandTilde(c.Storage.OutputsDir)
	c.Storage.TempDir = xfs.ExpandTilde(c.Storage.TempDir)
	c.Storage.FeatureExtractor = xfs.ExpandTilde(c.Storage.FeatureExtractor)
	c.Engine.Script = xfs.ExpandTilde(c.Engine.Script)
	c.Engine.Workdir = xfs.ExpandTilde(c.Engine.Workdir)
}
