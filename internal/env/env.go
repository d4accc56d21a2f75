// Package env resolves the runtime environment the broker is running in.
package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/rvcbroker/internal/envvar"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

// FromEnv reads the environment from RVCBROKER_ENV, defaulting to development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.RvcbrokerEnv))
}

// Parse maps a raw value onto a known environment.
func Parse(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return Production
	case "test", "testing":
		return Test
	default:
		return Development
	}
}

// IsProduction reports whether e is the production environment.
func (e Environment) IsProduction() bool {
	return e == Production
}
