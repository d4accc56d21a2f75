package service

import (
	"fmt"

	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// Error definitions for the service package.
var (
	ErrModelRequired      = fmt.Errorf("%w: model name is required", fault.ErrValidation)
	ErrInputRequired      = fmt.Errorf("%w: input audio path is required", fault.ErrValidation)
	ErrInputNotFound      = fmt.Errorf("%w: input audio not found", fault.ErrNotFound)
	ErrNoModelLoaded      = fmt.Errorf("%w: no model loaded", fault.ErrValidation)
	ErrInvalidPitchMethod = fmt.Errorf("%w: unsupported pitch extraction method", fault.ErrValidation)
	ErrInvalidIndexRate   = fmt.Errorf("%w: index rate must be between 0 and 1", fault.ErrValidation)
	ErrEmptyText          = fmt.Errorf("%w: text is empty", fault.ErrValidation)
	ErrEngineUnavailable  = fmt.Errorf("%w: speech synthesis is not available", fault.ErrEngineUnavailable)
)
