package model

import (
	"errors"
	"fmt"

	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// Error definitions for the model package.
var (
	ErrNotFound         = fmt.Errorf("%w: voice model not found", fault.ErrNotFound)
	ErrNoWeights        = fmt.Errorf("%w: no usable weights artifact", fault.ErrNotFound)
	ErrExtractorMissing = fmt.Errorf("%w: feature extractor artifact missing", fault.ErrLoadFailed)
	ErrUnknownVersion   = errors.New("unknown model version")
)
