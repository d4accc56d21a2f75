package audio

import (
	"fmt"

	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// Error definitions for the audio package.
var (
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported audio format", fault.ErrValidation)
	ErrMalformed         = fmt.Errorf("%w: malformed audio file", fault.ErrValidation)
	ErrDecoderFailed     = fmt.Errorf("%w: could not decode input audio", fault.ErrValidation)
)
