// Package fault defines the error kinds surfaced to callers of the broker.
//
// Package-level sentinels elsewhere wrap one of the kinds below with %w so that
// a caller can classify any failure with errors.Is or KindOf, regardless of
// how many layers added context on the way up.
package fault

import "errors"

// Kind is the machine-readable classification of a failure.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindEngineUnavailable Kind = "engine_unavailable"
	KindLoadFailed        Kind = "load_failed"
	KindInferenceFailed   Kind = "inference_failed"
	KindSynthesisFailed   Kind = "synthesis_failed"
	KindInternal          Kind = "internal_error"
)

// Error kinds.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrLoadFailed        = errors.New("load failed")
	ErrInferenceFailed   = errors.New("inference failed")
	ErrSynthesisFailed   = errors.New("synthesis failed")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrEngineUnavailable, KindEngineUnavailable},
	{ErrLoadFailed, KindLoadFailed},
	{ErrInferenceFailed, KindInferenceFailed},
	{ErrSynthesisFailed, KindSynthesisFailed},
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}

	return KindInternal
}
