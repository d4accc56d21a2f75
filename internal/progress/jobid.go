package progress

import (
	"context"
	"fmt"

	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// JobIDHeader lets a caller choose the job id of its request, so it can
// subscribe to the progress stream before sending the request.
const JobIDHeader = "X-Job-Id"

const maxJobIDLen = 64

// ErrInvalidJobID is returned for a caller-chosen id that is not a plain token.
var ErrInvalidJobID = fmt.Errorf("%w: job id must be 1 to %d letters, digits, '-', '_' or '.'", fault.ErrValidation, maxJobIDLen)

type jobIDKey struct{}

// WithJobID returns a context that carries id as the job id of the request.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFrom returns the job id carried by ctx, or "" if there is none.
func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// ValidJobID reports whether id may be used as a caller-chosen job id.
func ValidJobID(id string) bool {
	if id == "" || len(id) > maxJobIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
