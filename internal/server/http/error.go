package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// ErrorBody is the error model of every endpoint.
type ErrorBody struct {
	Status int    `json:"status"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Error implements error.
func (e *ErrorBody) Error() string {
	return e.Detail
}

// GetStatus implements huma.StatusError.
func (e *ErrorBody) GetStatus() int {
	return e.Status
}

func init() {
	// Framework-generated errors (bad JSON, schema violations) share the
	// error model and count as validation errors.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}

		detail := msg
		for _, err := range errs {
			if err != nil {
				detail += "; " + err.Error()
			}
		}

		return &ErrorBody{Status: status, Kind: string(kindForStatus(status)), Detail: detail}
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindEngineUnavailable:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) fault.Kind {
	switch status {
	case http.StatusBadRequest:
		return fault.KindValidation
	case http.StatusNotFound:
		return fault.KindNotFound
	case http.StatusPreconditionFailed:
		return fault.KindEngineUnavailable
	default:
		return fault.KindInternal
	}
}

// toHTTPError converts a service error into the error model.
func toHTTPError(err error) *ErrorBody {
	var body *ErrorBody
	if errors.As(err, &body) {
		return body
	}

	kind := fault.KindOf(err)

	return &ErrorBody{Status: statusFor(kind), Kind: string(kind), Detail: err.Error()}
}

// writeError writes err as JSON for handlers outside huma.
func writeError(w http.ResponseWriter, err error) {
	body := toHTTPError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Status)
	_ = json.NewEncoder(w).Encode(body)
}
