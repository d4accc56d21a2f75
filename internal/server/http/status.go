package http

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/rvcbroker/internal/service"
)

// StatusOutput is the huma output for the status operation.
type StatusOutput struct {
	Body *service.Status
}

// StatusHandler serves the liveness and capabilities probe.
type StatusHandler struct {
	broker *service.Broker
}

// NewStatusHandler creates a new StatusHandler instance.
func NewStatusHandler(api huma.API, broker *service.Broker) *StatusHandler {
	h := &StatusHandler{broker: broker}

	huma.Register(api, huma.Operation{
		OperationID:   "status",
		Method:        http.MethodGet,
		Path:          "/",
		Summary:       "Report liveness, device and capabilities",
		Tags:          []string{"system"},
		DefaultStatus: http.StatusOK,
	}, h.handleStatus)

	return h
}

func (h *StatusHandler) handleStatus(context.Context, *struct{}) (*StatusOutput, error) {
	return &StatusOutput{Body: h.broker.Status()}, nil
}
