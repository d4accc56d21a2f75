package http

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/rvcbroker/internal/service"
)

type (
	// SynthesizeRequestDTO is the request body for the Synthesize operation.
	SynthesizeRequestDTO struct {
		Text  string `json:"text" maxLength:"10000"`
		Voice string `json:"voice,omitempty" doc:"Voice identifier, e.g. pt-BR-FranciscaNeural"`
		Rate  int    `json:"rate,omitempty" doc:"Rate offset in percent"`
		Pitch int    `json:"pitch,omitempty" doc:"Pitch offset in Hz"`
	}

	// SynthesizeResponseDTO is the response body for the Synthesize operation.
	SynthesizeResponseDTO struct {
		Success    bool   `json:"success"`
		OutputPath string `json:"output_path"`
		Voice      string `json:"voice"`
		JobID      string `json:"job_id"`
	}
)

type (
	// SynthesizeInput is the huma input for the Synthesize operation.
	SynthesizeInput struct {
		Body SynthesizeRequestDTO
	}

	// SynthesizeOutput is the huma output for the Synthesize operation.
	SynthesizeOutput struct {
		Body SynthesizeResponseDTO
	}
)

// TTSHandler handles HTTP requests for TTS.
type TTSHandler struct {
	broker *service.Broker
}

// NewTTSHandler creates a new TTSHandler instance.
func NewTTSHandler(api huma.API, broker *service.Broker) *TTSHandler {
	h := &TTSHandler{broker: broker}

	huma.Register(api, huma.Operation{
		OperationID:   "synthesize",
		Method:        http.MethodPost,
		Path:          "/tts",
		Summary:       "Synthesize speech from text",
		Tags:          []string{"tts"},
		DefaultStatus: http.StatusOK,
	}, h.handleSynthesize)

	return h
}

// handleSynthesize handles the synthesize operation.
func (h *TTSHandler) handleSynthesize(ctx context.Context, input *SynthesizeInput) (*SynthesizeOutput, error) {
	res, err := h.broker.Synthesize(ctx, &service.SynthesizeRequest{
		Text:  input.Body.Text,
		Voice: input.Body.Voice,
		Rate:  input.Body.Rate,
		Pitch: input.Body.Pitch,
	})
	if err != nil {
		return nil, toHTTPError(err)
	}

	return &SynthesizeOutput{
		Body: SynthesizeResponseDTO{
			Success:    true,
			OutputPath: res.OutputPath,
			Voice:      res.Voice,
			JobID:      res.JobID,
		},
	}, nil
}
