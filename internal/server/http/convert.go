package http

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/rvcbroker/internal/service"
)

type (
	// ModelDTO describes one voice model of the catalog.
	ModelDTO struct {
		Name     string  `json:"name"`
		Path     string  `json:"path"`
		HasIndex bool    `json:"has_index"`
		SizeMB   float64 `json:"size_mb"`
	}

	// LoadModelResponseDTO is the response body for the LoadModel operation.
	LoadModelResponseDTO struct {
		Success    bool   `json:"success"`
		Model      string `json:"model"`
		Variant    string `json:"variant"`
		SampleRate int    `json:"sample_rate"`
		Device     string `json:"device"`
		Precision  string `json:"precision"`
	}

	// ConvertRequestDTO is the request body for the Convert operation.
	ConvertRequestDTO struct {
		InputAudio string   `json:"input_audio" doc:"Path of the input audio file"`
		ModelName  string   `json:"model_name" doc:"Name of the voice model"`
		Pitch      int      `json:"pitch,omitempty" doc:"Pitch shift in semitones"`
		F0Method   string   `json:"f0_method,omitempty" doc:"Pitch extraction method: pm, harvest, crepe or rmvpe"`
		IndexRate  *float64 `json:"index_rate,omitempty" doc:"Index influence between 0 and 1"`
		OutputName string   `json:"output_name,omitempty" doc:"Output file name"`
	}

	// ConvertResponseDTO is the response body for the Convert operation.
	ConvertResponseDTO struct {
		Success    bool                   `json:"success"`
		OutputPath string                 `json:"output_path"`
		Model      string                 `json:"model"`
		JobID      string                 `json:"job_id"`
		Variant    string                 `json:"variant"`
		SampleRate int                    `json:"sample_rate"`
		Duration   float64                `json:"duration"`
		IndexUsed  bool                   `json:"index_used"`
		Timings    service.TimingsSeconds `json:"timings"`
	}
)

type (
	// ListModelsOutput is the huma output for the ListModels operation.
	ListModelsOutput struct {
		Body []ModelDTO
	}

	// LoadModelInput is the huma input for the LoadModel operation.
	LoadModelInput struct {
		ModelName string `query:"model_name" doc:"Name of the voice model"`
	}

	// LoadModelOutput is the huma output for the LoadModel operation.
	LoadModelOutput struct {
		Body LoadModelResponseDTO
	}

	// ConvertInput is the huma input for the Convert operation.
	ConvertInput struct {
		Body ConvertRequestDTO
	}

	// ConvertOutput is the huma output for the Convert operation.
	ConvertOutput struct {
		Body ConvertResponseDTO
	}
)

// ConvertHandler handles HTTP requests for the model catalog and voice
// conversion.
type ConvertHandler struct {
	broker *service.Broker
}

// NewConvertHandler creates a new ConvertHandler instance.
func NewConvertHandler(api huma.API, broker *service.Broker) *ConvertHandler {
	h := &ConvertHandler{broker: broker}

	huma.Register(api, huma.Operation{
		OperationID:   "list-models",
		Method:        http.MethodGet,
		Path:          "/models",
		Summary:       "List available voice models",
		Tags:          []string{"models"},
		DefaultStatus: http.StatusOK,
	}, h.handleListModels)

	huma.Register(api, huma.Operation{
		OperationID:   "load-model",
		Method:        http.MethodPost,
		Path:          "/models/load",
		Summary:       "Load a voice model",
		Tags:          []string{"models"},
		DefaultStatus: http.StatusOK,
	}, h.handleLoadModel)

	huma.Register(api, huma.Operation{
		OperationID:   "convert",
		Method:        http.MethodPost,
		Path:          "/convert",
		Summary:       "Convert an audio file to a voice model",
		Tags:          []string{"convert"},
		DefaultStatus: http.StatusOK,
	}, h.handleConvert)

	return h
}

// handleListModels handles the list-models operation.
func (h *ConvertHandler) handleListModels(context.Context, *struct{}) (*ListModelsOutput, error) {
	models, err := h.broker.Models()
	if err != nil {
		return nil, toHTTPError(err)
	}

	out := &ListModelsOutput{Body: make([]ModelDTO, 0, len(models))}
	for _, m := range models {
		out.Body = append(out.Body, ModelDTO{
			Name:     m.Name,
			Path:     m.Dir,
			HasIndex: m.HasIndex(),
			SizeMB:   m.SizeMB(),
		})
	}

	return out, nil
}

// handleLoadModel handles the load-model operation.
func (h *ConvertHandler) handleLoadModel(ctx context.Context, input *LoadModelInput) (*LoadModelOutput, error) {
	res, err := h.broker.LoadModel(ctx, input.ModelName)
	if err != nil {
		return nil, toHTTPError(err)
	}

	return &LoadModelOutput{
		Body: LoadModelResponseDTO{
			Success:    true,
			Model:      res.Model,
			Variant:    res.Variant,
			SampleRate: res.SampleRate,
			Device:     res.Device,
			Precision:  res.Precision,
		},
	}, nil
}

// handleConvert handles the convert operation.
func (h *ConvertHandler) handleConvert(ctx context.Context, input *ConvertInput) (*ConvertOutput, error) {
	res, err := h.broker.Convert(ctx, &service.ConvertRequest{
		InputAudio: input.Body.InputAudio,
		ModelName:  input.Body.ModelName,
		Pitch:      input.Body.Pitch,
		F0Method:   input.Body.F0Method,
		IndexRate:  input.Body.IndexRate,
		OutputName: input.Body.OutputName,
	})
	if err != nil {
		return nil, toHTTPError(err)
	}

	return &ConvertOutput{
		Body: ConvertResponseDTO{
			Success:    true,
			OutputPath: res.OutputPath,
			Model:      res.Model,
			JobID:      res.JobID,
			Variant:    res.Variant,
			SampleRate: res.SampleRate,
			Duration:   res.Duration,
			IndexUsed:  res.IndexUsed,
			Timings:    res.Timings,
		},
	}, nil
}
