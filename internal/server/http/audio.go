package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ekisa-team/rvcbroker/internal/service"
)

// AudioHandler serves produced audio files.
type AudioHandler struct {
	broker *service.Broker
}

// NewAudioHandler creates a new AudioHandler instance.
func NewAudioHandler(r chi.Router, broker *service.Broker) *AudioHandler {
	h := &AudioHandler{broker: broker}

	r.Get("/audio/{filename}", h.handleAudio)

	return h
}

// handleAudio looks the file up in the outputs directory, then the temp
// directory.
func (h *AudioHandler) handleAudio(w http.ResponseWriter, r *http.Request) {
	path, err := h.broker.Audio(chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, err)
		return
	}

	http.ServeFile(w, r, path)
}
