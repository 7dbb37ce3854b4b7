package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/pipeline"
)

// inferHandler serves POST /v1/infer: it decodes one InferenceRequest,
// runs it through the coordinator's Submit, and writes back either the
// InferenceResponse or the *SubmitError's wire form.
type inferHandler struct {
	coord     *pipeline.Coordinator
	strategy  pipeline.Strategy
	modelName string
}

func (h *inferHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pipeline.InferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.ModelName == "" {
		req.ModelName = h.modelName
	}

	resp, err := h.coord.Submit(r.Context(), req, h.strategy)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		slog.Warn("coordinator: submit failed", "request_id", req.RequestID, "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(err)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}
