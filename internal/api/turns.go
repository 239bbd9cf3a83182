package api

import (
	"encoding/json"
	"net/http"

	"github.com/MikeSquared-Agency/closewire/internal/turn"
)

type parseRequest struct {
	Text  string         `json:"text"`
	State map[string]any `json:"state,omitempty"`
}

// parseTurn handles POST /api/v1/turns/parse
func (s *Server) parseTurn(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, turn.Apply(req.Text, req.State))
}
