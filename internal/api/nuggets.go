package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/closewire/internal/store"
	"github.com/MikeSquared-Agency/closewire/internal/transcript"
)

const (
	defaultTopK = 3
	maxTopK     = 50
)

type searchRequest struct {
	Text             string `json:"text"`
	TopK             int    `json:"top_k"`
	ProgramIDHash    string `json:"program_id_hash,omitempty"`
	PersonaArchetype string `json:"persona_archetype,omitempty"`
}

type searchResponse struct {
	Matches []store.SimilarMatch `json:"matches"`
	Count   int                  `json:"count"`
}

// countNuggets handles GET /api/v1/nuggets/count
func (s *Server) countNuggets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Nuggets == nil {
		writeError(w, http.StatusServiceUnavailable, "nugget store not configured")
		return
	}
	n, err := s.deps.Nuggets.CountNuggets(r.Context())
	if err != nil {
		s.logger.Error("count nuggets failed", "error", err)
		writeError(w, http.StatusInternalServerError, "count failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// searchNuggets handles POST /api/v1/nuggets/search
func (s *Server) searchNuggets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Nuggets == nil || s.deps.Embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "similarity search not configured")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	switch {
	case req.TopK == 0:
		req.TopK = defaultTopK
	case req.TopK < 1:
		req.TopK = 1
	case req.TopK > maxTopK:
		req.TopK = maxTopK
	}

	vec, err := s.deps.Embedder.Embed(r.Context(), req.Text)
	if err != nil {
		s.logger.Error("embed query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "embedding failed")
		return
	}

	matches, err := s.deps.Nuggets.SearchSimilar(r.Context(), vec, req.TopK, store.SearchFilter{
		ProgramIDHash:    req.ProgramIDHash,
		PersonaArchetype: req.PersonaArchetype,
	})
	if err != nil {
		s.logger.Error("similarity search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{Matches: matches, Count: len(matches)})
}

// ingestTranscript handles POST /api/v1/transcripts?source=NAME. The body is a
// traceability export.
func (s *Server) ingestTranscript(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTranscriptBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		source = "api-upload.json"
	}

	res, err := s.deps.Ingester.IngestBytes(r.Context(), body, source)
	if err != nil {
		if errors.Is(err, transcript.ErrInvalidTranscript) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("transcript ingestion failed", "source_name", source, "error", err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	writeJSON(w, http.StatusOK, res)
}
