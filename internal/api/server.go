package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/closewire/internal/ingest"
	"github.com/MikeSquared-Agency/closewire/internal/store"
)

// Largest transcript body accepted by POST /api/v1/transcripts.
const maxTranscriptBytes = 16 << 20

type Ingester interface {
	IngestBytes(ctx context.Context, data []byte, sourceName string) (ingest.Result, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type NuggetReader interface {
	SearchSimilar(ctx context.Context, embedding []float32, topK int, filter store.SearchFilter) ([]store.SimilarMatch, error)
	CountNuggets(ctx context.Context) (int, error)
}

// Deps are the collaborators behind the API. Nil members disable the routes
// that need them (503).
type Deps struct {
	Ingester      Ingester
	Embedder      Embedder
	Nuggets       NuggetReader
	NATSConnected func() bool
	LLMProvider   string
}

type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(port int, apiToken string, deps Deps, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		deps:   deps,
		logger: logger,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.Get("/health", s.health)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/closewire/status", s.status)
		r.Get("/nuggets/count", s.countNuggets)
		r.Post("/nuggets/search", s.searchNuggets)
		r.Post("/turns/parse", s.parseTurn)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuthMiddleware(apiToken))
			r.Post("/transcripts", s.ingestTranscript)
		})
	})

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	natsConnected := false
	if s.deps.NATSConnected != nil {
		natsConnected = s.deps.NATSConnected()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":          "closewire",
		"status":         "ok",
		"llm_provider":   s.deps.LLMProvider,
		"nats_connected": natsConnected,
		"embeddings":     s.deps.Embedder != nil,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
