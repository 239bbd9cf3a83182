//go:build integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/closewire/internal/harvest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func unitVector(hot int) []float32 {
	v := make([]float32, 1536)
	v[hot] = 1
	return v
}

func TestIntegration_InsertAndSearch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	program := "integration-" + uuid.New().String()[:8]
	round := 3

	nuggets := []harvest.KnowledgeNugget{
		{
			ProgramIDHash:      program,
			SemanticTrigger:    "Fees feel unaffordable",
			Embedding:          unitVector(0),
			CounsellorResponse: "EMI plans from 3k a month",
			TechniqueLabel:     "Reframing",
			SourceAgent:        harvest.SourceAI,
			PersonaArchetype:   "anxious_parent",
			OutcomeMetrics:     harvest.OutcomeMetrics{TrustDelta: 8, SkepticismDelta: -2, TriggerRound: &round},
		},
		{
			ProgramIDHash:      program,
			SemanticTrigger:    "Worried AI will replace Java",
			Embedding:          unitVector(1),
			CounsellorResponse: "Java runs enterprise AI",
			TechniqueLabel:     "Future Pacing",
			SourceAgent:        harvest.SourceHuman,
			PersonaArchetype:   "skeptical_grad",
			OutcomeMetrics:     harvest.OutcomeMetrics{TrustDelta: 2, SkepticismDelta: -9},
		},
	}

	n, err := s.InsertNuggets(ctx, nuggets)
	if err != nil {
		t.Fatalf("InsertNuggets failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), "DELETE FROM knowledge_nuggets WHERE program_id_hash = $1", program)
	})

	matches, err := s.SearchSimilar(ctx, unitVector(0), 5, SearchFilter{ProgramIDHash: program})
	if err != nil {
		t.Fatalf("SearchSimilar failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].TechniqueLabel != "Reframing" || matches[0].Distance > 0.0001 {
		t.Errorf("expected exact match first, got %+v", matches[0])
	}
	if matches[0].Distance > matches[1].Distance {
		t.Error("matches not ordered by ascending distance")
	}
	if matches[0].OutcomeMetrics.TriggerRound == nil || *matches[0].OutcomeMetrics.TriggerRound != 3 {
		t.Errorf("outcome metrics not round-tripped: %+v", matches[0].OutcomeMetrics)
	}

	filtered, err := s.SearchSimilar(ctx, unitVector(0), 5, SearchFilter{ProgramIDHash: program, PersonaArchetype: "skeptical_grad"})
	if err != nil {
		t.Fatalf("SearchSimilar with archetype failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].TechniqueLabel != "Future Pacing" {
		t.Errorf("unexpected filtered matches %+v", filtered)
	}

	count, err := s.CountNuggets(ctx)
	if err != nil {
		t.Fatalf("CountNuggets failed: %v", err)
	}
	if count < 2 {
		t.Errorf("expected at least 2 nuggets, got %d", count)
	}

	listed, err := s.ListNuggets(ctx, 20)
	if err != nil {
		t.Fatalf("ListNuggets failed: %v", err)
	}
	if len(listed) == 0 {
		t.Error("expected listed nuggets")
	}
}

func TestIntegration_InsertRollsBackOnFailure(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	program := "integration-" + uuid.New().String()[:8]

	nuggets := []harvest.KnowledgeNugget{
		{ProgramIDHash: program, SemanticTrigger: "ok", Embedding: unitVector(2), PersonaArchetype: "unknown"},
		// Wrong dimension: rejected by the vector(1536) column.
		{ProgramIDHash: program, SemanticTrigger: "bad", Embedding: []float32{1, 2, 3}, PersonaArchetype: "unknown"},
	}
	if _, err := s.InsertNuggets(ctx, nuggets); err == nil {
		t.Fatal("expected insert failure for wrong dimension")
	}

	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM knowledge_nuggets WHERE program_id_hash = $1", program).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback to leave 0 rows, got %d", n)
	}
}
