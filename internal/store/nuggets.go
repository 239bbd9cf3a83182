package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/MikeSquared-Agency/closewire/internal/harvest"
)

// Column widths from the knowledge_nuggets schema.
const (
	maxTechniqueRunes   = 120
	maxSourceAgentRunes = 40
	maxArchetypeRunes   = 80
)

// SearchFilter narrows a similarity search. Empty fields do not filter.
type SearchFilter struct {
	ProgramIDHash    string
	PersonaArchetype string
}

// SimilarMatch is a stored nugget ranked by cosine distance to a query vector.
type SimilarMatch struct {
	ID                 uuid.UUID              `json:"id"`
	ProgramIDHash      string                 `json:"program_id_hash"`
	PersonaArchetype   string                 `json:"persona_archetype"`
	TechniqueLabel     string                 `json:"technique_label"`
	SemanticTrigger    string                 `json:"semantic_trigger"`
	CounsellorResponse string                 `json:"counsellor_response"`
	OutcomeMetrics     harvest.OutcomeMetrics `json:"outcome_metrics"`
	Distance           float64                `json:"distance"`
}

// InsertNuggets writes all nuggets in a single transaction. Either every row
// is committed or none is. Nuggets without an ID or timestamp get one.
func (s *Store) InsertNuggets(ctx context.Context, nuggets []harvest.KnowledgeNugget) (int, error) {
	if len(nuggets) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for i, n := range nuggets {
		if n.ID == uuid.Nil {
			n.ID = uuid.New()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO knowledge_nuggets (id, program_id_hash, semantic_trigger, embedding, counsellor_response,
				technique_label, source_agent, persona_archetype, outcome_metrics, similarity_score, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			n.ID, n.ProgramIDHash, n.SemanticTrigger, pgvector.NewVector(n.Embedding), n.CounsellorResponse,
			clip(n.TechniqueLabel, maxTechniqueRunes), clip(n.SourceAgent, maxSourceAgentRunes),
			clip(n.PersonaArchetype, maxArchetypeRunes), n.OutcomeMetrics, n.SimilarityScore, n.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert nugget %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(nuggets), nil
}

// SearchSimilar returns up to topK nuggets ordered by ascending cosine
// distance to embedding.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float32, topK int, filter SearchFilter) ([]SimilarMatch, error) {
	if topK < 1 {
		topK = 1
	}

	args := []any{pgvector.NewVector(embedding)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.ProgramIDHash != "" {
		conditions = append(conditions, "program_id_hash = "+next(filter.ProgramIDHash))
	}
	if filter.PersonaArchetype != "" {
		conditions = append(conditions, "persona_archetype = "+next(filter.PersonaArchetype))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	q := fmt.Sprintf(`
		SELECT id, program_id_hash, persona_archetype, technique_label, semantic_trigger,
		       counsellor_response, outcome_metrics, embedding <=> $1 AS distance
		FROM knowledge_nuggets
		%s
		ORDER BY distance
		LIMIT %s`, where, next(topK))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search nuggets: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SimilarMatch, error) {
		var m SimilarMatch
		err := row.Scan(&m.ID, &m.ProgramIDHash, &m.PersonaArchetype, &m.TechniqueLabel, &m.SemanticTrigger,
			&m.CounsellorResponse, &m.OutcomeMetrics, &m.Distance)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan nuggets: %w", err)
	}
	if matches == nil {
		matches = []SimilarMatch{}
	}
	return matches, nil
}

// CountNuggets returns the number of stored nuggets.
func (s *Store) CountNuggets(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_nuggets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nuggets: %w", err)
	}
	return n, nil
}

// ListNuggets returns up to limit nuggets, most recent first, without embeddings.
func (s *Store) ListNuggets(ctx context.Context, limit int) ([]harvest.KnowledgeNugget, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, program_id_hash, semantic_trigger, counsellor_response, technique_label,
		       source_agent, persona_archetype, outcome_metrics, similarity_score, created_at
		FROM knowledge_nuggets
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list nuggets: %w", err)
	}

	nuggets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.KnowledgeNugget, error) {
		var n harvest.KnowledgeNugget
		err := row.Scan(&n.ID, &n.ProgramIDHash, &n.SemanticTrigger, &n.CounsellorResponse, &n.TechniqueLabel,
			&n.SourceAgent, &n.PersonaArchetype, &n.OutcomeMetrics, &n.SimilarityScore, &n.CreatedAt)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan nuggets: %w", err)
	}
	return nuggets, nil
}

func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
