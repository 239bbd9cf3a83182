// Package ingest turns one transcript into persisted knowledge nuggets:
// identify winning triads, normalize and embed each, then store them all in a
// single transaction.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/closewire/internal/harvest"
	"github.com/MikeSquared-Agency/closewire/internal/hermes"
	"github.com/MikeSquared-Agency/closewire/internal/transcript"
)

type TriadNormalizer interface {
	Normalize(ctx context.Context, triad harvest.WinningTriad) harvest.NormalizedTriad
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NuggetWriter persists nuggets atomically: all or none.
type NuggetWriter interface {
	InsertNuggets(ctx context.Context, nuggets []harvest.KnowledgeNugget) (int, error)
}

type Notifier interface {
	NotifyIngested(ctx context.Context, evt hermes.IngestedEvent) error
}

// Result reports one ingestion.
type Result struct {
	SourceName       string                     `json:"source_name"`
	ProgramIDHash    string                     `json:"program_id_hash"`
	SourceAgent      string                     `json:"source_agent"`
	PersonaArchetype string                     `json:"persona_archetype"`
	Inserted         int                        `json:"inserted"`
	Records          []harvest.NormalizedRecord `json:"records"`
}

type Pipeline struct {
	normalizer  TriadNormalizer
	embedder    Embedder
	writer      NuggetWriter
	notifier    Notifier
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Pipeline)

// WithNotifier publishes an event after every committed ingestion.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithConcurrency bounds how many triads of one transcript are normalized and
// embedded at once. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n < 1 {
			n = 1
		}
		p.concurrency = n
	}
}

func New(normalizer TriadNormalizer, embedder Embedder, writer NuggetWriter, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		normalizer:  normalizer,
		embedder:    embedder,
		writer:      writer,
		concurrency: 1,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IngestFile loads a traceability export from disk and ingests it.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (Result, error) {
	payload, err := transcript.Load(path)
	if err != nil {
		return Result{}, err
	}
	return p.Ingest(ctx, payload, path)
}

// IngestBytes decodes a traceability export and ingests it. sourceName stands
// in for the file name in metadata inference.
func (p *Pipeline) IngestBytes(ctx context.Context, data []byte, sourceName string) (Result, error) {
	payload, err := transcript.Decode(data)
	if err != nil {
		return Result{}, err
	}
	return p.Ingest(ctx, payload, sourceName)
}

// Ingest extracts, embeds and persists the winning triads of payload. A
// transcript without winning triads returns a zero Result without calling
// any collaborator. Any embedding or persistence error aborts the whole
// transcript and nothing is stored.
func (p *Pipeline) Ingest(ctx context.Context, payload *transcript.Payload, sourceName string) (Result, error) {
	res := Result{
		SourceName:       filepath.Base(sourceName),
		ProgramIDHash:    payload.ProgramIDHash(sourceName),
		SourceAgent:      payload.SourceAgent(sourceName),
		PersonaArchetype: payload.PersonaArchetype(),
		Records:          []harvest.NormalizedRecord{},
	}

	triads := harvest.IdentifyWinningTriads(payload.Messages)
	if len(triads) == 0 {
		p.logger.Info("no winning triads", "source_name", res.SourceName, "messages", len(payload.Messages))
		return res, nil
	}

	p.logger.Info("ingesting transcript",
		"source_name", res.SourceName,
		"messages", len(payload.Messages),
		"triads", len(triads),
		"source_agent", res.SourceAgent,
		"persona_archetype", res.PersonaArchetype,
	)

	nuggets, err := p.buildNuggets(ctx, triads, res)
	if err != nil {
		return Result{}, err
	}

	inserted, err := p.writer.InsertNuggets(ctx, nuggets)
	if err != nil {
		return Result{}, fmt.Errorf("persist nuggets: %w", err)
	}
	res.Inserted = inserted
	res.Records = lo.Map(nuggets, func(n harvest.KnowledgeNugget, _ int) harvest.NormalizedRecord {
		return harvest.NormalizedRecord{
			Trigger:         n.SemanticTrigger,
			Response:        n.CounsellorResponse,
			Technique:       n.TechniqueLabel,
			TrustDelta:      n.OutcomeMetrics.TrustDelta,
			SkepticismDelta: n.OutcomeMetrics.SkepticismDelta,
			Round:           n.OutcomeMetrics.TriggerRound,
		}
	})

	p.logger.Info("transcript ingested", "source_name", res.SourceName, "inserted", inserted)

	if p.notifier != nil {
		evt := hermes.IngestedEvent{
			SourceName:       res.SourceName,
			ProgramIDHash:    res.ProgramIDHash,
			SourceAgent:      res.SourceAgent,
			PersonaArchetype: res.PersonaArchetype,
			Inserted:         inserted,
		}
		if err := p.notifier.NotifyIngested(ctx, evt); err != nil {
			p.logger.Warn("failed to publish ingested event", "source_name", res.SourceName, "error", err)
		}
	}

	return res, nil
}

// buildNuggets normalizes and embeds each triad, keeping transcript order.
// The first embedding failure cancels the remaining work.
func (p *Pipeline) buildNuggets(ctx context.Context, triads []harvest.WinningTriad, res Result) ([]harvest.KnowledgeNugget, error) {
	nuggets := make([]harvest.KnowledgeNugget, len(triads))
	createdAt := p.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, triad := range triads {
		g.Go(func() error {
			norm := p.normalizer.Normalize(gctx, triad)
			vec, err := p.embedder.Embed(gctx, norm.Trigger)
			if err != nil {
				return fmt.Errorf("embed triad %d: %w", i, err)
			}
			nuggets[i] = harvest.KnowledgeNugget{
				ID:                 uuid.New(),
				ProgramIDHash:      res.ProgramIDHash,
				SemanticTrigger:    norm.Trigger,
				Embedding:          vec,
				CounsellorResponse: norm.Response,
				TechniqueLabel:     norm.Technique,
				SourceAgent:        res.SourceAgent,
				PersonaArchetype:   res.PersonaArchetype,
				OutcomeMetrics: harvest.OutcomeMetrics{
					TrustDelta:      triad.TrustDelta,
					SkepticismDelta: triad.SkepticismDelta,
					TriggerRound:    triad.Trigger.Round,
					ReactionRound:   triad.Reaction.Round,
				},
				CreatedAt: createdAt,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return nuggets, nil
}
