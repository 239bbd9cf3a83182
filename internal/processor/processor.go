package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/closewire/internal/hermes"
	"github.com/MikeSquared-Agency/closewire/internal/ingest"
)

// Upper bound for one transcript: every triad makes a generation and an
// embedding call.
const transcriptTimeout = 10 * time.Minute

// Source name used when an event does not carry one.
const defaultSourceName = "nats-event.json"

var errEmptyPayload = errors.New("transcript event has no payload")

type Ingester interface {
	IngestBytes(ctx context.Context, data []byte, sourceName string) (ingest.Result, error)
}

type Publisher interface {
	Publish(subject string, data any) error
}

// Processor consumes completed-transcript events from NATS and ingests them.
type Processor struct {
	ingester  Ingester
	publisher Publisher
	logger    *slog.Logger
}

func New(ing Ingester, pub Publisher, logger *slog.Logger) *Processor {
	return &Processor{ingester: ing, publisher: pub, logger: logger}
}

// HandleTranscriptCompleted is the NATS handler for closewire.transcript.completed.
func (p *Processor) HandleTranscriptCompleted(subject string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), transcriptTimeout)
	defer cancel()

	var evt hermes.TranscriptCompletedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Error("failed to parse transcript event", "subject", subject, "error", err)
		p.publishFailure("", err)
		return
	}
	if len(evt.Payload) == 0 || string(evt.Payload) == "null" {
		p.logger.Error("transcript event without payload", "source_name", evt.SourceName)
		p.publishFailure(evt.SourceName, errEmptyPayload)
		return
	}

	if evt.SourceName == "" {
		evt.SourceName = defaultSourceName
	}

	p.logger.Info("processing transcript", "source_name", evt.SourceName, "bytes", len(evt.Payload))

	res, err := p.ingester.IngestBytes(ctx, evt.Payload, evt.SourceName)
	if err != nil {
		p.logger.Error("ingestion failed", "source_name", evt.SourceName, "error", err)
		p.publishFailure(evt.SourceName, err)
		return
	}

	p.logger.Info("transcript processed",
		"source_name", evt.SourceName,
		"inserted", res.Inserted,
		"program_id_hash", res.ProgramIDHash,
	)
}

func (p *Processor) publishFailure(sourceName string, cause error) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(hermes.SubjectTranscriptFailed, hermes.FailedEvent{
		SourceName: sourceName,
		Error:      cause.Error(),
	}); err != nil {
		p.logger.Error("failed to publish transcript failure", "source_name", sourceName, "error", err)
	}
}
