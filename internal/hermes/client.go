package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects.
const (
	// SubjectTranscriptCompleted carries finished simulation transcripts.
	SubjectTranscriptCompleted = "closewire.transcript.completed"
	// SubjectNuggetsIngested is published after a transcript's nuggets commit.
	SubjectNuggetsIngested = "closewire.nuggets.ingested"
	// SubjectTranscriptFailed is published when a transcript event cannot be ingested.
	SubjectTranscriptFailed = "closewire.transcript.failed"
)

// TranscriptCompletedEvent is emitted by the simulator when a conversation ends.
// Payload is the traceability export, verbatim.
type TranscriptCompletedEvent struct {
	SourceName string          `json:"source_name"`
	Payload    json.RawMessage `json:"payload"`
}

// IngestedEvent summarizes one committed transcript ingestion.
type IngestedEvent struct {
	SourceName       string `json:"source_name"`
	ProgramIDHash    string `json:"program_id_hash"`
	SourceAgent      string `json:"source_agent"`
	PersonaArchetype string `json:"persona_archetype"`
	Inserted         int    `json:"inserted"`
}

type FailedEvent struct {
	SourceName string `json:"source_name"`
	Error      string `json:"error"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Connected reports whether the underlying NATS connection is up.
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// NotifyIngested publishes an IngestedEvent.
func (c *Client) NotifyIngested(_ context.Context, evt IngestedEvent) error {
	return c.Publish(SubjectNuggetsIngested, evt)
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
