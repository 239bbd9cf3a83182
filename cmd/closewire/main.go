package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/closewire/internal/anthropic"
	"github.com/MikeSquared-Agency/closewire/internal/config"
	"github.com/MikeSquared-Agency/closewire/internal/embedding"
	"github.com/MikeSquared-Agency/closewire/internal/gemini"
	"github.com/MikeSquared-Agency/closewire/internal/harvest"
	"github.com/MikeSquared-Agency/closewire/internal/ingest"
	"github.com/MikeSquared-Agency/closewire/internal/store"
)

var version = "dev"

// app carries the loaded configuration into every subcommand.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "closewire",
		Short: "Mine winning counsellor arguments from sales-training transcripts",
		Long: `closewire scans simulated student/counsellor conversations for moments where
the counsellor measurably raised trust or lowered skepticism, distills each into
an objection / response / technique summary and stores it in pgvector for
similarity search.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional.
			_ = godotenv.Load()
			a.cfg = config.Load()
			a.logger = setupLogging(a.cfg.LogLevel, logOutput(cmd))
			return nil
		},
	}

	rootCmd.AddCommand(
		a.serveCmd(),
		a.ingestCmd(),
		a.queryCmd(),
		a.verifyCmd(),
		a.migrateCmd(),
		a.backfillCmd(),
		a.parseCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// logOutput keeps stdout for command output; only the service logs there.
func logOutput(cmd *cobra.Command) io.Writer {
	if cmd.Name() == "serve" {
		return os.Stdout
	}
	return os.Stderr
}

func setupLogging(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := store.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.logger.Info("database connected")
	return db, nil
}

func (a *app) newEmbedder() (*embedding.Client, error) {
	emb, err := embedding.New(embedding.Config{
		Endpoint:   a.cfg.AzureEndpoint,
		APIKey:     a.cfg.AzureAPIKey,
		Deployment: a.cfg.AzureDeployment,
		APIVersion: a.cfg.AzureAPIVersion,
		Dimensions: a.cfg.EmbeddingDimensions,
		MaxRetries: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding client: %w", err)
	}
	return emb, nil
}

// newGenerator returns the configured LLM backend, or nil when it cannot be
// built. A nil generator makes the normalizer use raw triad text.
func (a *app) newGenerator(ctx context.Context) harvest.Generator {
	switch a.cfg.LLMProvider {
	case config.ProviderAnthropic:
		client, err := anthropic.New(anthropic.Config{
			APIKey: a.cfg.AnthropicAPIKey,
			Model:  a.cfg.AnthropicModel,
		})
		if err != nil {
			a.logger.Warn("anthropic unavailable, normalization will use raw triad text", "error", err)
			return nil
		}
		a.logger.Info("anthropic client ready", "model", client.Model())
		return client
	case config.ProviderGemini:
		client, err := gemini.New(ctx, gemini.Config{
			APIKey: a.cfg.GeminiAPIKey,
			Model:  gemini.ResolveModel(a.cfg.GeminiModel, a.cfg.GeminiMode),
		})
		if err != nil {
			a.logger.Warn("gemini unavailable, normalization will use raw triad text", "error", err)
			return nil
		}
		a.logger.Info("gemini client ready", "model", client.Model())
		return client
	default:
		a.logger.Warn("unknown LLM_PROVIDER, normalization will use raw triad text", "provider", a.cfg.LLMProvider)
		return nil
	}
}

func (a *app) newPipeline(ctx context.Context, db *store.Store, emb *embedding.Client, opts ...ingest.Option) *ingest.Pipeline {
	normalizer := harvest.NewNormalizer(a.newGenerator(ctx), a.logger)
	opts = append([]ingest.Option{ingest.WithConcurrency(a.cfg.IngestConcurrency)}, opts...)
	return ingest.New(normalizer, emb, db, a.logger, opts...)
}
