package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/closewire/internal/api"
	"github.com/MikeSquared-Agency/closewire/internal/backfill"
	"github.com/MikeSquared-Agency/closewire/internal/hermes"
	"github.com/MikeSquared-Agency/closewire/internal/ingest"
	"github.com/MikeSquared-Agency/closewire/internal/processor"
	"github.com/MikeSquared-Agency/closewire/internal/store"
	"github.com/MikeSquared-Agency/closewire/internal/turn"
)

const (
	defaultQueryText = "The fees are too high."
	verifyListLimit  = 20
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Harvest winning triads from one traceability JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			migrate, _ := cmd.Flags().GetBool("migrate")

			if _, err := os.Stat(file); err != nil {
				return fmt.Errorf("file not found: %s", file)
			}

			ctx, cancel := signalContext()
			defer cancel()

			db, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if migrate {
				if err := db.Migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			emb, err := a.newEmbedder()
			if err != nil {
				return err
			}

			res, err := a.newPipeline(ctx, db, emb).IngestFile(ctx, file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingestion complete. knowledge_nuggets inserted: %d\n", res.Inserted)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to a conversation traceability JSON file")
	cmd.Flags().Bool("migrate", false, "Apply database migrations before ingesting")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find the stored nuggets closest to a student objection",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, _ := cmd.Flags().GetString("text")
			topK, _ := cmd.Flags().GetInt("top-k")
			program, _ := cmd.Flags().GetString("program")
			archetype, _ := cmd.Flags().GetString("archetype")
			if topK < 1 {
				topK = 1
			}

			ctx, cancel := signalContext()
			defer cancel()

			db, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			emb, err := a.newEmbedder()
			if err != nil {
				return err
			}
			vec, err := emb.Embed(ctx, text)
			if err != nil {
				return err
			}

			matches, err := db.SearchSimilar(ctx, vec, topK, store.SearchFilter{
				ProgramIDHash:    program,
				PersonaArchetype: archetype,
			})
			if err != nil {
				return err
			}
			printMatches(cmd.OutOrStdout(), text, matches)
			return nil
		},
	}
	cmd.Flags().String("text", defaultQueryText, "Objection text to search for")
	cmd.Flags().Int("top-k", 3, "Number of matches to return")
	cmd.Flags().String("program", "", "Only match this program_id_hash")
	cmd.Flags().String("archetype", "", "Only match this persona archetype")
	return cmd
}

func printMatches(w io.Writer, text string, matches []store.SimilarMatch) {
	if len(matches) == 0 {
		fmt.Fprintln(w, "No knowledge nuggets found.")
		return
	}
	fmt.Fprintf(w, "Top %d matches for: %s\n", len(matches), text)
	fmt.Fprintln(w, strings.Repeat("-", 48))
	for i, m := range matches {
		metrics, _ := json.Marshal(m.OutcomeMetrics)
		fmt.Fprintf(w, "%d. distance=%.4f technique=%s\n", i+1, m.Distance, m.TechniqueLabel)
		fmt.Fprintf(w, "   trigger: %s\n", m.SemanticTrigger)
		fmt.Fprintf(w, "   response: %s\n", m.CounsellorResponse)
		fmt.Fprintf(w, "   outcome_metrics: %s\n", metrics)
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Print the stored nugget count and the most recent nuggets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			db, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := db.CountNuggets(ctx)
			if err != nil {
				return err
			}
			nuggets, err := db.ListNuggets(ctx, verifyListLimit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "knowledge_nuggets count: %d\n", count)
			for i, n := range nuggets {
				metrics, _ := json.Marshal(n.OutcomeMetrics)
				fmt.Fprintf(w, "%d. technique=%s outcome_metrics=%s\n", i+1, n.TechniqueLabel, metrics)
			}
			return nil
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the vector extension and knowledge_nuggets table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			db, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		},
	}
}

func (a *app) backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest every traceability export under a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			statePath, _ := cmd.Flags().GetString("state")
			if statePath == "" {
				statePath = a.cfg.BackfillStatePath
			}

			ctx, cancel := signalContext()
			defer cancel()

			cfg := backfill.Config{Dir: dir, StatePath: statePath, DryRun: dryRun}

			var ing backfill.FileIngester
			if !dryRun {
				db, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				defer db.Close()

				emb, err := a.newEmbedder()
				if err != nil {
					return err
				}
				ing = a.newPipeline(ctx, db, emb)
			}

			sum, err := backfill.NewRunner(cfg, ing, a.logger).Run(ctx)
			fmt.Fprint(cmd.OutOrStdout(), sum.String())
			return err
		},
	}
	cmd.Flags().String("dir", "", "Directory containing traceability JSON files")
	cmd.Flags().Bool("dry-run", false, "Count winning triads without generating, embedding or writing")
	cmd.Flags().String("state", "", "Backfill state file (default $BACKFILL_STATE_PATH)")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func (a *app) parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse one agent turn and apply its UPDATED_STATE",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			stateJSON, _ := cmd.Flags().GetString("state")

			var raw []byte
			var err error
			if file == "" || file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read turn: %w", err)
			}

			var current map[string]any
			if strings.TrimSpace(stateJSON) != "" {
				if err := json.Unmarshal([]byte(stateJSON), &current); err != nil {
					return fmt.Errorf("parse --state: %w", err)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(turn.Apply(string(raw), current))
		},
	}
	cmd.Flags().String("file", "", "File holding the agent output (default stdin)")
	cmd.Flags().String("state", "", "Current inner state as a JSON object")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the NATS transcript consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			logger := a.logger
			logger.Info("closewire starting", "port", cfg.Port, "llm_provider", cfg.LLMProvider)

			ctx, cancel := signalContext()
			defer cancel()

			db, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			emb, err := a.newEmbedder()
			if err != nil {
				return err
			}

			hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
			if err != nil {
				return fmt.Errorf("connect to NATS: %w", err)
			}
			defer hermesClient.Close()
			logger.Info("NATS connected", "url", cfg.NatsURL)

			pipeline := a.newPipeline(ctx, db, emb, ingest.WithNotifier(hermesClient))

			proc := processor.New(pipeline, hermesClient, logger)
			if err := hermesClient.Subscribe(hermes.SubjectTranscriptCompleted, proc.HandleTranscriptCompleted); err != nil {
				return fmt.Errorf("subscribe to transcript events: %w", err)
			}

			srv := api.NewServer(cfg.Port, cfg.APIToken, api.Deps{
				Ingester:      pipeline,
				Embedder:      emb,
				Nuggets:       db,
				NATSConnected: hermesClient.Connected,
				LLMProvider:   cfg.LLMProvider,
			}, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			if err := hermesClient.Publish("swarm.agent.closewire.registered", map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"port":      cfg.Port,
			}); err != nil {
				logger.Warn("failed to publish registration", "error", err)
			}

			logger.Info("closewire ready", "port", cfg.Port)

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
			}

			logger.Info("shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
			logger.Info("closewire stopped")
			return nil
		},
	}
}
