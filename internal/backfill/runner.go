package backfill

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/MikeSquared-Agency/closewire/internal/harvest"
	"github.com/MikeSquared-Agency/closewire/internal/ingest"
	"github.com/MikeSquared-Agency/closewire/internal/transcript"
)

// Config holds the backfill command configuration.
type Config struct {
	Dir       string
	StatePath string
	DryRun    bool // count winning triads only; no generation, embedding or DB writes
}

type FileIngester interface {
	IngestFile(ctx context.Context, path string) (ingest.Result, error)
}

// Summary reports one backfill run.
type Summary struct {
	FilesFound     int
	FilesSkipped   int
	FilesProcessed int
	TriadsFound    int
	Inserted       int
	Errors         int
	DryRun         bool
	StatePath      string
}

func (s Summary) String() string {
	var sb strings.Builder
	sb.WriteString("\n=== Backfill Summary ===\n")
	fmt.Fprintf(&sb, "Files found: %d\n", s.FilesFound)
	fmt.Fprintf(&sb, "Files skipped (already processed): %d\n", s.FilesSkipped)
	fmt.Fprintf(&sb, "Files processed: %d\n", s.FilesProcessed)
	if s.DryRun {
		fmt.Fprintf(&sb, "Winning triads found: %d\n", s.TriadsFound)
		sb.WriteString("Mode: DRY RUN (no DB writes)\n")
	} else {
		fmt.Fprintf(&sb, "knowledge_nuggets inserted: %d\n", s.Inserted)
	}
	fmt.Fprintf(&sb, "Errors: %d\n", s.Errors)
	if s.StatePath != "" {
		fmt.Fprintf(&sb, "State file: %s\n", s.StatePath)
	}
	return sb.String()
}

// Runner ingests every traceability export under a directory, skipping files
// a previous run already ingested.
type Runner struct {
	cfg      Config
	ingester FileIngester
	logger   *slog.Logger
}

// NewRunner creates a backfill runner. ingester may be nil for dry runs.
func NewRunner(cfg Config, ing FileIngester, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, ingester: ing, logger: logger}
}

// Run executes the backfill. Per-file failures are recorded in the state and
// do not stop the run; the file is retried next time.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{DryRun: r.cfg.DryRun}
	if !r.cfg.DryRun && r.ingester == nil {
		return sum, fmt.Errorf("backfill: no ingester configured")
	}

	var state *BackfillState
	if !r.cfg.DryRun {
		var err error
		state, err = LoadState(r.cfg.StatePath)
		if err != nil {
			return sum, fmt.Errorf("load state: %w", err)
		}
		sum.StatePath = state.Path()
	}

	files, err := discoverFiles(expandHome(r.cfg.Dir))
	if err != nil {
		return sum, fmt.Errorf("discover files: %w", err)
	}
	sum.FilesFound = len(files)

	pending := files
	if state != nil {
		pending = lo.Filter(files, func(path string, _ int) bool {
			return !state.IsProcessed(path)
		})
		state.FilesRemaining = len(pending)
	}
	sum.FilesSkipped = len(files) - len(pending)

	r.logger.Info("files discovered",
		"dir", r.cfg.Dir,
		"found", sum.FilesFound,
		"pending", len(pending),
		"dry_run", r.cfg.DryRun,
	)

	for _, path := range pending {
		select {
		case <-ctx.Done():
			r.logger.Info("backfill interrupted, saving state")
			r.save(state)
			return sum, ctx.Err()
		default:
		}

		if r.cfg.DryRun {
			n, err := countTriads(path)
			if err != nil {
				r.logger.Warn("failed to read transcript", "path", path, "error", err)
				sum.Errors++
				continue
			}
			r.logger.Info("dry run", "path", path, "winning_triads", n)
			sum.TriadsFound += n
			sum.FilesProcessed++
			continue
		}

		res, err := r.ingester.IngestFile(ctx, path)
		if err != nil {
			r.logger.Error("ingestion failed", "path", path, "error", err)
			state.AddError(fmt.Sprintf("ingest %s: %v", path, err))
			sum.Errors++
			r.save(state)
			continue
		}

		r.logger.Info("file processed", "path", path, "inserted", res.Inserted)
		sum.Inserted += res.Inserted
		sum.TriadsFound += len(res.Records)
		sum.FilesProcessed++

		state.MarkProcessed(path)
		state.FilesRemaining--
		state.TriadsFound += len(res.Records)
		state.NuggetsInserted += res.Inserted
		r.save(state)
	}

	r.logger.Info("backfill complete",
		"files_processed", sum.FilesProcessed,
		"inserted", sum.Inserted,
		"errors", sum.Errors,
		"dry_run", r.cfg.DryRun,
	)
	return sum, nil
}

func (r *Runner) save(state *BackfillState) {
	if state == nil {
		return
	}
	if err := state.Save(); err != nil {
		r.logger.Warn("failed to save backfill state", "path", state.Path(), "error", err)
	}
}

// discoverFiles returns every *.json file under dir, sorted.
func discoverFiles(dir string) ([]string, error) {
	var all []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			all = append(all, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	files := lo.Filter(all, func(path string, _ int) bool {
		return strings.EqualFold(filepath.Ext(path), ".json")
	})
	sort.Strings(files)
	return files, nil
}

func countTriads(path string) (int, error) {
	payload, err := transcript.Load(path)
	if err != nil {
		return 0, err
	}
	return len(harvest.IdentifyWinningTriads(payload.Messages)), nil
}
