package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/extractops/fieldtune/internal/common"
	"github.com/extractops/fieldtune/internal/export"
	"github.com/extractops/fieldtune/internal/llm"
	"github.com/extractops/fieldtune/internal/llm/openai"
	"github.com/extractops/fieldtune/internal/optimizer"
	"github.com/extractops/fieldtune/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var (
		reqPath  = flag.String("request", "", "path to the batch request JSON file")
		xlsxPath = flag.String("xlsx", "", "write a review workbook to this path")
		enqueue  = flag.Bool("enqueue", false, "queue the run for the daemon instead of running locally")
		timeout  = flag.Duration("timeout", 30*time.Minute, "overall run timeout")
	)
	flag.Parse()

	if *reqPath == "" {
		logger.Error("usage: fieldtune -request <file.json> [-xlsx out.xlsx] [-enqueue]")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*reqPath)
	if err != nil {
		logger.Error("read request", "path", *reqPath, "error", err)
		os.Exit(1)
	}
	var env optimizer.RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Error("decode request", "path", *reqPath, "error", err)
		os.Exit(1)
	}

	cfg := common.LoadConfig()

	ctx, cancel := common.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *enqueue {
		if err := enqueueRun(ctx, cfg, env, raw, logger); err != nil {
			logger.Error("enqueue run", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runLocal(ctx, cfg, env, *xlsxPath, logger); err != nil {
		logger.Error("run", "error", err)
		os.Exit(1)
	}
}

func enqueueRun(ctx context.Context, cfg *common.Config, env optimizer.RequestEnvelope, raw []byte, logger *slog.Logger) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("DB_URL env var is required for -enqueue")
	}
	pool, err := repository.Open(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        2,
		MinConns:        1,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer repository.Close(pool, logger)

	if err := repository.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	runID := uuid.New()
	model := env.TestModel
	if model == "" {
		model = cfg.Optimizer.TestModel
	}
	if err := repository.NewRunRepository(pool, logger).Enqueue(ctx, runID, model, raw); err != nil {
		return err
	}
	fmt.Println(runID.String())
	return nil
}

func runLocal(ctx context.Context, cfg *common.Config, env optimizer.RequestEnvelope, xlsxPath string, logger *slog.Logger) error {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("OPENAI_API_KEY env var is required")
	}

	extractor := llm.NewExtractionClient(llm.ExtractionConfig{
		BaseURL: cfg.LLM.ExtractBaseURL,
		APIKey:  cfg.LLM.ExtractAPIKey,
	}, logger)
	rewriter := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Lenient:     true,
	}, logger)

	req := env.ToBatchRequest(optimizer.RuntimeConfig{
		TestModel:             cfg.Optimizer.TestModel,
		MaxDocs:               cfg.Optimizer.MaxDocs,
		MaxIterations:         cfg.Optimizer.MaxIterations,
		FieldConcurrency:      cfg.Optimizer.FieldConcurrency,
		ExtractionConcurrency: cfg.Optimizer.ExtractionConcurrency,
	})

	printPriorOutcomes(ctx, cfg.Journal.Path, req.Fields, logger)

	sched := optimizer.NewScheduler(extractor, rewriter, logger)
	progress, resultCh, err := sched.Run(ctx, req)
	if err != nil {
		return err
	}

	for p := range progress {
		fmt.Fprintf(os.Stderr, "\r%d/%d fields done, %d in flight ",
			p.FieldsProcessed, p.TotalFields, len(p.Processing))
	}
	fmt.Fprintln(os.Stderr)

	batch := <-resultCh

	if err := recordJournal(ctx, cfg.Journal.Path, batch, logger); err != nil {
		logger.Warn("journal write failed", "error", err)
	}

	for _, fr := range batch.PerField {
		line := fmt.Sprintf("%-24s %-16s", fr.FieldKey, fr.Status)
		switch {
		case fr.Unmeasurable:
			line += " accuracy n/a (no scorable documents)"
		case fr.Unverified:
			line += " accuracy n/a (no ground truth)"
		default:
			line += fmt.Sprintf(" %5.1f%% -> %5.1f%%", fr.InitialAccuracy*100, fr.FinalAccuracy*100)
		}
		if fr.Improved {
			line += "  improved"
		}
		fmt.Println(line)
	}

	if xlsxPath != "" {
		buf, err := export.NewService(logger).BuildReviewXLSX(batch)
		if err != nil {
			return fmt.Errorf("build workbook: %w", err)
		}
		if err := os.WriteFile(xlsxPath, buf, 0o644); err != nil {
			return fmt.Errorf("write workbook: %w", err)
		}
		logger.Info("workbook written", "path", xlsxPath)
	}
	return nil
}

// printPriorOutcomes surfaces the last journaled result per field so the
// operator can see whether a prompt has been churned on before. Best effort:
// a missing or unreadable journal never blocks the run.
func printPriorOutcomes(ctx context.Context, path string, fields []optimizer.FieldSpec, logger *slog.Logger) {
	j, err := repository.OpenJournal(path, logger)
	if err != nil {
		logger.Warn("journal open failed", "error", err)
		return
	}
	defer j.Close()

	for _, f := range fields {
		history, err := j.FieldHistory(ctx, f.Key, 1)
		if err != nil {
			logger.Warn("journal history failed", "field", f.Key, "error", err)
			return
		}
		if len(history) == 0 {
			continue
		}
		prev := history[0]
		fmt.Fprintf(os.Stderr, "%s: last run %s, %.1f%% -> %.1f%%\n",
			f.Key, prev.Status, prev.InitialAccuracy*100, prev.FinalAccuracy*100)
	}
}

func recordJournal(ctx context.Context, path string, batch *optimizer.OptimizationBatchResult, logger *slog.Logger) error {
	j, err := repository.OpenJournal(path, logger)
	if err != nil {
		return err
	}
	defer j.Close()
	return j.Record(ctx, batch)
}
