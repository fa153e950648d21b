package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/extractops/fieldtune/constants"
	"github.com/extractops/fieldtune/internal/common"
	"github.com/extractops/fieldtune/internal/llm"
	"github.com/extractops/fieldtune/internal/llm/openai"
	"github.com/extractops/fieldtune/internal/optimizer"
	"github.com/extractops/fieldtune/internal/repository"
)

const drainInterval = 5 * time.Second

func main() {
	// Logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := logger.Sugar()

	// Internal packages log through slog.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Env
	cfg := common.LoadConfig()
	if cfg.Database.DSN == "" {
		log.Fatal("DB_URL env var is required")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Context with signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// DB Pool
	pool, err := repository.Open(ctx, repository.Config{
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, slogger)
	if err != nil {
		log.Fatalf("creating DB pool: %v", err)
	}
	defer repository.Close(pool, slogger)

	// Healthcheck DB on startup
	if err := repository.HealthCheck(ctx, pool, cfg.Database.DialTimeout, slogger); err != nil {
		log.Fatalf("DB health failed: %v", err)
	}
	log.Infow("DB health OK")

	if err := repository.Migrate(ctx, pool, slogger); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	// gRPC server
	grpcServer := grpc.NewServer()
	// Health service
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	// Reflection for grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Infof("gRPC serving on %s", cfg.Server.GRPCAddr)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	// Gateways and stores
	extractor := llm.NewExtractionClient(llm.ExtractionConfig{
		BaseURL: cfg.LLM.ExtractBaseURL,
		APIKey:  cfg.LLM.ExtractAPIKey,
	}, slogger)
	rewriter := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Lenient:     true,
	}, slogger)

	worker := &runWorker{
		sched:    optimizer.NewScheduler(extractor, rewriter, slogger),
		runs:     repository.NewRunRepository(pool, slogger),
		prompts:  repository.NewPromptVersionRepository(pool, slogger),
		defaults: cfg.Optimizer,
		log:      log,
	}
	go worker.drain(ctx)

	<-ctx.Done()
	log.Info("shutting down...")
	grpcServer.GracefulStop()
	fmt.Println("stopped.")
}

type runWorker struct {
	sched    *optimizer.Scheduler
	runs     repository.RunRepository
	prompts  repository.PromptVersionRepository
	defaults common.OptimizerConfig
	log      *zap.SugaredLogger
}

// drain polls for queued runs and executes them one at a time. Field level
// concurrency happens inside the scheduler; one run per process keeps the
// extraction service load predictable.
func (w *runWorker) drain(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runID, payload, ok, err := w.runs.ClaimQueued(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Errorw("claim queued run", "err", err)
			continue
		}
		if !ok {
			continue
		}

		if err := w.execute(ctx, runID, payload); err != nil {
			w.log.Errorw("run failed", "run_id", runID, "err", err)
			_ = w.runs.Finish(context.WithoutCancel(ctx), runID, constants.RunStatusFailed,
				&optimizer.OptimizationBatchResult{RunID: runID.String()})
		} else {
			w.log.Infow("run finished", "run_id", runID)
		}
	}
}

func (w *runWorker) execute(ctx context.Context, runID uuid.UUID, payload []byte) error {
	var env optimizer.RequestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	req := env.ToBatchRequest(optimizer.RuntimeConfig{
		TestModel:             w.defaults.TestModel,
		MaxDocs:               w.defaults.MaxDocs,
		MaxIterations:         w.defaults.MaxIterations,
		FieldConcurrency:      w.defaults.FieldConcurrency,
		ExtractionConcurrency: w.defaults.ExtractionConcurrency,
	})

	// Queued requests may name fields without a prompt body; pull the latest
	// stored version for those.
	if err := repository.ResolveCurrentPrompts(ctx, w.prompts, req.Fields); err != nil {
		return err
	}

	if err := w.runs.Start(ctx, runID, req.Config.TestModel, len(req.Fields)); err != nil {
		return err
	}

	progress, resultCh, err := w.sched.Run(ctx, req)
	if err != nil {
		return err
	}
	for range progress {
		// Drained for its side effect: loops never block on a slow consumer.
	}
	batch := <-resultCh

	status := constants.RunStatusCompleted
	if batch.Cancelled {
		status = constants.RunStatusCancelled
	}

	// Persist even on shutdown so the claimed run is not lost.
	pctx := context.WithoutCancel(ctx)
	if err := w.runs.Finish(pctx, runID, status, batch); err != nil {
		return err
	}
	for _, fr := range batch.PerField {
		if !fr.Improved {
			continue
		}
		if err := w.prompts.Save(pctx, &repository.PromptVersion{
			FieldKey: fr.FieldKey,
			Body:     fr.FinalPrompt,
			Accuracy: fr.FinalAccuracy,
			RunID:    runID,
		}); err != nil {
			return err
		}
	}
	return nil
}
